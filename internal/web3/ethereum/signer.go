package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 持有用于发送交易的本地私钥。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner 从十六进制私钥创建签名器。
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey 使用已有私钥创建签名器。
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// SignerFromEnv 从环境变量读取私钥，变量未设置时返回 nil。
func SignerFromEnv(name string) (*Signer, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil
	}
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return nil, nil
	}
	return NewSigner(value)
}

// Address 返回签名器地址。
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}
