package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain and the contracts the agent may use on it.
type ChainDefinition struct {
	Type          string            `yaml:"type"`
	ChainID       int64             `yaml:"chain_id"`
	RPCURL        string            `yaml:"rpc_url"`
	ExplorerURL   string            `yaml:"explorer_url"`
	NativeSymbol  string            `yaml:"native_symbol"`
	WrappedNative string            `yaml:"wrapped_native"`
	SwapRouter    string            `yaml:"swap_router"`
	Tokens        map[string]string `yaml:"tokens"`
	Description   string            `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes and validates chain definitions.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}

	seen := make(map[int64]string, len(defs.Chains))
	for name, chain := range defs.Chains {
		if chain.ChainID <= 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 chain_id", name)
		}
		if other, dup := seen[chain.ChainID]; dup {
			return ChainDefinitions{}, fmt.Errorf("链 %s 与 %s 使用了相同的 chain_id %d", name, other, chain.ChainID)
		}
		seen[chain.ChainID] = name
		for _, addr := range []string{chain.WrappedNative, chain.SwapRouter} {
			if addr != "" && !common.IsHexAddress(addr) {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的合约地址 %q 无效", name, addr)
			}
		}
		for symbol, addr := range chain.Tokens {
			if !common.IsHexAddress(addr) {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的代币 %s 地址无效", name, symbol)
			}
		}
	}
	return defs, nil
}

// TokenSymbols 返回按符号排序的代币表，用于拼接函数参数说明。
func (d ChainDefinition) TokenSymbols() string {
	if len(d.Tokens) == 0 {
		return ""
	}
	symbols := make([]string, 0, len(d.Tokens))
	for symbol := range d.Tokens {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	parts := make([]string, len(symbols))
	for i, symbol := range symbols {
		parts[i] = fmt.Sprintf("%s=%s", symbol, d.Tokens[symbol])
	}
	return strings.Join(parts, ", ")
}
