package web3

import (
	"context"
	"encoding/json"
)

// Capabilities 是函数注册表可以调用的全部链上能力。
type Capabilities interface {
	Balance(ctx context.Context, address string) (*Balance, error)
	LatestBlock(ctx context.Context) (*Block, error)
	BlockByTag(ctx context.Context, tag string, txDetail bool) (*Block, error)
	TransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	TransactionStatus(ctx context.Context, hash string) (*TransactionStatus, error)
	TransactionsByAddress(ctx context.Context, address, session string, limit int) (*TransactionPage, error)
	ContractABI(ctx context.Context, address string) (*ContractABI, error)
	CreateWallet(ctx context.Context) (*Wallet, error)
	Transfer(ctx context.Context, req TransferRequest) (*TxReceipt, error)
	Wrap(ctx context.Context, amount string) (*TxReceipt, error)
	Swap(ctx context.Context, req SwapRequest) (*SwapResult, error)
}

// ExplorerCredentials 是单次请求携带的区块浏览器凭据。
type ExplorerCredentials struct {
	APIKey string `json:"apiKey"`
}

// Balance 描述地址的原生代币余额。
type Balance struct {
	Address     string `json:"address"`
	Wei         string `json:"wei"`
	Balance     string `json:"balance"`
	Symbol      string `json:"symbol,omitempty"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Block 是区块摘要。
type Block struct {
	Number             uint64        `json:"number"`
	Hash               string        `json:"hash"`
	ParentHash         string        `json:"parentHash"`
	Timestamp          uint64        `json:"timestamp"`
	Time               string        `json:"time"`
	GasUsed            uint64        `json:"gasUsed"`
	GasLimit           uint64        `json:"gasLimit"`
	BaseFeePerGas      string        `json:"baseFeePerGas,omitempty"`
	Miner              string        `json:"miner"`
	TransactionCount   int           `json:"transactionCount"`
	Transactions       []string      `json:"transactions,omitempty"`
	TransactionDetails []Transaction `json:"transactionDetails,omitempty"`
}

// Transaction 是交易详情。
type Transaction struct {
	Hash        string `json:"hash"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Value       string `json:"value"`
	Nonce       uint64 `json:"nonce"`
	Gas         uint64 `json:"gas"`
	GasPrice    string `json:"gasPrice,omitempty"`
	Input       string `json:"input,omitempty"`
	Type        uint8  `json:"type"`
	Pending     bool   `json:"pending"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// TxState 是交易的确认状态。
type TxState string

const (
	TxSuccess TxState = "success"
	TxFailed  TxState = "failed"
	TxPending TxState = "pending"
)

// TransactionStatus 是交易回执摘要。
type TransactionStatus struct {
	Hash        string  `json:"hash"`
	Status      TxState `json:"status"`
	BlockNumber uint64  `json:"blockNumber,omitempty"`
	GasUsed     uint64  `json:"gasUsed,omitempty"`
}

// ExplorerTransaction 是区块浏览器返回的交易记录。
type ExplorerTransaction struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	GasUsed         string `json:"gasUsed"`
	IsError         string `json:"isError"`
	ContractAddress string `json:"contractAddress,omitempty"`
	FunctionName    string `json:"functionName,omitempty"`
}

// TransactionPage 是分页的地址交易列表，Session 为空表示没有下一页。
type TransactionPage struct {
	Address      string                `json:"address"`
	Transactions []ExplorerTransaction `json:"transactions"`
	Session      string                `json:"session,omitempty"`
}

// ContractABI 是已验证合约的 ABI。
type ContractABI struct {
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

// Wallet 是新生成的钱包。
type Wallet struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// TransferRequest 描述一次转账，ContractAddress 为空时转原生代币。
type TransferRequest struct {
	To              string
	Amount          string
	ContractAddress string
}

// SwapRequest 描述一次代币兑换。
type SwapRequest struct {
	Amount              string
	FromContractAddress string
	ToContractAddress   string
}

// TxReceipt 是已发送交易的结果。
type TxReceipt struct {
	Hash        string  `json:"txHash"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Amount      string  `json:"amount,omitempty"`
	Token       string  `json:"token,omitempty"`
	Status      TxState `json:"status"`
	BlockNumber uint64  `json:"blockNumber,omitempty"`
}

// SwapResult 包含授权与兑换两笔交易。
type SwapResult struct {
	Approval *TxReceipt `json:"approval"`
	Swap     *TxReceipt `json:"swap"`
}
