package functions

import (
	"context"
	"time"

	"ChainAI-Agent/internal/web3"
	"ChainAI-Agent/internal/web3/ethereum"
)

// Name 是暴露给模型的函数标识。
type Name string

const (
	GetBalance               Name = "getBalance"
	GetLatestBlock           Name = "getLatestBlock"
	GetBlockByTag            Name = "getBlockByTag"
	GetTransactionsByAddress Name = "getTransactionsByAddress"
	GetContractABI           Name = "getContractABI"
	GetTransactionByHash     Name = "getTransactionByHash"
	GetTransactionStatus     Name = "getTransactionStatus"
	CreateWallet             Name = "createWallet"
	TransferToken            Name = "transferToken"
	WrapToken                Name = "wrapToken"
	SwapToken                Name = "swapToken"
	GetCurrentTime           Name = "getCurrentTime"
)

// Invoker 调用链上能力完成一次函数调用。
type Invoker func(ctx context.Context, env Env, args Args) (any, error)

// Env 是函数执行时可用的依赖。
type Env struct {
	Chain web3.Capabilities
	Now   func() time.Time
}

// Spec 是函数表中的一项。
type Spec struct {
	Name        Name
	Description string
	Params      []Param
	// Offline 表示函数不依赖链上能力。
	Offline bool
	Invoke  Invoker
}

func int64Ptr(v int64) *int64 { return &v }

// table 按模型看到的顺序列出全部函数。
var table = []*Spec{
	{
		Name:        TransferToken,
		Description: "Transfer native token or a token (specified by its contract address) to a recipient address",
		Params: []Param{
			{Name: "to", Kind: KindString, Description: "Recipient's address", Required: true},
			{Name: "amount", Kind: KindNumber, Description: "Amount to be sent", Required: true},
			{Name: "contractAddress", Kind: KindString, Description: "Contract address of the token to send, empty for the native token", TokenTable: true},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.Transfer(ctx, web3.TransferRequest{
				To:              args.String("to"),
				Amount:          args.String("amount"),
				ContractAddress: args.String("contractAddress"),
			})
		},
	},
	{
		Name:        GetBalance,
		Description: "Get the current balance of the specified wallet address",
		Params: []Param{
			{Name: "address", Kind: KindString, Description: "Wallet address to get balance for", Required: true},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.Balance(ctx, args.String("address"))
		},
	},
	{
		Name:        GetLatestBlock,
		Description: "Get the latest block of the blockchain",
		Invoke: func(ctx context.Context, env Env, _ Args) (any, error) {
			return env.Chain.LatestBlock(ctx)
		},
	},
	{
		Name:        GetTransactionsByAddress,
		Description: "Get the list of transactions for a specified address",
		Params: []Param{
			{Name: "address", Kind: KindString, Description: "Address to get transactions for", Required: true},
			{Name: "session", Kind: KindString, Description: "Previous page session. Leave empty for first page"},
			{Name: "limit", Kind: KindInteger, Description: "Page size (max 100)", Minimum: int64Ptr(1), Maximum: int64Ptr(100), Default: int64(20)},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.TransactionsByAddress(ctx, args.String("address"), args.String("session"), args.Int("limit"))
		},
	},
	{
		Name:        GetContractABI,
		Description: "Get the ABI of a verified smart contract",
		Params: []Param{
			{Name: "address", Kind: KindString, Description: "Contract address to get ABI for", Required: true},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.ContractABI(ctx, args.String("address"))
		},
	},
	{
		Name:        GetTransactionByHash,
		Description: "Get the details of a transaction by its hash",
		Params: []Param{
			{Name: "txHash", Kind: KindString, Description: "Transaction hash to get details for", Required: true},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.TransactionByHash(ctx, args.String("txHash"))
		},
	},
	{
		Name:        GetBlockByTag,
		Description: `Get information about a block by its number or tag (e.g. "latest", "earliest", "pending")`,
		Params: []Param{
			{Name: "blockTag", Kind: KindString, Description: `Block number in integer or hex, or "earliest", "latest", "pending", "safe", "finalized"`, Required: true},
			{Name: "txDetail", Kind: KindBoolean, Description: "If true, returns full transaction objects; if false, only transaction hashes", Default: false},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.BlockByTag(ctx, args.String("blockTag"), args.Bool("txDetail"))
		},
	},
	{
		Name:        GetTransactionStatus,
		Description: "Get the status of a transaction by its hash",
		Params: []Param{
			{Name: "txHash", Kind: KindString, Description: "Transaction hash to get status for", Required: true},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.TransactionStatus(ctx, args.String("txHash"))
		},
	},
	{
		Name:        CreateWallet,
		Description: "Create a new random wallet",
		Offline:     true,
		Invoke: func(ctx context.Context, env Env, _ Args) (any, error) {
			if env.Chain == nil {
				return ethereum.NewWallet()
			}
			return env.Chain.CreateWallet(ctx)
		},
	},
	{
		Name:        WrapToken,
		Description: "Wrap the native token into its wrapped ERC-20 form",
		Params: []Param{
			{Name: "amount", Kind: KindNumber, Description: "Amount of native token to be wrapped", Required: true},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.Wrap(ctx, args.String("amount"))
		},
	},
	{
		Name:        SwapToken,
		Description: "Swap a token from `fromContractAddress` to `toContractAddress`",
		Params: []Param{
			{Name: "amount", Kind: KindNumber, Description: "Amount of token to be swapped", Required: true},
			{Name: "fromContractAddress", Kind: KindString, Description: "Contract address of the token to be swapped from", Required: true, TokenTable: true},
			{Name: "toContractAddress", Kind: KindString, Description: "Contract address of the token to be swapped to", Required: true, TokenTable: true},
		},
		Invoke: func(ctx context.Context, env Env, args Args) (any, error) {
			return env.Chain.Swap(ctx, web3.SwapRequest{
				Amount:              args.String("amount"),
				FromContractAddress: args.String("fromContractAddress"),
				ToContractAddress:   args.String("toContractAddress"),
			})
		},
	},
	{
		Name:        GetCurrentTime,
		Description: "Get the current local and UTC time",
		Offline:     true,
		Invoke: func(_ context.Context, env Env, _ Args) (any, error) {
			now := env.Now()
			return map[string]string{
				"localTime": now.Local().Format("2006-01-02 15:04:05 MST"),
				"utcTime":   now.UTC().Format(time.RFC1123),
			}, nil
		},
	},
}

// Names 返回全部函数名，顺序与声明一致。
func Names() []Name {
	names := make([]Name, len(table))
	for i, spec := range table {
		names[i] = spec.Name
	}
	return names
}
