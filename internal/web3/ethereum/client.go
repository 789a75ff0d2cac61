package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"ChainAI-Agent/internal/web3"
)

const (
	nativeDecimals = 18
	swapDeadline   = 20 * time.Minute
	// 预估 gas 之上的余量，单位为百分比。
	gasMarginPercent = 20
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name          string
	ChainID       int64
	RPCURL        string
	NativeSymbol  string
	WrappedNative string
	SwapRouter    string
	Signer        *Signer
	Confirm       web3.ConfirmPolicy
}

// chainBackend is the subset of JSON-RPC methods the client relies on. Both
// ethclient.Client and simulated.Client satisfy it.
type chainBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*coretypes.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Client implements the JSON-RPC half of web3.Capabilities for EVM chains.
type Client struct {
	name    string
	chainID *big.Int
	symbol  string
	wrapped common.Address
	router  common.Address
	signer  *Signer
	confirm web3.ConfirmPolicy
	backend chainBackend
	// commit 仅在模拟链上设置，用于在轮询回执前出块。
	commit func()
	closer func()
	now    func() time.Time
	// 同一签名器的交易串行发送，避免 nonce 冲突。
	sendMu sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("未配置链 ID")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}
	client := newClient(cfg, eth)
	client.closer = eth.Close
	return client, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for tests.
func NewSimulatedClient(cfg Config, backend *simulated.Backend) *Client {
	if cfg.ChainID <= 0 {
		cfg.ChainID = 1337
	}
	client := newClient(cfg, backend.Client())
	client.commit = func() { backend.Commit() }
	return client
}

func newClient(cfg Config, backend chainBackend) *Client {
	symbol := cfg.NativeSymbol
	if symbol == "" {
		symbol = "ETH"
	}
	c := &Client{
		name:    cfg.Name,
		chainID: big.NewInt(cfg.ChainID),
		symbol:  symbol,
		signer:  cfg.Signer,
		confirm: cfg.Confirm.Normalize(),
		backend: backend,
		now:     time.Now,
	}
	if common.IsHexAddress(cfg.WrappedNative) {
		c.wrapped = common.HexToAddress(cfg.WrappedNative)
	}
	if common.IsHexAddress(cfg.SwapRouter) {
		c.router = common.HexToAddress(cfg.SwapRouter)
	}
	return c
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// ChainID 返回链 ID。
func (c *Client) ChainID() int64 { return c.chainID.Int64() }

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c != nil && c.closer != nil {
		c.closer()
	}
}

// Balance 查询地址的原生代币余额。
func (c *Client) Balance(ctx context.Context, address string) (*web3.Balance, error) {
	addr, err := parseAddress("address", address)
	if err != nil {
		return nil, err
	}
	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("query block number: %w", err)
	}
	balance, err := c.backend.BalanceAt(ctx, addr, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return &web3.Balance{
		Address:     addr.Hex(),
		Wei:         balance.String(),
		Balance:     web3.FormatUnits(balance, nativeDecimals),
		Symbol:      c.symbol,
		BlockNumber: height,
	}, nil
}

// LatestBlock 返回最新区块摘要。
func (c *Client) LatestBlock(ctx context.Context) (*web3.Block, error) {
	return c.BlockByTag(ctx, "latest", false)
}

// BlockByTag 按编号或标签（earliest/latest/pending/safe/finalized）查询区块。
func (c *Client) BlockByTag(ctx context.Context, tag string, txDetail bool) (*web3.Block, error) {
	number, err := parseBlockTag(tag)
	if err != nil {
		return nil, err
	}
	block, err := c.backend.BlockByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("block %s not found", tag)
		}
		return nil, fmt.Errorf("query block %s: %w", tag, err)
	}
	return c.blockSummary(block, txDetail), nil
}

// TransactionByHash 查询交易详情。
func (c *Client) TransactionByHash(ctx context.Context, hash string) (*web3.Transaction, error) {
	txHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	tx, pending, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("transaction %s not found", hash)
		}
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	summary := c.txSummary(tx)
	summary.Pending = pending
	if !pending {
		if receipt, err := c.backend.TransactionReceipt(ctx, txHash); err == nil && receipt.BlockNumber != nil {
			summary.BlockNumber = receipt.BlockNumber.Uint64()
		}
	}
	return &summary, nil
}

// TransactionStatus 查询交易回执状态。
func (c *Client) TransactionStatus(ctx context.Context, hash string) (*web3.TransactionStatus, error) {
	txHash, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err == nil {
		return receiptStatus(receipt), nil
	}
	if !errors.Is(err, gethcore.NotFound) {
		return nil, fmt.Errorf("query receipt: %w", err)
	}
	if _, pending, txErr := c.backend.TransactionByHash(ctx, txHash); txErr == nil && pending {
		return &web3.TransactionStatus{Hash: txHash.Hex(), Status: web3.TxPending}, nil
	}
	return nil, fmt.Errorf("transaction %s not found", hash)
}

// CreateWallet 生成随机钱包，不依赖链连接。
func (c *Client) CreateWallet(context.Context) (*web3.Wallet, error) {
	return NewWallet()
}

// NewWallet 在本地生成 secp256k1 密钥对。
func NewWallet() (*web3.Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &web3.Wallet{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
	}, nil
}

// Transfer 转账原生代币或 ERC-20 代币。
func (c *Client) Transfer(ctx context.Context, req web3.TransferRequest) (*web3.TxReceipt, error) {
	to, err := parseAddress("to", req.To)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ContractAddress) == "" {
		value, err := web3.ParseUnits(req.Amount, nativeDecimals)
		if err != nil {
			return nil, err
		}
		receipt, err := c.send(ctx, to, value, nil)
		if err != nil {
			return receipt, err
		}
		receipt.To = to.Hex()
		receipt.Amount = req.Amount
		receipt.Token = c.symbol
		return receipt, nil
	}

	token, err := parseAddress("contractAddress", req.ContractAddress)
	if err != nil {
		return nil, err
	}
	value, err := c.tokenAmount(ctx, token, req.Amount)
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("transfer", to, value)
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}
	receipt, err := c.send(ctx, token, new(big.Int), data)
	if err != nil {
		return receipt, err
	}
	receipt.To = to.Hex()
	receipt.Amount = req.Amount
	receipt.Token = token.Hex()
	return receipt, nil
}

// Wrap 将原生代币存入包装合约。
func (c *Client) Wrap(ctx context.Context, amount string) (*web3.TxReceipt, error) {
	if c.wrapped == (common.Address{}) {
		return nil, fmt.Errorf("wrapped native token is not configured for chain %d", c.ChainID())
	}
	value, err := web3.ParseUnits(amount, nativeDecimals)
	if err != nil {
		return nil, err
	}
	data, err := wrappedNativeABI.Pack("deposit")
	if err != nil {
		return nil, fmt.Errorf("encode deposit: %w", err)
	}
	receipt, err := c.send(ctx, c.wrapped, value, data)
	if err != nil {
		return receipt, err
	}
	receipt.Amount = amount
	receipt.Token = c.symbol
	return receipt, nil
}

// Swap 先授权路由合约，再通过 swapExactTokensForTokens 兑换。
func (c *Client) Swap(ctx context.Context, req web3.SwapRequest) (*web3.SwapResult, error) {
	if c.router == (common.Address{}) {
		return nil, fmt.Errorf("swap router is not configured for chain %d", c.ChainID())
	}
	from, err := parseAddress("fromContractAddress", req.FromContractAddress)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress("toContractAddress", req.ToContractAddress)
	if err != nil {
		return nil, err
	}
	if c.signer == nil {
		return nil, errNoSigner
	}
	amountIn, err := c.tokenAmount(ctx, from, req.Amount)
	if err != nil {
		return nil, err
	}

	approveData, err := erc20ABI.Pack("approve", c.router, amountIn)
	if err != nil {
		return nil, fmt.Errorf("encode approve: %w", err)
	}
	approval, err := c.send(ctx, from, new(big.Int), approveData)
	if err != nil {
		return &web3.SwapResult{Approval: approval}, fmt.Errorf("approve router: %w", err)
	}
	if approval.Status != web3.TxSuccess {
		return &web3.SwapResult{Approval: approval}, fmt.Errorf("approval transaction %s is %s", approval.Hash, approval.Status)
	}

	deadline := big.NewInt(c.now().Add(swapDeadline).Unix())
	swapData, err := routerABI.Pack("swapExactTokensForTokens",
		amountIn, new(big.Int), []common.Address{from, to}, c.signer.Address(), deadline)
	if err != nil {
		return nil, fmt.Errorf("encode swap: %w", err)
	}
	swap, err := c.send(ctx, c.router, new(big.Int), swapData)
	if err != nil {
		return &web3.SwapResult{Approval: approval, Swap: swap}, fmt.Errorf("swap: %w", err)
	}
	swap.Amount = req.Amount
	swap.Token = from.Hex()
	return &web3.SwapResult{Approval: approval, Swap: swap}, nil
}

var errNoSigner = errors.New("no signer key is configured for this chain")

// send 构造 EIP-1559 交易、签名、广播并等待有限次数的确认。
func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*web3.TxReceipt, error) {
	if c.signer == nil {
		return nil, errNoSigner
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("query nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("query head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * gasMarginPercent / 100

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.signer.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	result := &web3.TxReceipt{
		Hash:   signed.Hash().Hex(),
		From:   from.Hex(),
		To:     to.Hex(),
		Status: web3.TxPending,
	}
	// 交易已广播，此后的失败都必须带上哈希，避免调用方重复发送。
	receipt, err := c.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return result, fmt.Errorf("wait for receipt of %s: %w", result.Hash, err)
	}
	if receipt != nil {
		status := receiptStatus(receipt)
		result.Status = status.Status
		result.BlockNumber = status.BlockNumber
	}
	return result, nil
}

// waitForReceipt 按确认策略轮询回执。次数耗尽或上下文结束时返回 nil 表示仍在等待。
func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	for attempt := 0; attempt < c.confirm.MaxAttempts; attempt++ {
		if c.commit != nil {
			c.commit()
		}
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		if attempt == c.confirm.MaxAttempts-1 {
			break
		}
		timer := time.NewTimer(c.confirm.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
	return nil, nil
}

func (c *Client) tokenAmount(ctx context.Context, token common.Address, amount string) (*big.Int, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return nil, fmt.Errorf("encode decimals: %w", err)
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("query token decimals: %w", err)
	}
	var decimals uint8
	if err := erc20ABI.UnpackIntoInterface(&decimals, "decimals", out); err != nil {
		return nil, fmt.Errorf("contract %s does not look like an ERC-20 token: %w", token.Hex(), err)
	}
	return web3.ParseUnits(amount, int(decimals))
}

func (c *Client) blockSummary(block *coretypes.Block, txDetail bool) *web3.Block {
	summary := &web3.Block{
		Number:           block.NumberU64(),
		Hash:             block.Hash().Hex(),
		ParentHash:       block.ParentHash().Hex(),
		Timestamp:        block.Time(),
		Time:             time.Unix(int64(block.Time()), 0).UTC().Format(time.RFC3339),
		GasUsed:          block.GasUsed(),
		GasLimit:         block.GasLimit(),
		Miner:            block.Coinbase().Hex(),
		TransactionCount: len(block.Transactions()),
	}
	if block.BaseFee() != nil {
		summary.BaseFeePerGas = block.BaseFee().String()
	}
	for _, tx := range block.Transactions() {
		if txDetail {
			detail := c.txSummary(tx)
			detail.BlockNumber = summary.Number
			summary.TransactionDetails = append(summary.TransactionDetails, detail)
			continue
		}
		summary.Transactions = append(summary.Transactions, tx.Hash().Hex())
	}
	return summary
}

func (c *Client) txSummary(tx *coretypes.Transaction) web3.Transaction {
	summary := web3.Transaction{
		Hash:  tx.Hash().Hex(),
		Value: tx.Value().String(),
		Nonce: tx.Nonce(),
		Gas:   tx.Gas(),
		Type:  tx.Type(),
	}
	if price := tx.GasPrice(); price != nil {
		summary.GasPrice = price.String()
	}
	if to := tx.To(); to != nil {
		summary.To = to.Hex()
	}
	if len(tx.Data()) > 0 {
		summary.Input = hexutil.Encode(tx.Data())
	}
	if from, err := coretypes.Sender(coretypes.LatestSignerForChainID(c.chainID), tx); err == nil {
		summary.From = from.Hex()
	}
	return summary
}

func receiptStatus(receipt *coretypes.Receipt) *web3.TransactionStatus {
	status := &web3.TransactionStatus{
		Hash:    receipt.TxHash.Hex(),
		Status:  web3.TxFailed,
		GasUsed: receipt.GasUsed,
	}
	if receipt.Status == coretypes.ReceiptStatusSuccessful {
		status.Status = web3.TxSuccess
	}
	if receipt.BlockNumber != nil {
		status.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return status
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s %q is not a valid address", field, value)
	}
	return common.HexToAddress(value), nil
}

func parseHash(value string) (common.Hash, error) {
	value = strings.TrimSpace(value)
	raw, err := hexutil.Decode(value)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("txHash %q is not a valid transaction hash", value)
	}
	return common.BytesToHash(raw), nil
}

func parseBlockTag(tag string) (*big.Int, error) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "", "latest":
		return nil, nil
	case "earliest":
		return big.NewInt(0), nil
	case "pending":
		return big.NewInt(gethrpc.PendingBlockNumber.Int64()), nil
	case "safe":
		return big.NewInt(gethrpc.SafeBlockNumber.Int64()), nil
	case "finalized":
		return big.NewInt(gethrpc.FinalizedBlockNumber.Int64()), nil
	}
	tag = strings.TrimSpace(tag)
	if strings.HasPrefix(tag, "0x") || strings.HasPrefix(tag, "0X") {
		n, ok := new(big.Int).SetString(tag[2:], 16)
		if !ok {
			return nil, fmt.Errorf("blockTag %q is not a valid block number", tag)
		}
		return n, nil
	}
	n, ok := new(big.Int).SetString(tag, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("blockTag %q must be a block number or one of earliest, latest, pending, safe, finalized", tag)
	}
	return n, nil
}
