// Package provider turns chain definitions into per-request blockchain
// capabilities. Each chain owns one long-lived JSON-RPC client; explorer
// clients are built per request because they carry caller credentials.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"ChainAI-Agent/internal/config"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/web3"
	"ChainAI-Agent/internal/web3/ethereum"
	"ChainAI-Agent/internal/web3/explorer"
)

// Chain 是注册表中的一条链。
type Chain struct {
	Name       string
	Definition web3.ChainDefinition
	Client     *ethereum.Client
}

// ChainInfo 是对外展示的链信息。
type ChainInfo struct {
	Name         string   `json:"name"`
	ChainID      int64    `json:"chainId"`
	NativeSymbol string   `json:"nativeSymbol"`
	Explorer     bool     `json:"explorer"`
	Tokens       []string `json:"tokens,omitempty"`
	Default      bool     `json:"default"`
}

// Registry 按链 ID 管理链客户端。
type Registry struct {
	defaultChainID int64
	explorerAPIKey string
	httpClient     *http.Client
	chains         map[int64]*Chain
}

// Option 自定义注册表。
type Option func(*Registry)

// WithExplorerAPIKey 设置请求未携带凭据时使用的浏览器 API Key。
func WithExplorerAPIKey(key string) Option {
	return func(r *Registry) {
		r.explorerAPIKey = strings.TrimSpace(key)
	}
}

// WithHTTPClient 指定浏览器请求使用的 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Registry) {
		r.httpClient = hc
	}
}

// New 使用已构造的链客户端创建注册表，defaultChainID 为 0 时取最小的链 ID。
func New(defaultChainID int64, chains []Chain, opts ...Option) (*Registry, error) {
	if len(chains) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "no chains configured")
	}
	r := &Registry{chains: make(map[int64]*Chain, len(chains))}
	for i := range chains {
		chain := chains[i]
		if chain.Client == nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("chain %s has no client", chain.Name))
		}
		id := chain.Client.ChainID()
		if _, dup := r.chains[id]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("chain id %d configured twice", id))
		}
		if chain.Definition.ChainID == 0 {
			chain.Definition.ChainID = id
		}
		r.chains[id] = &chain
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	if defaultChainID == 0 {
		defaultChainID = r.chainIDs()[0]
	}
	if _, ok := r.chains[defaultChainID]; !ok {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("default chain id %d is not configured", defaultChainID))
	}
	r.defaultChainID = defaultChainID
	return r, nil
}

// NewRegistry 读取链定义并拨号每条链的 RPC 节点。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	signer, err := ethereum.SignerFromEnv(cfg.SignerKeyEnv)
	if err != nil {
		return nil, err
	}
	confirm := web3.ConfirmPolicy{
		MaxAttempts: cfg.Confirm.MaxAttempts,
		Interval:    cfg.Confirm.Interval(),
		MaxInterval: cfg.Confirm.MaxInterval(),
	}

	// 按名称排序，保证初始化与报错顺序稳定。
	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	chains := make([]Chain, 0, len(names))
	closeAll := func() {
		for _, chain := range chains {
			chain.Client.Close()
		}
	}
	for _, name := range names {
		def := defs.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType != "" && chainType != "evm" {
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:          name,
			ChainID:       def.ChainID,
			RPCURL:        def.RPCURL,
			NativeSymbol:  def.NativeSymbol,
			WrappedNative: def.WrappedNative,
			SwapRouter:    def.SwapRouter,
			Signer:        signer,
			Confirm:       confirm,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		chains = append(chains, Chain{Name: name, Definition: def, Client: client})
	}

	registry, err := New(cfg.DefaultChainID, chains, WithExplorerAPIKey(cfg.ExplorerAPIKey()))
	if err != nil {
		closeAll()
		return nil, err
	}
	return registry, nil
}

// capabilities 组合 RPC 客户端与浏览器客户端。
type capabilities struct {
	*ethereum.Client
	scan *explorer.Client
}

var _ web3.Capabilities = capabilities{}

func (c capabilities) TransactionsByAddress(ctx context.Context, address, session string, limit int) (*web3.TransactionPage, error) {
	return c.scan.TransactionsByAddress(ctx, address, session, limit)
}

func (c capabilities) ContractABI(ctx context.Context, address string) (*web3.ContractABI, error) {
	return c.scan.ContractABI(ctx, address)
}

// Capabilities 返回指定链上的全部能力，chainID 为 0 时使用默认链。
func (r *Registry) Capabilities(chainID int64, creds web3.ExplorerCredentials) (web3.Capabilities, error) {
	chain, err := r.chain(chainID)
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(creds.APIKey)
	if apiKey == "" {
		apiKey = r.explorerAPIKey
	}
	var opts []explorer.Option
	if r.httpClient != nil {
		opts = append(opts, explorer.WithHTTPClient(r.httpClient))
	}
	return capabilities{
		Client: chain.Client,
		scan:   explorer.NewClient(chain.Definition.ExplorerURL, apiKey, opts...),
	}, nil
}

// Supports 判断链 ID 是否已配置，0 表示默认链。
func (r *Registry) Supports(chainID int64) bool {
	_, err := r.chain(chainID)
	return err == nil
}

// DefaultChainID 返回默认链 ID。
func (r *Registry) DefaultChainID() int64 {
	if r == nil {
		return 0
	}
	return r.defaultChainID
}

// TokenSymbols 返回链上已登记的代币表，用于补充函数说明。
func (r *Registry) TokenSymbols(chainID int64) string {
	chain, err := r.chain(chainID)
	if err != nil {
		return ""
	}
	return chain.Definition.TokenSymbols()
}

// Chains 返回全部链的展示信息，按链 ID 排序。
func (r *Registry) Chains() []ChainInfo {
	if r == nil {
		return nil
	}
	ids := r.chainIDs()
	infos := make([]ChainInfo, 0, len(ids))
	for _, id := range ids {
		chain := r.chains[id]
		tokens := make([]string, 0, len(chain.Definition.Tokens))
		for symbol := range chain.Definition.Tokens {
			tokens = append(tokens, symbol)
		}
		sort.Strings(tokens)
		symbol := chain.Definition.NativeSymbol
		if symbol == "" {
			symbol = "ETH"
		}
		infos = append(infos, ChainInfo{
			Name:         chain.Name,
			ChainID:      id,
			NativeSymbol: symbol,
			Explorer:     strings.TrimSpace(chain.Definition.ExplorerURL) != "",
			Tokens:       tokens,
			Default:      id == r.defaultChainID,
		})
	}
	return infos
}

// Close 释放全部链客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, chain := range r.chains {
		chain.Client.Close()
		delete(r.chains, id)
	}
}

func (r *Registry) chain(chainID int64) (*Chain, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "chain registry is not initialized")
	}
	if chainID == 0 {
		chainID = r.defaultChainID
	}
	chain, ok := r.chains[chainID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported chainId %d", chainID))
	}
	return chain, nil
}

func (r *Registry) chainIDs() []int64 {
	ids := make([]int64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
