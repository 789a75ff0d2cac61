// Package explorer queries an Etherscan-compatible block explorer API for data
// that plain JSON-RPC does not index, such as per-address transaction history
// and verified contract ABIs.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainAI-Agent/internal/web3"
)

const (
	defaultTimeout = 15 * time.Second
	DefaultLimit   = 20
	MaxLimit       = 100
)

// ErrNotConfigured 表示当前链没有配置区块浏览器。
var ErrNotConfigured = errors.New("block explorer is not configured for this chain")

// Client 调用区块浏览器的 account / contract 模块。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option 自定义客户端。
type Option func(*Client)

// WithHTTPClient 指定 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient 创建浏览器客户端，baseURL 为空时所有查询返回 ErrNotConfigured。
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// TransactionsByAddress 分页查询地址的交易，session 是上一页返回的游标。
func (c *Client) TransactionsByAddress(ctx context.Context, address, session string, limit int) (*web3.TransactionPage, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("address %q is not a valid address", address)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	page := 1
	if session = strings.TrimSpace(session); session != "" {
		n, err := strconv.Atoi(session)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("session %q is not a valid page cursor", session)
		}
		page = n
	}

	env, err := c.get(ctx, url.Values{
		"module":  {"account"},
		"action":  {"txlist"},
		"address": {address},
		"page":    {strconv.Itoa(page)},
		"offset":  {strconv.Itoa(limit)},
		"sort":    {"desc"},
	})
	if err != nil {
		return nil, err
	}

	result := &web3.TransactionPage{Address: common.HexToAddress(address).Hex(), Transactions: []web3.ExplorerTransaction{}}
	if env.Status != "1" {
		if strings.Contains(strings.ToLower(env.Message), "no transactions found") {
			return result, nil
		}
		return nil, envelopeError(env)
	}
	if err := json.Unmarshal(env.Result, &result.Transactions); err != nil {
		return nil, fmt.Errorf("decode explorer transactions: %w", err)
	}
	if len(result.Transactions) == limit {
		result.Session = strconv.Itoa(page + 1)
	}
	return result, nil
}

// ContractABI 查询已验证合约的 ABI。
func (c *Client) ContractABI(ctx context.Context, address string) (*web3.ContractABI, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("address %q is not a valid address", address)
	}
	env, err := c.get(ctx, url.Values{
		"module":  {"contract"},
		"action":  {"getabi"},
		"address": {address},
	})
	if err != nil {
		return nil, err
	}
	if env.Status != "1" {
		return nil, envelopeError(env)
	}
	var encoded string
	if err := json.Unmarshal(env.Result, &encoded); err != nil {
		return nil, fmt.Errorf("decode explorer abi: %w", err)
	}
	if !json.Valid([]byte(encoded)) {
		return nil, fmt.Errorf("explorer returned an invalid ABI for %s", address)
	}
	return &web3.ContractABI{Address: common.HexToAddress(address).Hex(), ABI: json.RawMessage(encoded)}, nil
}

func (c *Client) get(ctx context.Context, query url.Values) (*envelope, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build explorer request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request explorer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("explorer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode explorer response: %w", err)
	}
	return &env, nil
}

func envelopeError(env *envelope) error {
	var detail string
	if err := json.Unmarshal(env.Result, &detail); err != nil || detail == "" {
		detail = env.Message
	}
	if strings.Contains(strings.ToLower(detail), "api key") {
		return fmt.Errorf("explorer rejected the API key: %s", detail)
	}
	return fmt.Errorf("explorer error: %s", detail)
}
