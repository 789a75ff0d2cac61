package query

import (
	"ChainAI-Agent/internal/conversation"
	"ChainAI-Agent/internal/web3"
)

// Request 是 POST /api/v1/chain-ai/query 的请求体。
type Request struct {
	Query   string  `json:"query"`
	Options Options `json:"options"`
}

// Options 是调用方可选的后端、凭据与上下文。
type Options struct {
	Backend             string                   `json:"backend,omitempty"`
	BackendConfig       BackendConfig            `json:"backendConfig"`
	ChainID             int64                    `json:"chainId,omitempty"`
	ExplorerCredentials web3.ExplorerCredentials `json:"explorerCredentials"`
	Context             conversation.History     `json:"context,omitempty"`
}

// BackendConfig 是调用方提供的模型凭据。
type BackendConfig struct {
	APIKey string `json:"apiKey,omitempty"`
	Model  string `json:"model,omitempty"`
}

// WithoutSecrets 返回去除了全部凭据的副本，用于持久化异步任务。
func (r Request) WithoutSecrets() Request {
	clean := r
	clean.Options.BackendConfig.APIKey = ""
	clean.Options.ExplorerCredentials = web3.ExplorerCredentials{}
	clean.Options.Context = r.Options.Context.Clone()
	return clean
}

// HasSecrets 判断请求是否携带了调用方凭据。
func (r Request) HasSecrets() bool {
	return r.Options.BackendConfig.APIKey != "" || r.Options.ExplorerCredentials.APIKey != ""
}
