package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
)

// Provider 标识语言模型后端。
type Provider string

const (
	ProviderOpenAI       Provider = "openai"
	ProviderGemini       Provider = "gemini"
	ProviderAnthropic    Provider = "anthropic"
	ProviderPythonBridge Provider = "python_bridge"
)

// ParseProvider 将外部输入规范化为 Provider。
func ParseProvider(value string) Provider {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "pythonbridge", "python-bridge", "python":
		return ProviderPythonBridge
	case "claude":
		return ProviderAnthropic
	}
	return Provider(normalized)
}

const (
	// SystemPreamble 是解释阶段的固定系统提示。
	SystemPreamble = "You are an AI assistant that helps users interact with Ethereum and Cronos blockchains. " +
		"You can use multiple functions if needed to fulfill the user's request."
	// SummaryPreamble 是总结阶段的固定系统提示。
	SummaryPreamble = "You are a helpful blockchain assistant. " +
		"Generate a clear, concise response based on the function results."
	// FallbackSummary 在总结阶段失败时返回给调用方。
	FallbackSummary = "Error generating final response"
	// EmptySummary 在模型返回空文本时使用。
	EmptySummary = "Unable to generate response"
)

// Config 是单次请求内构造后端所需的凭据与模型信息。
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ToolCall 是模型请求执行的一次函数调用。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Interpretation 是解释阶段的结果，同时作为总结阶段的关联凭据。
type Interpretation struct {
	Provider  Provider   `json:"provider"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// HasToolCalls 判断模型是否请求了函数调用。
func (i *Interpretation) HasToolCalls() bool {
	return i != nil && len(i.ToolCalls) > 0
}

// Status 表示单个函数调用的执行结果。
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailed  Status = "Failed"
)

// FunctionResult 与 ToolCall 一一对应。
type FunctionResult struct {
	Status Status `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// Succeeded 构造成功结果。
func Succeeded(data any) FunctionResult {
	return FunctionResult{Status: StatusSuccess, Data: data}
}

// Failed 构造带诊断信息的失败结果。
func Failed(format string, args ...any) FunctionResult {
	return FunctionResult{
		Status: StatusFailed,
		Data:   map[string]string{"message": fmt.Sprintf(format, args...)},
	}
}

// Content 返回结果在工具消息中的文本形式。
func (r FunctionResult) Content() string {
	encoded, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"status":%q}`, r.Status)
	}
	return string(encoded)
}

// ToolSpec 是暴露给模型的函数声明，Parameters 为 JSON Schema。
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Backend 定义了所有语言模型后端必须满足的契约。
type Backend interface {
	Interpret(ctx context.Context, query string, history conversation.History) (*Interpretation, error)
	Summarize(ctx context.Context, query string, history conversation.History, interp *Interpretation, results []FunctionResult) (string, error)
}

// Factory 根据单次请求的配置与函数声明构造后端。
type Factory func(cfg Config, tools []ToolSpec) (Backend, error)

// CheckResults 校验函数结果与工具调用一一对应。
func CheckResults(interp *Interpretation, results []FunctionResult) error {
	calls := 0
	if interp != nil {
		calls = len(interp.ToolCalls)
	}
	if calls != len(results) {
		return xerrors.New(xerrors.CodeSummarization,
			fmt.Sprintf("received %d results for %d tool calls", len(results), calls))
	}
	return nil
}

// DecodeArguments 将原始参数解析为对象，空参数视为空对象。
func DecodeArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// ContextText 将历史中的系统与工具消息转换为带角色前缀的普通文本，供不支持穿插这两类角色的后端使用。
func ContextText(turn conversation.Turn) string {
	switch turn.Role {
	case conversation.RoleSystem, conversation.RoleTool:
		return "[" + string(turn.Role) + "] " + turn.Content
	}
	return turn.Content
}

// ClassifyStatus 根据 HTTP 状态码归类后端错误。
func ClassifyStatus(provider Provider, status int, cause error) error {
	switch {
	case status == 401 || status == 403:
		return xerrors.Wrap(xerrors.CodeAuthentication, cause,
			fmt.Sprintf("%s rejected the API key", provider))
	case status == 404:
		return xerrors.Wrap(xerrors.CodeModelUnavailable, cause,
			fmt.Sprintf("%s model not found", provider))
	default:
		return BackendError(provider, cause)
	}
}

// BackendError 包装传输或解析错误，超时单独归类。
func BackendError(provider Provider, cause error) error {
	if cause == nil {
		return nil
	}
	if _, ok := xerrors.From(cause); ok {
		return cause
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, cause, fmt.Sprintf("%s call timed out", provider))
	}
	return xerrors.Wrap(xerrors.CodeBackendFailure, cause, fmt.Sprintf("%s call failed", provider))
}
