// Package anthropic adapts the Anthropic Messages API to llm.Backend.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
)

const (
	defaultModelName  = "claude-3-5-sonnet-20241022"
	defaultMaxTokens  = 1024
	defaultMaxRetries = 2
	temperature       = 0.2
)

// Client 通过官方 SDK 调用 Claude。
type Client struct {
	api   sdk.Client
	model sdk.Model
	tools []sdk.ToolUnionParam
}

// Option 自定义客户端行为。
type Option func(*[]option.RequestOption)

// WithHTTPClient 指定底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(opts *[]option.RequestOption) {
		if hc != nil {
			*opts = append(*opts, option.WithHTTPClient(hc))
		}
	}
}

// WithMaxRetries 覆盖 SDK 的重试次数。
func WithMaxRetries(n int) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithMaxRetries(n))
	}
}

// NewClient 根据请求配置创建 Anthropic 后端。
func NewClient(cfg llm.Config, tools []llm.ToolSpec, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Anthropic API key is required")
	}
	requestOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(defaultMaxRetries),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&requestOpts)
		}
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	return &Client{
		api:   sdk.NewClient(requestOpts...),
		model: sdk.Model(model),
		tools: buildTools(tools),
	}, nil
}

// Factory 满足 llm.Factory。
func Factory(cfg llm.Config, tools []llm.ToolSpec) (llm.Backend, error) {
	return NewClient(cfg, tools)
}

// Interpret 请求模型解释用户提问，tool_use 块转换为工具调用。
func (c *Client) Interpret(ctx context.Context, query string, history conversation.History) (*llm.Interpretation, error) {
	messages := buildMessages(query, history)
	params := sdk.MessageNewParams{
		Model:       c.model,
		MaxTokens:   defaultMaxTokens,
		Messages:    messages,
		System:      systemBlocks(llm.SystemPreamble),
		Temperature: sdk.Float(temperature),
	}
	if len(c.tools) > 0 {
		params.Tools = c.tools
	}

	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	interp := &llm.Interpretation{Provider: llm.ProviderAnthropic}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			args := json.RawMessage(use.Input)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			interp.ToolCalls = append(interp.ToolCalls, llm.ToolCall{ID: use.ID, Name: use.Name, Arguments: args})
		}
	}
	interp.Content = text.String()
	return interp, nil
}

// Summarize 以 tool_use / tool_result 块回放工具调用并生成回答。
func (c *Client) Summarize(ctx context.Context, query string, history conversation.History, interp *llm.Interpretation, results []llm.FunctionResult) (string, error) {
	if err := llm.CheckResults(interp, results); err != nil {
		return "", err
	}

	messages := buildMessages(query, history)
	if interp.HasToolCalls() {
		uses := make([]sdk.ContentBlockParamUnion, 0, len(interp.ToolCalls)+1)
		if content := strings.TrimSpace(interp.Content); content != "" {
			uses = append(uses, sdk.NewTextBlock(content))
		}
		outputs := make([]sdk.ContentBlockParamUnion, len(interp.ToolCalls))
		for i, call := range interp.ToolCalls {
			input, err := llm.DecodeArguments(call.Arguments)
			if err != nil {
				input = map[string]any{"raw": string(call.Arguments)}
			}
			uses = append(uses, sdk.NewToolUseBlock(call.ID, input, call.Name))
			outputs[i] = sdk.NewToolResultBlock(call.ID, results[i].Content(), results[i].Status == llm.StatusFailed)
		}
		messages = append(messages, sdk.NewAssistantMessage(uses...), sdk.NewUserMessage(outputs...))
	}

	params := sdk.MessageNewParams{
		Model:       c.model,
		MaxTokens:   defaultMaxTokens,
		Messages:    messages,
		System:      systemBlocks(llm.SummaryPreamble),
		Temperature: sdk.Float(temperature),
	}
	// 含 tool_use / tool_result 块的请求必须声明工具。
	if len(c.tools) > 0 {
		params.Tools = c.tools
	}

	resp, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return llm.EmptySummary, nil
	}
	return answer, nil
}

// buildMessages 按时间顺序将历史映射为消息列表，系统与工具消息以带角色前缀的用户文本保留原位。
func buildMessages(query string, history conversation.History) []sdk.MessageParam {
	messages := make([]sdk.MessageParam, 0, len(history)+1)
	for _, turn := range history {
		if turn.Role == conversation.RoleAssistant {
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Content)))
			continue
		}
		messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(llm.ContextText(turn))))
	}
	messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(query)))
	return messages
}

func systemBlocks(preamble string) []sdk.TextBlockParam {
	return []sdk.TextBlockParam{{Text: preamble}}
}

func buildTools(specs []llm.ToolSpec) []sdk.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, len(specs))
	for i, spec := range specs {
		schema := sdk.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := spec.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch required := spec.Parameters["required"].(type) {
		case []string:
			schema.Required = required
		case []any:
			for _, r := range required {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		tools[i] = sdk.ToolUnionParamOfTool(schema, spec.Name)
		tools[i].OfTool.Description = sdk.String(spec.Description)
	}
	return tools
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return llm.ClassifyStatus(llm.ProviderAnthropic, apiErr.StatusCode, err)
	}
	return llm.BackendError(llm.ProviderAnthropic, err)
}
