// Package openai adapts the OpenAI Chat Completions API to llm.Backend.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
)

const (
	defaultModelName  = sdk.ChatModelGPT4oMini
	defaultMaxRetries = 2
	temperature       = 0.2
)

// Client 通过官方 SDK 调用 OpenAI 的对话补全接口。
type Client struct {
	api   sdk.Client
	model string
	tools []sdk.ChatCompletionToolParam
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

// NewClient 根据请求配置创建 OpenAI 后端。
func NewClient(cfg llm.Config, tools []llm.ToolSpec, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "OpenAI API key is required")
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
		model: model,
		tools: buildTools(tools),
	}, nil
}

// Factory 满足 llm.Factory。
func Factory(cfg llm.Config, tools []llm.ToolSpec) (llm.Backend, error) {
	return NewClient(cfg, tools)
}

// Interpret 发送系统提示、历史与用户提问，返回文本或工具调用。
func (c *Client) Interpret(ctx context.Context, query string, history conversation.History) (*llm.Interpretation, error) {
	messages := c.baseMessages(llm.SystemPreamble, query, history)
	params := sdk.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: sdk.Float(temperature),
	}
	if len(c.tools) > 0 {
		params.Tools = c.tools
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.BackendError(llm.ProviderOpenAI, errors.New("response contains no choices"))
	}

	message := resp.Choices[0].Message
	interp := &llm.Interpretation{
		Provider: llm.ProviderOpenAI,
		Content:  message.Content,
	}
	for _, call := range message.ToolCalls {
		interp.ToolCalls = append(interp.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}
	return interp, nil
}

// Summarize 回放解释阶段的工具调用与执行结果，生成最终回答。
func (c *Client) Summarize(ctx context.Context, query string, history conversation.History, interp *llm.Interpretation, results []llm.FunctionResult) (string, error) {
	if err := llm.CheckResults(interp, results); err != nil {
		return "", err
	}

	messages := c.baseMessages(llm.SummaryPreamble, query, history)
	if interp.HasToolCalls() {
		calls := make([]sdk.ChatCompletionMessageToolCallParam, len(interp.ToolCalls))
		for i, call := range interp.ToolCalls {
			calls[i] = sdk.ChatCompletionMessageToolCallParam{
				ID:   call.ID,
				Type: "function",
				Function: sdk.ChatCompletionMessageToolCallFunctionParam{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			}
		}
		messages = append(messages, sdk.ChatCompletionMessageParamUnion{
			OfAssistant: &sdk.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			},
		})
		for i, result := range results {
			messages = append(messages, sdk.ToolMessage(result.Content(), interp.ToolCalls[i].ID))
		}
	}

	resp, err := c.api.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Temperature: sdk.Float(temperature),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return llm.EmptySummary, nil
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return llm.EmptySummary, nil
	}
	return content, nil
}

func (c *Client) baseMessages(preamble, query string, history conversation.History) []sdk.ChatCompletionMessageParamUnion {
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, sdk.SystemMessage(preamble))
	for _, turn := range history {
		switch turn.Role {
		case conversation.RoleSystem:
			messages = append(messages, sdk.SystemMessage(turn.Content))
		case conversation.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(turn.Content))
		default:
			// 历史中的工具消息没有对应的 tool_call_id，按用户文本发送。
			messages = append(messages, sdk.UserMessage(llm.ContextText(turn)))
		}
	}
	return append(messages, sdk.UserMessage(query))
}

func buildTools(specs []llm.ToolSpec) []sdk.ChatCompletionToolParam {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]sdk.ChatCompletionToolParam, len(specs))
	for i, spec := range specs {
		tools[i] = sdk.ChatCompletionToolParam{
			Type: "function",
			Function: sdk.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: sdk.String(spec.Description),
				Parameters:  spec.Parameters,
			},
		}
	}
	return tools
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == "model_not_found" || strings.Contains(apiErr.Message, "does not exist") {
			return xerrors.Wrap(xerrors.CodeModelUnavailable, err, "OpenAI model not found")
		}
		return llm.ClassifyStatus(llm.ProviderOpenAI, apiErr.StatusCode, err)
	}
	return llm.BackendError(llm.ProviderOpenAI, err)
}
