// Package gemini adapts the Gemini generateContent API to llm.Backend.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
)

const (
	defaultModelName = "gemini-1.5-pro"
	// 模型未返回调用 ID 时使用的本地前缀，回放时不会发送给服务端。
	localCallPrefix = "gemini-call-"
	temperature     = 0.7
)

// Client 通过 genai SDK 调用 Gemini。
type Client struct {
	api   *genai.Client
	model string
	tools []*genai.Tool
}

// Option 自定义客户端构造。
type Option func(*genai.ClientConfig)

// WithHTTPClient 指定底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPClient = hc
	}
}

// NewClient 根据请求配置创建 Gemini 后端。
func NewClient(ctx context.Context, cfg llm.Config, tools []llm.ToolSpec, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Gemini API key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(baseURL, "/") + "/"}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(clientCfg)
		}
	}

	api, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "create Gemini client")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	return &Client{api: api, model: model, tools: buildTools(tools)}, nil
}

// Factory 满足 llm.Factory。
func Factory(cfg llm.Config, tools []llm.ToolSpec) (llm.Backend, error) {
	return NewClient(context.Background(), cfg, tools)
}

// Interpret 请求模型解释用户提问。
func (c *Client) Interpret(ctx context.Context, query string, history conversation.History) (*llm.Interpretation, error) {
	contents := buildContents(query, history)
	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction(llm.SystemPreamble),
		Temperature:       genai.Ptr[float32](temperature),
		Tools:             c.tools,
	}

	resp, err := c.api.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return nil, classify(err)
	}
	parts, err := firstCandidateParts(resp)
	if err != nil {
		return nil, llm.BackendError(llm.ProviderGemini, err)
	}

	interp := &llm.Interpretation{Provider: llm.ProviderGemini}
	var text strings.Builder
	for _, part := range parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				return nil, llm.BackendError(llm.ProviderGemini, err)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = localCallPrefix + uuid.NewString()
			}
			interp.ToolCalls = append(interp.ToolCalls, llm.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		case part.Text != "":
			text.WriteString(part.Text)
		}
	}
	interp.Content = text.String()
	return interp, nil
}

// Summarize 以 functionCall / functionResponse 片段回放工具调用并生成回答。
func (c *Client) Summarize(ctx context.Context, query string, history conversation.History, interp *llm.Interpretation, results []llm.FunctionResult) (string, error) {
	if err := llm.CheckResults(interp, results); err != nil {
		return "", err
	}

	contents := buildContents(query, history)
	if interp.HasToolCalls() {
		callParts := make([]*genai.Part, len(interp.ToolCalls))
		responseParts := make([]*genai.Part, len(interp.ToolCalls))
		for i, call := range interp.ToolCalls {
			args, err := llm.DecodeArguments(call.Arguments)
			if err != nil {
				args = map[string]any{"raw": string(call.Arguments)}
			}
			id := call.ID
			if strings.HasPrefix(id, localCallPrefix) {
				id = ""
			}
			callParts[i] = &genai.Part{FunctionCall: &genai.FunctionCall{ID: id, Name: call.Name, Args: args}}
			responseParts[i] = &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       id,
				Name:     call.Name,
				Response: responsePayload(results[i]),
			}}
		}
		contents = append(contents,
			genai.NewContentFromParts(callParts, genai.RoleModel),
			genai.NewContentFromParts(responseParts, genai.RoleUser),
		)
	}

	resp, err := c.api.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction(llm.SummaryPreamble),
		Temperature:       genai.Ptr[float32](temperature),
	})
	if err != nil {
		return "", classify(err)
	}
	parts, err := firstCandidateParts(resp)
	if err != nil {
		return llm.EmptySummary, nil
	}
	var text strings.Builder
	for _, part := range parts {
		text.WriteString(part.Text)
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		return llm.EmptySummary, nil
	}
	return answer, nil
}

// buildContents 按时间顺序将历史映射为 Gemini 内容，系统与工具消息以带角色前缀的用户文本保留原位。
func buildContents(query string, history conversation.History) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		if turn.Role == conversation.RoleAssistant {
			contents = append(contents, genai.NewContentFromText(turn.Content, genai.RoleModel))
			continue
		}
		contents = append(contents, genai.NewContentFromText(llm.ContextText(turn), genai.RoleUser))
	}
	contents = append(contents, genai.NewContentFromText(query, genai.RoleUser))
	return contents
}

func systemInstruction(preamble string) *genai.Content {
	return genai.NewContentFromText(preamble, genai.RoleUser)
}

// responsePayload 按 Gemini 约定使用 output / error 键返回函数结果。
func responsePayload(result llm.FunctionResult) map[string]any {
	if result.Status == llm.StatusFailed {
		return map[string]any{"error": result.Data}
	}
	return map[string]any{"output": result.Data}
}

func firstCandidateParts(resp *genai.GenerateContentResponse) ([]*genai.Part, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("response contains no candidates")
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return nil, fmt.Errorf("candidate has no content (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return content.Parts, nil
}

func buildTools(specs []llm.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, len(specs))
	for i, spec := range specs {
		declarations[i] = &genai.FunctionDeclaration{
			Name:                 spec.Name,
			Description:          spec.Description,
			ParametersJsonSchema: spec.Parameters,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func classify(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return llm.BackendError(llm.ProviderGemini, err)
	}
	// Gemini 对无效的 API Key 返回 400。
	if apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Message, "API key") {
		return xerrors.Wrap(xerrors.CodeAuthentication, err, "Gemini rejected the API key")
	}
	return llm.ClassifyStatus(llm.ProviderGemini, apiErr.Code, err)
}
