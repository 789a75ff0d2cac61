// Package pythonbridge runs a local script as a language model backend. The
// script receives one JSON request on stdin and writes one JSON reply to stdout.
package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ChainAI-Agent/internal/conversation"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/llm"
)

const (
	modeInterpret = "interpret"
	modeSummarize = "summarize"
	// APIKeyEnv 是传递给脚本的密钥环境变量，密钥不会出现在标准输入中。
	APIKeyEnv = "CHAINAI_LLM_API_KEY"
)

// Options 描述脚本的位置与解释器。
type Options struct {
	Python     string
	Script     string
	WorkingDir string
}

// Client 通过调用 Python 脚本实现大模型推理。
type Client struct {
	opts  Options
	cfg   llm.Config
	tools []llm.ToolSpec
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(opts Options, cfg llm.Config, tools []llm.ToolSpec) (*Client, error) {
	if strings.TrimSpace(opts.Script) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "python bridge script path is required")
	}
	if opts.Python == "" {
		opts.Python = "python3"
	}
	return &Client{opts: opts, cfg: cfg, tools: tools}, nil
}

// NewFactory 返回绑定了脚本位置的 llm.Factory。
func NewFactory(opts Options) llm.Factory {
	return func(cfg llm.Config, tools []llm.ToolSpec) (llm.Backend, error) {
		return NewClient(opts, cfg, tools)
	}
}

type request struct {
	Mode           string               `json:"mode"`
	Model          string               `json:"model,omitempty"`
	Preamble       string               `json:"preamble"`
	Query          string               `json:"query"`
	History        conversation.History `json:"history"`
	Tools          []llm.ToolSpec       `json:"tools,omitempty"`
	Interpretation *llm.Interpretation  `json:"interpretation,omitempty"`
	Results        []llm.FunctionResult `json:"results,omitempty"`
}

type reply struct {
	Content   string `json:"content"`
	ToolCalls []struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"tool_calls"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Interpret 调用脚本的 interpret 模式。
func (c *Client) Interpret(ctx context.Context, query string, history conversation.History) (*llm.Interpretation, error) {
	out, err := c.run(ctx, request{
		Mode:     modeInterpret,
		Model:    c.cfg.Model,
		Preamble: llm.SystemPreamble,
		Query:    query,
		History:  history,
		Tools:    c.tools,
	})
	if err != nil {
		return nil, err
	}
	interp := &llm.Interpretation{Provider: llm.ProviderPythonBridge, Content: out.Content}
	for i, call := range out.ToolCalls {
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("bridge-call-%d", i)
		}
		interp.ToolCalls = append(interp.ToolCalls, llm.ToolCall{ID: id, Name: call.Name, Arguments: call.Arguments})
	}
	return interp, nil
}

// Summarize 调用脚本的 summarize 模式。
func (c *Client) Summarize(ctx context.Context, query string, history conversation.History, interp *llm.Interpretation, results []llm.FunctionResult) (string, error) {
	if err := llm.CheckResults(interp, results); err != nil {
		return "", err
	}
	out, err := c.run(ctx, request{
		Mode:           modeSummarize,
		Model:          c.cfg.Model,
		Preamble:       llm.SummaryPreamble,
		Query:          query,
		History:        history,
		Interpretation: interp,
		Results:        results,
	})
	if err != nil {
		return "", err
	}
	if answer := strings.TrimSpace(out.Content); answer != "" {
		return answer, nil
	}
	return llm.EmptySummary, nil
}

func (c *Client) run(ctx context.Context, req request) (*reply, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBackendFailure, err, "encode bridge request")
	}

	command := exec.CommandContext(ctx, c.opts.Python, c.opts.Script)
	if c.opts.WorkingDir != "" {
		command.Dir = c.opts.WorkingDir
	}
	command.Env = os.Environ()
	if c.cfg.APIKey != "" {
		command.Env = append(command.Env, APIKeyEnv+"="+c.cfg.APIKey)
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, llm.BackendError(llm.ProviderPythonBridge, ctxErr)
		}
		return nil, llm.BackendError(llm.ProviderPythonBridge,
			fmt.Errorf("run script: %w, stderr=%s", err, strings.TrimSpace(stderr.String())))
	}

	var out reply
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, llm.BackendError(llm.ProviderPythonBridge, fmt.Errorf("decode script output: %w", err))
	}
	if out.Error != nil {
		return nil, scriptError(out.Error.Code, out.Error.Message)
	}
	return &out, nil
}

func scriptError(code, message string) error {
	cause := errors.New(message)
	switch strings.ToLower(code) {
	case "authentication", "unauthorized":
		return xerrors.Wrap(xerrors.CodeAuthentication, cause, "python bridge rejected the credentials")
	case "model", "model_not_found":
		return xerrors.Wrap(xerrors.CodeModelUnavailable, cause, "python bridge model not available")
	default:
		return llm.BackendError(llm.ProviderPythonBridge, cause)
	}
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
