// Package chainai is a small Go client for the ChainAI HTTP API.
package chainai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// A query runs two model calls plus chain reads, so it is longer than a
// typical REST timeout.
const DefaultHTTPTimeout = 150 * time.Second

// Client wraps the HTTP interactions with the ChainAI REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Turn is one entry of the conversation context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BackendConfig carries the caller's model credentials.
type BackendConfig struct {
	APIKey string `json:"apiKey,omitempty"`
	Model  string `json:"model,omitempty"`
}

// ExplorerCredentials carries the caller's block explorer API key.
type ExplorerCredentials struct {
	APIKey string `json:"apiKey,omitempty"`
}

// QueryOptions selects the backend, chain and prior context of a query.
type QueryOptions struct {
	Backend             string              `json:"backend,omitempty"`
	BackendConfig       BackendConfig       `json:"backendConfig"`
	ChainID             int64               `json:"chainId,omitempty"`
	ExplorerCredentials ExplorerCredentials `json:"explorerCredentials"`
	Context             []Turn              `json:"context,omitempty"`
}

// QueryRequest is the body of POST /api/v1/chain-ai/query.
type QueryRequest struct {
	Query   string       `json:"query"`
	Options QueryOptions `json:"options"`
}

// FunctionResult is the outcome of one blockchain function call.
type FunctionResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// QueryResponse is returned by a successful query.
type QueryResponse struct {
	Status        string           `json:"status"`
	RequestID     string           `json:"requestId,omitempty"`
	HasErrors     bool             `json:"hasErrors"`
	Results       []FunctionResult `json:"results"`
	Context       []Turn           `json:"context"`
	FinalResponse string           `json:"finalResponse"`
}

// Function describes one function exposed to the language model.
type Function struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// HistoryRecord is one audited query.
type HistoryRecord struct {
	ID            int64  `json:"id"`
	RequestID     string `json:"requestId"`
	Query         string `json:"query"`
	Provider      string `json:"provider"`
	ChainID       int64  `json:"chainId"`
	FunctionCalls int    `json:"functionCalls"`
	HasErrors     bool   `json:"hasErrors"`
	FinalResponse string `json:"finalResponse"`
	ErrorCode     string `json:"errorCode,omitempty"`
	DurationMS    int64  `json:"durationMs"`
	CreatedAt     int64  `json:"createdAt"`
}

// TaskSubmission is the body of POST /api/v1/chain-ai/tasks. Tasks run with
// server-side credentials, so the options must not carry API keys.
type TaskSubmission struct {
	ID      string       `json:"id,omitempty"`
	Query   string       `json:"query"`
	Options QueryOptions `json:"options"`
}

// TaskResult is the stored outcome of a finished task.
type TaskResult struct {
	RequestID     string           `json:"requestId"`
	Provider      string           `json:"provider"`
	ChainID       int64            `json:"chainId"`
	HasErrors     bool             `json:"hasErrors"`
	Results       []FunctionResult `json:"results"`
	Context       []Turn           `json:"context"`
	FinalResponse string           `json:"finalResponse"`
}

// Task is the server-side state of an async query.
type Task struct {
	ID         string       `json:"id"`
	Request    QueryRequest `json:"request"`
	Status     string       `json:"status"`
	Attempts   int          `json:"attempts"`
	MaxRetries int          `json:"maxRetries"`
	LastError  string       `json:"lastError,omitempty"`
	ErrorCode  string       `json:"errorCode,omitempty"`
	Result     *TaskResult  `json:"result,omitempty"`
	CreatedAt  int64        `json:"createdAt"`
	UpdatedAt  int64        `json:"updatedAt"`
}

// Done reports whether the task reached a terminal state.
func (t Task) Done() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// TaskStats aggregates task counts by status.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ListTasksOptions filters GET /api/v1/chain-ai/tasks.
type ListTasksOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Query    string
	Oldest   bool
}

func (o ListTasksOptions) values() url.Values {
	query := url.Values{}
	if o.Limit > 0 {
		query.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		query.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		query.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Query != "" {
		query.Set("q", o.Query)
	}
	if o.Oldest {
		query.Set("order", "asc")
	}
	return query
}

// Health is the service liveness report.
type Health struct {
	Uptime    float64 `json:"uptime"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
}

// APIError represents the failure envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainai api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainai api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainAI API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Query runs a natural-language query synchronously.
func (c *Client) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	var resp QueryResponse
	if err := c.post(ctx, "/api/v1/chain-ai/query", req, &resp); err != nil {
		return QueryResponse{}, err
	}
	return resp, nil
}

// Functions lists the functions exposed to the language model.
func (c *Client) Functions(ctx context.Context) ([]Function, error) {
	var resp struct {
		Functions []Function `json:"functions"`
	}
	if err := c.get(ctx, "/api/v1/chain-ai/functions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Functions, nil
}

// History returns the most recent audited queries.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryRecord, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		History []HistoryRecord `json:"history"`
	}
	if err := c.get(ctx, "/api/v1/chain-ai/history", query, &resp); err != nil {
		return nil, err
	}
	return resp.History, nil
}

// SubmitTask enqueues an async query.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	if err := c.post(ctx, "/api/v1/chain-ai/tasks", submission, &resp); err != nil {
		return Task{}, err
	}
	return resp.Task, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	if err := c.get(ctx, "/api/v1/chain-ai/tasks/"+url.PathEscape(taskID), nil, &resp); err != nil {
		return Task{}, err
	}
	return resp.Task, nil
}

// ListTasks lists tasks matching opts, newest first unless opts.Oldest is set.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.get(ctx, "/api/v1/chain-ai/tasks", opts.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// TaskStats returns task counts by status.
func (c *Client) TaskStats(ctx context.Context) (TaskStats, error) {
	var resp struct {
		Stats TaskStats `json:"stats"`
	}
	if err := c.get(ctx, "/api/v1/chain-ai/tasks/stats", nil, &resp); err != nil {
		return TaskStats{}, err
	}
	return resp.Stats, nil
}

// Health calls the health check endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp struct {
		Results Health `json:"results"`
	}
	if err := c.get(ctx, "/healthcheck", nil, &resp); err != nil {
		return Health{}, err
	}
	return resp.Results, nil
}

// WaitForTask polls a task until it finishes or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
