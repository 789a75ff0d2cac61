package task

import (
	"net/http"
	"slices"

	"ChainAI-Agent/internal/agent"
	xerrors "ChainAI-Agent/internal/errors"
	"ChainAI-Agent/internal/query"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Submission 是提交异步查询的请求体，ID 可选，用于幂等提交。
type Submission struct {
	ID string `json:"id,omitempty"`
	query.Request
}

// Result 保存一次查询任务的执行结果。
type Result struct {
	RequestID string `json:"requestId"`
	Provider  string `json:"provider"`
	ChainID   int64  `json:"chainId"`
	agent.Outcome
}

// Task 描述了排队执行的查询任务。Request 中不包含任何调用方凭据。
type Task struct {
	ID         string        `json:"id"`
	Request    query.Request `json:"request"`
	Status     Status        `json:"status"`
	Attempts   int           `json:"attempts"`
	MaxRetries int           `json:"maxRetries"`
	LastError  string        `json:"lastError,omitempty"`
	ErrorCode  string        `json:"errorCode,omitempty"`
	Result     *Result       `json:"result,omitempty"`
	CreatedAt  int64         `json:"createdAt"`
	UpdatedAt  int64         `json:"updatedAt"`
}

// Done 判断任务是否已进入终态。
func (t *Task) Done() bool {
	return t != nil && (t.Status == StatusSucceeded || t.Status == StatusFailed)
}

// 任务相关错误码，HTTP 状态码在 init 中登记。
const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

// Store 实现返回的哨兵错误，可用 errors.Is 或 xerrors.HasCode 判断。
var (
	ErrTaskNotFound  = xerrors.New(CodeTaskNotFound, "task not found")
	ErrTaskConflict  = xerrors.New(CodeTaskConflict, "task is being processed")
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed")
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted")
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "task not found", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeTaskConflict:   {Message: "task is being processed", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeTaskCompleted:  {Message: "task already completed", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusConflict},
		CodeTaskExhausted:  {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "invalid task request", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeTaskPublish:    {Message: "failed to enqueue task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeTaskProcessing: {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// Valid 判断状态是否为四种已知状态之一。
func (s Status) Valid() bool {
	return slices.Contains([]Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}, s)
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Request.Options.Context = task.Request.Options.Context.Clone()
	if task.Result != nil {
		result := *task.Result
		result.Results = append(result.Results[:0:0], task.Result.Results...)
		result.Context = task.Result.Context.Clone()
		clone.Result = &result
	}
	return &clone
}
