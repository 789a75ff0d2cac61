package errors

import (
	stdErrors "errors"
	"net/http"
	"strings"
	"sync"
)

// Code 是跨模块统一的错误码，也是 API 错误响应中的 code 字段。
type Code string

// Severity 决定错误在日志与告警中的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为：对外消息、级别、是否可重试、是否告警以及 HTTP 状态码。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	Alert      bool
	HTTPStatus int
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeConfiguration         Code = "CONFIGURATION_ERROR"
	CodeAuthentication        Code = "AUTHENTICATION_FAILURE"
	CodeModelUnavailable      Code = "MODEL_UNAVAILABLE"
	CodeBackendFailure        Code = "BACKEND_FAILURE"
	CodeFunctionExecution     Code = "FUNCTION_EXECUTION_FAILURE"
	CodeSummarization         Code = "SUMMARIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{}
)

func init() {
	// 函数执行失败与总结失败不会中断请求，因此映射为 200。
	builtin := []struct {
		code         Code
		status       int
		severity     Severity
		retry, alert bool
		message      string
	}{
		{CodeUnknown, http.StatusInternalServerError, SeverityCritical, false, true, "unknown error"},
		{CodeInvalidArgument, http.StatusBadRequest, SeverityInfo, false, false, "invalid argument"},
		{CodeNotFound, http.StatusNotFound, SeverityInfo, false, false, "resource not found"},
		{CodeConflict, http.StatusConflict, SeverityWarning, false, false, "resource conflict"},
		{CodeInitializationFailure, http.StatusServiceUnavailable, SeverityWarning, true, true, "service not initialized"},
		{CodeConfiguration, http.StatusBadRequest, SeverityInfo, false, false, "invalid agent configuration"},
		{CodeAuthentication, http.StatusUnauthorized, SeverityWarning, false, false, "language model rejected the credentials"},
		{CodeModelUnavailable, http.StatusBadRequest, SeverityWarning, false, false, "language model is not available"},
		{CodeBackendFailure, http.StatusBadGateway, SeverityWarning, true, true, "language model backend failure"},
		{CodeFunctionExecution, http.StatusOK, SeverityInfo, false, false, "function execution failed"},
		{CodeSummarization, http.StatusOK, SeverityWarning, false, false, "failed to summarize function results"},
		{CodeStorageFailure, http.StatusInternalServerError, SeverityCritical, true, true, "storage failure"},
		{CodeQueueFailure, http.StatusInternalServerError, SeverityCritical, true, true, "queue failure"},
		{CodeTimeout, http.StatusGatewayTimeout, SeverityWarning, true, true, "operation timed out"},
	}
	for _, b := range builtin {
		registry[b.code] = Attributes{
			Message:    b.message,
			Severity:   b.severity,
			Retryable:  b.retry,
			Alert:      b.alert,
			HTTPStatus: b.status,
		}
	}
}

// Register 为业务模块登记自定义错误码，未指定 HTTP 状态码时按 500 处理。
// 应在 init 阶段调用。
func Register(code Code, attr Attributes) {
	if attr.HTTPStatus == 0 {
		attr.HTTPStatus = http.StatusInternalServerError
	}
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	attr, ok := registry[code]
	if !ok {
		attr = registry[CodeUnknown]
	}
	return attr
}

// Error 携带错误码、对外消息与底层原因。
type Error struct {
	code      Code
	message   string
	cause     error
	retryable *bool
	severity  *Severity
}

// Option 覆盖错误码的默认属性。
type Option func(*Error)

// WithRetryable 覆盖是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithSeverity 覆盖严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建错误，message 为空时使用错误码登记的默认消息。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 与 New 相同，同时保留底层原因供 errors.Is/As 使用。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 的格式为 "[CODE] message: cause"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("[" + string(e.code) + "] " + e.message)
	if e.cause != nil {
		b.WriteString(": " + e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is(err, New(code, "")) 成立。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 接收者返回 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含底层原因的对外消息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return AttributesOf(e.code).Retryable
	}
}

func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != nil:
		return *e.severity
	default:
		return AttributesOf(e.code).Severity
	}
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误链中第一个 *Error 的错误码，找不到时为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断 err 的错误码是否为 code。
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryableError 判断任意 error 是否可重试，非 *Error 一律不可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断错误是否需要触发告警。
func ShouldAlert(err error) bool {
	return err != nil && AttributesOf(CodeOf(err)).Alert
}

// SeverityOf 返回任意 error 的严重程度，非 *Error 视为 critical。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// HTTPStatusOf 返回错误在 HTTP 边界上对应的状态码。
func HTTPStatusOf(err error) int {
	return AttributesOf(CodeOf(err)).HTTPStatus
}
