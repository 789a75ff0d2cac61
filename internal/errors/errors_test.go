package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	base := stdErrors.New("401 Unauthorized")
	err := fmt.Errorf("interpret: %w", Wrap(CodeAuthentication, base, "OpenAI 拒绝了 API Key"))

	if got := CodeOf(err); got != CodeAuthentication {
		t.Fatalf("unexpected code: %s", got)
	}
	if !stdErrors.Is(err, base) {
		t.Fatalf("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeAuthentication, "")) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if HTTPStatusOf(err) != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", HTTPStatusOf(err))
	}
}

func TestAttributesFallback(t *testing.T) {
	if HTTPStatusOf(stdErrors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("plain errors should map to 500")
	}
	if RetryableError(New(CodeModelUnavailable, "")) {
		t.Fatalf("model errors must not be retryable")
	}
	if !RetryableError(New(CodeBackendFailure, "")) {
		t.Fatalf("backend failures should be retryable")
	}
	if RetryableError(New(CodeBackendFailure, "", WithRetryable(false))) {
		t.Fatalf("explicit option should override the registry")
	}
}

func TestRegisterDefaultsStatus(t *testing.T) {
	code := Code("TEST_CUSTOM")
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo})
	if AttributesOf(code).HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected default http status")
	}
	if New(code, "").Message() != "custom" {
		t.Fatalf("expected registered message to be used")
	}
}

func TestErrorFormatAndAlerting(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("connection refused"), "insert history")
	if got := err.Error(); got != "[STORAGE_FAILURE] insert history: connection refused" {
		t.Fatalf("unexpected message: %q", got)
	}
	if got := New(CodeTimeout, "").Error(); got != "[TIMEOUT] operation timed out" {
		t.Fatalf("unexpected default message: %q", got)
	}
	if !ShouldAlert(err) {
		t.Fatalf("storage failures should alert")
	}
	if ShouldAlert(New(CodeInvalidArgument, "bad")) || ShouldAlert(nil) {
		t.Fatalf("client errors must not alert")
	}
	if SeverityOf(New(CodeConflict, "", WithSeverity(SeverityInfo))) != SeverityInfo {
		t.Fatalf("severity option should override the registry")
	}
}
