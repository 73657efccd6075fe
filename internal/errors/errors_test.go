package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestKindOfRegisteredCodes(t *testing.T) {
	cases := map[Code]Kind{
		CodeValidation:            KindValidation,
		CodeNotFound:              KindNotFound,
		CodeStateConflict:         KindStateConflict,
		CodeUnauthorized:          KindAuthorization,
		CodeExternalService:       KindExternal,
		CodeAnomaly:               KindAnomaly,
		CodeTimeout:               KindExternal,
		CodeInitializationFailure: KindInternal,
		Code("UNREGISTERED"):      KindInternal,
	}
	for code, want := range cases {
		if got := KindOf(New(code, "")); got != want {
			t.Fatalf("code %s: expected kind %s, got %s", code, want, got)
		}
	}
}

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := stdErrors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap(CodeExternalService, cause, "调用失败"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if CodeOf(err) != CodeExternalService {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("external service errors should be retryable")
	}
	if !IsKind(err, KindExternal) {
		t.Fatalf("expected external kind")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Kind: KindStateConflict, Message: "custom", Severity: SeverityCritical, Alert: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !ShouldAlert(err) || SeverityOf(err) != SeverityCritical {
		t.Fatalf("unexpected attributes for custom code")
	}
	if !stdErrors.Is(err, New(code, "other")) {
		t.Fatalf("errors with the same code should match")
	}
}

func TestOptionsOverrideRegisteredAttributes(t *testing.T) {
	err := New(CodeInitializationFailure, "writer disabled", WithRetryable(false), WithSeverity(SeverityInfo))
	if RetryableError(err) || SeverityOf(err) != SeverityInfo {
		t.Fatalf("options should override defaults, retryable=%v severity=%s", RetryableError(err), SeverityOf(err))
	}
	if !RetryableError(New(CodeTimeout, "")) {
		t.Fatalf("timeouts are retryable by default")
	}
}
