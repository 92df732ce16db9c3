package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := fmt.Errorf("write table: %w", Wrap(CodeStorageFailure, cause, "replace table"))

	if got := CodeOf(err); got != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause lost in chain")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatalf("errors.Is should match on code")
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures are retryable by default")
	}
}

func TestFatalCodes(t *testing.T) {
	if !IsFatal(New(CodeConfiguration, "duplicate stat")) {
		t.Fatalf("configuration errors must be fatal")
	}
	if !IsFatal(New(CodeDependencyCycle, "a -> b")) {
		t.Fatalf("cycle errors must be fatal")
	}
	if IsFatal(New(CodeDataError, "no records")) {
		t.Fatalf("data errors only affect one file")
	}
	if IsFatal(stdErrors.New("plain")) {
		t.Fatalf("plain errors map to UNKNOWN which is not fatal")
	}
}

func TestRegisterAndOverrides(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "registered", Severity: SeverityWarning, Alert: true})

	err := New(code, "")
	if err.Message() != "registered" {
		t.Fatalf("default message not applied: %q", err.Message())
	}
	if err.Severity() != SeverityWarning || !err.ShouldAlert() {
		t.Fatalf("attributes not applied: %+v", err)
	}

	quiet := New(code, "x", WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("file", "a.bam"))
	if quiet.ShouldAlert() || quiet.Severity() != SeverityInfo {
		t.Fatalf("overrides ignored")
	}
	if quiet.Metadata()["file"] != "a.bam" {
		t.Fatalf("metadata missing")
	}
	if got := quiet.Error(); got != "[TEST_REGISTERED] x" {
		t.Fatalf("unexpected message %q", got)
	}
}
