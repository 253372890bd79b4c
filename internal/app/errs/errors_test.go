package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
		check    func(error) bool
	}{
		{"not found", NewNotFoundError("account", "alice"), ErrNotFound, IsNotFound},
		{"validation", NewValidationError("amount", "must be positive"), ErrInvalidInput, IsValidation},
		{"conflict", NewConflictError("account", "alice", "already registered"), ErrAlreadyExists, IsConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.sentinel) {
				t.Fatalf("%v does not match its sentinel", tc.err)
			}
			if !tc.check(tc.err) {
				t.Fatalf("helper rejected %v", tc.err)
			}
			wrapped := fmt.Errorf("outer: %w", tc.err)
			if !tc.check(wrapped) {
				t.Fatalf("helper rejected wrapped %v", wrapped)
			}
		})
	}
}

func TestHelpersRejectUnrelatedErrors(t *testing.T) {
	plain := errors.New("boom")
	if IsNotFound(plain) || IsValidation(plain) || IsConflict(plain) || IsUnavailable(plain) || IsRejected(plain) {
		t.Fatal("helpers matched an unrelated error")
	}
	if IsNotFound(nil) {
		t.Fatal("IsNotFound(nil) must be false")
	}
}

func TestMessagesNameTheSubject(t *testing.T) {
	if got := NewNotFoundError("account", "alice").Error(); got == "" {
		t.Fatal("empty message")
	}
	err := NewValidationError("timeout_interval_seconds", "must be greater than 0")
	if want := "timeout_interval_seconds"; !strings.Contains(err.Error(), want) {
		t.Fatalf("message %q does not mention %q", err.Error(), want)
	}
}
