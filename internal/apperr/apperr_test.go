package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(InsufficientFunds, "insufficient balance")
	if KindOf(err) != InsufficientFunds {
		t.Errorf("KindOf = %v, want InsufficientFunds", KindOf(err))
	}

	wrapped := fmt.Errorf("placing bet: %w", err)
	if KindOf(wrapped) != InsufficientFunds {
		t.Errorf("KindOf through wrap = %v, want InsufficientFunds", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != Internal {
		t.Error("unclassified errors should default to Internal")
	}
}

func TestIs(t *testing.T) {
	err := Wrap(DeadlineExceeded, "timed out", errors.New("i/o timeout"))
	if !Is(err, DeadlineExceeded) {
		t.Error("Is should match the kind")
	}
	if Is(err, NotFound) {
		t.Error("Is should not match other kinds")
	}
	if Is(nil, NotFound) {
		t.Error("Is(nil) should be false")
	}
}

func TestMessage(t *testing.T) {
	if got := Message(New(NotFound, "user not found")); got != "user not found" {
		t.Errorf("Message = %q", got)
	}
	if got := Message(errors.New("sql: connection refused")); got == "sql: connection refused" {
		t.Error("internal detail leaked to the user message")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Wrap(Internal, "something broke", inner)
	if !errors.Is(err, inner) {
		t.Error("wrapped error lost its chain")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(DeadlineExceeded, "slow")) {
		t.Error("DeadlineExceeded should be retryable")
	}
	if Retryable(New(InsufficientFunds, "broke")) {
		t.Error("hard kinds must not be retried")
	}
}

func TestDetails(t *testing.T) {
	err := New(InvalidArgument, "bad payload").WithDetails("amount: required", "amount: positive")
	if len(err.Details) != 2 {
		t.Errorf("details = %v", err.Details)
	}
}
