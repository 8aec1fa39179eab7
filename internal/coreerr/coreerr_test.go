package coreerr

import (
	"errors"
	"testing"
)

func TestTagOf_MatchesWrappedError(t *testing.T) {
	err := Wrap(PeerGone, "disconnected", errors.New("eof"))
	var wrapped error = err
	tag, ok := TagOf(wrapped)
	if !ok || tag != PeerGone {
		t.Fatalf("TagOf() = (%q, %v), want (%q, true)", tag, ok, PeerGone)
	}
}

func TestTagOf_FalseForPlainError(t *testing.T) {
	if _, ok := TagOf(errors.New("plain")); ok {
		t.Fatal("TagOf() should be false for an error that is not *Error")
	}
}

func TestError_IncludesCauseWhenPresent(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(AgentError, "call failed", cause)
	if got := err.Error(); got != "AGENT-ERROR: call failed: dial tcp: refused" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestError_OmitsCauseWhenAbsent(t *testing.T) {
	err := New(NotFound, "tab/9/dom")
	if got := err.Error(); got != "NOT-FOUND: tab/9/dom" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestUnwrap_ReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Timeout, "slow", cause)
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should find the wrapped cause")
	}
}
