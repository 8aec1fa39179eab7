// Package coreerr defines the small closed set of tagged errors the bridge
// core can produce, and their mapping onto JSON-RPC error codes.
package coreerr

import (
	"errors"
	"fmt"
)

// Tag identifies one of the core's well-known failure modes.
type Tag string

const (
	NoPeer         Tag = "NO-PEER"
	PeerCongested  Tag = "PEER-CONGESTED"
	PeerGone       Tag = "PEER-GONE"
	Timeout        Tag = "TIMEOUT"
	InvalidURI     Tag = "INVALID-URI"
	NotFound       Tag = "NOT-FOUND"
	InvalidParams  Tag = "INVALID-PARAMS"
	UnknownMethod  Tag = "UNKNOWN-METHOD"
	AgentError     Tag = "AGENT-ERROR"
)

// Error is the core error type. It carries a Tag so that transport-facing
// code (internal/rpc) can map it onto a JSON-RPC error code without string
// matching, plus a human-readable message and optional wrapped cause.
type Error struct {
	Tag     Tag
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Tag, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a tagged error with no cause.
func New(tag Tag, message string) *Error {
	return &Error{Tag: tag, Message: message}
}

// Wrap creates a tagged error wrapping cause.
func Wrap(tag Tag, message string, cause error) *Error {
	return &Error{Tag: tag, Message: message, Cause: cause}
}

// TagOf extracts the Tag from err if it is (or wraps) a *Error.
// Returns ("", false) otherwise.
func TagOf(err error) (Tag, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag, true
	}
	return "", false
}

// NoPeerErr, PeerGoneErr etc. are convenience constructors used throughout
// the core so call sites read like the taxonomy in spec §7.
func NoPeerErr() *Error {
	return New(NoPeer, "no browser extensions connected")
}

func PeerCongestedErr() *Error {
	return New(PeerCongested, "browser agent connection is congested")
}

func PeerGoneErr() *Error {
	return New(PeerGone, "browser agent disconnected while the call was pending")
}

func TimeoutErr(action string, elapsed string, configured string) *Error {
	return New(Timeout, fmt.Sprintf("action %q timeout after %s (limit %s)", action, elapsed, configured))
}

func InvalidURIErr(uri string) *Error {
	return New(InvalidURI, fmt.Sprintf("malformed resource uri: %q", uri))
}

func NotFoundErr(what string) *Error {
	return New(NotFound, fmt.Sprintf("not found: %s", what))
}

func InvalidParamsErr(message string) *Error {
	return New(InvalidParams, message)
}

func UnknownMethodErr(method string) *Error {
	return New(UnknownMethod, fmt.Sprintf("unknown method: %q", method))
}

func AgentErrorErr(text string) *Error {
	return New(AgentError, text)
}
