package tools

import (
	"context"
	"errors"
	"strings"
)

// ErrUnknownTool is returned when a call names an unregistered tool.
var ErrUnknownTool = errors.New("unknown tool")

// ErrDenied is returned when the policy engine denies a call. The capability
// was never invoked.
var ErrDenied = errors.New("tool call denied by policy")

// ErrApprovalRequired is returned when the policy engine gates a call behind
// human approval. The caller is responsible for raising the approval request
// and re-invoking after a decision.
var ErrApprovalRequired = errors.New("tool call requires approval")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to mark the failure as non-retryable: malformed
// input, a tool-declared fatal condition, or anything a retry cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// transient reports whether a failed attempt should be retried. Timeouts and
// network-looking failures are transient; explicitly permanent errors and
// anything else are not worth repeating identically.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporar", // temporary / temporarily
		"unavailable",
		"too many requests",
		"429",
		"502",
		"503",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
