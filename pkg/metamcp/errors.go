package metamcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"
)

// Common domain errors used across metamcp subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrValidation indicates input failed a schema or constraint check.
	// Wrapping errors should specify which parameter is invalid and why.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized indicates the caller lacks rights on a namespace or
	// server. Surfaced with a stable message, never logged at error level.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates a referenced entity is absent.
	// Wrapping errors should provide specific details about what was not found.
	ErrNotFound = errors.New("not found")

	// ErrUpstreamUnavailable indicates a transient upstream transport
	// failure. Attach retries with bounded backoff; tool calls never retry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamFatal indicates the upstream rejected the call; it is
	// returned to the downstream as MCP error content.
	ErrUpstreamFatal = errors.New("upstream rejected call")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrCancelled indicates an operation was cancelled.
	ErrCancelled = errors.New("operation cancelled")

	// ErrBudgetExceeded indicates a token or document budget was tripped.
	// An agent run ends before any LLM call when this is returned.
	ErrBudgetExceeded = errors.New("token budget exceeded")

	// ErrPolicyDenied indicates the ask agent refused a tool call
	// (denied list, allow list, or synthetic name).
	ErrPolicyDenied = errors.New("tool not allowed by policy")

	// ErrMalformedToolName indicates a full tool name without a
	// serverName__toolName separator.
	ErrMalformedToolName = errors.New("malformed tool name")

	// ErrUnsupportedTransport indicates an unknown upstream transport type.
	ErrUnsupportedTransport = errors.New("unsupported transport")
)

// IsTimeoutError reports whether err looks like a timeout, either by type
// or by message. String matching covers SDK errors without structured types.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

// IsConnectionError reports whether err looks like a broken or refused
// connection that warrants reconnecting.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ContentHash returns a stable hex digest over the given fields.
// Field order matters; callers must pass fields in a fixed order.
func ContentHash(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f))
		h.Write([]byte{0}) // field separator, avoids boundary collisions
	}
	return hex.EncodeToString(h.Sum(nil))
}
