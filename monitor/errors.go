package monitor

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/onnwee/channel-warden/oauth"
	"github.com/onnwee/channel-warden/store"
	"github.com/onnwee/channel-warden/twitchapi"
)

// ErrorClass represents whether a failed cycle attempt should be retried.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the attempt should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal ends the cycle; the next tick starts over.
	ErrorClassFatal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyCycleError decides whether a failed cycle attempt is worth retrying
// within the same cycle.
//
// Fatal:
// - a failed interactive authorization (the user cancelled or the flow timed out)
// - cancellation of the cycle itself
// - undecodable settings in the store
//
// Retryable:
// - 401 from Twitch after the token was re-authorized
// - any other Twitch API error (5xx, 429, unexpected 4xx)
// - network errors (connection reset, timeout, DNS failures)
// - anything that does not match a known pattern
func ClassifyCycleError(err error) ErrorClass {
	if err == nil {
		return ErrorClassRetryable
	}
	if errors.Is(err, ErrReauthorized) || errors.Is(err, twitchapi.ErrUnauthorized) {
		return ErrorClassRetryable
	}
	var authErr *oauth.AuthError
	if errors.As(err, &authErr) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	var storageErr *store.StorageError
	if errors.As(err, &storageErr) && storageErr.Op == "decode" {
		return ErrorClassFatal
	}
	var apiErr *twitchapi.APIError
	if errors.As(err, &apiErr) {
		return ErrorClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"invalid client",
		"invalid redirect",
		"access_denied",
	}
	for _, pattern := range fatalPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	// Default: unknown errors are retried so a cycle does not give up too early
	return ErrorClassRetryable
}

// IsRetryableError reports whether err should consume another attempt.
func IsRetryableError(err error) bool {
	return ClassifyCycleError(err) == ErrorClassRetryable
}
