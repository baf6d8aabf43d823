package provider

import (
	"fmt"
	"strings"
)

// ErrorKind buckets provider failures so callers can decide whether to
// surface settings, back off, or just report.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate-limit"
	KindNetwork   ErrorKind = "network"
	KindUnknown   ErrorKind = "unknown"
)

// ClassifiedError attaches a kind and a user-facing suggestion to a provider
// failure. Detect it with errors.As.
type ClassifiedError struct {
	Provider   string
	Kind       ErrorKind
	Suggestion string
	Err        error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Provider, e.Err, e.Suggestion)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// RateLimitError indicates the backend returned a rate limit response.
// Callers can use errors.As to detect it and implement backoff.
type RateLimitError struct {
	Provider    string
	RawResponse string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded", e.Provider)
}

// MissingCredentialError means the secret store held no API key for an
// auth-requiring provider. The manager silently skips providers failing only
// for this reason so partial setups keep working.
type MissingCredentialError struct {
	Provider string
	Reason   string
}

// Error implements the error interface.
func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("no API key configured for %s: %s", e.Provider, e.Reason)
}

// ClassifyStderr buckets a CLI's stderr output by substring.
func ClassifyStderr(stderr string) ErrorKind {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "not logged in"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"):
		return KindAuth
	case strings.Contains(lower, "resource_exhausted"),
		strings.Contains(lower, "rate limit"):
		return KindRateLimit
	case strings.Contains(lower, "econnrefused"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "connection"):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// SuggestionFor returns the remediation message for an error kind.
func SuggestionFor(kind ErrorKind, command string) string {
	switch kind {
	case KindAuth:
		return fmt.Sprintf("Run the %s login command in your terminal", command)
	case KindRateLimit:
		return "Wait a moment and try again, or switch to a different provider"
	case KindNetwork:
		return "Check your network connection and that the service is running"
	default:
		return ""
	}
}

// isRateLimitMessage checks if text indicates a rate limit.
func isRateLimitMessage(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "429")
}

// truncate shortens a string to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
