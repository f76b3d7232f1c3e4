package provider

import (
	"context"
	"errors"
)

// ErrorClass categorizes a provider call outcome for retry decisions.
type ErrorClass string

const (
	// ClassTransient errors resolve on their own: 5xx, timeouts, network
	// hiccups. Retrying with backoff is appropriate.
	ClassTransient ErrorClass = "transient"
	// ClassRateLimited means the provider pushed back with 429. Back off
	// without burning a retry budget.
	ClassRateLimited ErrorClass = "rate_limited"
	// ClassAuth means credentials are rejected (401). Retrying is useless
	// until tokens are fixed.
	ClassAuth ErrorClass = "auth"
	// ClassTerminal covers everything a retry cannot fix: 4xx other than
	// 401/429, malformed requests, cancelled contexts.
	ClassTerminal ErrorClass = "terminal"
)

// Classify maps a provider call outcome to an error class. status is the
// HTTP status when a response was received (0 otherwise); err is the
// transport error when the call itself failed.
func Classify(status int, err error) ErrorClass {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ClassTerminal
		}
		// Transport failures (DNS, refused connections, resets, timeouts)
		// are all worth another attempt.
		return ClassTransient
	}

	switch {
	case status == 429:
		return ClassRateLimited
	case status == 401:
		return ClassAuth
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassTerminal
	}
	return ClassTransient
}

// Retryable reports whether the class warrants another attempt.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransient || c == ClassRateLimited
}
