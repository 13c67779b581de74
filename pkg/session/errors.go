package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrInitializeInFlight is returned when Initialize is called while another initialization runs.
	ErrInitializeInFlight = errors.New("session: initialization already in progress")

	// ErrDisposed is returned by every operation once the manager has been disposed.
	ErrDisposed = errors.New("session: manager disposed")

	// ErrNoSession is returned by channel operations before a session is connected.
	ErrNoSession = errors.New("session: not initialized")
)

// ValidationError rejects an identity before any network call is made. It is never retried.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid user: %s is required", e.Field)
}

// ConnectivityError is a failed step of an initialization attempt. It is retried up to the bound.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Cause lets github.com/pkg/errors.Cause walk through the error.
func (e *ConnectivityError) Cause() error { return e.Err }

var retryableKeywords = []string{"network", "token", "connect", "timeout", "unmounted", "disposed"}

// IsRetryable classifies an initialization failure.
// Typed errors decide first; untyped ones are retryable when their message names a connectivity problem.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, k := range retryableKeywords {
		if strings.Contains(msg, k) {
			return true
		}
	}
	return false
}
