// Package retry decides whether a failed transfer is worth repeating and
// repeats it with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// ErrorKind classifies an error for retry decisions.
type ErrorKind int

const (
	Retriable    ErrorKind = iota // transient, worth retrying
	NonRetriable                  // permanent, fail immediately
	Unknown                       // unclassified, treated as retriable
)

func (k ErrorKind) String() string {
	switch k {
	case Retriable:
		return "RETRIABLE"
	case NonRetriable:
		return "NON_RETRIABLE"
	default:
		return "UNKNOWN"
	}
}

// StatusError reports a non-200 HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d", e.Code)
}

// nonRetriableKeywords indicate local or permanent failures.
var nonRetriableKeywords = []string{
	"permission denied",
	"no space left",
	"no such host",
	"unsupported protocol",
}

// retriableKeywords indicate transient network failures.
var retriableKeywords = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"unexpected eof",
	"temporary",
	"unavailable",
}

// Classify determines whether a transfer error is worth retrying. A cancelled
// or expired context is never retried.
func Classify(err error) ErrorKind {
	if err == nil {
		return NonRetriable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NonRetriable
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusRequestTimeout, se.Code == http.StatusTooManyRequests:
			return Retriable
		case se.Code >= 500:
			return Retriable
		default:
			return NonRetriable
		}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Retriable
	}

	lower := strings.ToLower(err.Error())
	for _, kw := range nonRetriableKeywords {
		if strings.Contains(lower, kw) {
			return NonRetriable
		}
	}
	for _, kw := range retriableKeywords {
		if strings.Contains(lower, kw) {
			return Retriable
		}
	}
	return Unknown
}

// Policy is an exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	InitDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter spreads each wait by up to this fraction in either direction.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		InitDelay:   2 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      backoff.DefaultRandomizationFactor,
	}
}

// Once runs the operation a single time.
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// backOff builds the schedule for p, bounded by ctx.
func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitDelay
	b.RandomizationFactor = p.Jitter
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts()-1)), ctx)
}

// Do runs fn until it succeeds, reports a NonRetriable error, or the policy
// runs out of attempts. NonRetriable errors and the error of a single
// attempt are returned as is; an exhausted policy wraps the last error.
func Do[T any](ctx context.Context, p Policy, fn func() (T, error, ErrorKind)) (T, error) {
	var zero T
	calls := 0
	lastKind := Unknown
	operation := func() (T, error) {
		calls++
		result, err, kind := fn()
		lastKind = kind
		if err != nil && kind == NonRetriable {
			return result, backoff.Permanent(err)
		}
		return result, err
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("attempt %d/%d failed (%s), retrying in %s: %v", calls, p.attempts(), lastKind, wait.Round(time.Millisecond), err)
	}

	result, err := backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
	switch {
	case err == nil:
		return result, nil
	case calls <= 1, lastKind == NonRetriable, ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return zero, err
	}
	return zero, fmt.Errorf("after %d attempts: %w", calls, err)
}
