package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RetryConfig bounds a retried call.
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
}

// PlatformRetryConfig is used for messaging-platform calls such as topic creation.
func PlatformRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     NewBackoff(500*time.Millisecond, 5*time.Second),
	}
}

// Retry runs fn until it succeeds, MaxAttempts is reached, the error is not
// retryable, or ctx ends. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts-1 || !ShouldRetry(err) {
			break
		}
		if !Sleep(ctx, cfg.Backoff.Next(attempt)) {
			return ctx.Err()
		}
	}
	return lastErr
}

// ErrorCategory classifies a failure for retry and logging decisions.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryNetwork
	CategoryTimeout
	CategoryAuth
	CategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryTimeout:
		return "timeout"
	case CategoryAuth:
		return "auth"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Permanent marks an error that retrying cannot fix.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// CategorizeError inspects err and guesses its category.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}

	var perm *Permanent
	if errors.As(err, &perm) {
		return CategoryPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "authenticationfailed", "authentication failed", "invalid credentials", "login failed", "535 "):
		return CategoryAuth
	case containsAny(msg, "timeout", "timed out"):
		return CategoryTimeout
	case containsAny(msg, "connection reset", "connection refused", "broken pipe", "no such host", "eof", "use of closed network connection"):
		return CategoryNetwork
	}
	return CategoryUnknown
}

// ShouldRetry reports whether a short-lived retry loop should try again.
// Auth and permanent failures are not retried by Retry. The mailbox watcher
// reconnects regardless, on its own backoff.
func ShouldRetry(err error) bool {
	switch CategorizeError(err) {
	case CategoryAuth, CategoryPermanent:
		return false
	default:
		return true
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
