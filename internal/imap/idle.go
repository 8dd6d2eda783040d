package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	"github.com/vdavid/vbridge/internal/apperr"
)

// WaitForChange blocks until the selected mailbox reports a size change,
// timeout elapses or ctx is done. It uses IDLE when the server has it and
// falls back to NOOP polling every fallbackPoll otherwise. A change that
// arrived since the previous call returns immediately.
func (cl *Client) WaitForChange(ctx context.Context, fallbackPoll, timeout time.Duration) (bool, error) {
	select {
	case <-cl.changed:
		return true, nil
	default:
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	idleClient := idle.NewClient(cl.c)
	idleClient.LogoutTimeout = timeout

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, fallbackPoll)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	finish := func() error {
		close(stop)
		if err := <-done; err != nil {
			return apperr.Transient("idle", err)
		}
		return nil
	}

	select {
	case <-ctx.Done():
		_ = finish()
		return false, ctx.Err()
	case <-timer.C:
		return false, finish()
	case <-cl.changed:
		return true, finish()
	case err := <-done:
		if err != nil {
			return false, apperr.Transient("idle", err)
		}
		return false, nil
	}
}
