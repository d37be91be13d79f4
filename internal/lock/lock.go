// Package lock provides per-contract exclusive locks that keep two sell
// flows from running against the same position.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Extend when the handle no longer owns its lock.
var ErrNotHeld = errors.New("lock not held")

// Handle identifies one successful acquisition. The token distinguishes it
// from later acquisitions of the same identity.
type Handle struct {
	CI        string
	Token     string
	ExpiresAt time.Time
}

// Manager hands out exclusive, expiring locks keyed by contract identity.
//
// Acquire never waits: when the identity is held it fails at once with an
// error wrapping models.ErrLockBusy. Releasing or extending a handle whose
// lock expired and was taken by someone else never affects the new holder.
type Manager interface {
	Acquire(ctx context.Context, ci string, timeout time.Duration) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
	Extend(ctx context.Context, h *Handle, timeout time.Duration) error
	Held(ctx context.Context, ci string) (bool, error)
}

// KeepAlive extends h every interval until ctx is done. It returns the first
// extension error, which means the lock was lost.
func KeepAlive(ctx context.Context, m Manager, h *Handle, timeout, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Extend(ctx, h, timeout); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
