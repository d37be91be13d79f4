package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/models"
)

type entry struct {
	token     string
	expiresAt time.Time
}

// MemoryManager is a process-local Manager.
type MemoryManager struct {
	mu      sync.Mutex
	entries map[string]entry
	logger  *logrus.Logger
	now     func() time.Time
}

// NewMemoryManager creates an empty lock table.
func NewMemoryManager(logger *logrus.Logger) *MemoryManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &MemoryManager{
		entries: make(map[string]entry),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (m *MemoryManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryManager) Acquire(_ context.Context, ci string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("lock %s: timeout must be > 0", ci)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[ci]; ok {
		if now.Before(e.expiresAt) {
			return nil, fmt.Errorf("%w: %s held until %s", models.ErrLockBusy, ci, e.expiresAt.Format(time.RFC3339))
		}
		m.logger.WithField("ci", ci).Warn("Taking over expired lock")
	}

	h := &Handle{CI: ci, Token: uuid.New().String(), ExpiresAt: now.Add(timeout)}
	m.entries[ci] = entry{token: h.Token, expiresAt: h.ExpiresAt}
	return h, nil
}

func (m *MemoryManager) Release(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[h.CI]; ok && e.token == h.Token {
		delete(m.entries, h.CI)
		return nil
	}
	m.logger.WithField("ci", h.CI).Debug("Release of a lock no longer owned")
	return nil
}

func (m *MemoryManager) Extend(_ context.Context, h *Handle, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[h.CI]
	if !ok || e.token != h.Token || !now.Before(e.expiresAt) {
		return fmt.Errorf("%w: %s", ErrNotHeld, h.CI)
	}
	e.expiresAt = now.Add(timeout)
	m.entries[h.CI] = e
	h.ExpiresAt = e.expiresAt
	return nil
}

func (m *MemoryManager) Held(_ context.Context, ci string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ci]
	return ok && m.now().Before(e.expiresAt), nil
}

// Sweep drops expired entries and returns their identities.
func (m *MemoryManager) Sweep() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var swept []string
	for ci, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, ci)
			swept = append(swept, ci)
		}
	}
	if len(swept) > 0 {
		m.logger.WithField("count", len(swept)).Info("Swept expired locks")
	}
	return swept
}

// Run sweeps every interval until ctx is cancelled.
func (m *MemoryManager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep()
		}
	}
}

var _ Manager = (*MemoryManager)(nil)
