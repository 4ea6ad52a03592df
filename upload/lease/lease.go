// Package lease models the "one active upload per account" lock as a lease
// with a holder id and a TTL. The release call is best-effort only, the
// server reconciles stale leases through the periodic cleanup sweep, so
// nothing here may assume a lease is ever perfectly released.
package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const defaultTTL = 15 * time.Minute

// API is the slice of the metadata service the lease manager talks to.
type API interface {
	Release(ctx context.Context, holderID string) error
	Cleanup(ctx context.Context) error
}

// ErrUploadInProgress is returned by Acquire while another lease is held.
var ErrUploadInProgress = fmt.Errorf("another upload is already in progress")

// Lease is one grant of the per-account upload lock.
type Lease struct {
	HolderID  string
	ExpiresAt time.Time
}

// Expired ...
func (l Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Manager hands out at most one live lease at a time within this process.
type Manager struct {
	api    API
	ttl    time.Duration
	logger log.Logger

	mu     sync.Mutex
	active *Lease
}

// NewManager ...
func NewManager(api API, ttl time.Duration, logger log.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		api:    api,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire grants a new lease with a fresh holder id, or fails if one is
// already held and still valid. An expired lease is silently replaced: its
// holder is gone and the server sweep will reap the remote side.
func (m *Manager) Acquire() (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && !m.active.Expired(time.Now()) {
		return Lease{}, ErrUploadInProgress
	}

	lease := Lease{
		HolderID:  uuid.NewString(),
		ExpiresAt: time.Now().Add(m.ttl),
	}
	m.active = &lease
	return lease, nil
}

// Release drops the lease locally and notifies the server. The remote call
// is fire-and-forget: a failure is logged, never returned, because the
// server-side sweep covers holders that vanish without releasing.
func (m *Manager) Release(ctx context.Context, lease Lease) {
	m.mu.Lock()
	if m.active != nil && m.active.HolderID == lease.HolderID {
		m.active = nil
	}
	m.mu.Unlock()

	if err := m.api.Release(ctx, lease.HolderID); err != nil {
		m.logger.Warnf("Failed to release upload lock remotely: %s", err)
	}
}

// Sweeper periodically asks the server to reconcile expired leases.
type Sweeper struct {
	api      API
	interval time.Duration
	logger   log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper ...
func NewSweeper(api API, interval time.Duration, logger log.Logger) *Sweeper {
	return &Sweeper{
		api:      api,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It runs until Stop is called or ctx is
// cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.api.Cleanup(ctx); err != nil {
					s.logger.Warnf("Lock cleanup sweep failed: %s", err)
				}
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}
