// Package lock provides lease-based mutual exclusion keyed by payment id.
//
// A Handle is a time-bounded grant. Holders of long critical sections use
// WithLock, which renews the lease in the background and cancels the
// critical section's context as soon as ownership can no longer be proven.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	domainErrors "github.com/cassiomorais/paymentflow/internal/domain/errors"
	"github.com/cassiomorais/paymentflow/pkg/clock"
	"github.com/cassiomorais/paymentflow/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// KeyPrefix scopes payment locks away from every other key in the backing store.
const KeyPrefix = "lock:payment:"

// PaymentKey returns the lock key for a payment.
func PaymentKey(paymentID uuid.UUID) string {
	return KeyPrefix + paymentID.String()
}

// Store is the lease backend. Every call is atomic with respect to key.
type Store interface {
	// Acquire sets key to owner for ttl only if key is free or expired.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release deletes key only if it is still held by owner.
	Release(ctx context.Context, key, owner string) (bool, error)
	// Renew resets the ttl of key only if it is still held by owner.
	Renew(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
}

// Handle is proof of ownership of a key until ExpiresAt.
type Handle struct {
	key       string
	owner     string
	expiresAt atomic.Int64
}

func newHandle(key, owner string, expiresAt time.Time) *Handle {
	h := &Handle{key: key, owner: owner}
	h.expiresAt.Store(expiresAt.UnixNano())
	return h
}

func (h *Handle) Key() string   { return h.key }
func (h *Handle) Owner() string { return h.owner }

func (h *Handle) ExpiresAt() time.Time {
	return time.Unix(0, h.expiresAt.Load()).UTC()
}

func (h *Handle) extend(until time.Time) {
	h.expiresAt.Store(until.UnixNano())
}

// Config tunes lease length and the acquisition polling cadence.
type Config struct {
	TTL            time.Duration
	AcquireTimeout time.Duration
	PollInterval   time.Duration
}

// Observer receives lock contention signals. Nil-safe.
type Observer interface {
	LockContended(key string)
	LockLost(key string)
}

// Manager hands out Handles backed by a Store.
type Manager struct {
	store    Store
	clock    clock.Clock
	cfg      Config
	logger   zerolog.Logger
	observer Observer
}

// NewManager creates a Manager. Zero config values fall back to defaults.
func NewManager(store Store, clk clock.Clock, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{store: store, clock: clk, cfg: cfg, logger: logger}
}

// WithObserver attaches a contention observer.
func (m *Manager) WithObserver(o Observer) *Manager {
	m.observer = o
	return m
}

// TryAcquire makes a single attempt and fails fast with ErrLockUnavailable.
func (m *Manager) TryAcquire(ctx context.Context, key string) (*Handle, error) {
	owner := uuid.New().String()
	start := m.clock.Now()
	ok, err := m.store.Acquire(ctx, key, owner, m.cfg.TTL)
	if err != nil {
		// A backend we cannot reach never grants ownership.
		return nil, fmt.Errorf("acquire %s: %v: %w", key, err, domainErrors.ErrLockUnavailable)
	}
	if !ok {
		if m.observer != nil {
			m.observer.LockContended(key)
		}
		return nil, fmt.Errorf("acquire %s: %w", key, domainErrors.ErrLockUnavailable)
	}
	return newHandle(key, owner, start.Add(m.cfg.TTL)), nil
}

// Acquire polls until the key is obtained or timeout elapses. A non-positive
// timeout uses the configured default.
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = m.cfg.AcquireTimeout
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var h *Handle
	err := retry.Poll(pollCtx, m.cfg.PollInterval, isContention, func() error {
		var err error
		h, err = m.TryAcquire(pollCtx, key)
		return err
	})
	if err == nil {
		return h, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if pollCtx.Err() != nil || isContention(err) {
		return nil, fmt.Errorf("acquire %s within %s: %w", key, timeout, domainErrors.ErrLockUnavailable)
	}
	return nil, err
}

func isContention(err error) bool {
	return errors.Is(err, domainErrors.ErrLockUnavailable)
}

// Release frees the key. Releasing an expired or foreign handle is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	ok, err := m.store.Release(ctx, h.key, h.owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", h.key, err)
	}
	if !ok {
		m.logger.Debug().Str("key", h.key).Msg("lock already expired on release")
	}
	h.extend(time.Time{})
	return nil
}

// Renew extends the lease by the configured TTL. A lost lease yields
// ErrStaleOwnership.
func (m *Manager) Renew(ctx context.Context, h *Handle) error {
	start := m.clock.Now()
	ok, err := m.store.Renew(ctx, h.key, h.owner, m.cfg.TTL)
	if err != nil {
		return fmt.Errorf("renew %s: %w", h.key, err)
	}
	if !ok {
		return fmt.Errorf("renew %s: %w", h.key, domainErrors.ErrStaleOwnership)
	}
	h.extend(start.Add(m.cfg.TTL))
	return nil
}

// Check returns ErrStaleOwnership unless h is an unexpired handle for key.
func (m *Manager) Check(h *Handle, key string) error {
	if h == nil || h.key != key {
		return fmt.Errorf("no handle for %s: %w", key, domainErrors.ErrStaleOwnership)
	}
	if !m.clock.Now().Before(h.ExpiresAt()) {
		return fmt.Errorf("lease on %s expired at %s: %w", key, h.ExpiresAt().Format(time.RFC3339Nano), domainErrors.ErrStaleOwnership)
	}
	return nil
}

// WithLock runs fn while holding key. The lock is released on every exit
// path. The lease is renewed every TTL/3; if a renewal fails, fn's context is
// cancelled and WithLock reports ErrStaleOwnership.
func (m *Manager) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context, h *Handle) error) (err error) {
	h, err := m.Acquire(ctx, key, timeout)
	if err != nil {
		return err
	}

	lockCtx, cancel := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})
	defer func() {
		cancel(nil)
		<-renewDone
		// Release with a fresh context so a cancelled caller still frees the key.
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer releaseCancel()
		if relErr := m.Release(releaseCtx, h); relErr != nil {
			m.logger.Warn().Err(relErr).Str("key", key).Msg("failed to release lock")
		}
	}()

	go m.renewLoop(lockCtx, cancel, h, renewDone)

	err = fn(lockCtx, h)
	if cause := context.Cause(lockCtx); errors.Is(cause, domainErrors.ErrStaleOwnership) {
		if err == nil || errors.Is(err, context.Canceled) {
			return cause
		}
	}
	return err
}

func (m *Manager) renewLoop(ctx context.Context, cancel context.CancelCauseFunc, h *Handle, done chan<- struct{}) {
	defer close(done)

	interval := m.cfg.TTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.Renew(ctx, h); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error().Err(err).Str("key", h.key).Msg("lock lease lost")
			if m.observer != nil {
				m.observer.LockLost(h.key)
			}
			if !errors.Is(err, domainErrors.ErrStaleOwnership) {
				err = fmt.Errorf("%v: %w", err, domainErrors.ErrStaleOwnership)
			}
			cancel(err)
			return
		}
	}
}
