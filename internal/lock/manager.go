// Package lock serializes position-changing actions per symbol with
// expiring leases. Acquisition never waits: a held lease is reported as
// contention so the caller can tell the user the action is already in flight.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a crashed holder can block a symbol.
const DefaultTTL = 5 * time.Minute

// ErrContended is returned when an unexpired lease for the symbol exists.
var ErrContended = errors.New("lease held by another holder")

// Store performs the atomic compare-and-set on the lease table.
type Store interface {
	TryAcquireLease(ctx context.Context, symbol, holder string, now, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, symbol, holder string) (bool, error)
}

// Lease is a granted claim. Token identifies the holder on release.
type Lease struct {
	Symbol     string    `json:"symbol"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Manager grants and releases leases.
type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	holder string
	log    *zap.Logger
}

// NewManager creates a manager. ttl <= 0 selects DefaultTTL.
func NewManager(store Store, ttl time.Duration, log *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		holder: holderPrefix(),
		log:    log.With(zap.String("component", "lock")),
	}
}

// WithClock replaces the time source; used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// TTL returns the expiry horizon applied to new leases.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire claims symbol or fails immediately with ErrContended.
func (m *Manager) Acquire(ctx context.Context, symbol string) (*Lease, error) {
	now := m.now()
	lease := &Lease{
		Symbol:     symbol,
		Token:      m.holder + "/" + uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	ok, err := m.store.TryAcquireLease(ctx, symbol, lease.Token, now, lease.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", symbol, err)
	}
	if !ok {
		m.log.Warn("lease contended", zap.String("symbol", symbol))
		return nil, fmt.Errorf("%s: %w", symbol, ErrContended)
	}
	m.log.Debug("lease acquired", zap.String("symbol", symbol), zap.Time("expires_at", lease.ExpiresAt))
	return lease, nil
}

// Release deletes the lease if it is still ours. Releasing a lease that
// expired and was taken over by someone else leaves the new holder alone.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	released, err := m.store.ReleaseLease(ctx, lease.Symbol, lease.Token)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", lease.Symbol, err)
	}
	if !released {
		m.log.Warn("lease already expired or taken over", zap.String("symbol", lease.Symbol))
	}
	return nil
}

// holderPrefix identifies this host and process in lease tokens, so a stuck
// lease can be traced to the machine holding it.
func holderPrefix() string {
	host, err := machineid.ProtectedID("oakley-trading")
	if err != nil || host == "" {
		host, _ = os.Hostname()
	} else if len(host) > 12 {
		host = host[:12]
	}
	if host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
