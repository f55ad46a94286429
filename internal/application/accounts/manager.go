// Package accounts holds the in-memory ledger of isolated per-(asset,
// direction) virtual accounts. All mutation is synchronous and
// single-process; a mutex serializes access across market loops.
package accounts

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/updown/internal/domain"
)

const snapshotInterval = 30 * time.Second

// Manager owns the fixed account set. Accounts are created once at
// process start and never deleted.
type Manager struct {
	mu       sync.Mutex
	accounts map[domain.AccountKey]*domain.IsolatedAccount

	lastSnapshot time.Time
}

// New creates one account per (asset, direction) pair with the given
// initial bankroll. No leverage: max exposure equals the bankroll.
func New(assets []string, initialBankroll float64) *Manager {
	m := &Manager{accounts: make(map[domain.AccountKey]*domain.IsolatedAccount)}
	for _, asset := range assets {
		for _, dir := range []domain.Direction{domain.DirectionUp, domain.DirectionDown} {
			key := domain.AccountKey{Asset: asset, Direction: dir}
			m.accounts[key] = &domain.IsolatedAccount{
				Key:         key,
				Bankroll:    initialBankroll,
				MaxExposure: initialBankroll,
			}
		}
	}
	return m
}

// Account returns a copy of the account for the key.
func (m *Manager) Account(key domain.AccountKey) (domain.IsolatedAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[key]
	if !ok {
		return domain.IsolatedAccount{}, fmt.Errorf("accounts.Account: %s: %w", key, domain.ErrUnknownAccount)
	}
	return *acc, nil
}

// UpdateExposure adjusts the account's committed capital. Exposure is
// clamped at zero to absorb rounding drift on release.
func (m *Manager) UpdateExposure(key domain.AccountKey, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[key]
	if !ok {
		return fmt.Errorf("accounts.UpdateExposure: %s: %w", key, domain.ErrUnknownAccount)
	}
	acc.CurrentExposure += delta
	if acc.CurrentExposure < 0 {
		acc.CurrentExposure = 0
	}
	m.maybeSnapshotLocked()
	return nil
}

// ApplyPnL applies realized PnL to the bankroll and re-derives the
// exposure ceiling: maxExposure = max(0, bankroll).
func (m *Manager) ApplyPnL(key domain.AccountKey, realized float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[key]
	if !ok {
		return fmt.Errorf("accounts.ApplyPnL: %s: %w", key, domain.ErrUnknownAccount)
	}
	acc.RealizedPnL += realized
	acc.Bankroll += realized
	acc.MaxExposure = math.Max(0, acc.Bankroll)
	m.maybeSnapshotLocked()
	return nil
}

// Settle releases a stake and applies its realized PnL in one locked
// step. Called exactly once per closed ledger row; the ledger's
// conditional transition guarantees that.
func (m *Manager) Settle(key domain.AccountKey, stake, realized float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[key]
	if !ok {
		return fmt.Errorf("accounts.Settle: %s: %w", key, domain.ErrUnknownAccount)
	}
	acc.CurrentExposure -= stake
	if acc.CurrentExposure < 0 {
		acc.CurrentExposure = 0
	}
	acc.RealizedPnL += realized
	acc.Bankroll += realized
	acc.MaxExposure = math.Max(0, acc.Bankroll)

	slog.Info("accounts: capital released",
		"account", key.String(),
		"stake", fmt.Sprintf("$%.2f", stake),
		"realized", fmt.Sprintf("$%.2f", realized),
		"bankroll", fmt.Sprintf("$%.2f", acc.Bankroll),
	)
	m.maybeSnapshotLocked()
	return nil
}

// SetUnrealized overwrites the account's mark-to-market PnL.
func (m *Manager) SetUnrealized(key domain.AccountKey, unrealized float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[key]
	if !ok {
		return fmt.Errorf("accounts.SetUnrealized: %s: %w", key, domain.ErrUnknownAccount)
	}
	acc.UnrealizedPnL = unrealized
	return nil
}

// Snapshot returns copies of every account.
func (m *Manager) Snapshot() []domain.IsolatedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.IsolatedAccount, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, *acc)
	}
	return out
}

// TotalExposure sums committed capital across all accounts.
func (m *Manager) TotalExposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, acc := range m.accounts {
		total += acc.CurrentExposure
	}
	return total
}

// maybeSnapshotLocked logs aggregate bankroll/exposure at most once per
// snapshotInterval. Caller holds the mutex.
func (m *Manager) maybeSnapshotLocked() {
	now := time.Now()
	if now.Sub(m.lastSnapshot) < snapshotInterval {
		return
	}
	m.lastSnapshot = now

	var bankroll, exposure, realized float64
	for _, acc := range m.accounts {
		bankroll += acc.Bankroll
		exposure += acc.CurrentExposure
		realized += acc.RealizedPnL
	}
	slog.Info("accounts: snapshot",
		"bankroll", fmt.Sprintf("$%.2f", bankroll),
		"exposure", fmt.Sprintf("$%.2f", exposure),
		"realized", fmt.Sprintf("$%.2f", realized),
	)
}
