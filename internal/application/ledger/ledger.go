// Package ledger is the durable record of opened and closed positions.
// Settlement is atomic and idempotent: the store's conditional
// OPEN→CLOSED transition is the concurrency guard, and capital is
// released to the account manager exactly once per row because at most
// one caller ever observes a given row transitioning.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/updown/internal/application/accounts"
	"github.com/alejandrodnm/updown/internal/domain"
	"github.com/alejandrodnm/updown/internal/ports"
)

// Ledger wraps the ledger store with account bookkeeping.
type Ledger struct {
	store    ports.LedgerStore
	accounts *accounts.Manager
	events   ports.EventSink
}

// New creates a Ledger.
func New(store ports.LedgerStore, acc *accounts.Manager, events ports.EventSink) *Ledger {
	return &Ledger{store: store, accounts: acc, events: events}
}

// RecordOpenTrade inserts an OPEN row and books its stake as exposure.
func (l *Ledger) RecordOpenTrade(ctx context.Context, t domain.LedgerTrade) error {
	t.Status = domain.TradeStatusOpen
	if err := l.store.InsertTrade(ctx, t); err != nil {
		return fmt.Errorf("ledger.RecordOpenTrade: insert: %w", err)
	}
	if err := l.accounts.UpdateExposure(t.AccountKey(), t.Stake); err != nil {
		return fmt.Errorf("ledger.RecordOpenTrade: exposure: %w", err)
	}

	l.events.Record(ctx, domain.DecisionEvent{
		At:       time.Now().UTC(),
		RunID:    t.RunID,
		MarketID: t.MarketID,
		Kind:     domain.EventTrade,
		Reason:   "OPENED",
		Detail: fmt.Sprintf("%s stake=%.2f entry=%.4f tier=%d maker=%t",
			t.Direction, t.Stake, t.EntryPrice, t.Tier, t.Maker),
	})
	return nil
}

// OpenTrades returns the OPEN rows for (run, market).
func (l *Ledger) OpenTrades(ctx context.Context, runID, marketID string) ([]domain.LedgerTrade, error) {
	return l.store.OpenTrades(ctx, runID, marketID)
}

// TradesForRun returns all rows for (run, market) in open order.
func (l *Ledger) TradesForRun(ctx context.Context, runID, marketID string) ([]domain.LedgerTrade, error) {
	return l.store.TradesForRun(ctx, runID, marketID)
}

// ExecutedTradeCount counts all executed rows for (run, market).
func (l *Ledger) ExecutedTradeCount(ctx context.Context, runID, marketID string) (int, error) {
	return l.store.ExecutedTradeCount(ctx, runID, marketID)
}

// UpdateUnrealizedPnL marks every OPEN row for (run, market) to the
// current UP-token price, flipping the mark for DOWN-side rows, and
// pushes the per-account aggregate to the account manager.
func (l *Ledger) UpdateUnrealizedPnL(ctx context.Context, runID, marketID string, upPrice float64) error {
	open, err := l.store.OpenTrades(ctx, runID, marketID)
	if err != nil {
		return fmt.Errorf("ledger.UpdateUnrealizedPnL: open trades: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	now := time.Now().UTC()
	byAccount := make(map[domain.AccountKey]float64)
	for _, t := range open {
		u := t.UnrealizedAt(upPrice)
		if err := l.store.UpdateMark(ctx, t.ID, u, now); err != nil {
			return fmt.Errorf("ledger.UpdateUnrealizedPnL: mark %s: %w", t.ID, err)
		}
		byAccount[t.AccountKey()] += u
	}
	for key, u := range byAccount {
		if err := l.accounts.SetUnrealized(key, u); err != nil {
			return fmt.Errorf("ledger.UpdateUnrealizedPnL: account %s: %w", key, err)
		}
	}
	return nil
}

// SettleMarket closes every OPEN row for (run, market) at the final
// UP-token price. Safe to call concurrently or repeatedly: duplicate
// calls find zero rows to transition and no-op.
func (l *Ledger) SettleMarket(ctx context.Context, runID, marketID string, finalUpPrice float64, source string) (int, error) {
	return l.close(ctx, runID, marketID, finalUpPrice, string(domain.ExitReasonSettlement), source)
}

// ClosePosition closes every OPEN row for (run, market) at the given
// UP-token price for a defensive reason. Same idempotence guarantee as
// SettleMarket.
func (l *Ledger) ClosePosition(ctx context.Context, runID, marketID string, upPrice float64, reason string) (int, error) {
	return l.close(ctx, runID, marketID, upPrice, reason, "defensive")
}

func (l *Ledger) close(ctx context.Context, runID, marketID string, upPrice float64, reason, source string) (int, error) {
	closed, err := l.store.CloseOpenTrades(ctx, runID, marketID, upPrice, reason, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("ledger.close: transition: %w", err)
	}

	if len(closed) == 0 {
		slog.Info("ledger: already settled, skipped",
			"run", runID, "market", marketID, "source", source)
		l.events.Record(ctx, domain.DecisionEvent{
			At:       time.Now().UTC(),
			RunID:    runID,
			MarketID: marketID,
			Kind:     domain.EventSettlement,
			Reason:   "ALREADY_SETTLED",
			Detail:   "source=" + source,
		})
		return 0, nil
	}

	// Each row below transitioned under the store's status predicate,
	// so this caller is the only one releasing its capital.
	for _, t := range closed {
		if err := l.accounts.Settle(t.AccountKey(), t.Stake, t.RealizedPnL); err != nil {
			return len(closed), fmt.Errorf("ledger.close: release %s: %w", t.ID, err)
		}
		if err := l.accounts.SetUnrealized(t.AccountKey(), 0); err != nil {
			return len(closed), fmt.Errorf("ledger.close: clear mark %s: %w", t.ID, err)
		}
	}

	var stake, pnl float64
	for _, t := range closed {
		stake += t.Stake
		pnl += t.RealizedPnL
	}
	slog.Info("ledger: settled",
		"run", runID,
		"market", marketID,
		"trades", len(closed),
		"stake", fmt.Sprintf("$%.2f", stake),
		"pnl", fmt.Sprintf("$%.2f", pnl),
		"reason", reason,
		"source", source,
	)
	l.events.Record(ctx, domain.DecisionEvent{
		At:       time.Now().UTC(),
		RunID:    runID,
		MarketID: marketID,
		Kind:     domain.EventSettlement,
		Reason:   reason,
		Detail:   fmt.Sprintf("trades=%d stake=%.2f pnl=%.2f source=%s", len(closed), stake, pnl, source),
	})
	return len(closed), nil
}
