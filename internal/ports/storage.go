package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/updown/internal/domain"
)

// ControlStore reads the global run/kill-switch state and the enabled
// market list. An external operator surface writes these rows; the
// engine only reads them.
type ControlStore interface {
	GetRunState(ctx context.Context) (domain.RunState, error)
	EnabledMarkets(ctx context.Context) ([]domain.Market, error)
}

// MarketStore persists market rows and the per-(market, run) status row.
type MarketStore interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	SaveMarket(ctx context.Context, m domain.Market) error

	// GetMarketState returns the status row; a missing row comes back
	// zero-valued with no error.
	GetMarketState(ctx context.Context, marketID, runID string) (domain.MarketState, error)
	SaveMarketState(ctx context.Context, st domain.MarketState) error
}

// LedgerStore is the durable trade ledger. CloseOpenTrades is the one
// operation that must be a single conditional update: it transitions
// only rows still OPEN and returns exactly the rows it transitioned,
// with PnL-finalization fields written in the same transaction.
type LedgerStore interface {
	InsertTrade(ctx context.Context, t domain.LedgerTrade) error

	// TradesForRun returns all rows for (run, market) in open order.
	TradesForRun(ctx context.Context, runID, marketID string) ([]domain.LedgerTrade, error)

	// OpenTrades returns only rows still OPEN.
	OpenTrades(ctx context.Context, runID, marketID string) ([]domain.LedgerTrade, error)

	// ExecutedTradeCount counts all rows for (run, market) regardless
	// of status. The market loop's exposure guardrail depends on it.
	ExecutedTradeCount(ctx context.Context, runID, marketID string) (int, error)

	// UpdateMark persists a new unrealized-PnL mark for an open row.
	UpdateMark(ctx context.Context, tradeID string, unrealized float64, markedAt time.Time) error

	// CloseOpenTrades atomically transitions OPEN rows for (run,
	// market) to CLOSED at the given UP-token exit price, computing
	// per-row realized PnL inside the same transaction. Returns the
	// transitioned rows; an empty result means settlement already
	// happened (or there was nothing to settle).
	CloseOpenTrades(ctx context.Context, runID, marketID string, exitUpPrice float64, reason string, at time.Time) ([]domain.LedgerTrade, error)
}

// EventSink records decision events and loop heartbeats. Core logic
// never depends on a sink write succeeding: callers fire and forget.
type EventSink interface {
	Record(ctx context.Context, e domain.DecisionEvent)
	Heartbeat(ctx context.Context, loop string, at time.Time)
}
