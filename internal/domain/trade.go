package domain

import "time"

// TradeStatus is the ledger row lifecycle. OPEN→CLOSED happens exactly
// once; the status predicate on that transition is the settlement
// concurrency guard.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// ExitReasonSettlement marks a row closed by normal expiry settlement
// rather than a defensive rule.
const ExitReasonSettlement ExitReason = "SETTLEMENT"

// LedgerTrade is one capital commitment: a row per fill (maker or
// taker). Immutable once CLOSED except for PnL-finalization fields
// written in the same transaction as the transition.
type LedgerTrade struct {
	ID         string
	RunID      string
	MarketID   string
	Asset      string
	Direction  Direction
	Stake      float64 // USDC committed
	EntryPrice float64 // direction token price paid
	Shares     float64 // Stake / EntryPrice
	Status     TradeStatus
	OpenedAt   time.Time
	ClosedAt   *time.Time
	ExitPrice  float64 // direction token exit price
	ExitReason string

	RealizedPnL   float64
	UnrealizedPnL float64
	MarkedAt      *time.Time

	// Decision context at entry.
	Confidence float64
	Regime     VolRegime
	Tier       int
	Maker      bool
}

// EffectiveMark converts an UP-token mark price to this trade's side.
// A DOWN position gains when the UP token falls.
func (t LedgerTrade) EffectiveMark(upPrice float64) float64 {
	if t.Direction == DirectionDown {
		return 1 - upPrice
	}
	return upPrice
}

// UnrealizedAt returns mark-to-market PnL at the given UP-token price.
func (t LedgerTrade) UnrealizedAt(upPrice float64) float64 {
	if t.Shares == 0 {
		return 0
	}
	return (t.EffectiveMark(upPrice) - t.EntryPrice) * t.Shares
}

// RealizedAt returns the realized PnL if closed at the given UP-token
// price: shares × (exit − entry) on the trade's own side.
func (t LedgerTrade) RealizedAt(upPrice float64) float64 {
	return t.UnrealizedAt(upPrice)
}

// AccountKey identifies the isolated virtual account a trade books
// against.
func (t LedgerTrade) AccountKey() AccountKey {
	return AccountKey{Asset: t.Asset, Direction: t.Direction}
}
