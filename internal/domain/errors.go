package domain

import "errors"

// Invariant violations. These halt the affected market loop loudly;
// they are never silently absorbed, because each one means the books
// can no longer be trusted.
var (
	// ErrDirectionLocked: a trade was attempted against the direction
	// locked by the position's first fill.
	ErrDirectionLocked = errors.New("direction locked by first fill, opposite-side trade refused")

	// ErrExposureWithoutTrades: local exposure is nonzero but the
	// durable ledger holds zero executed trades for the run/market.
	ErrExposureWithoutTrades = errors.New("nonzero exposure with no executed ledger trades")

	// ErrNoPositionToExit: a defensive unwind was requested with zero
	// (or negative) net open position.
	ErrNoPositionToExit = errors.New("defensive exit with no open position")
)

// ErrUnknownAccount: a trade referenced an (asset, direction) pair
// outside the fixed account set.
var ErrUnknownAccount = errors.New("unknown isolated account")
