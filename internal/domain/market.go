package domain

import "time"

// Market represents one tradable up/down binary market on a crypto
// reference price. Rows are created by external discovery; the engine
// hydrates missing fields and books exposure against them.
type Market struct {
	ID            string    // venue market id (condition id)
	Asset         string    // "BTC", "ETH", ...
	Question      string    // human-readable label from the venue
	OpenTime      time.Time // when the market opened
	ExpiryTime    time.Time // when the market resolves
	BaselinePrice float64   // price-to-beat: spot above at expiry → UP wins
	ExposureCap   float64   // max cumulative USDC exposure for this market
	MaxEntryPrice float64   // never pay more than this per share
	RunID         string    // active run this market trades under
	Enabled       bool
}

// Hydrated reports whether the market has everything the probability
// engine needs: open time, expiry, and a baseline to beat.
func (m Market) Hydrated() bool {
	return !m.OpenTime.IsZero() && !m.ExpiryTime.IsZero() && m.BaselinePrice > 0
}

// Expired reports whether the market's expiry has passed.
func (m Market) Expired(now time.Time) bool {
	return !m.ExpiryTime.IsZero() && now.After(m.ExpiryTime)
}

// MinutesToExpiry returns the minutes remaining until resolution.
// Returns 0 if expiry is unset or already passed.
func (m Market) MinutesToExpiry(now time.Time) float64 {
	if m.ExpiryTime.IsZero() {
		return 0
	}
	mins := m.ExpiryTime.Sub(now).Minutes()
	if mins < 0 {
		return 0
	}
	return mins
}

// RunState is the global control row: which run is active and whether
// trading is enabled at all. Trading is only permitted when Running is
// explicitly true; the default is off.
type RunState struct {
	RunID               string
	Running             bool
	TradeSize           float64 // run-level configured stake per clip, 0 = governor default
	ConfidenceThreshold float64 // minimum confidence for a first entry
	UpdatedAt           time.Time
}

// MarketPhase is the loop's persisted view of where a market stands.
type MarketPhase string

const (
	PhaseWatching        MarketPhase = "WATCHING"
	PhaseOpportunity     MarketPhase = "OPPORTUNITY"
	PhaseLocked          MarketPhase = "LOCKED"
	PhaseDefensiveExited MarketPhase = "DEFENSIVE_EXITED"
	PhaseExpired         MarketPhase = "EXPIRED"
)

// MarketState is the durable per-(market, run) status row. It mirrors
// the loop's in-memory scaling state so a restart can resume where it
// left off, and so operators can see (and clear) exposure externally.
type MarketState struct {
	MarketID        string
	RunID           string
	Phase           MarketPhase
	Exposure        float64
	Clips           int
	Tier            int
	LockedDirection Direction // empty until the first fill
	DefensiveExited bool
	UpdatedAt       time.Time
}

// TokenPair holds the two outcome token ids of a binary market.
type TokenPair struct {
	Up   string
	Down string
}

// ForDirection returns the token id trading the given direction.
func (tp TokenPair) ForDirection(d Direction) string {
	if d == DirectionDown {
		return tp.Down
	}
	return tp.Up
}
