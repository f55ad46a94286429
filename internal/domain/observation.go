package domain

import "time"

// Direction is the side of an up/down market.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionUp {
		return DirectionDown
	}
	return DirectionUp
}

// VolRegime classifies the current realized-volatility environment.
type VolRegime string

const (
	RegimeLow    VolRegime = "LOW"
	RegimeNormal VolRegime = "NORMAL"
	RegimeHigh   VolRegime = "HIGH"
)

// PricePoint is a timestamped price sample from a feed.
type PricePoint struct {
	Price float64
	At    time.Time
}

// BookTop is a snapshot of the top of an outcome token's order book.
type BookTop struct {
	BestBid float64
	BestAsk float64
}

// Spread returns ask − bid, or 0 if either side is empty.
func (bt BookTop) Spread() float64 {
	if bt.BestBid == 0 || bt.BestAsk == 0 {
		return 0
	}
	return bt.BestAsk - bt.BestBid
}

// Mid returns the midpoint, or 0 if either side is empty.
func (bt BookTop) Mid() float64 {
	if bt.BestBid == 0 || bt.BestAsk == 0 {
		return 0
	}
	return (bt.BestBid + bt.BestAsk) / 2
}

// MarketObservation is one tick's fair-value snapshot. Recomputed every
// tick, logged for audit, never persisted as an entity.
type MarketObservation struct {
	MarketID    string
	Asset       string
	OraclePrice float64
	OracleAt    time.Time
	SpotPrice   float64
	SpotAt      time.Time
	Delta       float64 // spot − baseline
	Direction   Direction
	ModelProb   float64 // model probability for Direction's token
	ImpliedProb float64 // VWAP ask for the direction token, 0 if book empty
	Confidence  float64 // 2×|ModelProb−0.5|, toward Direction
	MinutesLeft float64
	SafeToTrade bool
	Regime      VolRegime
	Volatility  float64 // per-minute realized vol used by the model
	Book        BookTop // direction token's top of book
}

// ConfidenceSample is one (confidence, direction) reading kept in the
// rolling history used by tier persistence and exit rules.
type ConfidenceSample struct {
	Confidence float64
	Direction  Direction
	At         time.Time
}
