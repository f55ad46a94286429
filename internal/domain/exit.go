package domain

import (
	"fmt"
	"time"
)

// ExitReason identifies which defensive rule fired.
type ExitReason string

const (
	ExitConfidenceCollapse ExitReason = "CONFIDENCE_COLLAPSE"
	ExitRegimeInvalidation ExitReason = "REGIME_INVALIDATION"
	ExitTimeDecay          ExitReason = "TIME_DECAY"
)

// ExitDecision is the outcome of a defensive-exit evaluation.
type ExitDecision struct {
	Reason ExitReason
	Detail string
}

// ExitRules holds the thresholds for the three defensive triggers.
type ExitRules struct {
	ConfidenceFloor  float64       // collapse: samples below this count
	CollapseSamples  int           // collapse: K of ...
	CollapseWindow   int           // ... the last N samples
	RegimeConfDrop   float64       // invalidation: min drop from entry confidence
	TimeDecayBuffer  time.Duration // decay: window before expiry
	TimeDecayMaxConf float64       // decay: exit if confidence below this
}

// DefaultExitRules returns the production thresholds.
func DefaultExitRules() ExitRules {
	return ExitRules{
		ConfidenceFloor:  0.45,
		CollapseSamples:  3,
		CollapseWindow:   5,
		RegimeConfDrop:   0.15,
		TimeDecayBuffer:  2 * time.Minute,
		TimeDecayMaxConf: 0.55,
	}
}

// ShouldExit evaluates the defensive-exit rules against the current
// observation and recent history. Pure: no side effects, no clock reads.
// Three independent triggers, first match wins; nil means hold.
//
// history must be ordered oldest first and include the current tick's
// sample as its last element.
func (r ExitRules) ShouldExit(obs MarketObservation, history []ConfidenceSample, entryRegime VolRegime, entryConfidence float64) *ExitDecision {
	// 1. Confidence collapse: persistence over K of the last N samples
	// avoids reacting to a single noisy tick.
	if len(history) > 0 {
		window := history
		if len(window) > r.CollapseWindow {
			window = window[len(window)-r.CollapseWindow:]
		}
		below := 0
		for _, s := range window {
			if s.Confidence < r.ConfidenceFloor {
				below++
			}
		}
		if below >= r.CollapseSamples {
			return &ExitDecision{
				Reason: ExitConfidenceCollapse,
				Detail: fmt.Sprintf("%d of last %d samples below %.2f", below, len(window), r.ConfidenceFloor),
			}
		}
	}

	// 2. Regime invalidation: the thesis was priced outside a high-vol
	// regime, the regime turned high-vol, and confidence fell materially.
	if entryRegime != "" && entryRegime != RegimeHigh && obs.Regime == RegimeHigh &&
		entryConfidence-obs.Confidence > r.RegimeConfDrop {
		return &ExitDecision{
			Reason: ExitRegimeInvalidation,
			Detail: fmt.Sprintf("regime %s→HIGH, confidence %.2f→%.2f", entryRegime, entryConfidence, obs.Confidence),
		}
	}

	// 3. Time decay: do not hold a weak thesis into resolution.
	if obs.MinutesLeft > 0 && obs.MinutesLeft < r.TimeDecayBuffer.Minutes() &&
		obs.Confidence < r.TimeDecayMaxConf {
		return &ExitDecision{
			Reason: ExitTimeDecay,
			Detail: fmt.Sprintf("%.1fm left with confidence %.2f", obs.MinutesLeft, obs.Confidence),
		}
	}

	return nil
}
