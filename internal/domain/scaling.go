package domain

import (
	"time"
)

// Tier is one rung of the confidence ladder. Entering tier N requires
// N−1 clips already placed and PersistenceSamples of the last
// WindowSize observations at or above MinConfidence for the current
// direction.
type Tier struct {
	Level              int
	MinConfidence      float64
	PersistenceSamples int
	WindowSize         int
	SizeMult           float64
}

// DefaultTiers is the production ladder.
func DefaultTiers() []Tier {
	return []Tier{
		{Level: 1, MinConfidence: 0.60, PersistenceSamples: 3, WindowSize: 5, SizeMult: 1.0},
		{Level: 2, MinConfidence: 0.70, PersistenceSamples: 3, WindowSize: 6, SizeMult: 1.25},
		{Level: 3, MinConfidence: 0.80, PersistenceSamples: 4, WindowSize: 7, SizeMult: 1.5},
		{Level: 4, MinConfidence: 0.90, PersistenceSamples: 5, WindowSize: 8, SizeMult: 2.0},
	}
}

// maxSampleHistory bounds the rolling sample buffer.
const maxSampleHistory = 16

// ScalingState is the per-(market, run) mutable trading state owned by
// exactly one market loop. It is reset on run change and reconstructed
// from the trade ledger after a restart.
type ScalingState struct {
	RunID           string
	LockedDirection Direction // set on first fill, immutable for the run
	Clips           int
	TierReached     int
	EntryRegime     VolRegime
	EntryConfidence float64
	LastTradeAt     time.Time
	DefensiveExited bool
	Samples         []ConfidenceSample
}

// Reset clears everything and adopts the new run id. This is the only
// legitimate path to clearing a locked direction or the exited flag.
func (s *ScalingState) Reset(runID string) {
	*s = ScalingState{RunID: runID}
}

// Observe appends a confidence sample to the bounded rolling history.
func (s *ScalingState) Observe(sample ConfidenceSample) {
	s.Samples = append(s.Samples, sample)
	if len(s.Samples) > maxSampleHistory {
		s.Samples = s.Samples[len(s.Samples)-maxSampleHistory:]
	}
}

// HasPosition reports whether a direction is locked (≥1 fill this run).
func (s *ScalingState) HasPosition() bool {
	return s.LockedDirection != ""
}

// LockDirection locks the trade direction on the first fill. Locking
// the opposite side of an existing lock is an invariant violation.
func (s *ScalingState) LockDirection(d Direction) error {
	if s.LockedDirection == "" {
		s.LockedDirection = d
		return nil
	}
	if s.LockedDirection != d {
		return ErrDirectionLocked
	}
	return nil
}

// persistenceMet counts qualifying samples in the trailing window.
func (s *ScalingState) persistenceMet(t Tier, d Direction) bool {
	window := s.Samples
	if len(window) > t.WindowSize {
		window = window[len(window)-t.WindowSize:]
	}
	qualifying := 0
	for _, smp := range window {
		if smp.Direction == d && smp.Confidence >= t.MinConfidence {
			qualifying++
		}
	}
	return qualifying >= t.PersistenceSamples
}

// EligibleTier returns the tier a new clip would enter, or nil if no
// tier qualifies this tick. Direction must match the locked direction
// when one exists; tier N requires N−1 clips already placed; the
// cooldown since the last trade must have elapsed; and the tier's
// persistence requirement must be met by the rolling history.
func (s *ScalingState) EligibleTier(tiers []Tier, d Direction, now time.Time, cooldown time.Duration) *Tier {
	if s.DefensiveExited {
		return nil
	}
	if s.LockedDirection != "" && s.LockedDirection != d {
		return nil
	}
	if !s.LastTradeAt.IsZero() && now.Sub(s.LastTradeAt) < cooldown {
		return nil
	}
	for i := range tiers {
		t := tiers[i]
		if t.Level != s.Clips+1 {
			continue
		}
		if !s.persistenceMet(t, d) {
			return nil
		}
		return &t
	}
	return nil
}

// RecordFill advances the state after a successful clip.
func (s *ScalingState) RecordFill(t Tier, obs MarketObservation, at time.Time) {
	s.Clips++
	if t.Level > s.TierReached {
		s.TierReached = t.Level
	}
	if s.Clips == 1 {
		s.EntryRegime = obs.Regime
		s.EntryConfidence = obs.Confidence
	}
	s.LastTradeAt = at
}

// Rehydrate reconstructs direction lock, clip count, tier, and entry
// metadata by replaying the run's executed trades in order. Called once
// on loop start so a process restart cannot forget a locked direction.
func (s *ScalingState) Rehydrate(runID string, trades []LedgerTrade) {
	s.Reset(runID)
	for _, t := range trades {
		if t.RunID != runID {
			continue
		}
		if s.LockedDirection == "" {
			s.LockedDirection = t.Direction
			s.EntryRegime = t.Regime
			s.EntryConfidence = t.Confidence
		}
		s.Clips++
		if t.Tier > s.TierReached {
			s.TierReached = t.Tier
		}
		if t.OpenedAt.After(s.LastTradeAt) {
			s.LastTradeAt = t.OpenedAt
		}
		if t.ExitReason != "" && t.ExitReason != string(ExitReasonSettlement) {
			s.DefensiveExited = true
		}
	}
}
