// Package engine orchestrates per-market trading: each MarketLoop owns
// one market's mutable state and runs the observe → protect → scale →
// settle pipeline on a fixed cadence. The Registry starts and stops
// loops from externally configured control state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/updown/internal/application/execution"
	"github.com/alejandrodnm/updown/internal/application/ledger"
	"github.com/alejandrodnm/updown/internal/domain"
	"github.com/alejandrodnm/updown/internal/ports"
)

const (
	defaultTickInterval = 5 * time.Second
	defaultCooldown     = 20 * time.Second
	defaultMarkInterval = 10 * time.Second
	defaultMaxHistory   = 90
	feedCallTimeout     = 3 * time.Second

	// Passive execution needs room to work: enough time before expiry
	// and a spread wide enough that resting an order is worth it.
	makerMinMinutes     = 3.0
	makerMinSpreadTicks = 2.0
)

// errLoopDone signals a clean terminal state (expiry settled).
var errLoopDone = errors.New("market loop finished")

// LoopConfig tunes a MarketLoop.
type LoopConfig struct {
	TickInterval  time.Duration
	Cooldown      time.Duration
	MarkInterval  time.Duration
	MaxHistory    int
	PriceTick     float64
	BaseTradeSize float64
	Tiers         []domain.Tier
	ExitRules     domain.ExitRules
}

func (c *LoopConfig) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MarkInterval <= 0 {
		c.MarkInterval = defaultMarkInterval
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = defaultMaxHistory
	}
	if c.PriceTick <= 0 {
		c.PriceTick = 0.01
	}
	if c.BaseTradeSize <= 0 {
		c.BaseTradeSize = 25
	}
	if len(c.Tiers) == 0 {
		c.Tiers = domain.DefaultTiers()
	}
	if c.ExitRules == (domain.ExitRules{}) {
		c.ExitRules = domain.DefaultExitRules()
	}
}

// MarketLoop runs one market. All mutable per-market state lives here
// and is touched only by this loop's tick, which never overlaps itself.
type MarketLoop struct {
	market   domain.Market
	ctrl     ports.ControlStore
	markets  ports.MarketStore
	oracle   ports.PriceOracle
	spot     ports.SpotFeed
	exchange ports.ExchangeClient
	exec     *execution.Service
	ledger   *ledger.Ledger
	events   ports.EventSink
	cfg      LoopConfig

	state          domain.ScalingState
	history        []domain.PricePoint
	tokens         domain.TokenPair
	tokensResolved bool
	exposure       float64
	lastStateWrite time.Time
	lastMark       time.Time
}

// NewMarketLoop creates a loop for one market.
func NewMarketLoop(
	market domain.Market,
	ctrl ports.ControlStore,
	markets ports.MarketStore,
	oracle ports.PriceOracle,
	spot ports.SpotFeed,
	exchange ports.ExchangeClient,
	exec *execution.Service,
	led *ledger.Ledger,
	events ports.EventSink,
	cfg LoopConfig,
) *MarketLoop {
	cfg.setDefaults()
	return &MarketLoop{
		market:   market,
		ctrl:     ctrl,
		markets:  markets,
		oracle:   oracle,
		spot:     spot,
		exchange: exchange,
		exec:     exec,
		ledger:   led,
		events:   events,
		cfg:      cfg,
	}
}

// Run ticks until the context is cancelled, the market expires, or an
// invariant violation halts the loop. Ticks are serialized by this
// goroutine, so a slow tick delays the next instead of overlapping it.
func (ml *MarketLoop) Run(ctx context.Context) error {
	if err := ml.rehydrate(ctx); err != nil {
		slog.Warn("loop: rehydrate failed, starting cold", "market", ml.market.ID, "err", err)
	}

	ticker := time.NewTicker(ml.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("loop: started",
		"market", ml.market.ID,
		"asset", ml.market.Asset,
		"expiry", ml.market.ExpiryTime.Format(time.RFC3339),
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("loop: stopped", "market", ml.market.ID)
			return nil
		case <-ticker.C:
			if err := ml.tick(ctx); err != nil {
				if errors.Is(err, errLoopDone) {
					return nil
				}
				slog.Error("loop: halted", "market", ml.market.ID, "err", err)
				return err
			}
			ml.events.Heartbeat(ctx, "loop:"+ml.market.ID, time.Now().UTC())
		}
	}
}

// rehydrate reconstructs scaling state by replaying the run's executed
// trades and adopting the durable status row, so a restart cannot lose
// the direction lock or the defensive-exited flag.
func (ml *MarketLoop) rehydrate(ctx context.Context) error {
	rs, err := ml.ctrl.GetRunState(ctx)
	if err != nil {
		return fmt.Errorf("engine.rehydrate: run state: %w", err)
	}

	trades, err := ml.ledger.TradesForRun(ctx, rs.RunID, ml.market.ID)
	if err != nil {
		return fmt.Errorf("engine.rehydrate: trades: %w", err)
	}
	ml.state.Rehydrate(rs.RunID, trades)

	st, err := ml.markets.GetMarketState(ctx, ml.market.ID, rs.RunID)
	if err != nil {
		return fmt.Errorf("engine.rehydrate: state row: %w", err)
	}
	ml.exposure = st.Exposure
	if st.DefensiveExited {
		ml.state.DefensiveExited = true
	}

	if ml.state.Clips > 0 {
		slog.Info("loop: rehydrated position",
			"market", ml.market.ID,
			"run", rs.RunID,
			"direction", ml.state.LockedDirection,
			"clips", ml.state.Clips,
			"exposure", fmt.Sprintf("$%.2f", ml.exposure),
		)
	}
	return nil
}

// tick is one pass of the state machine.
func (ml *MarketLoop) tick(ctx context.Context) error {
	now := time.Now().UTC()

	rs, err := ml.ctrl.GetRunState(ctx)
	if err != nil {
		slog.Warn("loop: control state unavailable, skipping tick", "market", ml.market.ID, "err", err)
		return nil
	}

	// 2. A new run id is the only legitimate full reset of local state.
	if rs.RunID != ml.state.RunID {
		ml.resetForRun(ctx, rs.RunID, now)
	}

	// 1. Hard guards: not running, or already terminated defensively.
	if !rs.Running {
		return nil
	}
	if ml.state.DefensiveExited {
		return nil
	}

	// 3. Detect external resets: an operator zeroed the durable row
	// after our last write, so adopt it rather than fight it.
	if ml.exposure > 0 {
		st, err := ml.markets.GetMarketState(ctx, ml.market.ID, rs.RunID)
		if err == nil && st.Exposure == 0 && st.UpdatedAt.After(ml.lastStateWrite) && !st.UpdatedAt.IsZero() {
			slog.Warn("loop: external reset detected, adopting zero exposure",
				"market", ml.market.ID, "was", fmt.Sprintf("$%.2f", ml.exposure))
			ml.exposure = 0
			ml.events.Record(ctx, domain.DecisionEvent{
				At: now, RunID: rs.RunID, MarketID: ml.market.ID,
				Kind: domain.EventReset, Reason: "EXTERNAL_RESET",
			})
		}
	}

	// 4. Invariant guardrail: exposure with no executed trades means
	// the books are wrong. Trading blind risks overtrading, so halt.
	if ml.exposure > 0 {
		count, err := ml.ledger.ExecutedTradeCount(ctx, rs.RunID, ml.market.ID)
		if err != nil {
			slog.Warn("loop: ledger count unavailable, skipping tick", "market", ml.market.ID, "err", err)
			return nil
		}
		if count == 0 {
			ml.events.Record(ctx, domain.DecisionEvent{
				At: now, RunID: rs.RunID, MarketID: ml.market.ID,
				Kind:   domain.EventInvariant,
				Reason: "EXPOSURE_WITHOUT_TRADES",
				Detail: fmt.Sprintf("local exposure $%.2f with zero executed ledger rows", ml.exposure),
			})
			return fmt.Errorf("engine.tick: %s: exposure $%.2f: %w",
				ml.market.ID, ml.exposure, domain.ErrExposureWithoutTrades)
		}
	}

	// 5. Observe; settle and finish if expiry has passed.
	obs, expired, err := ml.observe(ctx, now)
	if err != nil {
		slog.Warn("loop: observation failed, retrying next tick", "market", ml.market.ID, "err", err)
		return nil
	}
	if expired {
		return ml.settleAtExpiry(ctx, rs.RunID, now)
	}
	if obs == nil {
		return nil // not hydrated yet, or history still filling
	}

	ml.state.Observe(domain.ConfidenceSample{
		Confidence: obs.Confidence,
		Direction:  obs.Direction,
		At:         now,
	})

	// 6. Capital protection before adding risk.
	if ml.state.HasPosition() && ml.exposure > 0 {
		if done, err := ml.evaluateDefense(ctx, rs, *obs, now); done || err != nil {
			return err
		}
	}

	// 7. Tiered scaling.
	if err := ml.evaluateScaling(ctx, rs, *obs, now); err != nil {
		return err
	}

	// 8. Throttled mark-to-market for unrealized PnL reporting.
	if ml.state.HasPosition() && now.Sub(ml.lastMark) >= ml.cfg.MarkInterval {
		if err := ml.markToMarket(ctx, rs.RunID, *obs); err != nil {
			slog.Warn("loop: mark-to-market failed", "market", ml.market.ID, "err", err)
		} else {
			ml.lastMark = now
		}
	}

	// 9. Persist the status snapshot.
	ml.persistState(ctx, rs.RunID, obs, now)
	return nil
}

// resetForRun clears all rolling state and persists a zeroed row tagged
// with the new run id.
func (ml *MarketLoop) resetForRun(ctx context.Context, runID string, now time.Time) {
	prev := ml.state.RunID
	ml.state.Reset(runID)
	ml.exposure = 0
	ml.history = ml.history[:0]

	st := domain.MarketState{
		MarketID:  ml.market.ID,
		RunID:     runID,
		Phase:     domain.PhaseWatching,
		UpdatedAt: now,
	}
	if err := ml.markets.SaveMarketState(ctx, st); err != nil {
		slog.Warn("loop: could not persist run reset", "market", ml.market.ID, "err", err)
	} else {
		ml.lastStateWrite = now
	}

	slog.Info("loop: run changed, state reset", "market", ml.market.ID, "from", prev, "to", runID)
	ml.events.Record(ctx, domain.DecisionEvent{
		At: now, RunID: runID, MarketID: ml.market.ID,
		Kind: domain.EventReset, Reason: "RUN_CHANGED", Detail: "previous=" + prev,
	})
}

// settleAtExpiry resolves the market from the final spot vs baseline
// and stops the loop.
func (ml *MarketLoop) settleAtExpiry(ctx context.Context, runID string, now time.Time) error {
	callCtx, cancel := context.WithTimeout(ctx, feedCallTimeout)
	spot, err := ml.spot.GetSpotPrice(callCtx, ml.market.Asset)
	cancel()
	if err != nil {
		slog.Warn("loop: settlement spot read failed, retrying next tick", "market", ml.market.ID, "err", err)
		return nil
	}

	finalUp := 0.0
	if spot > ml.market.BaselinePrice {
		finalUp = 1.0
	}

	if _, err := ml.ledger.SettleMarket(ctx, runID, ml.market.ID, finalUp, "EXPIRY"); err != nil {
		slog.Warn("loop: settlement failed, retrying next tick", "market", ml.market.ID, "err", err)
		return nil
	}

	outcome := domain.DirectionDown
	if finalUp == 1.0 {
		outcome = domain.DirectionUp
	}

	ml.exposure = 0
	ml.persistPhase(ctx, runID, domain.PhaseExpired, now)
	slog.Info("loop: market expired and settled",
		"market", ml.market.ID,
		"spot", fmt.Sprintf("%.2f", spot),
		"baseline", fmt.Sprintf("%.2f", ml.market.BaselinePrice),
		"outcome", outcome,
	)
	return errLoopDone
}

// evaluateDefense checks the exit rules and unwinds if one fires.
// Returns done=true when the tick should stop here (exit fired, or an
// exit attempt is pending retry).
func (ml *MarketLoop) evaluateDefense(ctx context.Context, rs domain.RunState, obs domain.MarketObservation, now time.Time) (bool, error) {
	dec := ml.cfg.ExitRules.ShouldExit(obs, ml.state.Samples, ml.state.EntryRegime, ml.state.EntryConfidence)
	if dec == nil {
		return false, nil
	}

	slog.Warn("loop: defensive exit triggered",
		"market", ml.market.ID,
		"reason", dec.Reason,
		"detail", dec.Detail,
	)

	exited, err := ml.exec.DefensiveExit(ctx, ml.market, rs.RunID, ml.state.LockedDirection, string(dec.Reason))
	if err != nil {
		if errors.Is(err, domain.ErrNoPositionToExit) {
			// Exposure says we hold something the ledger does not.
			ml.events.Record(ctx, domain.DecisionEvent{
				At: now, RunID: rs.RunID, MarketID: ml.market.ID,
				Kind: domain.EventInvariant, Reason: "EXIT_WITHOUT_POSITION", Detail: err.Error(),
			})
			return true, err
		}
		slog.Warn("loop: defensive exit attempt failed, retrying next tick", "market", ml.market.ID, "err", err)
		return true, nil
	}
	if !exited {
		// Thin book: abstained, retry next tick.
		return true, nil
	}

	// Permanent for the life of this run: only a new run id clears it.
	ml.state.DefensiveExited = true
	ml.exposure = 0
	ml.persistPhase(ctx, rs.RunID, domain.PhaseDefensiveExited, now)
	return true, nil
}

// evaluateScaling decides whether to enter or add to the position.
func (ml *MarketLoop) evaluateScaling(ctx context.Context, rs domain.RunState, obs domain.MarketObservation, now time.Time) error {
	if !obs.SafeToTrade {
		return nil
	}

	tier := ml.state.EligibleTier(ml.cfg.Tiers, obs.Direction, now, ml.cfg.Cooldown)
	if tier == nil {
		return nil
	}

	meta := execution.ScalingMeta{
		RunID:               rs.RunID,
		SizeOverride:        ml.cfg.BaseTradeSize * tier.SizeMult,
		TierLevel:           tier.Level,
		LockedDirection:     ml.state.LockedDirection,
		AddToPosition:       ml.state.HasPosition(),
		RunTradeSize:        rs.TradeSize,
		ConfidenceThreshold: rs.ConfidenceThreshold,
		MarketExposure:      ml.exposure,
		Mode:                ml.executionMode(obs),
	}

	res, err := ml.exec.AttemptTrade(ctx, ml.market, obs, meta)

	// A partial fill can precede the error: the maker leg may have been
	// ledgered before the taker leg failed. Book it before deciding what
	// to do with the error, or the position exists only in the ledger.
	if res.Executed {
		if lockErr := ml.state.LockDirection(res.Direction); lockErr != nil {
			return fmt.Errorf("engine.evaluateScaling: lock: %w", lockErr)
		}
		ml.state.RecordFill(*tier, obs, now)
		ml.exposure = res.NewExposure

		slog.Info("loop: clip placed",
			"market", ml.market.ID,
			"tier", tier.Level,
			"direction", res.Direction,
			"stake", fmt.Sprintf("$%.2f", res.Stake),
			"exposure", fmt.Sprintf("$%.2f", ml.exposure),
			"simulated", res.Simulated,
		)
	}

	if err != nil {
		if errors.Is(err, domain.ErrDirectionLocked) {
			ml.events.Record(ctx, domain.DecisionEvent{
				At: now, RunID: rs.RunID, MarketID: ml.market.ID,
				Kind: domain.EventInvariant, Reason: "DIRECTION_LOCK_VIOLATION", Detail: err.Error(),
			})
			return fmt.Errorf("engine.evaluateScaling: %w", err)
		}
		// Execution failures skip the tick; the next one retries.
		slog.Warn("loop: trade attempt failed", "market", ml.market.ID, "tier", tier.Level, "err", err)
		ml.events.Record(ctx, domain.DecisionEvent{
			At: now, RunID: rs.RunID, MarketID: ml.market.ID,
			Kind: domain.EventSkip, Reason: "EXECUTION_ERROR", Detail: err.Error(),
		})
		return nil
	}
	return nil
}

// executionMode picks passive when there is time to rest an order and a
// spread worth capturing, aggressive otherwise.
func (ml *MarketLoop) executionMode(obs domain.MarketObservation) execution.ExecMode {
	if obs.MinutesLeft > makerMinMinutes && obs.Book.Spread() >= makerMinSpreadTicks*ml.cfg.PriceTick {
		return execution.ModeMaker
	}
	return execution.ModeTaker
}

// markToMarket pushes current unrealized PnL into the ledger, converting
// the direction-token mid to an UP-token mark.
func (ml *MarketLoop) markToMarket(ctx context.Context, runID string, obs domain.MarketObservation) error {
	mid := obs.Book.Mid()
	if mid <= 0 {
		return nil
	}
	upMid := mid
	if obs.Direction == domain.DirectionDown {
		upMid = 1 - mid
	}
	return ml.ledger.UpdateUnrealizedPnL(ctx, runID, ml.market.ID, upMid)
}

// persistState writes the full status snapshot for observability.
func (ml *MarketLoop) persistState(ctx context.Context, runID string, obs *domain.MarketObservation, now time.Time) {
	phase := domain.PhaseWatching
	switch {
	case ml.state.HasPosition():
		phase = domain.PhaseLocked
	case obs != nil && len(ml.cfg.Tiers) > 0 && obs.Confidence >= ml.cfg.Tiers[0].MinConfidence:
		phase = domain.PhaseOpportunity
	}

	st := domain.MarketState{
		MarketID:        ml.market.ID,
		RunID:           runID,
		Phase:           phase,
		Exposure:        ml.exposure,
		Clips:           ml.state.Clips,
		Tier:            ml.state.TierReached,
		LockedDirection: ml.state.LockedDirection,
		DefensiveExited: ml.state.DefensiveExited,
		UpdatedAt:       now,
	}
	if err := ml.markets.SaveMarketState(ctx, st); err != nil {
		slog.Warn("loop: could not persist state", "market", ml.market.ID, "err", err)
		return
	}
	ml.lastStateWrite = now

	if obs != nil {
		slog.Debug("loop: tick",
			"market", ml.market.ID,
			"phase", phase,
			"spot", fmt.Sprintf("%.2f", obs.SpotPrice),
			"delta", fmt.Sprintf("%.2f", obs.Delta),
			"prob", fmt.Sprintf("%.4f", obs.ModelProb),
			"implied", fmt.Sprintf("%.4f", obs.ImpliedProb),
			"confidence", fmt.Sprintf("%.2f", obs.Confidence),
			"regime", obs.Regime,
			"minutes_left", fmt.Sprintf("%.1f", obs.MinutesLeft),
		)
	}
}

func (ml *MarketLoop) persistPhase(ctx context.Context, runID string, phase domain.MarketPhase, now time.Time) {
	st := domain.MarketState{
		MarketID:        ml.market.ID,
		RunID:           runID,
		Phase:           phase,
		Exposure:        ml.exposure,
		Clips:           ml.state.Clips,
		Tier:            ml.state.TierReached,
		LockedDirection: ml.state.LockedDirection,
		DefensiveExited: ml.state.DefensiveExited,
		UpdatedAt:       now,
	}
	if err := ml.markets.SaveMarketState(ctx, st); err != nil {
		slog.Warn("loop: could not persist phase", "market", ml.market.ID, "phase", phase, "err", err)
		return
	}
	ml.lastStateWrite = now
}
