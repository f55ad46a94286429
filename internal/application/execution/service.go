// Package execution converts approved trade intents into exchange
// orders. Entries run maker-first with a timed fallback to taker;
// defensive exits unwind the whole position at the bid.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/updown/internal/application/accounts"
	"github.com/alejandrodnm/updown/internal/application/ledger"
	"github.com/alejandrodnm/updown/internal/application/risk"
	"github.com/alejandrodnm/updown/internal/domain"
	"github.com/alejandrodnm/updown/internal/ports"
)

// ExecMode selects passive or aggressive entry.
type ExecMode string

const (
	ModeMaker ExecMode = "MAKER"
	ModeTaker ExecMode = "TAKER"
)

// Skip reason codes written to the decision log.
const (
	SkipEmptyBook     = "EMPTY_BOOK"
	SkipSizeTooSmall  = "SIZE_TOO_SMALL"
	SkipPriceAboveCap = "PRICE_ABOVE_CAP"
	SkipNegativeEV    = "NEGATIVE_EV"
	SkipLowConfidence = "LOW_CONFIDENCE"
	SkipRiskVeto      = "RISK_VETO"
	SkipRemainderVeto = "REMAINDER_VETO"
	SkipThinBookExit  = "EXIT_ABSTAIN_THIN_BOOK"
)

const (
	defaultMakerWait    = 1500 * time.Millisecond
	defaultMinNotional  = 1.0
	defaultPriceTick    = 0.01
	defaultExitFloor    = 0.02
	confidenceSizeFloor = 0.5
	decayWindowMinutes  = 10.0
	paperFillProb       = 0.40
	paperLatency        = 120 * time.Millisecond
)

// Config tunes the execution service.
type Config struct {
	Paper       bool          // simulate fills instead of placing real orders
	MakerWait   time.Duration // how long a resting maker order waits
	MinNotional float64       // reject trades below this USDC size
	PriceTick   float64       // venue tick size
	ExitFloor   float64       // abstain from defensive exit below this bid
}

// ScalingMeta carries the loop's context for one trade attempt. RunID
// is the active run as the loop sees it this tick; fills are ledgered
// under it, never under the market row's snapshot.
type ScalingMeta struct {
	RunID               string
	SizeOverride        float64 // baseTradeSize × tier multiplier, 0 = none
	TierLevel           int
	LockedDirection     domain.Direction // empty if no position yet
	AddToPosition       bool
	RunTradeSize        float64 // run-level configured size, 0 = none
	ConfidenceThreshold float64
	MarketExposure      float64 // current exposure booked to this market
	Mode                ExecMode
}

// Result reports what one attempt did.
type Result struct {
	Executed    bool
	Simulated   bool
	Stake       float64 // USDC actually committed
	NewExposure float64 // MarketExposure + Stake
	Direction   domain.Direction
}

// Service is the execution engine. One instance serves all market loops.
type Service struct {
	exchange ports.ExchangeClient
	ledger   *ledger.Ledger
	accounts *accounts.Manager
	governor *risk.Governor
	events   ports.EventSink
	fees     domain.FeeModel
	cfg      Config
	rng      *rand.Rand
}

// New creates a Service.
func New(exchange ports.ExchangeClient, led *ledger.Ledger, acc *accounts.Manager, gov *risk.Governor, events ports.EventSink, fees domain.FeeModel, cfg Config) *Service {
	if cfg.MakerWait <= 0 {
		cfg.MakerWait = defaultMakerWait
	}
	if cfg.MinNotional <= 0 {
		cfg.MinNotional = defaultMinNotional
	}
	if cfg.PriceTick <= 0 {
		cfg.PriceTick = defaultPriceTick
	}
	if cfg.ExitFloor <= 0 {
		cfg.ExitFloor = defaultExitFloor
	}
	return &Service{
		exchange: exchange,
		ledger:   led,
		accounts: acc,
		governor: gov,
		events:   events,
		fees:     fees,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AttemptTrade runs the full entry pipeline for one approved intent:
// sizing, fee-adjusted EV, confidence gate, risk approval, then the
// maker-first order protocol (or the paper simulation).
func (s *Service) AttemptTrade(ctx context.Context, market domain.Market, obs domain.MarketObservation, meta ScalingMeta) (Result, error) {
	if meta.RunID == "" {
		return Result{}, fmt.Errorf("execution.AttemptTrade: %s: missing run id", market.ID)
	}

	// The locked direction owns the position. Being asked to trade the
	// opposite side is a bookkeeping bug upstream, not a skippable case.
	dir := obs.Direction
	if meta.LockedDirection != "" {
		if obs.Direction != meta.LockedDirection {
			return Result{}, fmt.Errorf("execution.AttemptTrade: %s vs locked %s: %w",
				obs.Direction, meta.LockedDirection, domain.ErrDirectionLocked)
		}
		dir = meta.LockedDirection
	}

	account, err := s.accounts.Account(domain.AccountKey{Asset: market.Asset, Direction: dir})
	if err != nil {
		return Result{}, fmt.Errorf("execution.AttemptTrade: %w", err)
	}

	size := s.resolveSize(meta, account, obs)
	if size < s.cfg.MinNotional {
		s.skip(ctx, meta.RunID, market.ID, SkipSizeTooSmall, fmt.Sprintf("size %.2f below min %.2f", size, s.cfg.MinNotional))
		return Result{NewExposure: meta.MarketExposure}, nil
	}

	// Expected entry price is the VWAP ask for the full size.
	entryPrice := obs.ImpliedProb
	if entryPrice <= 0 {
		s.skip(ctx, meta.RunID, market.ID, SkipEmptyBook, "no asks for direction token")
		return Result{NewExposure: meta.MarketExposure}, nil
	}
	if market.MaxEntryPrice > 0 && entryPrice > market.MaxEntryPrice {
		s.skip(ctx, meta.RunID, market.ID, SkipPriceAboveCap,
			fmt.Sprintf("vwap %.4f above max entry %.4f", entryPrice, market.MaxEntryPrice))
		return Result{NewExposure: meta.MarketExposure}, nil
	}

	// ModelProb already refers to the direction token's side.
	if ev := s.fees.BuyEV(obs.ModelProb, entryPrice); ev <= 0 {
		s.skip(ctx, meta.RunID, market.ID, SkipNegativeEV,
			fmt.Sprintf("model %.4f price %.4f ev %.4f", obs.ModelProb, entryPrice, ev))
		return Result{NewExposure: meta.MarketExposure}, nil
	}

	if obs.Confidence < meta.ConfidenceThreshold && !meta.AddToPosition {
		s.skip(ctx, meta.RunID, market.ID, SkipLowConfidence,
			fmt.Sprintf("confidence %.2f below threshold %.2f", obs.Confidence, meta.ConfidenceThreshold))
		return Result{NewExposure: meta.MarketExposure}, nil
	}

	approved, reason, err := s.governor.RequestApproval(ctx, market, meta.MarketExposure, size)
	if err != nil {
		return Result{}, fmt.Errorf("execution.AttemptTrade: approval: %w", err)
	}
	if !approved {
		s.skip(ctx, meta.RunID, market.ID, SkipRiskVeto, reason)
		return Result{NewExposure: meta.MarketExposure}, nil
	}

	if s.cfg.Paper {
		return s.simulateEntry(ctx, market, obs, meta, dir, size)
	}

	tokens, err := s.exchange.GetTokens(ctx, market.ID)
	if err != nil {
		return Result{}, fmt.Errorf("execution.AttemptTrade: tokens: %w", err)
	}
	return s.liveEntry(ctx, market, obs, meta, dir, tokens.ForDirection(dir), size)
}

// resolveSize picks the stake: explicit scaling override, then the
// run-level configured size, then the governor's fixed-fractional
// default, scaled by confidence (floored at 0.5) and shrunk as expiry
// approaches.
func (s *Service) resolveSize(meta ScalingMeta, account domain.IsolatedAccount, obs domain.MarketObservation) float64 {
	size := meta.SizeOverride
	if size <= 0 {
		size = meta.RunTradeSize
	}
	if size <= 0 {
		size = s.governor.BetSize(account.Bankroll)
	}

	size *= math.Max(confidenceSizeFloor, obs.Confidence)

	if obs.MinutesLeft > 0 && obs.MinutesLeft < decayWindowMinutes {
		size *= obs.MinutesLeft / decayWindowMinutes
	}
	return size
}

// liveEntry runs the maker-first protocol: rest a bid one tick above
// best bid (capped at the ask), wait, cancel, sweep any matched size
// into a maker trade, then cover the remainder with a taker order,
// after re-approving the reduced notional so a partial fill cannot
// sneak the remainder past the exposure cap.
func (s *Service) liveEntry(ctx context.Context, market domain.Market, obs domain.MarketObservation, meta ScalingMeta, dir domain.Direction, tokenID string, size float64) (Result, error) {
	res := Result{Direction: dir, NewExposure: meta.MarketExposure}

	remaining := size
	if meta.Mode == ModeMaker && obs.Book.BestBid > 0 {
		makerPrice := obs.Book.BestBid + s.cfg.PriceTick
		if obs.Book.BestAsk > 0 && makerPrice > obs.Book.BestAsk {
			makerPrice = obs.Book.BestAsk
		}

		placed, err := s.exchange.PlaceOrder(ctx, ports.OrderRequest{
			TokenID:  tokenID,
			MarketID: market.ID,
			Side:     "BUY",
			Price:    makerPrice,
			Size:     remaining,
		})
		if err != nil {
			return res, fmt.Errorf("execution.liveEntry: place maker: %w", err)
		}

		select {
		case <-time.After(s.cfg.MakerWait):
		case <-ctx.Done():
			_ = s.exchange.CancelOrder(context.WithoutCancel(ctx), placed.OrderID)
			return res, ctx.Err()
		}

		if err := s.exchange.CancelOrder(ctx, placed.OrderID); err != nil {
			slog.Warn("exec: maker cancel failed", "order", placed.OrderID, "err", err)
		}

		state, err := s.exchange.GetOrder(ctx, placed.OrderID)
		if err != nil {
			return res, fmt.Errorf("execution.liveEntry: read maker fill: %w", err)
		}

		if state.SizeMatched > 0 {
			makerStake := state.SizeMatched * makerPrice
			if err := s.recordFill(ctx, market, obs, meta, dir, makerStake, makerPrice, true, false); err != nil {
				return res, err
			}
			res.Executed = true
			res.Stake += makerStake
			res.NewExposure = meta.MarketExposure + res.Stake
			remaining -= makerStake

			slog.Info("exec: maker fill",
				"market", market.ID,
				"price", fmt.Sprintf("%.4f", makerPrice),
				"stake", fmt.Sprintf("$%.2f", makerStake),
				"remaining", fmt.Sprintf("$%.2f", remaining),
			)
		}
	}

	if remaining >= s.cfg.MinNotional {
		// Re-check the reduced remainder against the cap: the maker
		// portion already raised this market's exposure.
		approved, reason, err := s.governor.RequestApproval(ctx, market, meta.MarketExposure+res.Stake, remaining)
		if err != nil {
			return res, fmt.Errorf("execution.liveEntry: re-approve remainder: %w", err)
		}
		if !approved {
			s.skip(ctx, meta.RunID, market.ID, SkipRemainderVeto, reason)
			res.NewExposure = meta.MarketExposure + res.Stake
			return res, nil
		}

		takerPrice := obs.Book.BestAsk
		if market.MaxEntryPrice > 0 && takerPrice > market.MaxEntryPrice {
			takerPrice = market.MaxEntryPrice
		}

		placed, err := s.exchange.PlaceOrder(ctx, ports.OrderRequest{
			TokenID:  tokenID,
			MarketID: market.ID,
			Side:     "BUY",
			Price:    takerPrice,
			Size:     remaining,
		})
		if err != nil {
			return res, fmt.Errorf("execution.liveEntry: place taker: %w", err)
		}

		state, err := s.exchange.GetOrder(ctx, placed.OrderID)
		if err != nil {
			return res, fmt.Errorf("execution.liveEntry: read taker fill: %w", err)
		}
		if state.SizeMatched > 0 {
			takerStake := state.SizeMatched * takerPrice
			if err := s.recordFill(ctx, market, obs, meta, dir, takerStake, takerPrice, false, false); err != nil {
				return res, err
			}
			res.Executed = true
			res.Stake += takerStake
			res.NewExposure = meta.MarketExposure + res.Stake

			slog.Info("exec: taker fill",
				"market", market.ID,
				"price", fmt.Sprintf("%.4f", takerPrice),
				"stake", fmt.Sprintf("$%.2f", takerStake),
			)
		}
	}

	res.NewExposure = meta.MarketExposure + res.Stake
	return res, nil
}

// simulateEntry mirrors liveEntry without touching the venue: a
// synthetic delay, a random fill draw for the passive attempt (resting
// orders are not guaranteed a counterparty), then a guaranteed taker
// fill for the remainder.
func (s *Service) simulateEntry(ctx context.Context, market domain.Market, obs domain.MarketObservation, meta ScalingMeta, dir domain.Direction, size float64) (Result, error) {
	res := Result{Direction: dir, Simulated: true, NewExposure: meta.MarketExposure}

	select {
	case <-time.After(paperLatency):
	case <-ctx.Done():
		return res, ctx.Err()
	}

	remaining := size
	if meta.Mode == ModeMaker && obs.Book.BestBid > 0 && s.rng.Float64() < paperFillProb {
		makerPrice := obs.Book.BestBid + s.cfg.PriceTick
		if obs.Book.BestAsk > 0 && makerPrice > obs.Book.BestAsk {
			makerPrice = obs.Book.BestAsk
		}
		if err := s.recordFill(ctx, market, obs, meta, dir, remaining, makerPrice, true, true); err != nil {
			return res, err
		}
		res.Executed = true
		res.Stake = remaining
		res.NewExposure = meta.MarketExposure + res.Stake
		remaining = 0
	}

	if remaining >= s.cfg.MinNotional {
		approved, reason, err := s.governor.RequestApproval(ctx, market, meta.MarketExposure+res.Stake, remaining)
		if err != nil {
			return res, fmt.Errorf("execution.simulateEntry: re-approve: %w", err)
		}
		if !approved {
			s.skip(ctx, meta.RunID, market.ID, SkipRemainderVeto, reason)
			res.NewExposure = meta.MarketExposure + res.Stake
			return res, nil
		}

		takerPrice := obs.Book.BestAsk
		if takerPrice <= 0 {
			takerPrice = obs.ImpliedProb
		}
		if err := s.recordFill(ctx, market, obs, meta, dir, remaining, takerPrice, false, true); err != nil {
			return res, err
		}
		res.Executed = true
		res.Stake += remaining
	}

	res.NewExposure = meta.MarketExposure + res.Stake
	return res, nil
}

// recordFill books a fill as an OPEN ledger row.
func (s *Service) recordFill(ctx context.Context, market domain.Market, obs domain.MarketObservation, meta ScalingMeta, dir domain.Direction, stake, price float64, maker, simulated bool) error {
	if price <= 0 || stake <= 0 {
		return fmt.Errorf("execution.recordFill: degenerate fill stake=%.4f price=%.4f", stake, price)
	}
	t := domain.LedgerTrade{
		ID:         uuid.New().String(),
		RunID:      meta.RunID,
		MarketID:   market.ID,
		Asset:      market.Asset,
		Direction:  dir,
		Stake:      stake,
		EntryPrice: price,
		Shares:     stake / price,
		Status:     domain.TradeStatusOpen,
		OpenedAt:   time.Now().UTC(),
		Confidence: obs.Confidence,
		Regime:     obs.Regime,
		Tier:       meta.TierLevel,
		Maker:      maker,
	}
	if err := s.ledger.RecordOpenTrade(ctx, t); err != nil {
		return fmt.Errorf("execution.recordFill: %w", err)
	}
	if simulated {
		slog.Debug("exec: simulated fill recorded", "market", market.ID, "stake", fmt.Sprintf("$%.2f", stake))
	}
	return nil
}

// DefensiveExit unwinds the full open position for (run, market) at the
// best bid. Exiting with no position is an invariant violation. A book
// too thin to exit safely abstains and leaves the retry to the next
// tick. On success every open row is closed atomically; the caller
// marks the position permanently exited.
func (s *Service) DefensiveExit(ctx context.Context, market domain.Market, runID string, dir domain.Direction, reason string) (bool, error) {
	open, err := s.ledger.OpenTrades(ctx, runID, market.ID)
	if err != nil {
		return false, fmt.Errorf("execution.DefensiveExit: open trades: %w", err)
	}

	var netShares float64
	for _, t := range open {
		netShares += t.Shares
	}
	if netShares <= 0 {
		return false, fmt.Errorf("execution.DefensiveExit: %s/%s: %w", runID, market.ID, domain.ErrNoPositionToExit)
	}

	tokens, err := s.exchange.GetTokens(ctx, market.ID)
	if err != nil {
		return false, fmt.Errorf("execution.DefensiveExit: tokens: %w", err)
	}
	book, err := s.exchange.GetOrderBook(ctx, tokens.ForDirection(dir))
	if err != nil {
		return false, fmt.Errorf("execution.DefensiveExit: book: %w", err)
	}

	bid := book.BestBid()
	if bid < s.cfg.ExitFloor {
		s.skip(ctx, runID, market.ID, SkipThinBookExit,
			fmt.Sprintf("best bid %.4f below floor %.4f, retrying next tick", bid, s.cfg.ExitFloor))
		return false, nil
	}

	if !s.cfg.Paper {
		placed, err := s.exchange.PlaceOrder(ctx, ports.OrderRequest{
			TokenID:  tokens.ForDirection(dir),
			MarketID: market.ID,
			Side:     "SELL",
			Price:    bid,
			Size:     netShares * bid,
		})
		if err != nil {
			return false, fmt.Errorf("execution.DefensiveExit: place sell: %w", err)
		}
		slog.Info("exec: defensive unwind placed",
			"market", market.ID,
			"order", placed.OrderID,
			"shares", fmt.Sprintf("%.2f", netShares),
			"bid", fmt.Sprintf("%.4f", bid),
		)
	}

	// Convert the direction-token bid to an UP-token price for the
	// ledger's close computation.
	upPrice := bid
	if dir == domain.DirectionDown {
		upPrice = 1 - bid
	}

	closed, err := s.ledger.ClosePosition(ctx, runID, market.ID, upPrice, reason)
	if err != nil {
		return false, fmt.Errorf("execution.DefensiveExit: close: %w", err)
	}

	s.events.Record(ctx, domain.DecisionEvent{
		At:       time.Now().UTC(),
		RunID:    runID,
		MarketID: market.ID,
		Kind:     domain.EventExit,
		Reason:   reason,
		Detail:   fmt.Sprintf("closed=%d shares=%.2f bid=%.4f", closed, netShares, bid),
	})
	return true, nil
}

func (s *Service) skip(ctx context.Context, runID, marketID, reason, detail string) {
	slog.Debug("exec: skip", "market", marketID, "reason", reason, "detail", detail)
	s.events.Record(ctx, domain.DecisionEvent{
		At:       time.Now().UTC(),
		RunID:    runID,
		MarketID: marketID,
		Kind:     domain.EventSkip,
		Reason:   reason,
		Detail:   detail,
	})
}
