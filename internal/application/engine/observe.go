package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/updown/internal/domain"
)

// observe builds the tick's view of the market. It returns a nil
// observation without error while the loop is still warming up (market
// not hydrated, or not enough spot samples for the volatility estimate).
// expired is true once the market's expiry has passed.
func (ml *MarketLoop) observe(ctx context.Context, now time.Time) (*domain.MarketObservation, bool, error) {
	if ml.market.Expired(now) {
		return nil, true, nil
	}

	if !ml.market.Hydrated() {
		if err := ml.hydrate(ctx); err != nil {
			slog.Debug("loop: hydration pending", "market", ml.market.ID, "err", err)
			return nil, false, nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, feedCallTimeout)
	oraclePoint, err := ml.oracle.GetLatestPrice(callCtx, ml.market.Asset)
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("engine.observe: oracle: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, feedCallTimeout)
	spot, err := ml.spot.GetSpotPrice(callCtx, ml.market.Asset)
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("engine.observe: spot: %w", err)
	}

	ml.history = append(ml.history, domain.PricePoint{Price: spot, At: now})
	if len(ml.history) > ml.cfg.MaxHistory {
		ml.history = ml.history[len(ml.history)-ml.cfg.MaxHistory:]
	}

	vol, ok := domain.RealizedVolPerMin(ml.history)
	if !ok {
		slog.Debug("loop: warming up volatility window",
			"market", ml.market.ID, "samples", len(ml.history))
		return nil, false, nil
	}
	vol = domain.ClampVol(vol)

	minutesLeft := ml.market.MinutesToExpiry(now)
	probUp := domain.ModelProbability(spot, ml.market.BaselinePrice, vol, minutesLeft)
	direction, confidence := domain.ConfidenceFromProb(probUp)

	if err := ml.resolveTokens(ctx); err != nil {
		return nil, false, fmt.Errorf("engine.observe: tokens: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, feedCallTimeout)
	book, err := ml.exchange.GetOrderBook(callCtx, ml.tokens.ForDirection(direction))
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("engine.observe: book: %w", err)
	}

	implied := book.VWAPAsk(ml.nextClipNotional())

	obs := &domain.MarketObservation{
		MarketID:    ml.market.ID,
		Asset:       ml.market.Asset,
		OraclePrice: oraclePoint.Price,
		OracleAt:    oraclePoint.At,
		SpotPrice:   spot,
		SpotAt:      now,
		Delta:       spot - ml.market.BaselinePrice,
		Direction:   direction,
		ModelProb:   domain.DirectionalProb(probUp, direction),
		ImpliedProb: implied,
		Confidence:  confidence,
		MinutesLeft: minutesLeft,
		SafeToTrade: ml.market.ExpiryTime.Sub(now) > domain.SafeTradeBuffer,
		Regime:      domain.ClassifyRegime(vol),
		Volatility:  vol,
		Book:        book.Top(),
	}
	return obs, false, nil
}

// nextClipNotional is the USDC size the next clip would commit. The
// VWAP walk prices that notional, not the base size: higher tiers stake
// more and must see their own slippage in the implied probability.
func (ml *MarketLoop) nextClipNotional() float64 {
	for i := range ml.cfg.Tiers {
		if ml.cfg.Tiers[i].Level == ml.state.Clips+1 {
			return ml.cfg.BaseTradeSize * ml.cfg.Tiers[i].SizeMult
		}
	}
	return ml.cfg.BaseTradeSize
}

// hydrate backfills the open-time baseline from historical spot data.
// Markets often appear before their open print is known; until the
// baseline exists there is nothing to measure against.
func (ml *MarketLoop) hydrate(ctx context.Context) error {
	if ml.market.OpenTime.IsZero() {
		return fmt.Errorf("engine.hydrate: %s: open time unknown", ml.market.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, feedCallTimeout)
	point, err := ml.spot.GetHistoricalTrade(callCtx, ml.market.Asset, ml.market.OpenTime)
	cancel()
	if err != nil {
		return fmt.Errorf("engine.hydrate: %s: %w", ml.market.ID, err)
	}

	ml.market.BaselinePrice = point.Price
	if err := ml.markets.SaveMarket(ctx, ml.market); err != nil {
		return fmt.Errorf("engine.hydrate: save: %w", err)
	}

	slog.Info("loop: baseline hydrated",
		"market", ml.market.ID,
		"asset", ml.market.Asset,
		"baseline", fmt.Sprintf("%.2f", point.Price),
		"trade_at", point.At.Format(time.RFC3339),
	)
	return nil
}

// resolveTokens caches the market's outcome token ids.
func (ml *MarketLoop) resolveTokens(ctx context.Context) error {
	if ml.tokensResolved {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, feedCallTimeout)
	defer cancel()

	tokens, err := ml.exchange.GetTokens(callCtx, ml.market.ID)
	if err != nil {
		return err
	}
	ml.tokens = tokens
	ml.tokensResolved = true
	return nil
}
