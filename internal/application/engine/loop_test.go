package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/updown/internal/adapters/storage"
	"github.com/alejandrodnm/updown/internal/application/accounts"
	"github.com/alejandrodnm/updown/internal/application/execution"
	"github.com/alejandrodnm/updown/internal/application/ledger"
	"github.com/alejandrodnm/updown/internal/application/risk"
	"github.com/alejandrodnm/updown/internal/domain"
	"github.com/alejandrodnm/updown/internal/ports"
)

type stubOracle struct {
	price domain.PricePoint
	err   error
}

func (s *stubOracle) GetLatestPrice(context.Context, string) (domain.PricePoint, error) {
	return s.price, s.err
}

type stubSpot struct {
	price float64
	err   error
}

func (s *stubSpot) GetSpotPrice(context.Context, string) (float64, error) {
	return s.price, s.err
}

func (s *stubSpot) GetHistoricalTrade(_ context.Context, _ string, at time.Time) (domain.PricePoint, error) {
	return domain.PricePoint{Price: s.price, At: at}, s.err
}

type stubExchange struct {
	book domain.OrderBook
}

func (s *stubExchange) GetTokens(context.Context, string) (domain.TokenPair, error) {
	return domain.TokenPair{Up: "tok-up", Down: "tok-down"}, nil
}

func (s *stubExchange) GetOrderBook(context.Context, string) (domain.OrderBook, error) {
	return s.book, nil
}

func (s *stubExchange) GetMarketDepth(context.Context, string) (domain.BookTop, error) {
	return s.book.Top(), nil
}

func (s *stubExchange) VWAPAsk(_ context.Context, _ string, usdSize float64) (float64, error) {
	return s.book.VWAPAsk(usdSize), nil
}

func (s *stubExchange) PlaceOrder(context.Context, ports.OrderRequest) (ports.PlacedOrder, error) {
	return ports.PlacedOrder{OrderID: "ord-1", Status: "LIVE"}, nil
}

func (s *stubExchange) CancelOrder(context.Context, string) error { return nil }

func (s *stubExchange) GetOrder(context.Context, string) (ports.OrderState, error) {
	return ports.OrderState{}, nil
}

type recordingSink struct {
	events []domain.DecisionEvent
}

func (r *recordingSink) Record(_ context.Context, e domain.DecisionEvent) {
	r.events = append(r.events, e)
}

func (r *recordingSink) Heartbeat(context.Context, string, time.Time) {}

func (r *recordingSink) byKind(kind domain.EventKind) []domain.DecisionEvent {
	var out []domain.DecisionEvent
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type loopFixture struct {
	loop  *MarketLoop
	store *storage.Store
	sink  *recordingSink
	spot  *stubSpot
}

func newLoopFixture(t *testing.T, market domain.Market, rs domain.RunState) *loopFixture {
	return newLoopFixtureWith(t, market, rs, &stubExchange{}, execution.Config{Paper: true})
}

func newLoopFixtureWith(t *testing.T, market domain.Market, rs domain.RunState, ex ports.ExchangeClient, execCfg execution.Config) *loopFixture {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SaveRunState(context.Background(), rs))

	acc := accounts.New([]string{market.Asset}, 1000)
	sink := &recordingSink{}
	led := ledger.New(store, acc, sink)
	gov := risk.New(store, acc, sink, risk.DefaultConfig())
	exec := execution.New(ex, led, acc, gov, sink, domain.DefaultFeeModel(), execCfg)
	spot := &stubSpot{price: 100000}

	loop := NewMarketLoop(market, store, store, &stubOracle{err: context.DeadlineExceeded}, spot, ex, exec, led, sink, LoopConfig{})
	return &loopFixture{loop: loop, store: store, sink: sink, spot: spot}
}

func activeMarket() domain.Market {
	now := time.Now().UTC()
	return domain.Market{
		ID:            "mkt-1",
		RunID:         "run-1",
		Asset:         "BTC",
		BaselinePrice: 100000,
		OpenTime:      now.Add(-5 * time.Minute),
		ExpiryTime:    now.Add(15 * time.Minute),
		Enabled:       true,
	}
}

func TestTick_ExposureWithoutTradesHalts(t *testing.T) {
	f := newLoopFixture(t, activeMarket(), domain.RunState{RunID: "run-1", Running: true})
	f.loop.state.RunID = "run-1"
	f.loop.exposure = 50 // sin filas en el ledger que lo respalden

	err := f.loop.tick(context.Background())
	assert.ErrorIs(t, err, domain.ErrExposureWithoutTrades)

	invariants := f.sink.byKind(domain.EventInvariant)
	require.Len(t, invariants, 1)
	assert.Equal(t, "EXPOSURE_WITHOUT_TRADES", invariants[0].Reason)
}

func TestTick_RunChangeResetsState(t *testing.T) {
	f := newLoopFixture(t, activeMarket(), domain.RunState{RunID: "run-2", Running: false})
	f.loop.state.RunID = "run-1"
	require.NoError(t, f.loop.state.LockDirection(domain.DirectionUp))
	f.loop.state.DefensiveExited = true
	f.loop.exposure = 50

	require.NoError(t, f.loop.tick(context.Background()))

	assert.Equal(t, "run-2", f.loop.state.RunID)
	assert.False(t, f.loop.state.HasPosition())
	assert.False(t, f.loop.state.DefensiveExited)
	assert.Zero(t, f.loop.exposure)

	resets := f.sink.byKind(domain.EventReset)
	require.Len(t, resets, 1)
	assert.Equal(t, "RUN_CHANGED", resets[0].Reason)

	// La fila durable quedó a cero con el run nuevo.
	st, err := f.store.GetMarketState(context.Background(), "mkt-1", "run-2")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseWatching, st.Phase)
	assert.Zero(t, st.Exposure)
}

func TestTick_DefensiveExitedIsTerminal(t *testing.T) {
	f := newLoopFixture(t, activeMarket(), domain.RunState{RunID: "run-1", Running: true})
	f.loop.state.RunID = "run-1"
	f.loop.state.DefensiveExited = true

	require.NoError(t, f.loop.tick(context.Background()))
	assert.Empty(t, f.sink.events)
}

func TestTick_AdoptsExternalReset(t *testing.T) {
	f := newLoopFixture(t, activeMarket(), domain.RunState{RunID: "run-1", Running: true})
	ctx := context.Background()
	f.loop.state.RunID = "run-1"
	f.loop.exposure = 50

	// Un operador dejó la fila a cero después de nuestra última escritura.
	f.loop.lastStateWrite = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, f.store.SaveMarketState(ctx, domain.MarketState{
		MarketID:  "mkt-1",
		RunID:     "run-1",
		Phase:     domain.PhaseWatching,
		UpdatedAt: time.Now().UTC(),
	}))

	require.NoError(t, f.loop.tick(ctx))
	assert.Zero(t, f.loop.exposure)

	resets := f.sink.byKind(domain.EventReset)
	require.Len(t, resets, 1)
	assert.Equal(t, "EXTERNAL_RESET", resets[0].Reason)
}

func TestTick_SettlesAtExpiry(t *testing.T) {
	market := activeMarket()
	market.ExpiryTime = time.Now().UTC().Add(-time.Minute)
	f := newLoopFixture(t, market, domain.RunState{RunID: "run-1", Running: true})
	ctx := context.Background()
	f.loop.state.RunID = "run-1"

	require.NoError(t, f.store.InsertTrade(ctx, domain.LedgerTrade{
		ID: "trade-1", RunID: "run-1", MarketID: "mkt-1", Asset: "BTC",
		Direction: domain.DirectionUp, Stake: 25, EntryPrice: 0.50, Shares: 50,
		Status: domain.TradeStatusOpen, OpenedAt: time.Now().UTC(),
	}))
	f.loop.exposure = 25
	f.spot.price = 101000 // por encima de la referencia: gana UP

	err := f.loop.tick(ctx)
	assert.ErrorIs(t, err, errLoopDone)

	trades, err := f.store.TradesForRun(ctx, "run-1", "mkt-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeStatusClosed, trades[0].Status)
	assert.InDelta(t, 1.0, trades[0].ExitPrice, 1e-9)
	assert.InDelta(t, 25.0, trades[0].RealizedPnL, 1e-6) // 50 acciones × 0.50

	st, err := f.store.GetMarketState(ctx, "mkt-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseExpired, st.Phase)
}

func TestTick_NotRunningIsQuiet(t *testing.T) {
	f := newLoopFixture(t, activeMarket(), domain.RunState{RunID: "run-1", Running: false})
	f.loop.state.RunID = "run-1"

	require.NoError(t, f.loop.tick(context.Background()))
	assert.Empty(t, f.sink.events)
}

// scalingObs es una observación alcista que supera el tier 1.
func scalingObs() domain.MarketObservation {
	return domain.MarketObservation{
		MarketID:    "mkt-1",
		Asset:       "BTC",
		Direction:   domain.DirectionUp,
		ModelProb:   0.70,
		ImpliedProb: 0.56,
		Confidence:  0.70,
		Regime:      domain.RegimeNormal,
		MinutesLeft: 12,
		SafeToTrade: true,
		Book:        domain.BookTop{BestBid: 0.54, BestAsk: 0.56},
	}
}

func seedTierOneSamples(s *domain.ScalingState, now time.Time) {
	for i := 0; i < 3; i++ {
		s.Observe(domain.ConfidenceSample{
			Confidence: 0.70,
			Direction:  domain.DirectionUp,
			At:         now.Add(time.Duration(i-3) * 5 * time.Second),
		})
	}
}

func TestEvaluateScaling_FillsLedgerUnderActiveRun(t *testing.T) {
	// La instantánea del market row quedó en run-1; el run activo es run-2.
	f := newLoopFixture(t, activeMarket(), domain.RunState{RunID: "run-2", Running: true})
	ctx := context.Background()
	now := time.Now().UTC()

	f.loop.state.Reset("run-2")
	seedTierOneSamples(&f.loop.state, now)

	rs := domain.RunState{RunID: "run-2", Running: true}
	require.NoError(t, f.loop.evaluateScaling(ctx, rs, scalingObs(), now))
	require.True(t, f.loop.state.HasPosition())
	require.Greater(t, f.loop.exposure, 0.0)

	trades, err := f.store.TradesForRun(ctx, "run-2", "mkt-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)

	stale, err := f.store.TradesForRun(ctx, "run-1", "mkt-1")
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Con el trade contabilizado en el run activo, el guardado de
	// exposición sin trades no se dispara en el siguiente tick.
	require.NoError(t, f.loop.tick(ctx))
}

// partialFillExchange rellena parte de la orden maker y rompe en la
// pata taker.
type partialFillExchange struct {
	stubExchange
	placed int
}

func (p *partialFillExchange) PlaceOrder(context.Context, ports.OrderRequest) (ports.PlacedOrder, error) {
	p.placed++
	if p.placed == 1 {
		return ports.PlacedOrder{OrderID: "maker-1", Status: "LIVE"}, nil
	}
	return ports.PlacedOrder{}, errTakerDown
}

func (p *partialFillExchange) GetOrder(context.Context, string) (ports.OrderState, error) {
	return ports.OrderState{SizeMatched: 10, Status: "CANCELED"}, nil
}

var errTakerDown = errors.New("clob: 500")

func TestEvaluateScaling_KeepsMakerFillWhenTakerFails(t *testing.T) {
	ex := &partialFillExchange{}
	f := newLoopFixtureWith(t, activeMarket(), domain.RunState{RunID: "run-1", Running: true},
		ex, execution.Config{MakerWait: time.Millisecond})
	ctx := context.Background()
	now := time.Now().UTC()

	f.loop.state.Reset("run-1")
	seedTierOneSamples(&f.loop.state, now)

	obs := scalingObs()
	obs.Book = domain.BookTop{BestBid: 0.50, BestAsk: 0.54}
	obs.ImpliedProb = 0.54

	rs := domain.RunState{RunID: "run-1", Running: true}
	require.NoError(t, f.loop.evaluateScaling(ctx, rs, obs, now))

	// La pata maker casó 10 acciones a 0.51 antes del fallo taker: el
	// loop tiene que quedarse con ese clip, no descartarlo.
	assert.InDelta(t, 5.10, f.loop.exposure, 1e-6)
	assert.True(t, f.loop.state.HasPosition())
	assert.Equal(t, domain.DirectionUp, f.loop.state.LockedDirection)
	assert.Equal(t, 1, f.loop.state.Clips)

	open, err := f.store.TradesForRun(ctx, "run-1", "mkt-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Maker)
	assert.InDelta(t, 0.51, open[0].EntryPrice, 1e-9)
	assert.InDelta(t, 5.10, open[0].Stake, 1e-6)

	skips := f.sink.byKind(domain.EventSkip)
	require.NotEmpty(t, skips)
	assert.Equal(t, "EXECUTION_ERROR", skips[len(skips)-1].Reason)
}

func TestNextClipNotional(t *testing.T) {
	f := newLoopFixture(t, activeMarket(), domain.RunState{RunID: "run-1"})

	assert.InDelta(t, 25.0, f.loop.nextClipNotional(), 1e-9) // tier 1 ×1.0
	f.loop.state.Clips = 3
	assert.InDelta(t, 50.0, f.loop.nextClipNotional(), 1e-9) // tier 4 ×2.0
	f.loop.state.Clips = 4
	assert.InDelta(t, 25.0, f.loop.nextClipNotional(), 1e-9) // escalera agotada
}

func TestExecutionMode(t *testing.T) {
	f := newLoopFixture(t, activeMarket(), domain.RunState{RunID: "run-1"})

	wide := domain.MarketObservation{
		MinutesLeft: 10,
		Book:        domain.BookTop{BestBid: 0.50, BestAsk: 0.54},
	}
	assert.Equal(t, execution.ModeMaker, f.loop.executionMode(wide))

	tight := wide
	tight.Book.BestAsk = 0.51
	assert.Equal(t, execution.ModeTaker, f.loop.executionMode(tight))

	late := wide
	late.MinutesLeft = 2
	assert.Equal(t, execution.ModeTaker, f.loop.executionMode(late))
}
