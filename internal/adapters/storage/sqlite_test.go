package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/updown/internal/adapters/storage"
	"github.com/alejandrodnm/updown/internal/domain"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunState_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Sin fila aún: estado cero sin error.
	rs, err := s.GetRunState(ctx)
	require.NoError(t, err)
	assert.Empty(t, rs.RunID)
	assert.False(t, rs.Running)

	want := domain.RunState{
		RunID:               "run-1",
		Running:             true,
		TradeSize:           25,
		ConfidenceThreshold: 0.60,
		UpdatedAt:           time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveRunState(ctx, want))

	rs, err = s.GetRunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", rs.RunID)
	assert.True(t, rs.Running)
	assert.Equal(t, 25.0, rs.TradeSize)
	assert.Equal(t, 0.60, rs.ConfidenceThreshold)

	// La fila de control es única: guardar de nuevo la sobreescribe.
	want.Running = false
	require.NoError(t, s.SaveRunState(ctx, want))
	rs, err = s.GetRunState(ctx)
	require.NoError(t, err)
	assert.False(t, rs.Running)
}

func sampleMarket() domain.Market {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Market{
		ID:            "mkt-1",
		Asset:         "BTC",
		Question:      "BTC up or down?",
		OpenTime:      now,
		ExpiryTime:    now.Add(time.Hour),
		BaselinePrice: 100000,
		ExposureCap:   500,
		MaxEntryPrice: 0.97,
		RunID:         "run-1",
		Enabled:       true,
	}
}

func TestMarkets_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m := sampleMarket()
	require.NoError(t, s.SaveMarket(ctx, m))

	got, err := s.GetMarket(ctx, "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, m.Asset, got.Asset)
	assert.Equal(t, m.BaselinePrice, got.BaselinePrice)
	assert.True(t, got.Enabled)
	assert.True(t, m.ExpiryTime.Equal(got.ExpiryTime))

	enabled, err := s.EnabledMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	m.Enabled = false
	require.NoError(t, s.SaveMarket(ctx, m))
	enabled, err = s.EnabledMarkets(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestMarketState_MissingRowIsZeroValued(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	st, err := s.GetMarketState(ctx, "mkt-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", st.MarketID)
	assert.Equal(t, "run-1", st.RunID)
	assert.Zero(t, st.Exposure)
	assert.True(t, st.UpdatedAt.IsZero())
}

func TestMarketState_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	st := domain.MarketState{
		MarketID:        "mkt-1",
		RunID:           "run-1",
		Phase:           domain.PhaseLocked,
		Exposure:        56.25,
		Clips:           2,
		Tier:            2,
		LockedDirection: domain.DirectionUp,
		UpdatedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveMarketState(ctx, st))

	got, err := s.GetMarketState(ctx, "mkt-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseLocked, got.Phase)
	assert.Equal(t, 56.25, got.Exposure)
	assert.Equal(t, 2, got.Clips)
	assert.Equal(t, domain.DirectionUp, got.LockedDirection)
	assert.False(t, got.DefensiveExited)

	// Misma clave (market, run): el upsert actualiza en sitio.
	st.Phase = domain.PhaseDefensiveExited
	st.DefensiveExited = true
	st.Exposure = 0
	require.NoError(t, s.SaveMarketState(ctx, st))

	got, err = s.GetMarketState(ctx, "mkt-1", "run-1")
	require.NoError(t, err)
	assert.True(t, got.DefensiveExited)
	assert.Zero(t, got.Exposure)
}

func openRow(id string, dir domain.Direction, entry, shares float64) domain.LedgerTrade {
	return domain.LedgerTrade{
		ID:         id,
		RunID:      "run-1",
		MarketID:   "mkt-1",
		Asset:      "BTC",
		Direction:  dir,
		Stake:      entry * shares,
		EntryPrice: entry,
		Shares:     shares,
		Status:     domain.TradeStatusOpen,
		OpenedAt:   time.Now().UTC().Truncate(time.Second),
		Confidence: 0.65,
		Regime:     domain.RegimeNormal,
		Tier:       1,
	}
}

func TestTrades_InsertAndQuery(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTrade(ctx, openRow("t1", domain.DirectionUp, 0.50, 50)))
	require.NoError(t, s.InsertTrade(ctx, openRow("t2", domain.DirectionUp, 0.60, 40)))

	all, err := s.TradesForRun(ctx, "run-1", "mkt-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := s.OpenTrades(ctx, "run-1", "mkt-1")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	n, err := s.ExecutedTradeCount(ctx, "run-1", "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Otra run no ve nada.
	n, err = s.ExecutedTradeCount(ctx, "run-2", "mkt-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateMark(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTrade(ctx, openRow("t1", domain.DirectionUp, 0.50, 50)))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateMark(ctx, "t1", 5.0, at))

	open, err := s.OpenTrades(ctx, "run-1", "mkt-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 5.0, open[0].UnrealizedPnL)
	require.NotNil(t, open[0].MarkedAt)
}

func TestCloseOpenTrades_TransitionsOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTrade(ctx, openRow("t1", domain.DirectionUp, 0.50, 50)))
	require.NoError(t, s.InsertTrade(ctx, openRow("t2", domain.DirectionUp, 0.60, 40)))

	at := time.Now().UTC()
	closed, err := s.CloseOpenTrades(ctx, "run-1", "mkt-1", 1.0, "SETTLEMENT", at)
	require.NoError(t, err)
	require.Len(t, closed, 2)

	for _, c := range closed {
		assert.Equal(t, domain.TradeStatusClosed, c.Status)
		assert.Equal(t, 1.0, c.ExitPrice)
		assert.Equal(t, "SETTLEMENT", c.ExitReason)
		require.NotNil(t, c.ClosedAt)
	}

	// t1: 50 × (1.0 − 0.50) = 25; t2: 40 × (1.0 − 0.60) = 16.
	var pnl float64
	for _, c := range closed {
		pnl += c.RealizedPnL
	}
	assert.InDelta(t, 41.0, pnl, 1e-6)

	// La segunda llamada no encuentra filas OPEN.
	closed, err = s.CloseOpenTrades(ctx, "run-1", "mkt-1", 1.0, "SETTLEMENT", at)
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestCloseOpenTrades_FlipsDownSide(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertTrade(ctx, openRow("t1", domain.DirectionDown, 0.40, 250)))

	closed, err := s.CloseOpenTrades(ctx, "run-1", "mkt-1", 1.0, "SETTLEMENT", time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, closed, 1)

	// El precio de salida del lado DOWN es 1 − precioUP.
	assert.InDelta(t, 0.0, closed[0].ExitPrice, 1e-9)
	assert.InDelta(t, -100.0, closed[0].RealizedPnL, 1e-6)
}

func TestEvents_RecordAndRead(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Record(ctx, domain.DecisionEvent{
		RunID:    "run-1",
		MarketID: "mkt-1",
		Kind:     domain.EventSkip,
		Reason:   "LOW_CONFIDENCE",
		Detail:   "confidence 0.40 below threshold 0.60",
	})
	s.Record(ctx, domain.DecisionEvent{
		RunID:    "run-1",
		MarketID: "mkt-1",
		Kind:     domain.EventTrade,
		Reason:   "OPENED",
	})

	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Más recientes primero.
	assert.Equal(t, domain.EventTrade, events[0].Kind)
	assert.Equal(t, domain.EventSkip, events[1].Kind)
	assert.NotZero(t, events[0].ID)
	assert.False(t, events[0].At.IsZero())
}

func TestHeartbeat(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Heartbeat(ctx, "loop:mkt-1", time.Now().UTC())
	s.Heartbeat(ctx, "loop:mkt-1", time.Now().UTC().Add(time.Second))
	// El upsert por nombre de loop no debe fallar ni duplicar.
}
