package engine

import (
	"context"
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
)

func registryFixture(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	acc := accounts.New([]string{"BTC", "ETH"}, 1000)
	sink := &recordingSink{}
	led := ledger.New(store, acc, sink)
	gov := risk.New(store, acc, sink, risk.DefaultConfig())
	ex := &stubExchange{}
	exec := execution.New(ex, led, acc, gov, sink, domain.DefaultFeeModel(), execution.Config{Paper: true})

	factory := func(m domain.Market) *MarketLoop {
		return NewMarketLoop(m, store, store, &stubOracle{err: context.DeadlineExceeded},
			&stubSpot{price: 100000}, ex, exec, led, sink, LoopConfig{TickInterval: time.Hour})
	}
	return NewRegistry(store, factory, time.Hour), store
}

func waitForLoops(t *testing.T, r *Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.ActiveLoops()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, r.ActiveLoops(), want)
}

func TestReconcile_StartsEnabledMarkets(t *testing.T) {
	r, store := registryFixture(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRunState(ctx, domain.RunState{RunID: "run-1", Running: true}))

	m := activeMarket()
	require.NoError(t, store.SaveMarket(ctx, m))

	expired := activeMarket()
	expired.ID = "mkt-expired"
	expired.ExpiryTime = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveMarket(ctx, expired))

	r.reconcile(ctx)
	waitForLoops(t, r, 1)
	assert.Equal(t, []string{"mkt-1"}, r.ActiveLoops())

	// Reconciliar de nuevo no duplica el loop.
	r.reconcile(ctx)
	waitForLoops(t, r, 1)

	r.stopAll()
	r.wg.Wait()
}

func TestReconcile_StopsDisabledMarkets(t *testing.T) {
	r, store := registryFixture(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRunState(ctx, domain.RunState{RunID: "run-1", Running: true}))
	m := activeMarket()
	require.NoError(t, store.SaveMarket(ctx, m))

	r.reconcile(ctx)
	waitForLoops(t, r, 1)

	m.Enabled = false
	require.NoError(t, store.SaveMarket(ctx, m))

	r.reconcile(ctx)
	waitForLoops(t, r, 0)
	r.wg.Wait()
}

func TestReconcile_HaltedLoopStaysDownForTheRun(t *testing.T) {
	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	acc := accounts.New([]string{"BTC"}, 1000)
	sink := &recordingSink{}
	led := ledger.New(store, acc, sink)
	gov := risk.New(store, acc, sink, risk.DefaultConfig())
	ex := &stubExchange{}
	exec := execution.New(ex, led, acc, gov, sink, domain.DefaultFeeModel(), execution.Config{Paper: true})

	var built int
	factory := func(m domain.Market) *MarketLoop {
		built++
		return NewMarketLoop(m, store, store, &stubOracle{err: context.DeadlineExceeded},
			&stubSpot{price: 100000}, ex, exec, led, sink,
			LoopConfig{TickInterval: 20 * time.Millisecond})
	}
	r := NewRegistry(store, factory, time.Hour)

	require.NoError(t, store.SaveRunState(ctx, domain.RunState{RunID: "run-1", Running: true}))
	require.NoError(t, store.SaveMarket(ctx, activeMarket()))

	// Exposición durable sin trades: el loop rehidrata $50 y el primer
	// tick lo para por violación de invariante.
	require.NoError(t, store.SaveMarketState(ctx, domain.MarketState{
		MarketID:  "mkt-1",
		RunID:     "run-1",
		Phase:     domain.PhaseWatching,
		Exposure:  50,
		UpdatedAt: time.Now().UTC(),
	}))

	r.reconcile(ctx)
	waitForLoops(t, r, 0)
	require.Equal(t, 1, built)

	// Mientras dure el run no se reintenta: nada de ciclos parar/arrancar.
	r.reconcile(ctx)
	waitForLoops(t, r, 0)
	assert.Equal(t, 1, built)

	// Un run nuevo limpia la lista de parados.
	require.NoError(t, store.SaveRunState(ctx, domain.RunState{RunID: "run-2", Running: true}))
	r.reconcile(ctx)
	assert.Equal(t, 2, built)

	r.stopAll()
	r.wg.Wait()
}

func TestReconcile_KillSwitchStopsEverything(t *testing.T) {
	r, store := registryFixture(t)
	ctx := context.Background()

	require.NoError(t, store.SaveRunState(ctx, domain.RunState{RunID: "run-1", Running: true}))
	require.NoError(t, store.SaveMarket(ctx, activeMarket()))

	r.reconcile(ctx)
	waitForLoops(t, r, 1)

	require.NoError(t, store.SaveRunState(ctx, domain.RunState{RunID: "run-1", Running: false}))
	r.reconcile(ctx)
	waitForLoops(t, r, 0)
	r.wg.Wait()
}
