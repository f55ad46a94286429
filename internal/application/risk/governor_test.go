package risk_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/updown/internal/application/accounts"
	"github.com/alejandrodnm/updown/internal/application/risk"
	"github.com/alejandrodnm/updown/internal/domain"
)

type fakeControl struct {
	rs domain.RunState
}

func (f *fakeControl) GetRunState(context.Context) (domain.RunState, error) {
	return f.rs, nil
}

func (f *fakeControl) EnabledMarkets(context.Context) ([]domain.Market, error) {
	return nil, nil
}

type fakeSink struct {
	events []domain.DecisionEvent
}

func (f *fakeSink) Record(_ context.Context, e domain.DecisionEvent) {
	f.events = append(f.events, e)
}

func (f *fakeSink) Heartbeat(context.Context, string, time.Time) {}

func newGovernor(running bool, cfg risk.Config) (*risk.Governor, *accounts.Manager, *fakeSink) {
	ctrl := &fakeControl{rs: domain.RunState{RunID: "run-1", Running: running}}
	acc := accounts.New([]string{"BTC"}, 1000)
	sink := &fakeSink{}
	return risk.New(ctrl, acc, sink, cfg), acc, sink
}

func TestRequestApproval_Approves(t *testing.T) {
	g, _, sink := newGovernor(true, risk.DefaultConfig())

	ok, reason, err := g.RequestApproval(context.Background(), domain.Market{ID: "mkt-1"}, 0, 25)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
	assert.Empty(t, sink.events)
}

func TestRequestApproval_KillSwitchVetoes(t *testing.T) {
	g, _, sink := newGovernor(false, risk.DefaultConfig())

	ok, reason, err := g.RequestApproval(context.Background(), domain.Market{ID: "mkt-1"}, 0, 25)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, risk.VetoKillSwitch, reason)

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventSkip, sink.events[0].Kind)
	assert.Equal(t, risk.VetoKillSwitch, sink.events[0].Reason)
}

func TestRequestApproval_MarketCapVetoes(t *testing.T) {
	g, _, _ := newGovernor(true, risk.DefaultConfig())
	market := domain.Market{ID: "mkt-1", ExposureCap: 100}

	// 80 comprometidos + 25 nuevos supera el tope de 100.
	ok, reason, err := g.RequestApproval(context.Background(), market, 80, 25)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, risk.VetoMarketCap, reason)

	// Justo en el límite pasa.
	ok, _, err = g.RequestApproval(context.Background(), market, 75, 25)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRequestApproval_GlobalCapVetoes(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.GlobalCap = 60
	g, acc, _ := newGovernor(true, cfg)

	require.NoError(t, acc.UpdateExposure(domain.AccountKey{Asset: "BTC", Direction: domain.DirectionUp}, 50))

	ok, reason, err := g.RequestApproval(context.Background(), domain.Market{ID: "mkt-1"}, 50, 25)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, risk.VetoGlobalCap, reason)
}

func TestBetSize(t *testing.T) {
	g, _, _ := newGovernor(true, risk.Config{MaxRiskFraction: 0.05, HardCapPerTrade: 250})

	assert.Equal(t, 50.0, g.BetSize(1000))
	assert.Equal(t, 250.0, g.BetSize(100000)) // tope absoluto
	assert.Zero(t, g.BetSize(0))
	assert.Zero(t, g.BetSize(-10))
}
