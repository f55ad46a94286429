// Package risk is the stateless approval gate consulted before every
// capital commitment, plus the bet-size formula.
package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/updown/internal/application/accounts"
	"github.com/alejandrodnm/updown/internal/domain"
	"github.com/alejandrodnm/updown/internal/ports"
)

// Veto reason codes written to the decision log.
const (
	VetoKillSwitch = "KILL_SWITCH"
	VetoMarketCap  = "MARKET_CAP"
	VetoGlobalCap  = "GLOBAL_CAP"
)

// Config tunes the governor.
type Config struct {
	MaxRiskFraction float64 // fraction of virtual bankroll per trade
	HardCapPerTrade float64 // absolute USDC ceiling per trade
	GlobalCap       float64 // hard cap across all markets, 0 = disabled
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRiskFraction: 0.05,
		HardCapPerTrade: 250,
		GlobalCap:       0,
	}
}

// Governor approves or vetoes capital commitments. It holds no mutable
// state of its own: the kill switch lives in the control store and
// exposure in the account manager.
type Governor struct {
	ctrl     ports.ControlStore
	accounts *accounts.Manager
	events   ports.EventSink
	cfg      Config
}

// New creates a Governor.
func New(ctrl ports.ControlStore, acc *accounts.Manager, events ports.EventSink, cfg Config) *Governor {
	if cfg.MaxRiskFraction <= 0 {
		cfg.MaxRiskFraction = DefaultConfig().MaxRiskFraction
	}
	if cfg.HardCapPerTrade <= 0 {
		cfg.HardCapPerTrade = DefaultConfig().HardCapPerTrade
	}
	return &Governor{ctrl: ctrl, accounts: acc, events: events, cfg: cfg}
}

// RequestApproval checks every veto condition for committing amountUSDC
// to the market. Any failing check vetoes the trade; the veto reason is
// returned and recorded in the decision log.
func (g *Governor) RequestApproval(ctx context.Context, market domain.Market, marketExposure, amountUSDC float64) (bool, string, error) {
	rs, err := g.ctrl.GetRunState(ctx)
	if err != nil {
		return false, "", fmt.Errorf("risk.RequestApproval: run state: %w", err)
	}

	// Trading is only permitted when explicitly enabled.
	if !rs.Running {
		g.veto(ctx, rs.RunID, market.ID, VetoKillSwitch, "run not in RUNNING state")
		return false, VetoKillSwitch, nil
	}

	if market.ExposureCap > 0 && marketExposure+amountUSDC > market.ExposureCap {
		g.veto(ctx, rs.RunID, market.ID, VetoMarketCap,
			fmt.Sprintf("exposure %.2f + %.2f exceeds cap %.2f", marketExposure, amountUSDC, market.ExposureCap))
		return false, VetoMarketCap, nil
	}

	if g.cfg.GlobalCap > 0 && g.accounts.TotalExposure()+amountUSDC > g.cfg.GlobalCap {
		g.veto(ctx, rs.RunID, market.ID, VetoGlobalCap,
			fmt.Sprintf("global exposure %.2f + %.2f exceeds cap %.2f", g.accounts.TotalExposure(), amountUSDC, g.cfg.GlobalCap))
		return false, VetoGlobalCap, nil
	}

	return true, "", nil
}

// BetSize is the fixed-fractional sizing rule with an absolute ceiling:
// min(virtualBankroll × maxRiskFraction, hardCapPerTrade).
func (g *Governor) BetSize(virtualBankroll float64) float64 {
	if virtualBankroll <= 0 {
		return 0
	}
	return math.Min(virtualBankroll*g.cfg.MaxRiskFraction, g.cfg.HardCapPerTrade)
}

func (g *Governor) veto(ctx context.Context, runID, marketID, reason, detail string) {
	g.events.Record(ctx, domain.DecisionEvent{
		At:       time.Now().UTC(),
		RunID:    runID,
		MarketID: marketID,
		Kind:     domain.EventSkip,
		Reason:   reason,
		Detail:   detail,
	})
}
