// Package notify renders operator-facing status to the console.
package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/updown/internal/domain"
)

// Console prints account and position snapshots.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// PrintAccounts renders the isolated-account snapshot.
func (c *Console) PrintAccounts(accounts []domain.IsolatedAccount) {
	if len(accounts) == 0 {
		fmt.Fprintf(c.out, "[%s] no accounts\n", time.Now().Format("15:04:05"))
		return
	}

	if !c.table {
		c.printAccountsCompact(accounts)
		return
	}

	var totalExposure, totalRealized, totalUnrealized float64

	table := tablewriter.NewWriter(c.out)
	table.Header("Account", "Bankroll", "Exposure", "Available", "Realized", "Unrealized")
	for _, acc := range accounts {
		table.Append(
			acc.Key.String(),
			fmt.Sprintf("$%.2f", acc.Bankroll),
			fmt.Sprintf("$%.2f", acc.CurrentExposure),
			fmt.Sprintf("$%.2f", acc.Available()),
			fmt.Sprintf("$%+.2f", acc.RealizedPnL),
			fmt.Sprintf("$%+.2f", acc.UnrealizedPnL),
		)
		totalExposure += acc.CurrentExposure
		totalRealized += acc.RealizedPnL
		totalUnrealized += acc.UnrealizedPnL
	}
	table.Render()

	fmt.Fprintf(c.out, "  Total: exposure $%.2f | realized $%+.2f | unrealized $%+.2f\n",
		totalExposure, totalRealized, totalUnrealized)
}

// PrintPositions renders open trades grouped under their market.
func (c *Console) PrintPositions(trades []domain.LedgerTrade) {
	if len(trades) == 0 {
		fmt.Fprintf(c.out, "[%s] no open positions\n", time.Now().Format("15:04:05"))
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Dir", "Tier", "Stake", "Entry", "Shares", "Unrealized", "Opened", "Mode")
	for _, t := range trades {
		mode := "taker"
		if t.Maker {
			mode = "maker"
		}
		table.Append(
			shortID(t.MarketID),
			string(t.Direction),
			fmt.Sprintf("%d", t.Tier),
			fmt.Sprintf("$%.2f", t.Stake),
			fmt.Sprintf("%.4f", t.EntryPrice),
			fmt.Sprintf("%.2f", t.Shares),
			fmt.Sprintf("$%+.2f", t.UnrealizedPnL),
			t.OpenedAt.Format("15:04:05"),
			mode,
		)
	}
	table.Render()
}

// PrintEvents renders the recent decision log, newest first.
func (c *Console) PrintEvents(events []domain.DecisionEvent) {
	for _, e := range events {
		detail := e.Detail
		if detail != "" {
			detail = " - " + detail
		}
		fmt.Fprintf(c.out, "[%s] %-10s %-24s %s%s\n",
			e.At.Format("15:04:05"), e.Kind, e.Reason, shortID(e.MarketID), detail)
	}
}

// printAccountsCompact imprime lo esencial en una línea por cuenta.
func (c *Console) printAccountsCompact(accounts []domain.IsolatedAccount) {
	now := time.Now().Format("15:04:05")
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]", now)
	for _, acc := range accounts {
		fmt.Fprintf(&sb, " %s exp$%.0f pnl$%+.2f |", acc.Key.String(), acc.CurrentExposure, acc.RealizedPnL)
	}
	fmt.Fprintln(c.out, strings.TrimSuffix(sb.String(), " |"))
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "…"
}
