package spot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"

	"github.com/alejandrodnm/updown/internal/domain"
)

// Binance reads public spot endpoints. No API key needed: tickers and
// aggregated trades are open data.
type Binance struct {
	client *binance.Client
}

// NewBinance creates an unauthenticated client.
func NewBinance() *Binance {
	return &Binance{client: binance.NewClient("", "")}
}

func (b *Binance) Name() string { return "binance" }

// SpotPrice returns the current ticker for ASSET/USDT.
func (b *Binance) SpotPrice(ctx context.Context, asset string) (float64, error) {
	symbol := binanceSymbol(asset)
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("spot.Binance: ticker %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("spot.Binance: ticker %s: empty response", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("spot.Binance: ticker %s: parse %q: %w", symbol, prices[0].Price, err)
	}
	return price, nil
}

// HistoricalTrade returns the aggregated trade closest to the requested
// instant, searching a one-second window starting at it.
func (b *Binance) HistoricalTrade(ctx context.Context, asset string, at time.Time) (domain.PricePoint, error) {
	symbol := binanceSymbol(asset)
	startMs := at.UnixMilli()

	trades, err := b.client.NewAggTradesService().
		Symbol(symbol).
		StartTime(startMs).
		EndTime(startMs + 1000).
		Limit(1).
		Do(ctx)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("spot.Binance: aggTrades %s: %w", symbol, err)
	}
	if len(trades) == 0 {
		return domain.PricePoint{}, fmt.Errorf("spot.Binance: aggTrades %s: no trades at %s", symbol, at.Format(time.RFC3339))
	}

	price, err := strconv.ParseFloat(trades[0].Price, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("spot.Binance: aggTrades %s: parse %q: %w", symbol, trades[0].Price, err)
	}

	return domain.PricePoint{
		Price: price,
		At:    time.UnixMilli(trades[0].Timestamp).UTC(),
	}, nil
}

func binanceSymbol(asset string) string {
	return strings.ToUpper(asset) + "USDT"
}
