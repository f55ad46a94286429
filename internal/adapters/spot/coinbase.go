package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/updown/internal/domain"
)

const (
	coinbaseBase = "https://api.exchange.coinbase.com"

	// Límite público documentado: 10/s. Nos quedamos muy por debajo.
	coinbaseRatePerSec = 3
)

// Coinbase reads the public Exchange API. Segunda fuente del feed: su
// papel es desempatar cuando Binance devuelve datos raros, no velocidad.
type Coinbase struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewCoinbase creates a client against the production API. An empty
// base URL uses production; tests point it at a local server.
func NewCoinbase(base string) *Coinbase {
	if base == "" {
		base = coinbaseBase
	}
	return &Coinbase{
		http:    &http.Client{Timeout: 10 * time.Second},
		base:    base,
		limiter: rate.NewLimiter(coinbaseRatePerSec, 3),
	}
}

func (c *Coinbase) Name() string { return "coinbase" }

// SpotPrice returns the product ticker for ASSET-USD.
func (c *Coinbase) SpotPrice(ctx context.Context, asset string) (float64, error) {
	var out struct {
		Price string `json:"price"`
	}
	url := fmt.Sprintf("%s/products/%s/ticker", c.base, coinbaseProduct(asset))
	if err := c.get(ctx, url, &out); err != nil {
		return 0, fmt.Errorf("spot.Coinbase: ticker %s: %w", asset, err)
	}

	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("spot.Coinbase: ticker %s: parse %q: %w", asset, out.Price, err)
	}
	return price, nil
}

// HistoricalTrade resolves through minute candles: the open of the
// candle starting at the requested instant. Solo sirve para instantes
// alineados al minuto, que es como abren estos mercados.
func (c *Coinbase) HistoricalTrade(ctx context.Context, asset string, at time.Time) (domain.PricePoint, error) {
	at = at.UTC().Truncate(time.Minute)
	url := fmt.Sprintf("%s/products/%s/candles?granularity=60&start=%s&end=%s",
		c.base, coinbaseProduct(asset),
		at.Format(time.RFC3339),
		at.Add(time.Minute).Format(time.RFC3339),
	)

	// Respuesta: [[time, low, high, open, close, volume], ...]
	var candles [][]float64
	if err := c.get(ctx, url, &candles); err != nil {
		return domain.PricePoint{}, fmt.Errorf("spot.Coinbase: candles %s: %w", asset, err)
	}

	for _, candle := range candles {
		if len(candle) < 5 {
			continue
		}
		ts := time.Unix(int64(candle[0]), 0).UTC()
		if ts.Equal(at) {
			return domain.PricePoint{Price: candle[3], At: ts}, nil
		}
	}
	return domain.PricePoint{}, fmt.Errorf("spot.Coinbase: candles %s: no candle at %s", asset, at.Format(time.RFC3339))
}

func (c *Coinbase) get(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "updown/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func coinbaseProduct(asset string) string {
	return strings.ToUpper(asset) + "-USD"
}
