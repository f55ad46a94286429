// Package exchange talks to the Polymarket CLOB for up/down markets:
// token resolution, depth snapshots, and signed order placement. El
// cliente paper reutiliza los datos de mercado reales y simula solo la
// ejecución.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/updown/internal/domain"
)

const (
	defaultCLOBBase = "https://clob.polymarket.com"

	// Rate limits al 60% de los límites documentados del CLOB.
	booksRatePerSec   = 30
	generalRatePerSec = 540

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client is the unauthenticated CLOB client: market data only, with
// rate limiting and retries.
type Client struct {
	http         *http.Client
	clobBase     string
	clobLimiter  *rate.Limiter
	booksLimiter *rate.Limiter
}

// NewClient creates a Client. An empty base URL uses production.
func NewClient(clobBase string) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	return &Client{
		http:         &http.Client{Timeout: 10 * time.Second},
		clobBase:     clobBase,
		clobLimiter:  rate.NewLimiter(generalRatePerSec, 50),
		booksLimiter: rate.NewLimiter(booksRatePerSec, 5),
	}
}

type clobToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

type clobMarketResponse struct {
	ConditionID string      `json:"condition_id"`
	Tokens      []clobToken `json:"tokens"`
}

// GetTokens resolves a condition id to its UP/DOWN outcome tokens.
func (c *Client) GetTokens(ctx context.Context, marketID string) (domain.TokenPair, error) {
	url := fmt.Sprintf("%s/markets/%s", c.clobBase, marketID)

	var resp clobMarketResponse
	if err := c.get(ctx, c.clobLimiter, url, &resp); err != nil {
		return domain.TokenPair{}, fmt.Errorf("exchange.GetTokens: %s: %w", marketID, err)
	}

	var pair domain.TokenPair
	for _, tok := range resp.Tokens {
		switch strings.ToUpper(tok.Outcome) {
		case "UP", "YES":
			pair.Up = tok.TokenID
		case "DOWN", "NO":
			pair.Down = tok.TokenID
		}
	}
	if pair.Up == "" || pair.Down == "" {
		return domain.TokenPair{}, fmt.Errorf("exchange.GetTokens: %s: unexpected outcomes in %d tokens", marketID, len(resp.Tokens))
	}
	return pair, nil
}

type clobBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type clobBookResponse struct {
	AssetID string          `json:"asset_id"`
	Bids    []clobBookLevel `json:"bids"`
	Asks    []clobBookLevel `json:"asks"`
}

// GetOrderBook returns the depth snapshot for a token, sorted best
// first on both sides.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	url := fmt.Sprintf("%s/book?token_id=%s", c.clobBase, tokenID)

	var resp clobBookResponse
	if err := c.get(ctx, c.booksLimiter, url, &resp); err != nil {
		return domain.OrderBook{}, fmt.Errorf("exchange.GetOrderBook: %w", err)
	}

	book := domain.OrderBook{TokenID: tokenID}
	for _, lvl := range resp.Bids {
		book.Bids = append(book.Bids, domain.BookEntry{
			Price: domain.ParsePrice(lvl.Price),
			Size:  domain.ParsePrice(lvl.Size),
		})
	}
	for _, lvl := range resp.Asks {
		book.Asks = append(book.Asks, domain.BookEntry{
			Price: domain.ParsePrice(lvl.Price),
			Size:  domain.ParsePrice(lvl.Size),
		})
	}

	// El API no garantiza orden.
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })

	return book, nil
}

// GetMarketDepth returns just the top of book.
func (c *Client) GetMarketDepth(ctx context.Context, tokenID string) (domain.BookTop, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return domain.BookTop{}, err
	}
	return book.Top(), nil
}

// VWAPAsk returns the volume-weighted ask for the given USDC size.
func (c *Client) VWAPAsk(ctx context.Context, tokenID string, usdSize float64) (float64, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return 0, err
	}
	return book.VWAPAsk(usdSize), nil
}

// get hace un GET con rate limiting y retries.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.doWithRetry(ctx, limiter, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

// doWithRetry ejecuta la función con backoff exponencial y jitter.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("exchange: rate limited by API", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 500 {
			if attempt == maxRetries {
				return fmt.Errorf("server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("client error %d: %s", resp.StatusCode, body)
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial y jitter, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := baseRetryWait * time.Duration(1<<attempt)
	wait += time.Duration(rand.Int63n(int64(wait / 2)))
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}
