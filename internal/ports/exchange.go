package ports

import (
	"context"

	"github.com/alejandrodnm/updown/internal/domain"
)

// OrderRequest is sent to the venue. Price and Size are in USDC units;
// Side is BUY or SELL on the given outcome token.
type OrderRequest struct {
	TokenID  string
	MarketID string
	Side     string // "BUY" | "SELL"
	Price    float64
	Size     float64 // USDC notional
}

// PlacedOrder is the venue's response to an order submission.
type PlacedOrder struct {
	OrderID string
	Status  string
}

// OrderState reports fill progress for a resting order.
type OrderState struct {
	SizeMatched float64 // shares matched so far
	Status      string
}

// ExchangeClient trades one binary market venue. It resolves markets to
// outcome tokens, reads depth, and places/cancels/queries orders.
type ExchangeClient interface {
	// GetTokens resolves a market id to its UP/DOWN outcome token ids.
	GetTokens(ctx context.Context, marketID string) (domain.TokenPair, error)

	// GetOrderBook returns the depth snapshot for an outcome token.
	GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)

	// GetMarketDepth returns just the top of book.
	GetMarketDepth(ctx context.Context, tokenID string) (domain.BookTop, error)

	// VWAPAsk returns the volume-weighted average ask for the given
	// USDC size, falling back to best ask if the book is too thin.
	VWAPAsk(ctx context.Context, tokenID string, usdSize float64) (float64, error)

	// PlaceOrder signs and submits a limit order.
	PlaceOrder(ctx context.Context, req OrderRequest) (PlacedOrder, error)

	// CancelOrder cancels a resting order by its venue order id.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrder reports the matched size of an order.
	GetOrder(ctx context.Context, orderID string) (OrderState, error)
}
