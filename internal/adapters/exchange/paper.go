package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/alejandrodnm/updown/internal/ports"
)

// PaperClient serves real market data and swallows order submissions.
// Fill simulation lives in the execution layer; this adapter only has
// to accept and remember orders so cancels and lookups behave.
type PaperClient struct {
	*Client

	mu     sync.Mutex
	orders map[string]ports.OrderRequest
}

// NewPaperClient wraps the unauthenticated market-data client.
func NewPaperClient(client *Client) *PaperClient {
	return &PaperClient{
		Client: client,
		orders: make(map[string]ports.OrderRequest),
	}
}

// PlaceOrder accepts the order without touching the venue.
func (p *PaperClient) PlaceOrder(_ context.Context, req ports.OrderRequest) (ports.PlacedOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := "paper-" + uuid.NewString()
	p.orders[id] = req
	return ports.PlacedOrder{OrderID: id, Status: "LIVE"}, nil
}

// CancelOrder forgets a previously accepted order.
func (p *PaperClient) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[orderID]; !ok {
		return fmt.Errorf("exchange.PaperClient: unknown order %s", orderID)
	}
	delete(p.orders, orderID)
	return nil
}

// GetOrder reports a resting, unmatched order.
func (p *PaperClient) GetOrder(_ context.Context, orderID string) (ports.OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[orderID]; !ok {
		return ports.OrderState{}, fmt.Errorf("exchange.PaperClient: unknown order %s", orderID)
	}
	return ports.OrderState{SizeMatched: 0, Status: "LIVE"}, nil
}
