package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/updown/internal/domain"
)

func sampleBook() domain.OrderBook {
	return domain.OrderBook{
		TokenID: "tok-up",
		Bids: []domain.BookEntry{
			{Price: 0.54, Size: 100},
			{Price: 0.53, Size: 200},
		},
		Asks: []domain.BookEntry{
			{Price: 0.56, Size: 50},
			{Price: 0.58, Size: 100},
			{Price: 0.60, Size: 500},
		},
	}
}

func TestOrderBook_TopOfBook(t *testing.T) {
	ob := sampleBook()

	assert.Equal(t, 0.54, ob.BestBid())
	assert.Equal(t, 0.56, ob.BestAsk())
	assert.InDelta(t, 0.55, ob.Midpoint(), 1e-9)
	assert.InDelta(t, 0.02, ob.Spread(), 1e-9)
	assert.Equal(t, domain.BookTop{BestBid: 0.54, BestAsk: 0.56}, ob.Top())
}

func TestOrderBook_EmptySides(t *testing.T) {
	var empty domain.OrderBook
	assert.Zero(t, empty.BestBid())
	assert.Zero(t, empty.BestAsk())
	assert.Zero(t, empty.Midpoint())
	assert.Zero(t, empty.Spread())
	assert.Zero(t, empty.VWAPAsk(25))

	oneSided := domain.OrderBook{Asks: []domain.BookEntry{{Price: 0.56, Size: 50}}}
	assert.Zero(t, oneSided.Midpoint())
	assert.Zero(t, oneSided.Spread())
}

func TestVWAPAsk_WalksLevels(t *testing.T) {
	ob := sampleBook()

	// 25 USDC caben en el primer nivel (0.56 × 50 = 28).
	assert.InDelta(t, 0.56, ob.VWAPAsk(25), 1e-9)

	// 40 USDC consumen el nivel 0.56 y parte del 0.58.
	vwap := ob.VWAPAsk(40)
	assert.Greater(t, vwap, 0.56)
	assert.Less(t, vwap, 0.58)

	// Tamaño cero o negativo devuelve el mejor ask.
	assert.Equal(t, 0.56, ob.VWAPAsk(0))
}

func TestVWAPAsk_ThinBookFallsBackToBestAsk(t *testing.T) {
	thin := domain.OrderBook{Asks: []domain.BookEntry{{Price: 0.56, Size: 1}}}
	assert.Equal(t, 0.56, thin.VWAPAsk(1000))
}

func TestBidDepthUSDC(t *testing.T) {
	ob := sampleBook()
	assert.InDelta(t, 0.54*100+0.53*200, ob.BidDepthUSDC(), 1e-9)
	assert.Zero(t, domain.OrderBook{}.BidDepthUSDC())
}

func TestParsePrice(t *testing.T) {
	assert.Equal(t, 0.56, domain.ParsePrice("0.56"))
	assert.Zero(t, domain.ParsePrice("garbage"))
}
