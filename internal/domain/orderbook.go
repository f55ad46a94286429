package domain

import "strconv"

// OrderBook is the depth snapshot of one outcome token.
type OrderBook struct {
	TokenID string
	Bids    []BookEntry // sorted highest price first
	Asks    []BookEntry // sorted lowest price first
}

// BookEntry is one price level.
type BookEntry struct {
	Price float64
	Size  float64 // shares
}

// BestBid returns the highest bid, or 0 if the bid side is empty.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask, or 0 if the ask side is empty.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Midpoint returns the mid price, or 0 if either side is empty.
func (ob OrderBook) Midpoint() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread returns ask − bid, or 0 if either side is empty.
func (ob OrderBook) Spread() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// Top returns the top-of-book snapshot.
func (ob OrderBook) Top() BookTop {
	return BookTop{BestBid: ob.BestBid(), BestAsk: ob.BestAsk()}
}

// VWAPAsk walks ask levels until usdSize notional is covered and returns
// the volume-weighted average price paid. If the book cannot fill the
// size it falls back to the best ask; 0 if the ask side is empty.
func (ob OrderBook) VWAPAsk(usdSize float64) float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	if usdSize <= 0 {
		return ob.BestAsk()
	}

	remaining := usdSize
	var cost, shares float64
	for _, lvl := range ob.Asks {
		if lvl.Price <= 0 {
			continue
		}
		levelNotional := lvl.Price * lvl.Size
		take := levelNotional
		if take > remaining {
			take = remaining
		}
		cost += take
		shares += take / lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		// Book too thin for the requested size.
		return ob.BestAsk()
	}
	return cost / shares
}

// BidDepthUSDC returns the USDC value resting on the bid side.
func (ob OrderBook) BidDepthUSDC() float64 {
	var total float64
	for _, b := range ob.Bids {
		total += b.Price * b.Size
	}
	return total
}

// ParsePrice converts an API price string to float64.
func ParsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
