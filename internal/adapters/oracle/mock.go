package oracle

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/updown/internal/domain"
)

// Mock is a random-walk price source for paper runs: no RPC endpoint,
// deterministic start, small gaussian steps per read.
type Mock struct {
	mu     sync.Mutex
	prices map[string]float64
	step   float64 // per-read stddev as a fraction of price
	rng    *rand.Rand
}

// NewMock seeds a walk per asset from the given start prices.
func NewMock(start map[string]float64, seed int64) *Mock {
	prices := make(map[string]float64, len(start))
	for asset, p := range start {
		prices[strings.ToUpper(asset)] = p
	}
	return &Mock{
		prices: prices,
		step:   0.0003,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// GetLatestPrice advances the asset's walk one step and returns it.
func (m *Mock) GetLatestPrice(_ context.Context, asset string) (domain.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	asset = strings.ToUpper(asset)
	p, ok := m.prices[asset]
	if !ok {
		return domain.PricePoint{}, fmt.Errorf("oracle.Mock: no price seeded for %s", asset)
	}

	p *= 1 + m.rng.NormFloat64()*m.step
	m.prices[asset] = p
	return domain.PricePoint{Price: p, At: time.Now().UTC()}, nil
}
