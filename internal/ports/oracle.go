package ports

import (
	"context"

	"github.com/alejandrodnm/updown/internal/domain"
)

// PriceOracle supplies the reference ("anchor") price for an asset from
// an on-chain aggregator. Implementations validate the configured
// aggregator addresses before use and reject stale answers.
type PriceOracle interface {
	// GetLatestPrice returns the latest aggregator answer and its
	// on-chain update timestamp.
	GetLatestPrice(ctx context.Context, asset string) (domain.PricePoint, error)
}
