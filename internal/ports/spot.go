package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/updown/internal/domain"
)

// SpotFeed supplies the live spot price, averaged across independent
// sources, plus historical lookups for baseline backfill.
type SpotFeed interface {
	// GetSpotPrice returns the cross-source average spot price.
	// Individual source failures degrade gracefully; it errors only
	// when every source fails.
	GetSpotPrice(ctx context.Context, asset string) (float64, error)

	// GetHistoricalTrade returns the trade closest to the requested
	// time, accepted only within a tight tolerance of it.
	GetHistoricalTrade(ctx context.Context, asset string, at time.Time) (domain.PricePoint, error)
}
