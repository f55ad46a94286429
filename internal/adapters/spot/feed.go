// Package spot aggregates exchange spot prices. Cada fuente va envuelta
// en un circuit breaker: una API caída se abre y deja de penalizar el
// tick, y el feed sigue vivo mientras quede al menos una fuente sana.
package spot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alejandrodnm/updown/internal/domain"
)

const (
	breakerFailures = 3
	breakerTimeout  = 30 * time.Second

	// historicalTolerance is how far a "historical" trade may sit from
	// the requested instant before we refuse to call it the baseline.
	historicalTolerance = 2 * time.Second
)

// Source is one exchange's spot price API.
type Source interface {
	Name() string
	SpotPrice(ctx context.Context, asset string) (float64, error)
	HistoricalTrade(ctx context.Context, asset string, at time.Time) (domain.PricePoint, error)
}

type wrappedSource struct {
	src Source
	cb  *gobreaker.CircuitBreaker
}

// Feed implements ports.SpotFeed over one or more sources. Current
// price is the average of the sources that answered; historical lookups
// take the first healthy answer within tolerance.
type Feed struct {
	sources []wrappedSource
}

// NewFeed wraps each source in its own breaker.
func NewFeed(sources ...Source) *Feed {
	wrapped := make([]wrappedSource, 0, len(sources))
	for _, src := range sources {
		st := gobreaker.Settings{
			Name:    "spot:" + src.Name(),
			Timeout: breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("spot: breaker state change", "source", name, "from", from.String(), "to", to.String())
			},
		}
		wrapped = append(wrapped, wrappedSource{src: src, cb: gobreaker.NewCircuitBreaker(st)})
	}
	return &Feed{sources: wrapped}
}

// GetSpotPrice averages the answers of all healthy sources. It fails
// only when every source fails or is open.
func (f *Feed) GetSpotPrice(ctx context.Context, asset string) (float64, error) {
	var sum float64
	var n int
	var lastErr error

	for _, ws := range f.sources {
		src := ws.src
		v, err := ws.cb.Execute(func() (interface{}, error) {
			return src.SpotPrice(ctx, asset)
		})
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", src.Name(), err)
			continue
		}
		sum += v.(float64)
		n++
	}

	if n == 0 {
		return 0, fmt.Errorf("spot.GetSpotPrice: %s: all sources failed: %w", asset, lastErr)
	}
	return sum / float64(n), nil
}

// GetHistoricalTrade returns the trade closest to the requested instant
// from the first source that has one within tolerance.
func (f *Feed) GetHistoricalTrade(ctx context.Context, asset string, at time.Time) (domain.PricePoint, error) {
	var lastErr error

	for _, ws := range f.sources {
		src := ws.src
		v, err := ws.cb.Execute(func() (interface{}, error) {
			return src.HistoricalTrade(ctx, asset, at)
		})
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", src.Name(), err)
			continue
		}

		point := v.(domain.PricePoint)
		if drift := point.At.Sub(at); drift < -historicalTolerance || drift > historicalTolerance {
			lastErr = fmt.Errorf("%s: nearest trade %s away from requested instant", src.Name(), drift)
			continue
		}
		return point, nil
	}

	return domain.PricePoint{}, fmt.Errorf("spot.GetHistoricalTrade: %s at %s: %w",
		asset, at.Format(time.RFC3339), lastErr)
}
