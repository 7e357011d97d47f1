package collector

import (
	"context"

	"CoinChart/internal/model"
)

// Fetcher retrieves OHLC series from a remote price source.
type Fetcher interface {
	// FetchOHLC returns the points for inst over the day-range days ("1", "7", ... or "max").
	FetchOHLC(ctx context.Context, inst model.Instrument, days string) (model.Series, error)
	Name() string
}

// FallbackProvider supplies canned series when the source is unreachable.
type FallbackProvider interface {
	Fallback(instrumentID string) (model.Series, bool)
}
