package calculator

import (
	"errors"
	"fmt"
	"math"

	"CoinChart/internal/model"

	"gonum.org/v1/gonum/floats"
)

// SeriesRange returns the highest high and lowest low over the whole series.
func SeriesRange(s model.Series) (high, low float64, err error) {
	if len(s) == 0 {
		return 0, 0, errors.New("no points provided")
	}
	highs := make([]float64, len(s))
	lows := make([]float64, len(s))
	for i, p := range s {
		highs[i] = p.High
		lows[i] = p.Low
	}
	return floats.Max(highs), floats.Min(lows), nil
}

// RangePosition places price within [low, high] as a 0..1 fraction.
// A flat range puts it in the middle.
func RangePosition(price, high, low float64) (float64, error) {
	span := high - low
	switch {
	case span < 0:
		return 0, fmt.Errorf("range position: high %g below low %g", high, low)
	case span == 0:
		return 0.5, nil
	}
	return math.Min(1, math.Max(0, (price-low)/span)), nil
}
