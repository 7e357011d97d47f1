package calculator

import (
	"time"

	"CoinChart/internal/model"
)

// DefaultMaxPoints is the display budget for a chart series.
const DefaultMaxPoints = 200

// Thresholds for thinning large raw pulls before storage.
const (
	LargeSeriesThreshold     = 1000
	VeryLargeSeriesThreshold = 5000
)

// Sample reduces a series to roughly maxPoints entries for display.
// The first and last points are always kept; interior points are taken at
// a fixed stride of ceil(len/maxPoints). Series at or under the budget are
// returned unchanged.
func Sample(s model.Series, maxPoints int) model.Series {
	if maxPoints <= 0 || len(s) <= maxPoints {
		return s
	}
	stride := (len(s) + maxPoints - 1) / maxPoints

	out := make(model.Series, 0, maxPoints+2)
	out = append(out, s[0])
	for i := stride; i < len(s)-stride; i += stride {
		out = append(out, s[i])
	}
	out = append(out, s[len(s)-1])
	return out
}

// Prefilter keeps only points at least minGap milliseconds after the
// previously kept point. The first point is always kept.
func Prefilter(s model.Series, minGap int64) model.Series {
	if len(s) == 0 || minGap <= 0 {
		return s
	}
	out := make(model.Series, 0, len(s))
	out = append(out, s[0])
	last := s[0].Timestamp
	for _, p := range s[1:] {
		if p.Timestamp-last >= minGap {
			out = append(out, p)
			last = p.Timestamp
		}
	}
	return out
}

// PrefilterLarge thins pulls above LargeSeriesThreshold to one point per day,
// and above VeryLargeSeriesThreshold to one point per week.
func PrefilterLarge(s model.Series) model.Series {
	switch {
	case len(s) > VeryLargeSeriesThreshold:
		return Prefilter(s, (7 * 24 * time.Hour).Milliseconds())
	case len(s) > LargeSeriesThreshold:
		return Prefilter(s, (24 * time.Hour).Milliseconds())
	default:
		return s
	}
}
