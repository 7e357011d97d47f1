package model

import (
	"sort"
	"time"
)

// Quote is one currency's OHLC values for a single observation.
type Quote struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// PricePoint represents a single OHLC observation. Timestamp is epoch milliseconds.
type PricePoint struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	// Secondary carries the same observation in the second currency, when the source sends one.
	Secondary *Quote `json:"secondary,omitempty"`
}

// Time returns the observation time in UTC.
func (p PricePoint) Time() time.Time {
	return time.UnixMilli(p.Timestamp).UTC()
}

// Series is an ordered sequence of points for one instrument and timeframe.
type Series []PricePoint

// Normalize returns a copy sorted by timestamp with duplicate timestamps collapsed.
// The last occurrence of a timestamp wins.
func (s Series) Normalize() Series {
	if len(s) == 0 {
		return Series{}
	}
	out := make(Series, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	n := 0
	for i := range out {
		if n > 0 && out[n-1].Timestamp == out[i].Timestamp {
			out[n-1] = out[i]
			continue
		}
		out[n] = out[i]
		n++
	}
	return out[:n]
}

// Clone returns a deep copy of the series.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	for i, p := range s {
		if p.Secondary != nil {
			q := *p.Secondary
			p.Secondary = &q
		}
		out[i] = p
	}
	return out
}

// First returns the earliest point. The series must not be empty.
func (s Series) First() PricePoint { return s[0] }

// Last returns the latest point. The series must not be empty.
func (s Series) Last() PricePoint { return s[len(s)-1] }
