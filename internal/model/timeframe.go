package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownTimeframe is returned for a timeframe outside the supported set.
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// Timeframe is the chart range requested by a consumer.
type Timeframe string

const (
	Intraday Timeframe = "1D"
	Week     Timeframe = "1W"
	Month    Timeframe = "1M"
	Year     Timeframe = "1Y"
	AllTime  Timeframe = "ALL"
)

// Timeframes lists every supported timeframe, shortest first.
var Timeframes = []Timeframe{Intraday, Week, Month, Year, AllTime}

// ParseTimeframe accepts the canonical labels, case-insensitively.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Timeframes {
		if tf == known {
			return tf, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
}

// Tier selects which storage backend holds a timeframe's series.
type Tier int

const (
	TierFast Tier = iota
	TierStructured
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierStructured:
		return "structured"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Source reports where served data came from.
func (t Tier) Source() DataSource {
	if t == TierStructured {
		return SourceDatabase
	}
	return SourceCache
}

// Policy is the per-timeframe caching rule.
type Policy struct {
	Timeframe Timeframe
	// Days is the remote day-range parameter ("max" for full history).
	Days string
	Tier Tier
	TTL  time.Duration
	// Retention is the age past which stored points are pruned. Zero keeps everything.
	Retention time.Duration
	// Prefilter thins very large pulls before they are stored.
	Prefilter bool
	// PollInterval is how often a watched key is refreshed in the background.
	PollInterval time.Duration
}

// Stale reports whether an entry stored at storedAt has expired at now.
// An entry whose age equals the TTL is stale.
func (p Policy) Stale(storedAt, now time.Time) bool {
	return now.Sub(storedAt) >= p.TTL
}

// PastHalfLife reports whether an entry is old enough to refresh ahead of expiry.
func (p Policy) PastHalfLife(storedAt, now time.Time) bool {
	return now.Sub(storedAt) > p.TTL/2
}

const (
	DefaultShortTTL    = 5 * time.Minute
	DefaultExtendedTTL = 30 * time.Minute
)

// PolicyTable maps each timeframe to its policy.
type PolicyTable map[Timeframe]Policy

// DefaultPolicies builds the policy table with the given TTLs.
// Zero durations fall back to the defaults.
func DefaultPolicies(shortTTL, extendedTTL time.Duration) PolicyTable {
	if shortTTL <= 0 {
		shortTTL = DefaultShortTTL
	}
	if extendedTTL <= 0 {
		extendedTTL = DefaultExtendedTTL
	}
	day := 24 * time.Hour
	return PolicyTable{
		Intraday: {Timeframe: Intraday, Days: "1", Tier: TierFast, TTL: shortTTL, Retention: day, PollInterval: 30 * time.Second},
		Week:     {Timeframe: Week, Days: "7", Tier: TierFast, TTL: extendedTTL, Retention: 7 * day, PollInterval: 30 * time.Second},
		Month:    {Timeframe: Month, Days: "30", Tier: TierStructured, TTL: extendedTTL, Retention: 31 * day, PollInterval: 30 * time.Second},
		Year:     {Timeframe: Year, Days: "365", Tier: TierStructured, TTL: extendedTTL, Retention: 366 * day, Prefilter: true, PollInterval: 60 * time.Second},
		AllTime:  {Timeframe: AllTime, Days: "max", Tier: TierStructured, TTL: extendedTTL, Prefilter: true, PollInterval: 60 * time.Second},
	}
}

// Lookup returns the policy for tf or ErrUnknownTimeframe.
func (t PolicyTable) Lookup(tf Timeframe) (Policy, error) {
	p, ok := t[tf]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownTimeframe, string(tf))
	}
	return p, nil
}

// SeriesKey identifies one cached series.
type SeriesKey struct {
	InstrumentID string
	Timeframe    Timeframe
}

// NewSeriesKey normalizes the instrument id.
func NewSeriesKey(instrumentID string, tf Timeframe) SeriesKey {
	return SeriesKey{InstrumentID: strings.ToLower(strings.TrimSpace(instrumentID)), Timeframe: tf}
}

// String is the flat key used by the fast tier, e.g. "crypto_btc_1D".
func (k SeriesKey) String() string {
	return "crypto_" + k.InstrumentID + "_" + string(k.Timeframe)
}

// MetadataKey is the derived key used by the structured tier's metadata table.
func (k SeriesKey) MetadataKey() string {
	return k.InstrumentID + "_" + string(k.Timeframe) + "_timestamp"
}

// DataSource annotates where a served series came from.
type DataSource string

const (
	SourceCache    DataSource = "cache"
	SourceDatabase DataSource = "database"
	SourceAPI      DataSource = "api"
	SourceFallback DataSource = "fallback"
)
