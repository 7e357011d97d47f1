package store

import (
	"context"
	"math/rand/v2"
	"time"

	"CoinChart/internal/model"
)

// Entry is a stored series together with the time it was written.
type Entry struct {
	Series   model.Series
	StoredAt time.Time
}

// Stats describes what a backend currently holds.
type Stats struct {
	Backend string   `json:"backend"`
	Keys    int      `json:"keys"`
	Points  int      `json:"points"`
	Tables  int      `json:"tables,omitempty"`
	KeyList []string `json:"keyList"`
}

// SeriesStore persists one series per (instrument, timeframe) key.
// Put replaces the key's series atomically; Get returns stale data as-is.
type SeriesStore interface {
	Put(ctx context.Context, key model.SeriesKey, s model.Series) error
	Get(ctx context.Context, key model.SeriesKey) (Entry, bool, error)
	Evict(ctx context.Context, key model.SeriesKey) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// PruneResult reports what a retention pass removed.
type PruneResult struct {
	Points  int64
	Entries int64
}

// Pruner is implemented by backends that support time-bound retention.
type Pruner interface {
	Prune(ctx context.Context, now time.Time) (PruneResult, error)
	// Compact reclaims space with low probability; it reports whether it ran.
	Compact(ctx context.Context) (bool, error)
}

type options struct {
	now         func() time.Time
	rand        func() float64
	capacity    int
	keyPrefix   string
	compactProb float64
	policies    model.PolicyTable
	entryMaxAge time.Duration
}

// Option customizes a backend.
type Option func(*options)

// WithClock overrides the clock used to stamp writes.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRand overrides the random source used for compaction draws.
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// WithCapacity bounds the number of resident keys on the fast tier.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithKeyPrefix namespaces keys on shared backends.
func WithKeyPrefix(p string) Option {
	return func(o *options) { o.keyPrefix = p }
}

// WithCompactProbability sets the chance that Compact actually vacuums.
func WithCompactProbability(p float64) Option {
	return func(o *options) { o.compactProb = p }
}

// WithPolicies supplies the per-timeframe retention horizons used by Prune.
func WithPolicies(p model.PolicyTable) Option {
	return func(o *options) { o.policies = p }
}

// WithEntryMaxAge drops whole entries not rewritten within d during Prune.
func WithEntryMaxAge(d time.Duration) Option {
	return func(o *options) { o.entryMaxAge = d }
}

const (
	DefaultCapacity           = 50
	DefaultCompactProbability = 0.1
	DefaultEntryMaxAge        = 7 * 24 * time.Hour
)

func buildOptions(opts []Option) options {
	o := options{
		now:         time.Now,
		rand:        rand.Float64,
		capacity:    DefaultCapacity,
		compactProb: DefaultCompactProbability,
		policies:    model.DefaultPolicies(0, 0),
		entryMaxAge: DefaultEntryMaxAge,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.capacity <= 0 {
		o.capacity = DefaultCapacity
	}
	return o
}
