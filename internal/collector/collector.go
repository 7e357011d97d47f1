package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"CoinChart/internal/calculator"
	"CoinChart/internal/model"
	"CoinChart/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Options tunes a Collector. Zero values select defaults.
type Options struct {
	Policies          model.PolicyTable
	MaxPoints         int
	FetchTimeout      time.Duration
	BackgroundWorkers int
	Now               func() time.Time
	Logger            *zap.Logger
}

// Collector serves chart data for (instrument, timeframe) pairs from the
// tier chosen by the timeframe's policy, falling back to the network and
// then to canned data.
type Collector struct {
	fetcher    Fetcher
	fast       store.SeriesStore
	structured store.SeriesStore
	fallback   FallbackProvider

	policies     model.PolicyTable
	maxPoints    int
	fetchTimeout time.Duration
	workers      int
	now          func() time.Time
	log          *zap.Logger

	baseCtx    context.Context
	stop       context.CancelFunc
	background *semaphore.Weighted
	wg         sync.WaitGroup

	mu      sync.Mutex
	flights map[model.SeriesKey]*flight
}

// NewCollector creates a new Collector.
func NewCollector(fetcher Fetcher, fast, structured store.SeriesStore, fb FallbackProvider, opts Options) *Collector {
	if opts.Policies == nil {
		opts.Policies = model.DefaultPolicies(0, 0)
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = calculator.DefaultMaxPoints
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 15 * time.Second
	}
	if opts.BackgroundWorkers <= 0 {
		opts.BackgroundWorkers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Collector{
		fetcher:      fetcher,
		fast:         fast,
		structured:   structured,
		fallback:     fb,
		policies:     opts.Policies,
		maxPoints:    opts.MaxPoints,
		fetchTimeout: opts.FetchTimeout,
		workers:      opts.BackgroundWorkers,
		now:          opts.Now,
		log:          opts.Logger,
		baseCtx:      ctx,
		stop:         stop,
		background:   semaphore.NewWeighted(int64(opts.BackgroundWorkers)),
		flights:      make(map[model.SeriesKey]*flight),
	}
}

func (c *Collector) tier(t model.Tier) store.SeriesStore {
	if t == model.TierStructured {
		return c.structured
	}
	return c.fast
}

// Collect returns chart data for inst over tf.
//
// A fresh cached series is returned as is, with a background refresh scheduled
// once it is past half its TTL. A stale or missing series is fetched in the
// foreground (shared with any concurrent caller for the same key) and written
// through. If that fetch fails the instrument's fallback series is returned.
// Only an invalid request, caller cancellation, or a failed fetch with no
// fallback produce an error.
func (c *Collector) Collect(ctx context.Context, inst model.Instrument, tf model.Timeframe) (*model.ChartResult, error) {
	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInstrument, err)
	}
	p, err := c.policies.Lookup(tf)
	if err != nil {
		return nil, err
	}
	key := model.NewSeriesKey(inst.ID, tf)
	inst.ID = key.InstrumentID

	entry, ok, err := c.tier(p.Tier).Get(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed, treating as miss", zap.Stringer("key", key), zap.String("tier", p.Tier.String()), zap.Error(err))
		ok = false
	}

	now := c.now()
	if ok && len(entry.Series) > 0 && !p.Stale(entry.StoredAt, now) {
		if p.PastHalfLife(entry.StoredAt, now) {
			c.refresh(inst, p)
		}
		return calculator.BuildChartResult(inst, tf, entry.Series, p.Tier.Source(), entry.StoredAt, c.maxPoints)
	}

	series, storedAt, err := c.fetch(ctx, inst, p, true)
	if err == nil {
		return calculator.BuildChartResult(inst, tf, series, model.SourceAPI, storedAt, c.maxPoints)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	c.log.Warn("fetch failed, using fallback", zap.Stringer("key", key), zap.String("fetcher", c.fetcher.Name()), zap.Error(err))
	if c.fallback != nil {
		if fb, ok := c.fallback.Fallback(inst.ID); ok && len(fb) > 0 {
			return calculator.BuildChartResult(inst, tf, fb, model.SourceFallback, time.Time{}, c.maxPoints)
		}
	}
	return nil, fmt.Errorf("%w for %s: %w", ErrNoData, key, err)
}

// Refresh schedules a best-effort background refresh of one key. It reports
// whether a refresh was started; it is skipped when a fetch for the key is
// already in flight or the background pool is full.
func (c *Collector) Refresh(inst model.Instrument, tf model.Timeframe) bool {
	if inst.Validate() != nil {
		return false
	}
	p, err := c.policies.Lookup(tf)
	if err != nil {
		return false
	}
	return c.refresh(inst, p)
}

func (c *Collector) refresh(inst model.Instrument, p model.Policy) bool {
	_, _, err := c.fetch(c.baseCtx, inst, p, false)
	if err != nil {
		c.log.Debug("background refresh skipped", zap.String("instrument", inst.ID), zap.String("timeframe", string(p.Timeframe)), zap.Error(err))
		return false
	}
	return true
}

// Warm loads every key in the foreground, a bounded number at a time. Failures
// are logged; it returns how many keys produced data from any source.
func (c *Collector) Warm(ctx context.Context, keys []model.SeriesKey) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	var mu sync.Mutex
	loaded := 0
	for _, k := range keys {
		inst, ok := model.LookupInstrument(k.InstrumentID)
		if !ok {
			c.log.Warn("warm: unknown instrument", zap.String("instrument", k.InstrumentID))
			continue
		}
		tf := k.Timeframe
		g.Go(func() error {
			res, err := c.Collect(gctx, inst, tf)
			if err != nil {
				c.log.Warn("warm failed", zap.Stringer("key", k), zap.Error(err))
				return nil
			}
			mu.Lock()
			loaded++
			mu.Unlock()
			c.log.Debug("warmed", zap.Stringer("key", k), zap.String("source", string(res.DataSource)))
			return nil
		})
	}
	_ = g.Wait()
	return loaded
}

// Evict removes one key from the tier that holds it.
func (c *Collector) Evict(ctx context.Context, instrumentID string, tf model.Timeframe) error {
	p, err := c.policies.Lookup(tf)
	if err != nil {
		return err
	}
	return c.tier(p.Tier).Evict(ctx, model.NewSeriesKey(instrumentID, tf))
}

// Clear empties both tiers.
func (c *Collector) Clear(ctx context.Context) error {
	return errors.Join(c.fast.Clear(ctx), c.structured.Clear(ctx))
}

// Stats reports per-tier storage statistics keyed by tier name.
func (c *Collector) Stats(ctx context.Context) (map[string]store.Stats, error) {
	fast, ferr := c.fast.Stats(ctx)
	structured, serr := c.structured.Stats(ctx)
	return map[string]store.Stats{
		model.TierFast.String():       fast,
		model.TierStructured.String(): structured,
	}, errors.Join(ferr, serr)
}

// Close cancels outstanding fetches and waits for their goroutines to exit.
func (c *Collector) Close() {
	c.stop()
	c.wg.Wait()
}
