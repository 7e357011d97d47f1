package collector

import (
	"context"
	"errors"
	"time"

	"CoinChart/internal/calculator"
	"CoinChart/internal/model"

	"go.uber.org/zap"
)

var (
	errFlightBusy          = errors.New("fetch already in flight")
	errBackgroundSaturated = errors.New("background refresh pool saturated")
)

// flight is one in-progress fetch for a key. Foreground callers join it and
// are counted in waiters; when the last one leaves before the commit point the
// fetch is canceled and its result discarded. Pinned flights (background
// refreshes) are never canceled by waiters leaving.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Collector.mu
	waiters   int
	pinned    bool
	committed bool

	// written before done is closed
	series   model.Series
	storedAt time.Time
	err      error
}

// fetch is the single fetch primitive. With blocking set it joins or starts the
// key's flight and waits for its outcome or for ctx to end. Without it, it starts
// a pinned flight unless one already exists or the background pool is full, and
// returns immediately.
func (c *Collector) fetch(ctx context.Context, inst model.Instrument, p model.Policy, blocking bool) (model.Series, time.Time, error) {
	key := model.NewSeriesKey(inst.ID, p.Timeframe)

	c.mu.Lock()
	f, ok := c.flights[key]
	if !blocking {
		defer c.mu.Unlock()
		if ok {
			return nil, time.Time{}, errFlightBusy
		}
		if !c.background.TryAcquire(1) {
			return nil, time.Time{}, errBackgroundSaturated
		}
		c.startFlight(key, inst, p, true)
		return nil, time.Time{}, nil
	}
	if !ok {
		f = c.startFlight(key, inst, p, false)
	}
	f.waiters++
	c.mu.Unlock()

	select {
	case <-f.done:
		c.mu.Lock()
		f.waiters--
		c.mu.Unlock()
		if f.err != nil {
			return nil, time.Time{}, f.err
		}
		return f.series.Clone(), f.storedAt, nil
	case <-ctx.Done():
		c.mu.Lock()
		f.waiters--
		if f.waiters == 0 && !f.pinned && !f.committed {
			// Unregister now so the next caller starts a fresh flight.
			if c.flights[key] == f {
				delete(c.flights, key)
			}
			f.cancel()
			c.log.Debug("fetch abandoned by all callers", zap.Stringer("key", key))
		}
		c.mu.Unlock()
		return nil, time.Time{}, ctx.Err()
	}
}

// startFlight registers and launches a flight. c.mu must be held.
func (c *Collector) startFlight(key model.SeriesKey, inst model.Instrument, p model.Policy, pinned bool) *flight {
	fctx, cancel := context.WithTimeout(c.baseCtx, c.fetchTimeout)
	f := &flight{ctx: fctx, cancel: cancel, done: make(chan struct{}), pinned: pinned}
	c.flights[key] = f
	c.wg.Add(1)
	go c.run(f, key, inst, p)
	return f
}

func (c *Collector) run(f *flight, key model.SeriesKey, inst model.Instrument, p model.Policy) {
	defer c.finish(f, key)

	series, err := c.fetcher.FetchOHLC(f.ctx, inst, p.Days)
	if err != nil {
		f.err = err
		return
	}
	series = series.Normalize()
	if len(series) == 0 {
		f.err = ErrEmptyResponse
		return
	}
	if p.Prefilter {
		before := len(series)
		series = calculator.PrefilterLarge(series)
		if len(series) != before {
			c.log.Debug("prefiltered large pull", zap.Stringer("key", key), zap.Int("raw", before), zap.Int("kept", len(series)))
		}
	}

	// Commit point: past here the result is written even if every caller leaves.
	c.mu.Lock()
	if err := f.ctx.Err(); err != nil {
		c.mu.Unlock()
		f.err = err
		return
	}
	f.committed = true
	c.mu.Unlock()

	storedAt := c.now()
	wctx, cancel := context.WithTimeout(context.WithoutCancel(f.ctx), c.fetchTimeout)
	defer cancel()
	if err := c.tier(p.Tier).Put(wctx, key, series); err != nil {
		c.log.Warn("write-through failed", zap.Stringer("key", key), zap.String("tier", p.Tier.String()), zap.Error(err))
	}
	f.series = series
	f.storedAt = storedAt
}

func (c *Collector) finish(f *flight, key model.SeriesKey) {
	c.mu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()

	f.cancel()
	if f.pinned {
		c.background.Release(1)
		if f.err != nil {
			c.log.Info("background refresh failed", zap.Stringer("key", key), zap.Error(f.err))
		}
	}
	close(f.done)
	c.wg.Done()
}
