package collector

import (
	"context"
	"sync"

	"CoinChart/internal/model"
)

// View tracks the selection of one chart screen. Selecting a different chart
// cancels the selections before it, and Close cancels whatever is outstanding.
// Re-selecting the same chart leaves earlier requests attached to the shared
// fetch. Only the latest selection ever returns data.
type View struct {
	c *Collector

	mu      sync.Mutex
	gen     uint64
	key     model.SeriesKey
	pending map[uint64]context.CancelFunc
	closed  bool
}

// NewView starts a screen session.
func (c *Collector) NewView() *View {
	return &View{c: c, pending: make(map[uint64]context.CancelFunc)}
}

// Select loads inst over tf, superseding any earlier Select on this view.
func (v *View) Select(ctx context.Context, inst model.Instrument, tf model.Timeframe) (*model.ChartResult, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrSuperseded
	}
	key := model.NewSeriesKey(inst.ID, tf)
	if key != v.key {
		v.cancelPending()
		v.key = key
	}
	v.gen++
	gen := v.gen
	v.pending[gen] = cancel
	v.mu.Unlock()

	res, err := v.c.Collect(sctx, inst, tf)

	v.mu.Lock()
	current := v.gen == gen && !v.closed
	delete(v.pending, gen)
	v.mu.Unlock()

	if !current {
		return nil, ErrSuperseded
	}
	return res, err
}

// Close cancels the outstanding selection, if any.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.cancelPending()
}

// cancelPending must be called with v.mu held.
func (v *View) cancelPending() {
	for gen, cancel := range v.pending {
		cancel()
		delete(v.pending, gen)
	}
}
