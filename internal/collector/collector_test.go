package collector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"CoinChart/internal/calculator"
	"CoinChart/internal/fallback"
	"CoinChart/internal/model"
	"CoinChart/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 4, 26, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	c          *Collector
	fetcher    *MockFetcher
	fast       store.SeriesStore
	structured store.SeriesStore
	clock      *testClock
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	fetcher    Fetcher
	fast       store.SeriesStore
	structured store.SeriesStore
	fallback   FallbackProvider
	clock      *testClock
	opts       Options
}

func withFetcher(f Fetcher) harnessOption { return func(c *harnessConfig) { c.fetcher = f } }
func withFast(s store.SeriesStore) harnessOption {
	return func(c *harnessConfig) { c.fast = s }
}
func withStructured(s store.SeriesStore) harnessOption {
	return func(c *harnessConfig) { c.structured = s }
}
func withFallback(fb FallbackProvider) harnessOption {
	return func(c *harnessConfig) { c.fallback = fb }
}
func withClock(c *testClock) harnessOption { return func(cfg *harnessConfig) { cfg.clock = c } }
func withOptions(fn func(*Options)) harnessOption {
	return func(c *harnessConfig) { fn(&c.opts) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	fb, err := fallback.New("")
	require.NoError(t, err)

	mock := NewMockFetcher()
	cfg := harnessConfig{fetcher: mock, fallback: fb}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = newTestClock()
	}
	clock := cfg.clock
	mock.Now = clock.Now
	if cfg.fast == nil {
		cfg.fast, err = store.NewMemoryStore(store.WithClock(clock.Now))
		require.NoError(t, err)
	}
	if cfg.structured == nil {
		cfg.structured, err = store.NewMemoryStore(store.WithClock(clock.Now))
		require.NoError(t, err)
	}
	cfg.opts.Now = clock.Now
	cfg.opts.Logger = zap.NewNop()

	c := NewCollector(cfg.fetcher, cfg.fast, cfg.structured, cfg.fallback, cfg.opts)
	t.Cleanup(c.Close)
	return &harness{c: c, fetcher: mock, fast: cfg.fast, structured: cfg.structured, clock: clock}
}

// pointsEvery builds n points spaced step apart ending at end.
func pointsEvery(n int, step time.Duration, end time.Time) model.Series {
	s := make(model.Series, n)
	for i := range s {
		ts := end.Add(-time.Duration(n-1-i) * step)
		p := 100 + float64(i)
		s[i] = model.PricePoint{Timestamp: ts.UnixMilli(), Open: p, High: p + 1, Low: p - 1, Close: p + 0.5}
	}
	return s
}

func (h *harness) waiters(key model.SeriesKey) int {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if f, ok := h.c.flights[key]; ok {
		return f.waiters
	}
	return 0
}

func TestCollect_MissThenCacheHit(t *testing.T) {
	h := newHarness(t)
	h.fetcher.SetData("btc", pointsEvery(50, 2*time.Minute, h.clock.Now()))

	res, err := h.c.Collect(context.Background(), btc, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceAPI, res.DataSource)
	assert.Equal(t, 50, res.RawPoints)
	assert.Len(t, res.ChartSeries.Line, 50)
	assert.Len(t, res.ChartSeries.Candles, 50)
	assert.Equal(t, 1, h.fetcher.Calls())

	e, ok, err := h.fast.Get(context.Background(), model.NewSeriesKey("btc", model.Intraday))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, e.Series, 50)

	_, ok, _ = h.structured.Get(context.Background(), model.NewSeriesKey("btc", model.Intraday))
	assert.False(t, ok, "intraday never touches the structured tier")

	h.clock.Advance(time.Second)
	res, err = h.c.Collect(context.Background(), btc, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceCache, res.DataSource)
	assert.Equal(t, 1, h.fetcher.Calls())
}

func TestCollect_FreshnessBoundary(t *testing.T) {
	key := model.NewSeriesKey("btc", model.Intraday)
	ttl := model.DefaultShortTTL

	t.Run("just under ttl is served without a foreground fetch", func(t *testing.T) {
		h := newHarness(t)
		h.fetcher.Gate = make(chan struct{}) // any fetch blocks until Close
		require.NoError(t, h.fast.Put(context.Background(), key, pointsEvery(10, time.Minute, h.clock.Now())))

		h.clock.Advance(ttl - time.Millisecond)
		res, err := h.c.Collect(context.Background(), btc, model.Intraday)
		require.NoError(t, err)
		assert.Equal(t, model.SourceCache, res.DataSource)
	})

	t.Run("just over ttl fetches", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.fast.Put(context.Background(), key, pointsEvery(10, time.Minute, h.clock.Now())))

		h.clock.Advance(ttl + time.Millisecond)
		res, err := h.c.Collect(context.Background(), btc, model.Intraday)
		require.NoError(t, err)
		assert.Equal(t, model.SourceAPI, res.DataSource)
		assert.Equal(t, 1, h.fetcher.Calls())
	})

	t.Run("exactly ttl is stale", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.fast.Put(context.Background(), key, pointsEvery(10, time.Minute, h.clock.Now())))

		h.clock.Advance(ttl)
		res, err := h.c.Collect(context.Background(), btc, model.Intraday)
		require.NoError(t, err)
		assert.Equal(t, model.SourceAPI, res.DataSource)
	})
}

func TestCollect_HalfLifeRefresh(t *testing.T) {
	key := model.NewSeriesKey("eth", model.Month)
	eth, _ := model.LookupInstrument("eth")
	ttl := model.DefaultExtendedTTL

	t.Run("past half-life refreshes in the background", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.structured.Put(context.Background(), key, pointsEvery(10, time.Hour, h.clock.Now())))
		h.clock.Advance(ttl/2 + time.Millisecond)

		res, err := h.c.Collect(context.Background(), eth, model.Month)
		require.NoError(t, err)
		assert.Equal(t, model.SourceDatabase, res.DataSource)
		assert.Equal(t, 10, res.RawPoints, "caller gets the cached copy")

		h.c.wg.Wait()
		assert.Equal(t, 1, h.fetcher.Calls())
		e, ok, err := h.structured.Get(context.Background(), key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, h.clock.Now(), e.StoredAt)
		assert.Equal(t, 180, len(e.Series))
	})

	t.Run("at half-life nothing happens", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.structured.Put(context.Background(), key, pointsEvery(10, time.Hour, h.clock.Now())))
		h.clock.Advance(ttl / 2)

		_, err := h.c.Collect(context.Background(), eth, model.Month)
		require.NoError(t, err)
		h.c.wg.Wait()
		assert.Equal(t, 0, h.fetcher.Calls())
	})

	t.Run("failed refresh leaves the entry", func(t *testing.T) {
		h := newHarness(t)
		h.fetcher.SetErr(errors.New("boom"))
		storedAt := h.clock.Now()
		require.NoError(t, h.structured.Put(context.Background(), key, pointsEvery(10, time.Hour, storedAt)))
		h.clock.Advance(ttl/2 + time.Minute)

		_, err := h.c.Collect(context.Background(), eth, model.Month)
		require.NoError(t, err)
		h.c.wg.Wait()

		e, ok, _ := h.structured.Get(context.Background(), key)
		require.True(t, ok)
		assert.Equal(t, storedAt, e.StoredAt)
		assert.Len(t, e.Series, 10)
	})
}

func TestCollect_SingleFlight(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.fetcher.Gate = gate
	key := model.NewSeriesKey("btc", model.Week)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*model.ChartResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.c.Collect(context.Background(), btc, model.Week)
		}(i)
	}

	require.Eventually(t, func() bool { return h.waiters(key) == callers }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, h.fetcher.Calls())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, model.SourceAPI, results[i].DataSource)
		assert.Equal(t, 168, results[i].RawPoints)
	}
}

func TestCollect_FallbackWhenFetchFails(t *testing.T) {
	h := newHarness(t)
	h.fetcher.SetErr(&StatusError{Code: 502})

	res, err := h.c.Collect(context.Background(), btc, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceFallback, res.DataSource)
	assert.Equal(t, 2, res.RawPoints)
	assert.True(t, res.StoredAt.IsZero())

	// stale entries do not beat fallback once the fetch has failed
	key := model.NewSeriesKey("btc", model.Intraday)
	require.NoError(t, h.fast.Put(context.Background(), key, pointsEvery(10, time.Minute, h.clock.Now())))
	h.clock.Advance(time.Hour)
	res, err = h.c.Collect(context.Background(), btc, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceFallback, res.DataSource)

	doge := model.Instrument{ID: "doge", ProductID: 99, Symbol: "DOGE"}
	res, err = h.c.Collect(context.Background(), doge, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceFallback, res.DataSource, "unknown ids get the default series")
	assert.Equal(t, "doge", res.Instrument.ID)
}

func TestCollect_NoDataWhenEverythingFails(t *testing.T) {
	fb, err := fallback.Parse([]byte(`{"series": {"eth": [
		{"date": 1, "usd": {"open": 1, "high": 1, "low": 1, "close": 1}},
		{"date": 2, "usd": {"open": 1, "high": 1, "low": 1, "close": 2}}
	]}}`))
	require.NoError(t, err)

	h := newHarness(t, withFallback(fb))
	fetchErr := errors.New("network unreachable")
	h.fetcher.SetErr(fetchErr)

	_, err = h.c.Collect(context.Background(), btc, model.Year)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
	assert.ErrorIs(t, err, fetchErr)

	bare := newHarness(t, withFallback(nil))
	bare.fetcher.SetErr(fetchErr)
	_, err = bare.c.Collect(context.Background(), btc, model.Intraday)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestCollect_AllTimePrefilter(t *testing.T) {
	clock := newTestClock()
	sq, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop(), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	h := newHarness(t, withStructured(sq), withClock(clock))
	h.fetcher.SetData("btc", pointsEvery(1200, 12*time.Hour, clock.Now()))

	res, err := h.c.Collect(context.Background(), btc, model.AllTime)
	require.NoError(t, err)
	assert.Equal(t, model.SourceAPI, res.DataSource)
	assert.Equal(t, 600, res.RawPoints, "one point per day survives the prefilter")
	assert.LessOrEqual(t, res.DisplayPoints, calculator.DefaultMaxPoints+2)
	assert.Len(t, res.ChartSeries.Line, res.DisplayPoints)

	e, ok, err := sq.Get(context.Background(), model.NewSeriesKey("btc", model.AllTime))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, e.Series, 600)

	clock.Advance(time.Minute)
	res, err = h.c.Collect(context.Background(), btc, model.AllTime)
	require.NoError(t, err)
	assert.Equal(t, model.SourceDatabase, res.DataSource)
	assert.Equal(t, 1, h.fetcher.Calls())
}

type brokenStore struct{ *store.NoopStore }

func (brokenStore) Get(context.Context, model.SeriesKey) (store.Entry, bool, error) {
	return store.Entry{}, false, errors.New("disk on fire")
}

func (brokenStore) Put(context.Context, model.SeriesKey, model.Series) error {
	return errors.New("disk on fire")
}

func TestCollect_StoreErrorsAreMisses(t *testing.T) {
	h := newHarness(t, withFast(brokenStore{store.NewNoopStore()}))

	res, err := h.c.Collect(context.Background(), btc, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceAPI, res.DataSource)

	res, err = h.c.Collect(context.Background(), btc, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceAPI, res.DataSource)
	assert.Equal(t, 2, h.fetcher.Calls())
}

// releaseFetcher ignores cancellation and returns data once released.
type releaseFetcher struct {
	release chan struct{}
	started chan struct{}
	data    model.Series
}

func (f *releaseFetcher) Name() string { return "release" }

func (f *releaseFetcher) FetchOHLC(context.Context, model.Instrument, string) (model.Series, error) {
	close(f.started)
	<-f.release
	return f.data.Clone(), nil
}

func TestCollect_CancelDiscardsResult(t *testing.T) {
	rf := &releaseFetcher{
		release: make(chan struct{}),
		started: make(chan struct{}),
		data:    pointsEvery(20, time.Minute, time.Now()),
	}
	h := newHarness(t, withFetcher(rf))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.c.Collect(ctx, btc, model.Intraday)
		errc <- err
	}()

	<-rf.started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(rf.release)
	h.c.wg.Wait()

	_, ok, err := h.fast.Get(context.Background(), model.NewSeriesKey("btc", model.Intraday))
	require.NoError(t, err)
	assert.False(t, ok, "abandoned fetch must not be stored")
}

func TestCollect_CancelKeepsSharedFlight(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.fetcher.Gate = gate
	key := model.NewSeriesKey("btc", model.Intraday)

	ctx, cancel := context.WithCancel(context.Background())
	leaving := make(chan error, 1)
	staying := make(chan error, 1)
	go func() {
		_, err := h.c.Collect(ctx, btc, model.Intraday)
		leaving <- err
	}()
	go func() {
		_, err := h.c.Collect(context.Background(), btc, model.Intraday)
		staying <- err
	}()
	require.Eventually(t, func() bool { return h.waiters(key) == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaving, context.Canceled)
	close(gate)
	assert.NoError(t, <-staying)
	h.c.wg.Wait()

	_, ok, _ := h.fast.Get(context.Background(), key)
	assert.True(t, ok)
	assert.Equal(t, 1, h.fetcher.Calls())
}

func TestRefresh_PinnedFlightSurvivesCallers(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.fetcher.Gate = gate
	key := model.NewSeriesKey("btc", model.Intraday)

	require.True(t, h.c.Refresh(btc, model.Intraday))
	assert.False(t, h.c.Refresh(btc, model.Intraday), "already in flight")
	assert.False(t, h.c.Refresh(btc, model.Timeframe("2D")))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.c.Collect(ctx, btc, model.Intraday)
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.waiters(key) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(gate)
	h.c.wg.Wait()
	_, ok, _ := h.fast.Get(context.Background(), key)
	assert.True(t, ok)
}

func TestRefresh_BackgroundPoolBounded(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.BackgroundWorkers = 1 }))
	h.fetcher.Gate = make(chan struct{})

	assert.True(t, h.c.Refresh(btc, model.Intraday))
	eth, _ := model.LookupInstrument("eth")
	assert.False(t, h.c.Refresh(eth, model.Intraday))
}

func TestCollect_FetchTimeoutFallsBack(t *testing.T) {
	h := newHarness(t, withOptions(func(o *Options) { o.FetchTimeout = 20 * time.Millisecond }))
	h.fetcher.Gate = make(chan struct{})

	res, err := h.c.Collect(context.Background(), btc, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceFallback, res.DataSource)
}

func TestCollect_InvalidRequests(t *testing.T) {
	h := newHarness(t)

	_, err := h.c.Collect(context.Background(), btc, model.Timeframe("3D"))
	assert.ErrorIs(t, err, model.ErrUnknownTimeframe)

	_, err = h.c.Collect(context.Background(), model.Instrument{ID: "", ProductID: 2}, model.Intraday)
	assert.ErrorIs(t, err, ErrInvalidInstrument)

	_, err = h.c.Collect(context.Background(), model.Instrument{ID: "btc"}, model.Intraday)
	assert.ErrorIs(t, err, ErrInvalidInstrument)

	assert.Zero(t, h.fetcher.Calls())
}

func TestCollect_EmptyFetchUsesFallback(t *testing.T) {
	h := newHarness(t)
	h.fetcher.SetData("btc", model.Series{})

	res, err := h.c.Collect(context.Background(), btc, model.Intraday)
	require.NoError(t, err)
	assert.Equal(t, model.SourceFallback, res.DataSource)
}

func TestWarm(t *testing.T) {
	h := newHarness(t)
	keys := []model.SeriesKey{
		model.NewSeriesKey("btc", model.Intraday),
		model.NewSeriesKey("eth", model.Year),
		model.NewSeriesKey("doge", model.Intraday),
	}
	assert.Equal(t, 2, h.c.Warm(context.Background(), keys))

	_, ok, _ := h.fast.Get(context.Background(), keys[0])
	assert.True(t, ok)
	_, ok, _ = h.structured.Get(context.Background(), keys[1])
	assert.True(t, ok)
}

func TestEvictClearStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.c.Collect(ctx, btc, model.Intraday)
	require.NoError(t, err)
	_, err = h.c.Collect(ctx, btc, model.Month)
	require.NoError(t, err)

	stats, err := h.c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["fast"].Keys)
	assert.Equal(t, 1, stats["structured"].Keys)
	assert.Equal(t, []string{"crypto_btc_1D"}, stats["fast"].KeyList)

	require.NoError(t, h.c.Evict(ctx, "BTC", model.Intraday))
	stats, _ = h.c.Stats(ctx)
	assert.Zero(t, stats["fast"].Keys)
	assert.Equal(t, 1, stats["structured"].Keys)

	assert.ErrorIs(t, h.c.Evict(ctx, "btc", "5Y"), model.ErrUnknownTimeframe)

	require.NoError(t, h.c.Clear(ctx))
	stats, _ = h.c.Stats(ctx)
	assert.Zero(t, stats["structured"].Keys)
}
