package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CoinChart/internal/collector"
	"CoinChart/internal/fallback"
	"CoinChart/internal/model"
	"CoinChart/internal/store"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *collector.MockFetcher) {
	t.Helper()
	fast, err := store.NewMemoryStore()
	require.NoError(t, err)
	structured, err := store.NewMemoryStore()
	require.NoError(t, err)
	fb, err := fallback.New("")
	require.NoError(t, err)

	mock := collector.NewMockFetcher()
	c := collector.NewCollector(mock, fast, structured, fb, collector.Options{Logger: zap.NewNop()})
	t.Cleanup(c.Close)

	ts := httptest.NewServer(New(":0", c, zap.NewNop()).Handler())
	t.Cleanup(ts.Close)
	return ts, mock
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSeriesEndpoint(t *testing.T) {
	ts, mock := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/v1/series/BTC/1w")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	var res model.ChartResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "btc", res.Instrument.ID)
	assert.Equal(t, model.Week, res.Timeframe)
	assert.Equal(t, model.SourceAPI, res.DataSource)
	assert.Equal(t, 168, res.RawPoints)
	assert.Len(t, res.ChartSeries.Line, res.DisplayPoints)
	assert.Equal(t, "BTC", res.MarketData.CirculatingSupply)

	resp = do(t, http.MethodGet, ts.URL+"/v1/series/btc/1W")
	var again model.ChartResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	assert.Equal(t, model.SourceCache, again.DataSource)
	assert.Equal(t, 1, mock.Calls())
}

func TestSeriesEndpoint_BadRequests(t *testing.T) {
	ts, mock := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, ts.URL+"/v1/series/btc/3D").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, ts.URL+"/v1/series/doge/1D").StatusCode)
	assert.Zero(t, mock.Calls())
}

func TestRequestIDPropagates(t *testing.T) {
	ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(RequestIDHeader))
}

func TestCacheEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	do(t, http.MethodGet, ts.URL+"/v1/series/btc/1D")
	do(t, http.MethodGet, ts.URL+"/v1/series/eth/ALL")

	var stats map[string]store.Stats
	resp := do(t, http.MethodGet, ts.URL+"/v1/cache/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, []string{"crypto_btc_1D"}, stats["fast"].KeyList)
	assert.Equal(t, 1, stats["structured"].Keys)

	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, ts.URL+"/v1/cache/btc/1D").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodDelete, ts.URL+"/v1/cache/btc/5Y").StatusCode)
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, ts.URL+"/v1/cache").StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/v1/cache/stats")
	stats = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Zero(t, stats["fast"].Keys)
	assert.Zero(t, stats["structured"].Keys)
}

func TestInstrumentsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/v1/instruments")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Instruments []model.Instrument `json:"instruments"`
		Timeframes  []model.Timeframe  `json:"timeframes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Instruments, len(model.Catalog))
	assert.Equal(t, model.Timeframes, body.Timeframes)
}

type failingService struct{ err error }

func (f failingService) Collect(context.Context, model.Instrument, model.Timeframe) (*model.ChartResult, error) {
	return nil, f.err
}
func (failingService) Evict(context.Context, string, model.Timeframe) error { return nil }
func (failingService) Clear(context.Context) error                          { return errors.New("locked") }
func (failingService) Stats(context.Context) (map[string]store.Stats, error) {
	return nil, nil
}

func TestCollectErrorMapping(t *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  string
	}{
		{
			name:       "rate limited",
			err:        fmt.Errorf("%w for crypto_btc_1D: %w", collector.ErrNoData, &collector.RateLimitError{RetryAfter: 30 * time.Second}),
			wantStatus: http.StatusTooManyRequests,
			wantRetry:  "30",
		},
		{name: "no data", err: fmt.Errorf("%w: boom", collector.ErrNoData), wantStatus: http.StatusServiceUnavailable},
		{name: "invalid", err: collector.ErrInvalidInstrument, wantStatus: http.StatusBadRequest},
		{name: "unexpected", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(":0", failingService{err: tc.err}, nil).Handler()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/series/btc/1D", nil))
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantRetry, rec.Header().Get("Retry-After"))
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	h := New(":0", failingService{}, nil).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/cache", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New("127.0.0.1:0", failingService{}, nil)
	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
