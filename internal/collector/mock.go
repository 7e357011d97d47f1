package collector

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"CoinChart/internal/model"
)

// MockFetcher returns controllable generated data for development and testing.
type MockFetcher struct {
	// Prices maps instrument id to the generated base price.
	Prices map[string]float64
	// Data, when set for an instrument id, is returned instead of generated points.
	Data map[string]model.Series
	// Err, when set, fails every call after gating.
	Err error
	// Gate, when set, blocks each call until a value is received or the channel closes.
	Gate chan struct{}
	Now  func() time.Time

	mu    sync.Mutex
	calls atomic.Int64
}

// NewMockFetcher returns a generator seeded with rough prices for the catalog.
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		Prices: map[string]float64{"btc": 94000, "eth": 3500, "sol": 187, "ada": 0.45},
		Now:    time.Now,
	}
}

func (m *MockFetcher) Name() string { return "mock" }

// Calls returns how many fetches have started.
func (m *MockFetcher) Calls() int { return int(m.calls.Load()) }

// SetData replaces the fixed series for an instrument.
func (m *MockFetcher) SetData(instrumentID string, s model.Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Data == nil {
		m.Data = make(map[string]model.Series)
	}
	m.Data[instrumentID] = s
}

// SetErr makes subsequent calls fail with err (nil clears it).
func (m *MockFetcher) SetErr(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

func (m *MockFetcher) FetchOHLC(ctx context.Context, inst model.Instrument, days string) (model.Series, error) {
	m.calls.Add(1)
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	err := m.Err
	data, ok := m.Data[inst.ID]
	price := m.Prices[inst.ID]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ok {
		return data.Clone(), nil
	}
	if price == 0 {
		price = 100
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	count, step := mockShape(days)
	return generateMockSeries(price, count, step, now()), nil
}

// mockShape mirrors the granularity the real source returns per day-range.
func mockShape(days string) (int, time.Duration) {
	switch days {
	case "1":
		return 48, 30 * time.Minute
	case "7":
		return 168, time.Hour
	case "30":
		return 180, 4 * time.Hour
	case "365":
		return 365, 24 * time.Hour
	default:
		return 1500, 24 * time.Hour
	}
}

func generateMockSeries(basePrice float64, count int, step time.Duration, end time.Time) model.Series {
	s := make(model.Series, count)
	endMs := end.Truncate(step).UnixMilli()
	for i := 0; i < count; i++ {
		p := basePrice * (1 + 0.02*math.Sin(float64(i)/8) + float64(i-count/2)*0.0001)
		s[i] = model.PricePoint{
			Timestamp: endMs - int64(count-1-i)*step.Milliseconds(),
			Open:      p * 0.999,
			High:      p * 1.005,
			Low:       p * 0.995,
			Close:     p,
		}
	}
	return s
}
