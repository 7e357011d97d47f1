package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"CoinChart/internal/model"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore is the in-process fast tier. It holds a bounded number of keys
// and evicts the least recently used key (by Get or Put) when full.
type MemoryStore struct {
	cache *lru.Cache[model.SeriesKey, Entry]
	now   func() time.Time
}

// NewMemoryStore creates a fast tier bounded by WithCapacity (default 50 keys).
func NewMemoryStore(opts ...Option) (*MemoryStore, error) {
	o := buildOptions(opts)
	c, err := lru.New[model.SeriesKey, Entry](o.capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryStore{cache: c, now: o.now}, nil
}

func (m *MemoryStore) Put(_ context.Context, key model.SeriesKey, s model.Series) error {
	m.cache.Add(key, Entry{Series: s.Clone(), StoredAt: m.now()})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key model.SeriesKey) (Entry, bool, error) {
	e, ok := m.cache.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{Series: e.Series.Clone(), StoredAt: e.StoredAt}, true, nil
}

func (m *MemoryStore) Evict(_ context.Context, key model.SeriesKey) error {
	m.cache.Remove(key)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.cache.Purge()
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	st := Stats{Backend: "memory"}
	for _, k := range m.cache.Keys() {
		e, ok := m.cache.Peek(k)
		if !ok {
			continue
		}
		st.Keys++
		st.Points += len(e.Series)
		st.KeyList = append(st.KeyList, k.String())
	}
	sort.Strings(st.KeyList)
	return st, nil
}

func (m *MemoryStore) Close() error { return nil }

// entries returns resident entries from least to most recently used, without touching recency.
func (m *MemoryStore) entries() ([]model.SeriesKey, []Entry) {
	keys := m.cache.Keys()
	out := make([]Entry, 0, len(keys))
	kept := keys[:0]
	for _, k := range keys {
		if e, ok := m.cache.Peek(k); ok {
			kept = append(kept, k)
			out = append(out, e)
		}
	}
	return kept, out
}

// restore inserts an entry with its original write time.
func (m *MemoryStore) restore(key model.SeriesKey, e Entry) {
	m.cache.Add(key, Entry{Series: e.Series.Clone(), StoredAt: e.StoredAt})
}
