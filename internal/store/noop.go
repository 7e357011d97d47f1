package store

import (
	"context"

	"CoinChart/internal/model"
)

// NoopStore never holds anything. It stands in for a tier that could not be opened.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (n *NoopStore) Put(_ context.Context, _ model.SeriesKey, _ model.Series) error { return nil }
func (n *NoopStore) Get(_ context.Context, _ model.SeriesKey) (Entry, bool, error) {
	return Entry{}, false, nil
}
func (n *NoopStore) Evict(_ context.Context, _ model.SeriesKey) error { return nil }
func (n *NoopStore) Clear(_ context.Context) error                    { return nil }
func (n *NoopStore) Stats(_ context.Context) (Stats, error)           { return Stats{Backend: "noop"}, nil }
func (n *NoopStore) Close() error                                     { return nil }
