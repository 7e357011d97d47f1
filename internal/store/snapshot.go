package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"CoinChart/internal/model"

	"github.com/goccy/go-json"
)

// snapshotRecord is one fast-tier key as written to disk.
type snapshotRecord struct {
	Key        string          `json:"key"`
	Instrument string          `json:"instrument"`
	Timeframe  model.Timeframe `json:"timeframe"`
	Data       model.Series    `json:"data"`
	Timestamp  int64           `json:"timestamp"`
}

// LoadSnapshot restores entries saved by SaveSnapshot. A missing file leaves the store empty.
// It returns the number of keys restored.
func (m *MemoryStore) LoadSnapshot(filePath string) (int, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var records []snapshotRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	n := 0
	for _, r := range records {
		if _, err := model.ParseTimeframe(string(r.Timeframe)); err != nil || r.Instrument == "" {
			continue
		}
		key := model.NewSeriesKey(r.Instrument, r.Timeframe)
		m.restore(key, Entry{Series: r.Data, StoredAt: time.UnixMilli(r.Timestamp)})
		n++
	}
	return n, nil
}

// SaveSnapshot writes all resident entries, least recently used first, so a
// later LoadSnapshot reproduces the same recency order.
func (m *MemoryStore) SaveSnapshot(filePath string) error {
	keys, entries := m.entries()
	records := make([]snapshotRecord, len(keys))
	for i, k := range keys {
		records[i] = snapshotRecord{
			Key:        k.String(),
			Instrument: k.InstrumentID,
			Timeframe:  k.Timeframe,
			Data:       entries[i].Series,
			Timestamp:  entries[i].StoredAt.UnixMilli(),
		}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}
