package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"CoinChart/internal/model"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the structured tier: one row per point, plus a metadata row
// per key holding its last write time.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex
	log *zap.Logger
	opt options
}

// migrations are applied in order; PRAGMA user_version records how many have run.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS price_data (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			crypto_id  TEXT NOT NULL,
			timeframe  TEXT NOT NULL,
			timestamp  INTEGER NOT NULL,
			open       REAL,
			high       REAL,
			low        REAL,
			close      REAL,
			sec_open   REAL,
			sec_high   REAL,
			sec_low    REAL,
			sec_close  REAL,
			UNIQUE(crypto_id, timeframe, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_crypto_time ON price_data(crypto_id, timeframe, timestamp)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key        TEXT PRIMARY KEY,
			crypto_id  TEXT NOT NULL,
			timeframe  TEXT NOT NULL,
			value      TEXT,
			timestamp  INTEGER NOT NULL
		)`,
	},
}

// NewSQLiteStore opens (or creates) the database and runs migrations.
func NewSQLiteStore(dbPath string, log *zap.Logger, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Every statement shares one connection, so a transaction is never
	// interleaved with another caller's statements.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, log: log, opt: buildOptions(opts)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Info("sqlite store opened", zap.String("path", dbPath))
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("exec %q: %w", stmt[:40], err)
			}
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("set schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the applied migration count.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

func (s *SQLiteStore) Put(ctx context.Context, key model.SeriesKey, series model.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM price_data WHERE crypto_id = ? AND timeframe = ?`,
		key.InstrumentID, string(key.Timeframe)); err != nil {
		return fmt.Errorf("delete points: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO price_data
		(crypto_id, timeframe, timestamp, open, high, low, close, sec_open, sec_high, sec_low, sec_close)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(crypto_id, timeframe, timestamp) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low, close = excluded.close,
			sec_open = excluded.sec_open, sec_high = excluded.sec_high,
			sec_low = excluded.sec_low, sec_close = excluded.sec_close`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range series {
		var so, sh, sl, sc sql.NullFloat64
		if p.Secondary != nil {
			so = sql.NullFloat64{Float64: p.Secondary.Open, Valid: true}
			sh = sql.NullFloat64{Float64: p.Secondary.High, Valid: true}
			sl = sql.NullFloat64{Float64: p.Secondary.Low, Valid: true}
			sc = sql.NullFloat64{Float64: p.Secondary.Close, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			key.InstrumentID, string(key.Timeframe), p.Timestamp,
			p.Open, p.High, p.Low, p.Close, so, sh, sl, sc); err != nil {
			return fmt.Errorf("insert point %d: %w", p.Timestamp, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO metadata (key, crypto_id, timeframe, value, timestamp)
		VALUES (?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, timestamp = excluded.timestamp`,
		key.MetadataKey(), key.InstrumentID, string(key.Timeframe),
		strconv.Itoa(len(series)), s.opt.now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, key model.SeriesKey) (Entry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var storedAt int64
	err = tx.QueryRowContext(ctx, `SELECT timestamp FROM metadata WHERE key = ?`, key.MetadataKey()).Scan(&storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read metadata: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT timestamp, open, high, low, close, sec_open, sec_high, sec_low, sec_close
		FROM price_data WHERE crypto_id = ? AND timeframe = ? ORDER BY timestamp ASC`,
		key.InstrumentID, string(key.Timeframe))
	if err != nil {
		return Entry{}, false, fmt.Errorf("read points: %w", err)
	}
	defer rows.Close()

	var series model.Series
	for rows.Next() {
		var p model.PricePoint
		var so, sh, sl, sc sql.NullFloat64
		if err := rows.Scan(&p.Timestamp, &p.Open, &p.High, &p.Low, &p.Close, &so, &sh, &sl, &sc); err != nil {
			return Entry{}, false, fmt.Errorf("scan point: %w", err)
		}
		if so.Valid {
			p.Secondary = &model.Quote{Open: so.Float64, High: sh.Float64, Low: sl.Float64, Close: sc.Float64}
		}
		series = append(series, p)
	}
	if err := rows.Err(); err != nil {
		return Entry{}, false, fmt.Errorf("read points: %w", err)
	}
	if len(series) == 0 {
		return Entry{}, false, nil
	}
	return Entry{Series: series, StoredAt: time.UnixMilli(storedAt)}, true, nil
}

func (s *SQLiteStore) Evict(ctx context.Context, key model.SeriesKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM price_data WHERE crypto_id = ? AND timeframe = ?`,
		key.InstrumentID, string(key.Timeframe)); err != nil {
		return fmt.Errorf("delete points: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key.MetadataKey()); err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM price_data`, `DELETE FROM metadata`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	s.log.Info("sqlite store cleared")
	return nil
}

// Prune removes points older than each timeframe's retention horizon, and
// whole entries not rewritten within the entry max age.
func (s *SQLiteStore) Prune(ctx context.Context, now time.Time) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PruneResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	tfs := make([]model.Timeframe, 0, len(s.opt.policies))
	for tf := range s.opt.policies {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool { return tfs[i] < tfs[j] })

	for _, tf := range tfs {
		p := s.opt.policies[tf]
		if p.Retention <= 0 {
			continue
		}
		cutoff := now.Add(-p.Retention).UnixMilli()
		r, err := tx.ExecContext(ctx, `DELETE FROM price_data WHERE timeframe = ? AND timestamp < ?`, string(tf), cutoff)
		if err != nil {
			return res, fmt.Errorf("prune %s: %w", tf, err)
		}
		n, _ := r.RowsAffected()
		res.Points += n
	}

	if s.opt.entryMaxAge > 0 {
		cutoff := now.Add(-s.opt.entryMaxAge).UnixMilli()
		r, err := tx.ExecContext(ctx, `DELETE FROM price_data WHERE EXISTS (
			SELECT 1 FROM metadata m
			WHERE m.crypto_id = price_data.crypto_id AND m.timeframe = price_data.timeframe AND m.timestamp < ?)`, cutoff)
		if err != nil {
			return res, fmt.Errorf("prune expired points: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Points += n

		r, err = tx.ExecContext(ctx, `DELETE FROM metadata WHERE timestamp < ?`, cutoff)
		if err != nil {
			return res, fmt.Errorf("prune expired metadata: %w", err)
		}
		res.Entries, _ = r.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// Compact runs VACUUM with the configured probability.
func (s *SQLiteStore) Compact(ctx context.Context) (bool, error) {
	if s.opt.rand() >= s.opt.compactProb {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return false, fmt.Errorf("vacuum: %w", err)
	}
	s.log.Debug("sqlite store compacted")
	return true, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Backend: "sqlite"}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`).Scan(&st.Tables); err != nil {
		return st, fmt.Errorf("count tables: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_data`).Scan(&st.Points); err != nil {
		return st, fmt.Errorf("count points: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT crypto_id, timeframe FROM metadata ORDER BY key`)
	if err != nil {
		return st, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, tf string
		if err := rows.Scan(&id, &tf); err != nil {
			return st, err
		}
		st.KeyList = append(st.KeyList, model.NewSeriesKey(id, model.Timeframe(tf)).String())
	}
	st.Keys = len(st.KeyList)
	return st, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.log.Info("closing sqlite store")
	return s.db.Close()
}
