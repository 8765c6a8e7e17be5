// Package sqlitestore is the file-backed read/write tile cache. Blobs are grouped
// by tile so a single lookup returns every importance stored for it.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
)

const storeName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS tiles (
	tile       TEXT PRIMARY KEY,
	empty_mask INTEGER NOT NULL DEFAULT -1,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS blobs (
	key  TEXT PRIMARY KEY,
	tile TEXT NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS blobs_tile ON blobs(tile);
`

type Store struct {
	path string
	log  *slog.Logger
	m    *metrics.Engine

	mu sync.RWMutex
	db *sql.DB
}

var _ cache.Store = (*Store)(nil)

func New(path string, l *slog.Logger, m *metrics.Engine) *Store {
	return &Store{path: path, log: logger.OrDiscard(l).With("component", "sqlitestore"), m: m}
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", s.path))
	if err != nil {
		return fmt.Errorf("sqlitestore: open %s: %w", s.path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlitestore: ping %s: %w", s.path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("sqlitestore: schema: %w", err)
	}
	s.db = db
	s.log.Info("sqlite cache opened", "path", s.path)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var errClosed = errors.New("sqlitestore: not open")

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errClosed
	}
	return s.db, nil
}

func (s *Store) Get(ctx context.Context, key string) (rec cache.Record, found bool, err error) {
	defer func() {
		if err == nil && !found {
			s.m.StoreMiss(storeName, "get")
			return
		}
		s.m.StoreOp(storeName, "get", err)
	}()
	db, err := s.handle()
	if err != nil {
		return cache.Record{}, false, err
	}
	tile, err := cache.TileOf(key)
	if err != nil {
		return cache.Record{}, false, err
	}

	var mask int32
	err = db.QueryRowContext(ctx, `SELECT empty_mask FROM tiles WHERE tile = ?`, tile).Scan(&mask)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("sqlitestore: get %s: %w", tile, err)
	}

	rows, err := db.QueryContext(ctx, `SELECT key, data FROM blobs WHERE tile = ? ORDER BY key`, tile)
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("sqlitestore: get %s: %w", tile, err)
	}
	defer rows.Close()

	var keys []string
	var blobs [][]byte
	for rows.Next() {
		var k string
		var b []byte
		if err := rows.Scan(&k, &b); err != nil {
			return cache.Record{}, false, fmt.Errorf("sqlitestore: scan %s: %w", tile, err)
		}
		keys = append(keys, k)
		blobs = append(blobs, b)
	}
	if err := rows.Err(); err != nil {
		return cache.Record{}, false, fmt.Errorf("sqlitestore: get %s: %w", tile, err)
	}
	if len(keys) == 0 {
		return cache.Record{}, false, nil
	}
	return cache.NewRecord(keys, blobs, mask), true, nil
}

// Put merges rec into the stored tile. A negative EmptyMask keeps the stored one.
func (s *Store) Put(ctx context.Context, rec cache.Record) (err error) {
	defer func() { s.m.StoreOp(storeName, "put", err) }()
	if rec.Empty() {
		return nil
	}
	db, err := s.handle()
	if err != nil {
		return err
	}
	tile, err := cache.TileOf(rec.Keys[0])
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO tiles (tile, empty_mask, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(tile) DO UPDATE SET
		empty_mask = CASE WHEN excluded.empty_mask >= 0 THEN excluded.empty_mask ELSE tiles.empty_mask END,
		updated_at = excluded.updated_at`, tile, rec.EmptyMask, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlitestore: put %s: %w", tile, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO blobs (key, tile, data) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET data = excluded.data`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare: %w", err)
	}
	defer stmt.Close()
	for i, k := range rec.Keys {
		kt, terr := cache.TileOf(k)
		if terr != nil {
			err = terr
			return err
		}
		if kt != tile {
			err = fmt.Errorf("sqlitestore: record mixes tiles %s and %s", tile, kt)
			return err
		}
		if _, err = stmt.ExecContext(ctx, k, tile, rec.Blobs[i]); err != nil {
			return fmt.Errorf("sqlitestore: put %s: %w", k, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func() { s.m.StoreOp(storeName, "exists", err) }()
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: exists %s: %w", key, err)
	}
	return true, nil
}

// Remove drops key. The tile row goes with its last blob.
func (s *Store) Remove(ctx context.Context, key string) (err error) {
	defer func() { s.m.StoreOp(storeName, "remove", err) }()
	db, err := s.handle()
	if err != nil {
		return err
	}
	tile, err := cache.TileOf(key)
	if err != nil {
		return err
	}
	_, err1 := db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key)
	_, err2 := db.ExecContext(ctx, `DELETE FROM tiles WHERE tile = ?
	AND NOT EXISTS (SELECT 1 FROM blobs WHERE blobs.tile = tiles.tile)`, tile)
	if err = errors.Join(err1, err2); err != nil {
		return fmt.Errorf("sqlitestore: remove %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetVisible(visible bool) {
	if visible {
		return
	}
	db, err := s.handle()
	if err != nil {
		return
	}
	if _, err := db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.log.Warn("wal checkpoint failed", "err", err)
	}
}
