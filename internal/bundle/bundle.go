// Package bundle reads pre-installed, read-only tile bundles. A bundle is a sqlite
// file with a blobs table keyed by serialized tile key and a metadata table
// describing which tiles it covers.
//
// Note: the sqlite3 driver is registered by this package.
package bundle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	xx "github.com/cespare/xxhash/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

const (
	metaDescriptorCRC = "descriptor_crc"
	metaCoverage      = "coverage"
	metaName          = "name"
)

// Coverage is the window of one layer and grid stored in a bundle. Every
// importance of a covered tile is either present or authoritatively empty.
type Coverage struct {
	Layer    int          `json:"layer"`
	Detail   int          `json:"detail"`
	Overview bool         `json:"overview,omitempty"`
	Range    format.Range `json:"range"`
}

func (c Coverage) covers(k tilekey.Key) bool {
	return c.Layer == k.Layer && c.Detail == k.Detail && c.Overview == k.Overview && c.Range.Contains(k.Lat, k.Lon)
}

// Reader implements read access to one bundle file. Safe for concurrent use.
type Reader struct {
	path     string
	name     string
	db       *sql.DB
	get      *sql.Stmt
	exists   *sql.Stmt
	descCRC  uint32
	coverage []Coverage
	identity uint64
}

// Open opens path read-only and loads its metadata.
func Open(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, err
	}
	r := &Reader{path: path, db: db}
	if err := r.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	r.get, err = db.Prepare("SELECT data FROM blobs WHERE key = ?")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	r.exists, err = db.Prepare("SELECT 1 FROM blobs WHERE key = ?")
	if err != nil {
		r.get.Close()
		db.Close()
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) loadMetadata() error {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return err
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		meta[name] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	crc, err := strconv.ParseUint(meta[metaDescriptorCRC], 10, 32)
	if err != nil {
		return fmt.Errorf("metadata %s: %w", metaDescriptorCRC, err)
	}
	r.descCRC = uint32(crc)
	if v := meta[metaCoverage]; v != "" {
		if err := json.Unmarshal([]byte(v), &r.coverage); err != nil {
			return fmt.Errorf("metadata %s: %w", metaCoverage, err)
		}
	}
	r.name = meta[metaName]
	r.identity = identity(meta)
	return nil
}

// identity hashes the sorted metadata so two copies of one bundle compare equal.
func identity(meta map[string]string) uint64 {
	names := make([]string, 0, len(meta))
	for n := range meta {
		names = append(names, n)
	}
	slices.Sort(names)
	d := xx.New()
	for _, n := range names {
		_, _ = d.WriteString(n)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(meta[n])
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

func (r *Reader) Close() error {
	return errors.Join(r.get.Close(), r.exists.Close(), r.db.Close())
}

func (r *Reader) Path() string { return r.path }

func (r *Reader) Name() string { return r.name }

// DescriptorCRC is the CRC of the descriptor the bundle was built against.
func (r *Reader) DescriptorCRC() uint32 { return r.descCRC }

// CRC identifies the bundle contents.
func (r *Reader) CRC() uint64 { return r.identity }

func (r *Reader) Coverage() []Coverage { return slices.Clone(r.coverage) }

// Covers reports whether the tile of k lies inside the bundle coverage.
func (r *Reader) Covers(k tilekey.Key) bool {
	if !k.IsTile() {
		return false
	}
	for _, c := range r.coverage {
		if c.covers(k) {
			return true
		}
	}
	return false
}

func (r *Reader) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	if err := r.get.QueryRowContext(ctx, key).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bundle %s: get %s: %w", r.path, key, err)
	}
	return data, true, nil
}

func (r *Reader) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	if err := r.exists.QueryRowContext(ctx, key).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("bundle %s: exists %s: %w", r.path, key, err)
	}
	return true, nil
}
