package bundle

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
)

// Manifest describes a bundle to write.
type Manifest struct {
	Name          string
	DescriptorCRC uint32
	Coverage      []Coverage
}

// Write creates a bundle at path holding blobs. It is used by packaging tools and
// tests; clients only read bundles.
func Write(path string, m Manifest, blobs map[string][]byte) (err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()

	cov, err := json.Marshal(m.Coverage)
	if err != nil {
		return fmt.Errorf("encode coverage: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, q := range []string{
		"CREATE TABLE metadata (name TEXT PRIMARY KEY, value TEXT NOT NULL)",
		"CREATE TABLE blobs (key TEXT PRIMARY KEY, data BLOB NOT NULL)",
	} {
		if _, err = tx.Exec(q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	meta := map[string]string{
		metaName:          m.Name,
		metaDescriptorCRC: strconv.FormatUint(uint64(m.DescriptorCRC), 10),
		metaCoverage:      string(cov),
	}
	for n, v := range meta {
		if _, err = tx.Exec("INSERT INTO metadata (name, value) VALUES (?, ?)", n, v); err != nil {
			return fmt.Errorf("write metadata: %w", err)
		}
	}
	for k, b := range blobs {
		if _, err = tx.Exec("INSERT INTO blobs (key, data) VALUES (?, ?)", k, b); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	return tx.Commit()
}
