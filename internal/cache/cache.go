// Package cache defines the read/write tile cache backends consulted after the
// memory cache and the pre-installed bundles.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

// Record is the unit written to a Store: every buffered blob of one geographic tile.
// Keys and Blobs are parallel and all keys belong to the same tile.
type Record struct {
	Keys      []string
	Blobs     [][]byte
	TotalSize int
	Count     int
	EmptyMask int32
}

func NewRecord(keys []string, blobs [][]byte, emptyMask int32) Record {
	total := 0
	for _, b := range blobs {
		total += len(b)
	}
	return Record{Keys: keys, Blobs: blobs, TotalSize: total, Count: len(keys), EmptyMask: emptyMask}
}

// Blob returns the blob stored for key.
func (r Record) Blob(key string) ([]byte, bool) {
	for i, k := range r.Keys {
		if k == key && i < len(r.Blobs) {
			return r.Blobs[i], true
		}
	}
	return nil, false
}

func (r Record) Empty() bool { return len(r.Keys) == 0 }

// Store is the closed set of secondary cache backends. Implementations are safe for
// concurrent use.
type Store interface {
	Open(ctx context.Context) error
	Close() error
	// Get returns every blob stored for the tile that key belongs to.
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Exists(ctx context.Context, key string) (bool, error)
	// Remove drops key; the other keys of its tile stay cached.
	Remove(ctx context.Context, key string) error
	SetVisible(visible bool)
}

// TileOf maps a serialized key to the serialized key of its tile, the grouping
// unit of every Store.
func TileOf(key string) (string, error) {
	k, err := tilekey.Parse(key)
	if err != nil {
		return "", err
	}
	if !k.IsTile() {
		return k.String(), nil
	}
	return k.Tile().String(), nil
}

type Kind string

const (
	KindFile      Kind = "file"
	KindSecondary Kind = "secondary"
	KindNone      Kind = "none"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindFile, "filecache", "sqlite":
		return KindFile, nil
	case KindSecondary, "secondarycache", "redis":
		return KindSecondary, nil
	case KindNone, "nocache", "":
		return KindNone, nil
	default:
		return "", fmt.Errorf("unknown cache kind %q", s)
	}
}
