// Package nocache is the Store used when disk caching is disabled: every lookup
// misses and every write is dropped.
package nocache

import (
	"context"

	"github.com/mohammed-shakir/tilestream/internal/cache"
)

type Store struct{}

var _ cache.Store = Store{}

func (Store) Open(context.Context) error { return nil }
func (Store) Close() error               { return nil }

func (Store) Get(context.Context, string) (cache.Record, bool, error) {
	return cache.Record{}, false, nil
}

func (Store) Put(context.Context, cache.Record) error      { return nil }
func (Store) Exists(context.Context, string) (bool, error) { return false, nil }
func (Store) Remove(context.Context, string) error         { return nil }
func (Store) SetVisible(bool)                              {}
