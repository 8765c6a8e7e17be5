package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	gcmp "github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/tilestream/internal/cache"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "cache.db"), nil, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetMergesPerTile(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	geo := cache.NewRecord(
		[]string{"g:2:3:100:200:0", "g:2:3:100:200:1"},
		[][]byte{[]byte("imp0"), []byte("imp1")},
		0b100,
	)
	if err := s.Put(ctx, geo); err != nil {
		t.Fatalf("put geo: %v", err)
	}
	str := cache.NewRecord([]string{"s:2:3:100:200:0:l=en"}, [][]byte{[]byte("names")}, -1)
	if err := s.Put(ctx, str); err != nil {
		t.Fatalf("put strings: %v", err)
	}

	rec, ok, err := s.Get(ctx, "g:2:3:100:200:0")
	if err != nil || !ok {
		t.Fatalf("get ok=%v err=%v", ok, err)
	}
	if diff := gcmp.Diff([]string{"g:2:3:100:200:0", "g:2:3:100:200:1", "s:2:3:100:200:0:l=en"}, rec.Keys); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	if rec.EmptyMask != 0b100 {
		t.Fatalf("empty mask overwritten by unknown: %d", rec.EmptyMask)
	}
	if b, _ := rec.Blob("g:2:3:100:200:1"); string(b) != "imp1" {
		t.Fatalf("blob=%q", b)
	}
	if rec.Count != 3 || rec.TotalSize != 13 {
		t.Fatalf("count=%d total=%d", rec.Count, rec.TotalSize)
	}
}

func TestStore_MissExistsRemove(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	if _, ok, err := s.Get(ctx, "g:1:1:1:1:0"); ok || err != nil {
		t.Fatalf("miss: ok=%v err=%v", ok, err)
	}
	rec := cache.NewRecord([]string{"g:1:1:1:1:0"}, [][]byte{[]byte("x")}, 0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ok, err := s.Exists(ctx, "g:1:1:1:1:0"); !ok || err != nil {
		t.Fatalf("exists ok=%v err=%v", ok, err)
	}
	if ok, _ := s.Exists(ctx, "g:1:1:1:1:1"); ok {
		t.Fatalf("exists for absent importance")
	}
	if err := s.Remove(ctx, "g:1:1:1:1:0"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "g:1:1:1:1:0"); ok {
		t.Fatalf("tile survived removing its only key")
	}
	s.SetVisible(false)
}

func TestStore_RemoveKeepsOtherKeysOfTile(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	keys := []string{"g:1:1:1:1:0", "g:1:1:1:1:1", "g:1:1:1:1:2", "s:1:1:1:1:2:l=en"}
	rec := cache.NewRecord(keys, [][]byte{{0}, {1}, {2}, {3}}, 0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, k := range []string{"g:1:1:1:1:2", "s:1:1:1:1:2:l=en"} {
		if err := s.Remove(ctx, k); err != nil {
			t.Fatalf("remove %s: %v", k, err)
		}
	}

	got, ok, err := s.Get(ctx, "g:1:1:1:1:0")
	if err != nil || !ok {
		t.Fatalf("tile lost: ok=%v err=%v", ok, err)
	}
	if diff := gcmp.Diff([]string{"g:1:1:1:1:0", "g:1:1:1:1:1"}, got.Keys); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	if got.EmptyMask != 0 {
		t.Fatalf("empty mask=%d want 0", got.EmptyMask)
	}
	if ok, _ := s.Exists(ctx, "g:1:1:1:1:2"); ok {
		t.Fatalf("removed key still exists")
	}
}

func TestStore_RejectsMixedRecord(t *testing.T) {
	s := openStore(t)
	rec := cache.NewRecord([]string{"g:1:1:1:1:0", "g:1:1:1:2:0"}, [][]byte{{1}, {2}}, 0)
	if err := s.Put(context.Background(), rec); err == nil {
		t.Fatalf("mixed record accepted")
	}
	if _, ok, _ := s.Get(context.Background(), "g:1:1:1:1:0"); ok {
		t.Fatalf("mixed record partially written")
	}
}

func TestStore_ClosedErrors(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "c.db"), nil, nil)
	if _, _, err := s.Get(context.Background(), "g:1:1:1:1:0"); err == nil {
		t.Fatalf("get before open succeeded")
	}
}
