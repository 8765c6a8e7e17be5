package backends

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/cache/nocache"
	"github.com/mohammed-shakir/tilestream/internal/cache/redisstore"
	"github.com/mohammed-shakir/tilestream/internal/cache/sqlitestore"
)

func TestNew_SelectsByKind(t *testing.T) {
	s, err := New(cache.KindFile, Options{SQLitePath: filepath.Join(t.TempDir(), "c.db")})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if _, ok := s.(*sqlitestore.Store); !ok {
		t.Fatalf("file kind built %T", s)
	}
	s, err = New(cache.KindSecondary, Options{RedisAddr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("secondary: %v", err)
	}
	if _, ok := s.(*redisstore.Client); !ok {
		t.Fatalf("secondary kind built %T", s)
	}
	s, err = New(cache.KindNone, Options{})
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if _, ok := s.(nocache.Store); !ok {
		t.Fatalf("none kind built %T", s)
	}
	if _, ok, err := s.Get(context.Background(), "g:1:1:1:1:0"); ok || err != nil {
		t.Fatalf("nocache hit ok=%v err=%v", ok, err)
	}
}

func TestNew_RejectsIncompleteOptions(t *testing.T) {
	if _, err := New(cache.KindFile, Options{}); err == nil {
		t.Fatalf("file kind without path accepted")
	}
	if _, err := New(cache.KindSecondary, Options{}); err == nil {
		t.Fatalf("secondary kind without address accepted")
	}
	if _, err := New(cache.Kind("tape"), Options{}); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}
