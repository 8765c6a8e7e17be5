package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
)

func TestNewSlog_WritesContextAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug", Component: "engine"}, &buf)
	l := NewSlog(&zl).With("layer_id", 2)

	ctx := WithTile(WithLayer(context.Background(), "areas"), "g:2:3:100:200:0")
	l.WarnContext(ctx, "tile dropped", "reason", "invisible", "err", errors.New("boom"))

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	want := map[string]any{
		"level":     "warn",
		"msg":       "tile dropped",
		"component": "engine",
		"layer":     "areas",
		"tile":      "g:2:3:100:200:0",
		"reason":    "invisible",
		"err":       "boom",
		"layer_id":  float64(2),
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %s=%v want %v (line %s)", k, got[k], v, buf.String())
		}
	}
	if _, ok := got["timestamp"]; !ok {
		t.Fatalf("missing timestamp")
	}
}

func TestNewSlog_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	l := NewSlog(&zl)
	l.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %s", buf.String())
	}
	l.Error("loud")
	if buf.Len() == 0 {
		t.Fatalf("error not written")
	}
}

func TestShouldLog(t *testing.T) {
	if ShouldLog(0, "k") || !ShouldLog(1, "k") {
		t.Fatalf("bounds wrong")
	}
	if ShouldLog(0.5, "g:1:1:1:1:0") != ShouldLog(0.5, "g:1:1:1:1:0") {
		t.Fatalf("sampling not deterministic")
	}
	hits := 0
	for i := 0; i < 10000; i++ {
		if ShouldLog(0.1, "g:2:3:"+strconv.Itoa(i)+":200:0") {
			hits++
		}
	}
	if hits < 500 || hits > 1500 {
		t.Fatalf("sample rate far off: %d/10000", hits)
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatalf("nil logger")
	}
}
