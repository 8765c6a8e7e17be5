package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	gcmp "github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

type fakeTarget struct {
	mu          sync.Mutex
	invalidated []string
	resets      []int
	desc        format.Descriptor
}

func (f *fakeTarget) Invalidate(k tilekey.Key) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, k.String())
	f.mu.Unlock()
}

func (f *fakeTarget) ResetLayer(layer int) {
	f.mu.Lock()
	f.resets = append(f.resets, layer)
	f.mu.Unlock()
}

func (f *fakeTarget) Descriptor() format.Descriptor { return f.desc }

func message(t *testing.T, ev Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func newRunner(t *testing.T, target *fakeTarget) (*Runner, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(Config{Enabled: true}, target, Options{Register: reg}), reg
}

func TestReload_AppliesOncePerVersion(t *testing.T) {
	target := &fakeTarget{}
	r, _ := newRunner(t, target)
	ctx := context.Background()

	ev := Event{Op: OpReload, Key: "g:2:3:100:200:0", Version: 1, TS: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		if err := r.handleMessage(ctx, message(t, ev)); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}
	ev.Version = 2
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	if diff := gcmp.Diff([]string{"g:2:3:100:200:0", "g:2:3:100:200:0"}, target.invalidated); diff != "" {
		t.Fatalf("invalidated (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(r.ms.actions.WithLabelValues("stale")); got != 1 {
		t.Fatalf("stale=%v want 1", got)
	}
}

func TestResetLayer_ByNameAndID(t *testing.T) {
	target := &fakeTarget{}
	r, _ := newRunner(t, target)
	ctx := context.Background()

	// names need a descriptor
	if err := r.handleMessage(ctx, message(t, Event{Op: OpResetLayer, Layer: "areas", Version: 1})); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(target.resets) != 0 {
		t.Fatalf("reset applied without descriptor")
	}
	if got := testutil.ToFloat64(r.ms.events.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected=%v want 1", got)
	}

	target.desc = format.Default()
	id := 3
	for _, ev := range []Event{
		{Op: OpResetLayer, Layer: "areas", Version: 1},
		{Op: OpResetLayer, Layer: "1", Version: 1},
		{Op: OpResetLayer, LayerID: &id, Version: 1},
		{Op: OpResetLayer, Layer: "water", Version: 1},
	} {
		if err := r.handleMessage(ctx, message(t, ev)); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}
	if diff := gcmp.Diff([]int{2, 1, 3}, target.resets); diff != "" {
		t.Fatalf("resets (-want +got):\n%s", diff)
	}
}

func TestHandleMessage_SkipsMalformed(t *testing.T) {
	target := &fakeTarget{}
	r, _ := newRunner(t, target)
	ctx := context.Background()

	msgs := []*sarama.ConsumerMessage{
		{Value: []byte("{not json")},
		message(t, Event{Op: "drop_everything"}),
		message(t, Event{Op: OpReload}),
		message(t, Event{Op: OpReload, Key: "g:2:3:100:200"}),
	}
	for _, m := range msgs {
		if err := r.handleMessage(ctx, m); err != nil {
			t.Fatalf("malformed event stalled the partition: %v", err)
		}
	}
	if len(target.invalidated) != 0 || len(target.resets) != 0 {
		t.Fatalf("malformed events applied: %v %v", target.invalidated, target.resets)
	}
	if got := testutil.ToFloat64(r.ms.events.WithLabelValues("malformed")); got != 3 {
		t.Fatalf("malformed=%v want 3", got)
	}
	if got := testutil.ToFloat64(r.ms.events.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("rejected=%v want 1", got)
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(Config{}, &fakeTarget{}, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ok, _ := r.Readiness(); ok {
		t.Fatalf("disabled runner reports ready")
	}
	r.Stop()
}

func TestVersions(t *testing.T) {
	s := newVersions(2)
	if !s.admit("a", 1) || s.admit("a", 1) || !s.admit("a", 2) {
		t.Fatalf("versions not monotonic per target")
	}
	if !s.admit("a", 0) || !s.admit("a", 0) {
		t.Fatalf("unversioned events must always apply")
	}
	s.admit("b", 1)
	s.admit("c", 1)
	// "a" was evicted from the two-entry cache and applies again
	if !s.admit("a", 1) {
		t.Fatalf("evicted target still deduped")
	}
}
