// Package netbatch coalesces tile keys into batched network exchanges with at most
// one exchange in flight and exponential backoff on failure.
package netbatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
	"github.com/mohammed-shakir/tilestream/internal/wire"
)

const (
	MinBackoffMs = 1000
	MaxBackoffMs = 32000
)

// NextBackoff returns the delay after one more failure.
func NextBackoff(cur int) int {
	next := cur * 2
	if next < MinBackoffMs {
		next = MinBackoffMs
	}
	if next > MaxBackoffMs {
		next = MaxBackoffMs
	}
	return next
}

// Callbacks run on the network goroutine; they must only hand work off.
type Callbacks struct {
	OnData   func(key string, payload []byte)
	OnFailed func(keys []string)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Engine
	// Compressed enables the gzip transport for bodies from wire.CompressCutoff.
	Compressed bool
	MaxReply   uint32
	Timeout    time.Duration
}

type Batcher struct {
	log   *slog.Logger
	m     *metrics.Engine
	tr    Transport
	sched Scheduler
	cb    Callbacks
	opts  Options

	mu         sync.Mutex
	pending    []string
	pendingSet map[string]struct{}
	inFlight   map[string]struct{}
	busy       bool
	backoff    int
	ctx        context.Context
}

func New(tr Transport, sched Scheduler, cb Callbacks, opts Options) *Batcher {
	if sched == nil {
		sched = TimeScheduler{}
	}
	if opts.MaxReply == 0 {
		opts.MaxReply = 4 << 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Batcher{
		log:        logger.OrDiscard(opts.Logger).With("component", "netbatch"),
		m:          opts.Metrics,
		tr:         tr,
		sched:      sched,
		cb:         cb,
		opts:       opts,
		pendingSet: make(map[string]struct{}),
		inFlight:   make(map[string]struct{}),
		ctx:        context.Background(),
	}
}

// SetContext bounds future exchanges by ctx.
func (b *Batcher) SetContext(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

// Add queues key for the next batch. Keys already queued or in flight are ignored.
func (b *Batcher) Add(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pendingSet[key]; ok {
		return
	}
	if _, ok := b.inFlight[key]; ok {
		return
	}
	b.pendingSet[key] = struct{}{}
	b.pending = append(b.pending, key)
}

// Flush starts an exchange when none is in flight and keys are queued. The
// transmission is scheduled after the current backoff.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.busy || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	keys := b.pending
	b.pending = nil
	for _, k := range keys {
		delete(b.pendingSet, k)
		b.inFlight[k] = struct{}{}
	}
	b.busy = true
	delay := time.Duration(b.backoff) * time.Millisecond
	b.mu.Unlock()

	b.sched.AfterFunc(delay, func() { b.transmit(keys) })
}

// BecameVisible resets the backoff and flushes queued keys immediately.
func (b *Batcher) BecameVisible() {
	b.mu.Lock()
	b.backoff = 0
	b.mu.Unlock()
	b.m.Backoff(0)
	b.Flush()
}

func (b *Batcher) Backoff() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}

func (b *Batcher) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}

func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) transmit(keys []string) {
	body, err := wire.EncodeRequest(keys, b.opts.MaxReply)
	if err != nil {
		b.finish(keys, nil, err)
		return
	}
	compressed := b.opts.Compressed && len(body) >= wire.CompressCutoff

	b.mu.Lock()
	parent := b.ctx
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, b.opts.Timeout)
	defer cancel()

	b.m.Batch("sent", len(keys))
	resp, err := b.tr.Send(ctx, body, compressed)
	if err != nil {
		b.finish(keys, nil, err)
		return
	}
	entries, err := wire.DecodeResponse(resp)
	b.finish(keys, entries, err)
}

// finish delivers entries, reports every in-flight key without a payload as failed
// and updates the backoff. A non-nil err grows the backoff even when some entries
// decoded.
func (b *Batcher) finish(keys []string, entries []wire.Entry, err error) {
	delivered := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := delivered[e.Key]; ok {
			continue
		}
		if !b.wasInFlight(e.Key) {
			b.log.Warn("response carried unrequested key", "key", e.Key)
			continue
		}
		delivered[e.Key] = struct{}{}
		if b.cb.OnData != nil {
			b.cb.OnData(e.Key, e.Payload)
		}
	}
	var missing []string
	for _, k := range keys {
		if _, ok := delivered[k]; !ok {
			missing = append(missing, k)
		}
	}

	b.mu.Lock()
	for _, k := range keys {
		delete(b.inFlight, k)
	}
	b.busy = false
	if err != nil {
		b.backoff = NextBackoff(b.backoff)
	} else {
		b.backoff = 0
	}
	backoff := b.backoff
	b.mu.Unlock()

	b.m.Backoff(backoff)
	switch {
	case err != nil:
		b.m.Batch("failed", len(keys))
		b.log.Warn("batch failed", "keys", len(keys), "delivered", len(delivered), "backoff_ms", backoff, "err", err)
	case len(missing) > 0:
		b.m.Batch("partial", len(keys))
		b.log.Debug("batch partially answered", "keys", len(keys), "missing", len(missing))
	default:
		b.m.Batch("ok", len(keys))
	}

	if len(missing) > 0 && b.cb.OnFailed != nil {
		b.cb.OnFailed(missing)
	}
	if err == nil {
		b.Flush()
	}
}

func (b *Batcher) wasInFlight(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inFlight[key]
	return ok
}
