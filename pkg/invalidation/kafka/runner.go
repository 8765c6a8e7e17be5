// Package kafka consumes tile invalidation events from a Kafka topic and turns
// them into engine reloads and layer resets.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

var ErrNoDescriptor = errors.New("kafka runner: layer name needs a loaded descriptor")

// Target is the engine surface the runner drives.
type Target interface {
	Invalidate(key tilekey.Key)
	ResetLayer(layer int)
	Descriptor() format.Descriptor
}

type Runner struct {
	log      *slog.Logger
	cfg      Config
	target   Target
	ms       *metricSet
	seen     *versions
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg Config, t Target, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger.With("component", "invalidation"),
		cfg:    cfg.WithDefaults(),
		target: t,
		ms:     newMetricSet(opts.Register),
		seen:   newVersions(8192),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled")
		return nil
	}
	if r.target == nil {
		return errors.New("kafka runner: target is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

// Readiness reports whether the group has assigned partitions to this runner.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage applies one event. Malformed events are counted and skipped so a
// poison message does not stall the partition.
func (r *Runner) handleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	if !msg.Timestamp.IsZero() {
		r.ms.lag.Set(time.Since(msg.Timestamp).Seconds())
	}
	defer func() { r.ms.latency.Observe(time.Since(start).Seconds()) }()

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.events.WithLabelValues("malformed").Inc()
		r.log.Warn("undecodable invalidation event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.ms.events.WithLabelValues("malformed").Inc()
		r.log.Warn("invalid invalidation event", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := r.apply(ev); err != nil {
		r.ms.events.WithLabelValues("rejected").Inc()
		r.log.Warn("invalidation not applied", "op", ev.Op, "key", ev.Key, "layer", ev.Layer, "err", err)
		return nil
	}
	r.ms.events.WithLabelValues("ok").Inc()
	return nil
}

func (r *Runner) apply(ev Event) error {
	switch ev.Op {
	case OpReload:
		k, err := tilekey.Parse(ev.Key)
		if err != nil {
			return fmt.Errorf("reload key: %w", err)
		}
		if !r.seen.admit(k.String(), ev.Version) {
			r.ms.actions.WithLabelValues("stale").Inc()
			return nil
		}
		r.target.Invalidate(k)
		r.ms.actions.WithLabelValues("reload").Inc()
	case OpResetLayer:
		layer, err := r.layerID(ev)
		if err != nil {
			return err
		}
		if !r.seen.admit("layer#"+strconv.Itoa(layer), ev.Version) {
			r.ms.actions.WithLabelValues("stale").Inc()
			return nil
		}
		r.target.ResetLayer(layer)
		r.ms.actions.WithLabelValues("reset_layer").Inc()
	}
	return nil
}

// layerID resolves the layer of a reset. A name is looked up in the live
// descriptor and may also be a decimal id.
func (r *Runner) layerID(ev Event) (int, error) {
	if ev.LayerID != nil {
		return *ev.LayerID, nil
	}
	if id, err := strconv.Atoi(ev.Layer); err == nil && id >= 0 {
		return id, nil
	}
	d := r.target.Descriptor()
	if d == nil {
		return 0, ErrNoDescriptor
	}
	l, ok := d.LayerByName(ev.Layer)
	if !ok {
		return 0, fmt.Errorf("unknown layer %q", ev.Layer)
	}
	return l.ID, nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
