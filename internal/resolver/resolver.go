// Package resolver resolves tile keys through the memory cache, the pre-installed
// bundles, the disk cache and finally the network, keeping at most one resolution
// in flight per key.
//
// A Resolver is owned by the control loop and is not safe for concurrent use.
package resolver

import (
	"context"
	"log/slog"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/cache/memcache"
	"github.com/mohammed-shakir/tilestream/internal/extract"
	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

type Outcome uint8

const (
	// Duplicate means a resolution for the key is already pending.
	Duplicate Outcome = iota
	Memory
	FromBundle
	Disk
	// Empty means a bundle covers the tile and authoritatively lacks the key.
	Empty
	ToNetwork
	// Offline means no tier had the key and the network may not be used.
	Offline
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Memory:
		return "memory"
	case FromBundle:
		return "bundle"
	case Disk:
		return "disk"
	case Empty:
		return "empty"
	case ToNetwork:
		return "network"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Found reports whether the key was delivered synchronously.
func (o Outcome) Found() bool { return o == Memory || o == FromBundle || o == Disk }

// Bundle is the read side of a pre-installed bundle.
type Bundle interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Covers(k tilekey.Key) bool
	// DescriptorCRC is the descriptor the bundle was built against.
	DescriptorCRC() uint32
	CRC() uint64
	Path() string
}

// Network queues keys for the next outbound batch.
type Network interface {
	Add(key string)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Engine
	// LogSample is the fraction of keys whose resolution is logged at debug.
	LogSample float64
}

type Resolver struct {
	log  *slog.Logger
	m    *metrics.Engine
	opts Options

	mem     *memcache.Cache
	store   cache.Store
	bundles []Bundle
	net     Network
	desc    *format.Live
	deliver func(extract.Item)

	pending       map[string]tilekey.Key
	offline       bool
	offlineCached bool
}

// New wires the tiers. store may be nil for no disk cache; deliver receives every
// payload found, from any tier.
func New(mem *memcache.Cache, store cache.Store, bundles []Bundle, net Network, desc *format.Live, deliver func(extract.Item), opts Options) *Resolver {
	return &Resolver{
		log:     logger.OrDiscard(opts.Logger).With("component", "resolver"),
		m:       opts.Metrics,
		opts:    opts,
		mem:     mem,
		store:   store,
		bundles: bundles,
		net:     net,
		desc:    desc,
		deliver: deliver,
		pending: make(map[string]tilekey.Key),
	}
}

// DisableStore stops consulting the disk cache, for a store that failed to open.
func (r *Resolver) DisableStore() { r.store = nil }

func (r *Resolver) SetOffline(v bool)       { r.offline = v }
func (r *Resolver) SetOfflineCached(v bool) { r.offlineCached = v }
func (r *Resolver) Offline() bool           { return r.offline }

// Request resolves key. Found data is delivered before Request returns; a ToNetwork
// outcome leaves the key pending until NetworkData or Fail.
func (r *Resolver) Request(ctx context.Context, key tilekey.Key) Outcome {
	ks := key.String()
	if _, ok := r.pending[ks]; ok {
		return r.done(ks, Duplicate)
	}
	r.pending[ks] = key

	if data, ok := r.mem.Get(ks); ok {
		return r.found(key, ks, data, extract.SourceMemory, Memory)
	}

	d := r.desc.Load()
	if key.IsTile() {
		if out, ok := r.fromBundles(ctx, key, ks, d); ok {
			return out
		}
	}
	if r.diskEligible(key, d) {
		if out, ok := r.fromDisk(ctx, key, ks); ok {
			return out
		}
	}
	return r.toNetwork(key, ks, d)
}

// RequestNetwork skips the cache tiers. Used for descriptor CRC checks and retries.
func (r *Resolver) RequestNetwork(key tilekey.Key) Outcome {
	ks := key.String()
	if _, ok := r.pending[ks]; ok {
		return r.done(ks, Duplicate)
	}
	r.pending[ks] = key
	return r.toNetwork(key, ks, r.desc.Load())
}

func (r *Resolver) found(key tilekey.Key, ks string, data []byte, src extract.Source, out Outcome) Outcome {
	delete(r.pending, ks)
	r.deliver(extract.Item{Key: key, Data: data, Source: src})
	return r.done(ks, out)
}

func (r *Resolver) done(ks string, out Outcome) Outcome {
	r.m.Resolve(out.String())
	if logger.ShouldLog(r.opts.LogSample, ks) {
		r.log.Debug("resolved", "key", ks, "outcome", out.String())
	}
	return out
}

// activeBundles returns the bundles built against the live descriptor.
func (r *Resolver) activeBundles(d format.Descriptor) []Bundle {
	if d == nil || len(r.bundles) == 0 {
		return nil
	}
	out := make([]Bundle, 0, len(r.bundles))
	for _, b := range r.bundles {
		if b.DescriptorCRC() == d.CRC() {
			out = append(out, b)
		}
	}
	return out
}

func (r *Resolver) fromBundles(ctx context.Context, key tilekey.Key, ks string, d format.Descriptor) (Outcome, bool) {
	for _, b := range r.activeBundles(d) {
		if !b.Covers(key) {
			continue
		}
		if key.Importance == 0 {
			data, ok, err := b.Get(ctx, ks)
			if err != nil {
				r.log.Warn("bundle get failed", "bundle", b.Path(), "key", ks, "error", err)
				continue
			}
			if ok {
				return r.found(key, ks, data, extract.SourceBundle, FromBundle), true
			}
			continue
		}
		ok, err := b.Exists(ctx, ks)
		if err != nil {
			r.log.Warn("bundle exists failed", "bundle", b.Path(), "key", ks, "error", err)
			continue
		}
		if !ok {
			delete(r.pending, ks)
			return r.done(ks, Empty), true
		}
		data, ok, err := b.Get(ctx, ks)
		if err != nil || !ok {
			r.log.Warn("bundle lost a key it reported", "bundle", b.Path(), "key", ks, "error", err)
			continue
		}
		return r.found(key, ks, data, extract.SourceBundle, FromBundle), true
	}
	return 0, false
}

// diskEligible limits the disk tier to importance 0 of cacheable layers and the
// descriptor itself.
func (r *Resolver) diskEligible(key tilekey.Key, d format.Descriptor) bool {
	if r.store == nil {
		return false
	}
	switch key.Content {
	case tilekey.FormatDescriptor:
		return true
	case tilekey.FormatDescriptorCRC:
		return false
	}
	if key.Importance != 0 || d == nil {
		return false
	}
	return d.Cacheable(key.Layer)
}

func (r *Resolver) fromDisk(ctx context.Context, key tilekey.Key, ks string) (Outcome, bool) {
	rec, ok, err := r.store.Get(ctx, ks)
	if err != nil {
		r.log.Warn("disk cache get failed", "key", ks, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	data, hit := rec.Blob(ks)
	derived := 0
	for i, k := range rec.Keys {
		if k == ks || i >= len(rec.Blobs) {
			continue
		}
		r.mem.Put(k, rec.Blobs[i])
		derived++
	}
	if derived > 0 && logger.ShouldLog(r.opts.LogSample, ks) {
		r.log.Debug("derived from disk record", "key", ks, "entries", derived)
	}
	if !hit {
		return 0, false
	}
	r.mem.Put(ks, data)
	return r.found(key, ks, data, extract.SourceDisk, Disk), true
}

func (r *Resolver) toNetwork(key tilekey.Key, ks string, d format.Descriptor) Outcome {
	if r.offline || (r.offlineCached && d != nil && key.IsTile() && d.Cacheable(key.Layer)) {
		delete(r.pending, ks)
		return r.done(ks, Offline)
	}
	r.net.Add(ks)
	return r.done(ks, ToNetwork)
}

// NetworkData completes a pending network resolution. Payloads for keys that are
// not pending are dropped and reported false.
func (r *Resolver) NetworkData(key tilekey.Key, payload []byte) bool {
	ks := key.String()
	if _, ok := r.pending[ks]; !ok {
		return false
	}
	delete(r.pending, ks)
	r.mem.Put(ks, payload)
	r.deliver(extract.Item{Key: key, Data: payload, Source: extract.SourceNetwork})
	return true
}

// Complete removes a pending entry and reports whether one existed.
func (r *Resolver) Complete(key tilekey.Key) bool {
	ks := key.String()
	if _, ok := r.pending[ks]; !ok {
		return false
	}
	delete(r.pending, ks)
	return true
}

// Fail drops the pending entry of a failed network request so it can be issued
// again.
func (r *Resolver) Fail(key tilekey.Key) bool { return r.Complete(key) }

// Purge drops key from memory and the disk cache.
func (r *Resolver) Purge(ctx context.Context, key tilekey.Key) {
	ks := key.String()
	r.mem.Remove(ks)
	if r.store == nil {
		return
	}
	if err := r.store.Remove(ctx, ks); err != nil {
		r.log.Warn("disk cache remove failed", "key", ks, "error", err)
	}
}

// PurgeLayer drops every memory entry of layer. The disk cache keeps its records;
// they are replaced on the next write.
func (r *Resolver) PurgeLayer(layer int) int {
	return r.mem.RemoveMatching(func(k string) bool {
		parsed, err := tilekey.Parse(k)
		return err == nil && parsed.IsTile() && parsed.Layer == layer
	})
}

// DropPending forgets pending entries matching keep==false. The batcher may still
// answer them; NetworkData then reports false.
func (r *Resolver) DropPending(keep func(tilekey.Key) bool) int {
	n := 0
	for ks, k := range r.pending {
		if !keep(k) {
			delete(r.pending, ks)
			n++
		}
	}
	return n
}

func (r *Resolver) Pending(key tilekey.Key) bool {
	_, ok := r.pending[key.String()]
	return ok
}

func (r *Resolver) PendingLen() int { return len(r.pending) }

// BundleNames lists the paths of bundles usable with the live descriptor.
func (r *Resolver) BundleNames() []string {
	var out []string
	for _, b := range r.activeBundles(r.desc.Load()) {
		out = append(out, b.Path())
	}
	return out
}

// PurgeMemory empties the memory cache.
func (r *Resolver) PurgeMemory() { r.mem.Purge() }
