package engine

import (
	"fmt"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/extract"
	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
	"github.com/mohammed-shakir/tilestream/internal/tilestate"
)

func (e *Engine) handleResult(res extract.Result) {
	e.safely("result", func() {
		if res.Err != nil {
			e.extractFailed(res)
			return
		}
		switch res.Key.Content {
		case tilekey.FormatDescriptor:
			if res.Descriptor != nil {
				e.descriptorLoaded(res)
			}
		case tilekey.FormatDescriptorCRC:
			e.checkDescriptorCRC(res.DescriptorCRC)
		case tilekey.Bitmap:
			e.onBitmap(res)
		case tilekey.Geometry:
			e.onGeo(res)
		case tilekey.Strings:
			e.onStrings(res)
		}
	})
}

func (e *Engine) descriptorLoaded(res extract.Result) {
	e.installDescriptor(res.Descriptor)
	if res.Source == extract.SourceNetwork {
		key := tilekey.Descriptor().String()
		e.writes.Push(write{rec: cache.NewRecord([]string{key}, [][]byte{res.Data}, tilestate.UnknownEmpty)})
	}
}

// installDescriptor publishes g. A different descriptor drops every resident tile
// and the memory cache since their indices and coordinates no longer apply.
func (e *Engine) installDescriptor(g *format.Grid) {
	cur := e.live.Load()
	if cur != nil && cur.CRC() == g.CRC() {
		return
	}
	if cur != nil {
		for _, st := range e.table.All() {
			e.table.Delete(st.Key)
			e.consumer.TileRemoved(st.Key)
		}
		e.resolver.PurgeMemory()
		e.resolver.DropPending(func(k tilekey.Key) bool { return !k.IsTile() })
	}
	e.live.Store(g)
	e.tracker.ResetAll()
	e.dirty = true
	e.consumer.DescriptorChanged(g)
	e.log.Info("descriptor installed", "crc", fmt.Sprintf("%08x", g.CRC()),
		"layers", len(g.Layers()), "bundles", len(e.resolver.BundleNames()))
}

func (e *Engine) checkDescriptorCRC(crc uint32) {
	cur := e.live.Load()
	if cur != nil && cur.CRC() == crc {
		e.log.Debug("descriptor is current", "crc", fmt.Sprintf("%08x", crc))
		return
	}
	e.log.Info("descriptor is stale", "server_crc", fmt.Sprintf("%08x", crc))
	e.refetchDescriptor()
}

// refetchDescriptor drops cached copies of the descriptor and asks the network.
func (e *Engine) refetchDescriptor() {
	key := tilekey.Descriptor()
	e.resolver.Purge(e.ctx, key)
	e.resolver.RequestNetwork(key)
}

// stateFor returns the resident state of key, marking the slot requested when the
// data arrived without a request of its own.
func (e *Engine) stateFor(key tilekey.Key) (*tilestate.State, bool) {
	st, ok := e.table.Get(key)
	if !ok {
		if logger.ShouldLog(e.opts.LogSample, key.String()) {
			e.log.Debug("dropping result for evicted tile", "key", key.String())
		}
		return nil, false
	}
	imp := key.Importance
	if key.Content == tilekey.Strings {
		if !st.IsRequestedString(imp) {
			st.SetRequestedString(imp)
		}
	} else if !st.IsRequested(imp) {
		st.SetRequested(imp)
	}
	return st, true
}

func (e *Engine) onGeo(res extract.Result) {
	key := res.Key
	st, ok := e.stateFor(key)
	if !ok {
		return
	}
	imp := key.Importance
	st.SetReceived(imp)
	st.SetCRC(imp, res.Geo.CRC)
	if imp == 0 && res.Geo.EmptyMask >= 0 {
		st.SetAllEmpty(res.Geo.EmptyMask)
	}
	if res.Source == extract.SourceNetwork {
		e.buffer(st, st.GeoSlot(imp), key, res.Data)
	}
	e.consumer.TileReady(res.Geo)

	if p, ok := st.Unpark(imp); ok {
		e.applyStrings(st, imp, p)
	}
	e.flushDone(st)
	e.tracker.CatchUp(st)
}

func (e *Engine) onStrings(res extract.Result) {
	key := res.Key
	st, ok := e.stateFor(key)
	if !ok {
		return
	}
	p := tilestate.Parked{Tile: res.Strings, Raw: res.Data, Cache: res.Source == extract.SourceNetwork}
	if _, known := st.CRC(key.Importance); !known {
		st.Park(key.Importance, p)
		return
	}
	e.applyStrings(st, key.Importance, p)
	e.flushDone(st)
}

// applyStrings delivers a string tile whose geometry CRC is known, or reloads both
// tiles when the CRCs disagree.
func (e *Engine) applyStrings(st *tilestate.State, imp int, p tilestate.Parked) {
	geoCRC, _ := st.CRC(imp)
	if !extract.CheckStrings(geoCRC, p.Tile) {
		e.m.ExtractFailed("crc_mismatch")
		e.log.Warn("string tile does not match its geometry", "key", p.Tile.Key.String(),
			"geo_crc", geoCRC, "strings_crc", p.Tile.CRC)
		e.removeAndReload(st, imp)
		return
	}
	st.SetReceivedString(imp)
	if p.Cache {
		e.buffer(st, st.StringSlot(imp), p.Tile.Key, p.Raw)
	}
	e.consumer.StringsReady(p.Tile)
}

func (e *Engine) onBitmap(res extract.Result) {
	key := res.Key
	st, ok := e.stateFor(key)
	if !ok {
		return
	}
	st.SetReceived(key.Importance)
	if !st.EmptyKnown() {
		st.SetAllEmpty(0)
	}
	if res.Source == extract.SourceNetwork {
		e.buffer(st, st.GeoSlot(key.Importance), key, res.Data)
	}
	e.consumer.BitmapReady(key, res.Bitmap)
	e.flushDone(st)
	e.tracker.CatchUp(st)
}

func (e *Engine) extractFailed(res extract.Result) {
	key := res.Key
	e.log.Warn("extraction failed", "key", key.String(), "source", res.Source.String(), "error", res.Err)
	switch key.Content {
	case tilekey.Geometry, tilekey.Bitmap:
		if st, ok := e.table.Get(key); ok {
			e.reloadGeometry(st, key.Importance)
		}
		if res.Refetch {
			e.refetchDescriptor()
		}
	case tilekey.Strings:
		if st, ok := e.table.Get(key); ok {
			e.reloadStrings(st, key.Importance)
		}
	case tilekey.FormatDescriptor:
		e.resolver.Purge(e.ctx, key)
		if res.Source != extract.SourceNetwork {
			e.resolver.RequestNetwork(key)
		}
	}
}

func (e *Engine) geoKey(st *tilestate.State, imp int) tilekey.Key {
	k := st.Key.WithImportance(imp)
	if d := e.live.Load(); d != nil {
		if l, ok := d.Layer(k.Layer); ok && l.Kind == format.LayerBitmap {
			return k.WithContent(tilekey.Bitmap, "")
		}
	}
	return k
}

func (e *Engine) reloadGeometry(st *tilestate.State, imp int) {
	key := e.geoKey(st, imp)
	e.resolver.Purge(e.ctx, key)
	e.resolver.Complete(key)
	st.DropData(st.GeoSlot(imp))
	st.Forget(imp)
	if e.tracker.Visible(key) {
		e.tracker.CatchUp(st)
	}
}

func (e *Engine) reloadStrings(st *tilestate.State, imp int) {
	key := st.Key.WithImportance(imp).WithContent(tilekey.Strings, e.tracker.Lang())
	e.resolver.Purge(e.ctx, key)
	e.resolver.Complete(key)
	st.DropData(st.StringSlot(imp))
	st.ForgetString(imp)
	st.Unpark(imp)
	if e.tracker.Visible(key) {
		e.tracker.CatchUp(st)
	}
}

// removeAndReload purges geometry and strings of one importance and fetches both
// again. The geometry CRC goes too so reloaded strings wait for the new geometry.
func (e *Engine) removeAndReload(st *tilestate.State, imp int) {
	geo := e.geoKey(st, imp)
	str := st.Key.WithImportance(imp).WithContent(tilekey.Strings, e.tracker.Lang())
	for _, k := range []tilekey.Key{geo, str} {
		e.resolver.Purge(e.ctx, k)
		e.resolver.Complete(k)
	}
	st.DropData(st.GeoSlot(imp))
	st.DropData(st.StringSlot(imp))
	st.Forget(imp)
	st.ForgetString(imp)
	st.ClearCRC(imp)
	st.Unpark(imp)
	if e.tracker.Visible(geo) {
		e.tracker.CatchUp(st)
	}
}

func (e *Engine) buffer(st *tilestate.State, slot int, key tilekey.Key, data []byte) {
	if !e.cacheable(key.Layer) {
		return
	}
	overwrote, err := st.AddData(slot, key, data)
	if err != nil {
		e.log.Error("buffer tile", "key", key.String(), "error", err)
		return
	}
	if overwrote {
		e.log.Error("duplicate write to a filled slot", "key", key.String(), "slot", slot)
	}
}

// flushDone queues the buffered geometry or strings of st once they are complete.
func (e *Engine) flushDone(st *tilestate.State) {
	if !e.cacheable(st.Key.Layer) {
		return
	}
	if rec, ok := st.TakeGeo(); ok {
		e.writes.Push(write{rec: rec})
	}
	if rec, ok := st.TakeStrings(); ok {
		e.writes.Push(write{rec: rec})
	}
}

func (e *Engine) cacheable(layer int) bool {
	d := e.live.Load()
	return d != nil && d.Cacheable(layer)
}
