package engine

import (
	"github.com/mohammed-shakir/tilestream/internal/resolver"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
	"github.com/mohammed-shakir/tilestream/internal/tilestate"
	"github.com/mohammed-shakir/tilestream/internal/viewport"
)

type TaskKind uint8

const (
	TaskUpdateViewport TaskKind = iota + 1
	TaskResetLayer
	TaskSetOffline
	TaskSetOfflineCached
	TaskSetVisible
	TaskSaveCache
	TaskNetworkData
	TaskNetworkFailed
	TaskInvalidate
	TaskSetLanguage
	TaskShutdown
)

func (k TaskKind) String() string {
	switch k {
	case TaskUpdateViewport:
		return "update_viewport"
	case TaskResetLayer:
		return "reset_layer"
	case TaskSetOffline:
		return "set_offline"
	case TaskSetOfflineCached:
		return "set_offline_cached"
	case TaskSetVisible:
		return "set_visible"
	case TaskSaveCache:
		return "save_cache"
	case TaskNetworkData:
		return "network_data"
	case TaskNetworkFailed:
		return "network_failed"
	case TaskInvalidate:
		return "invalidate"
	case TaskSetLanguage:
		return "set_language"
	case TaskShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Task is a unit of work for the control loop. Only the fields of its Kind are set.
type Task struct {
	Kind     TaskKind
	Viewport viewport.Viewport
	Layer    int
	Flag     bool
	Key      string
	Keys     []string
	Lang     string
	Payload  []byte
	// Done is closed once a save has reached the cache.
	Done chan struct{}
}

// handleTask applies t and reports whether it was a shutdown.
func (e *Engine) handleTask(t Task) (shutdown bool) {
	e.safely(t.Kind.String(), func() {
		switch t.Kind {
		case TaskUpdateViewport:
			if !t.Viewport.Valid() {
				e.log.Warn("ignoring viewport with inverted latitudes", "bound", t.Viewport.Bound)
				return
			}
			e.vp = t.Viewport
			e.haveViewport = true
			e.dirty = true
		case TaskResetLayer:
			e.resetLayer(t.Layer)
		case TaskSetOffline:
			e.resolver.SetOffline(t.Flag)
			if !t.Flag {
				e.reissue()
			}
		case TaskSetOfflineCached:
			e.opts.OfflineCached = t.Flag
			e.resolver.SetOfflineCached(t.Flag)
			if !t.Flag {
				e.reissue()
			}
		case TaskSetVisible:
			e.setVisible(t.Flag)
		case TaskSaveCache:
			e.saveAll(t.Done)
		case TaskNetworkData:
			e.networkData(t.Key, t.Payload)
		case TaskNetworkFailed:
			e.networkFailed(t.Keys)
		case TaskInvalidate:
			e.invalidate(t.Key)
		case TaskSetLanguage:
			e.setLanguage(t.Lang)
		case TaskShutdown:
			e.saveAll(nil)
			shutdown = true
		default:
			e.log.Error("unknown task", "kind", int(t.Kind))
		}
	})
	return shutdown
}

// request is the tracker's request hook. The requested bit is already set; outcomes
// that will never produce data roll it back.
func (e *Engine) request(st *tilestate.State, key tilekey.Key) {
	out := e.resolver.Request(e.ctx, key)
	imp := key.Importance
	switch out {
	case resolver.Offline:
		unsetRequested(st, key)
	case resolver.Empty:
		if key.Content == tilekey.Strings {
			st.SetReceivedString(imp)
		} else {
			st.UnsetRequested(imp)
			st.SetEmpty(imp)
		}
		e.flushDone(st)
	}
}

func unsetRequested(st *tilestate.State, key tilekey.Key) {
	if key.Content == tilekey.Strings {
		st.UnsetRequestedString(key.Importance)
	} else {
		st.UnsetRequested(key.Importance)
	}
}

// evicted flushes what a leaving tile buffered and tells the consumer.
func (e *Engine) evicted(st *tilestate.State) {
	if rec, ok := st.TakeAll(); ok && e.cacheable(st.Key.Layer) {
		e.writes.Push(write{rec: rec})
	}
	e.consumer.TileRemoved(st.Key)
}

func (e *Engine) resetLayer(layer int) {
	n := 0
	for _, overview := range []bool{false, true} {
		for _, st := range e.table.ForLayer(layer, overview) {
			e.table.Delete(st.Key)
			e.consumer.TileRemoved(st.Key)
			n++
		}
	}
	purged := e.resolver.PurgeLayer(layer)
	dropped := e.resolver.DropPending(func(k tilekey.Key) bool { return !k.IsTile() || k.Layer != layer })
	e.tracker.Reset(layer)
	e.dirty = true
	e.log.Info("layer reset", "layer", layer, "tiles", n, "memory", purged, "pending", dropped)
}

// setLanguage switches the string language. Strings of every resident tile are
// forgotten, buffered ones included, and requested again in lang.
func (e *Engine) setLanguage(lang string) {
	old := e.tracker.Lang()
	if lang == old {
		return
	}
	if err := (tilekey.Key{Content: tilekey.Strings, Lang: lang}).Validate(); err != nil || lang == "" {
		e.log.Warn("ignoring language", "lang", lang, "error", err)
		return
	}
	e.tracker.SetLang(lang)
	dropped := e.resolver.DropPending(func(k tilekey.Key) bool { return k.Content != tilekey.Strings })
	n := 0
	for _, st := range e.table.All() {
		if !st.HasStrings {
			continue
		}
		for imp := 0; imp < st.NumImportances; imp++ {
			st.DropData(st.StringSlot(imp))
			st.ForgetString(imp)
			st.Unpark(imp)
		}
		if e.tracker.Visible(st.Key) {
			n += e.tracker.CatchUp(st)
		}
	}
	e.log.Info("language switched", "from", old, "to", lang, "requests", n, "pending", dropped)
}

// reissue requests whatever resident tiles lost to offline outcomes, and the
// descriptor if none is live yet.
func (e *Engine) reissue() {
	if !e.started {
		return
	}
	if e.live.Load() == nil {
		e.resolver.Request(e.ctx, tilekey.Descriptor())
	}
	n := 0
	for _, st := range e.table.All() {
		n += e.tracker.CatchUp(st)
	}
	if n > 0 {
		e.log.Info("reissued requests", "requests", n)
	}
}

func (e *Engine) setVisible(v bool) {
	if v == e.visible {
		return
	}
	e.visible = v
	e.store.SetVisible(v)
	if v {
		e.batcher.BecameVisible()
		return
	}
	e.saveAll(nil)
}

// saveAll queues every buffered tile for writing. done, when set, is closed after
// the writer has handled them.
func (e *Engine) saveAll(done chan struct{}) {
	n := 0
	for _, st := range e.table.All() {
		rec, ok := st.TakeAll()
		if !ok || !e.cacheable(st.Key.Layer) {
			continue
		}
		e.writes.Push(write{rec: rec})
		n++
	}
	if done != nil {
		e.writes.Push(write{done: done})
	}
	if n > 0 {
		e.log.Info("cache save queued", "tiles", n)
	}
}

func (e *Engine) networkData(ks string, payload []byte) {
	key, err := tilekey.Parse(ks)
	if err != nil {
		e.log.Warn("network returned malformed key", "key", ks, "error", err)
		return
	}
	if key.IsTile() {
		if _, ok := e.table.Get(key); !ok || !e.tracker.Visible(key) {
			e.resolver.Complete(key)
			e.log.Debug("dropping data for invisible tile", "key", ks)
			return
		}
	}
	if !e.resolver.NetworkData(key, payload) {
		e.log.Debug("dropping unrequested data", "key", ks)
	}
}

// networkFailed re-arms failed keys whose tiles are still visible and forgets the
// rest.
func (e *Engine) networkFailed(keys []string) {
	for _, ks := range keys {
		key, err := tilekey.Parse(ks)
		if err != nil {
			continue
		}
		if !e.resolver.Fail(key) {
			continue
		}
		if !key.IsTile() {
			e.resolver.RequestNetwork(key)
			continue
		}
		st, ok := e.table.Get(key)
		if !ok {
			continue
		}
		if !e.tracker.Visible(key) || e.resolver.RequestNetwork(key) == resolver.Offline {
			unsetRequested(st, key)
		}
	}
}

// invalidate purges a key from every cache and fetches it again when visible. A
// descriptor key refetches the descriptor.
func (e *Engine) invalidate(ks string) {
	key, err := tilekey.Parse(ks)
	if err != nil {
		e.log.Warn("invalidate: bad key", "key", ks, "error", err)
		return
	}
	if !key.IsTile() {
		e.refetchDescriptor()
		return
	}
	st, ok := e.table.Get(key)
	if !ok {
		e.resolver.Purge(e.ctx, key)
		return
	}
	switch key.Content {
	case tilekey.Strings:
		e.reloadStrings(st, key.Importance)
	default:
		e.reloadGeometry(st, key.Importance)
	}
}
