// Package viewport turns a bounding box and zoom into tile requests and evictions,
// per layer, for the regular grid and the coarse overview grid.
package viewport

import (
	"log/slog"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
	"github.com/mohammed-shakir/tilestream/internal/tilestate"
)

// Viewport is the visible area in degrees (X is longitude) and the map zoom.
type Viewport struct {
	Bound orb.Bound
	Zoom  int
}

func New(minLat, maxLat, minLon, maxLon float64, zoom int) Viewport {
	return Viewport{
		Bound: orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}},
		Zoom:  zoom,
	}
}

// Valid reports whether the latitudes are ordered. A minimum longitude above the
// maximum is a viewport crossing the antimeridian.
func (v Viewport) Valid() bool {
	return v.Bound.Min.Lat() <= v.Bound.Max.Lat()
}

func (v Viewport) CrossesAntimeridian() bool {
	return v.Bound.Min.Lon() > v.Bound.Max.Lon()
}

// Center is the middle of the viewport, measured eastwards from the minimum
// longitude.
func (v Viewport) Center() orb.Point {
	c := v.Bound.Center()
	if v.CrossesAntimeridian() {
		c[0] += 180
		if c[0] >= 180 {
			c[0] -= 360
		}
	}
	return c
}

// Callbacks are invoked synchronously from Update and CatchUp.
type Callbacks struct {
	// Request issues key for st. The requested bit is already set.
	Request func(st *tilestate.State, key tilekey.Key)
	// Evicted runs after st left the table.
	Evicted func(st *tilestate.State)
}

type Options struct {
	Logger *slog.Logger
	// OverviewCount is the edge of the overview neighbourhood in tiles. Even values
	// are rounded up; zero disables the overview grid.
	OverviewCount int
	Lang          string
}

// window is the last applied tile window of one layer.
type window struct {
	drawn  bool
	detail int
	rng    format.Range
	imps   int
}

// Tracker is owned by the control loop.
type Tracker struct {
	log   *slog.Logger
	desc  *format.Live
	table *tilestate.Table
	cb    Callbacks
	opts  Options

	windows  map[int]window
	overview map[int]window
}

func NewTracker(desc *format.Live, table *tilestate.Table, cb Callbacks, opts Options) *Tracker {
	if opts.OverviewCount > 0 && opts.OverviewCount%2 == 0 {
		opts.OverviewCount++
	}
	if opts.Lang == "" {
		opts.Lang = "en"
	}
	return &Tracker{
		log:      logger.OrDiscard(opts.Logger).With("component", "viewport"),
		desc:     desc,
		table:    table,
		cb:       cb,
		opts:     opts,
		windows:  make(map[int]window),
		overview: make(map[int]window),
	}
}

func (t *Tracker) Lang() string { return t.opts.Lang }

// SetLang switches the language of string requests issued from now on. States are
// not touched; the caller forgets the strings it wants fetched again.
func (t *Tracker) SetLang(lang string) {
	if lang != "" {
		t.opts.Lang = lang
	}
}

// Update applies v to every layer and returns the number of requests issued. An
// unchanged window for a layer issues nothing.
func (t *Tracker) Update(v Viewport) int {
	d := t.desc.Load()
	if d == nil {
		return 0
	}
	n := 0
	for _, l := range d.Layers() {
		n += t.updateLayer(d, l, v)
	}
	if t.opts.OverviewCount > 0 {
		for _, id := range d.OverviewLayers() {
			l, ok := d.Layer(id)
			if !ok {
				continue
			}
			n += t.updateOverview(d, l, v)
		}
	}
	return n
}

func (t *Tracker) updateLayer(d format.Descriptor, l format.Layer, v Viewport) int {
	detail, ok := d.DetailLevel(l.ID, v.Zoom)
	w := window{drawn: ok, imps: l.NumImportances}
	if ok {
		w.detail = detail
		w.rng = d.TileRange(detail, v.Bound)
	}
	if prev, had := t.windows[l.ID]; had && prev == w {
		return 0
	}
	t.windows[l.ID] = w

	n := 0
	if w.drawn {
		n = t.fill(l, w, false)
	}
	evicted := t.evict(l.ID, false, w)
	t.log.Debug("layer window", "layer", l.Name, "drawn", w.drawn, "detail", w.detail,
		"tiles", w.rng.Count(), "requests", n, "evicted", evicted)
	return n
}

func (t *Tracker) updateOverview(d format.Descriptor, l format.Layer, v Viewport) int {
	detail := d.OverviewDetail()
	lat, lon := d.TileAt(detail, v.Center())
	maxLat, maxLon := d.MaxIndex(detail)
	half := t.opts.OverviewCount / 2
	w := window{
		drawn:  true,
		detail: detail,
		imps:   l.NumImportances,
		rng: format.Range{
			MinLat: max(lat-half, 0), MaxLat: min(lat+half, maxLat),
			MinLon: max(lon-half, 0), MaxLon: min(lon+half, maxLon),
		},
	}
	if prev, had := t.overview[l.ID]; had && prev == w {
		return 0
	}
	t.overview[l.ID] = w
	n := t.fill(l, w, true)
	t.evict(l.ID, true, w)
	return n
}

func (t *Tracker) fill(l format.Layer, w window, overview bool) int {
	n := 0
	for lat := w.rng.MinLat; lat <= w.rng.MaxLat; lat++ {
		for lon := w.rng.MinLon; lon <= w.rng.MaxLon; lon++ {
			k := tilekey.Key{Layer: l.ID, Detail: w.detail, Lat: lat, Lon: lon, Overview: overview}
			st, _ := t.table.Ensure(k, l.NumImportances, l.HasStrings && l.Kind == format.LayerVector)
			n += t.catchUp(st, l.Kind)
		}
	}
	return n
}

func (t *Tracker) evict(layer int, overview bool, w window) int {
	n := 0
	for _, st := range t.table.ForLayer(layer, overview) {
		k := st.Key
		if w.drawn && k.Detail == w.detail && w.rng.Contains(k.Lat, k.Lon) {
			continue
		}
		t.Evict(st)
		n++
	}
	return n
}

// Evict removes st from the table and reports it.
func (t *Tracker) Evict(st *tilestate.State) {
	if _, ok := t.table.Delete(st.Key); !ok {
		return
	}
	if t.cb.Evicted != nil {
		t.cb.Evicted(st)
	}
}

// CatchUp requests whatever st still lacks. Until the empty mask is known only
// importance 0 is requested; its geometry carries the mask.
func (t *Tracker) CatchUp(st *tilestate.State) int {
	kind := format.LayerVector
	if d := t.desc.Load(); d != nil {
		if l, ok := d.Layer(st.Key.Layer); ok {
			kind = l.Kind
		}
	}
	return t.catchUp(st, kind)
}

func (t *Tracker) catchUp(st *tilestate.State, kind format.LayerKind) int {
	last := st.NumImportances - 1
	if !st.EmptyKnown() {
		last = 0
	}
	n := 0
	for imp := 0; imp <= last; imp++ {
		if st.ShouldRequestGeo(imp) {
			st.SetRequested(imp)
			t.request(st, t.geoKey(st, imp, kind))
			n++
		}
		if st.ShouldRequestString(imp) {
			st.SetRequestedString(imp)
			t.request(st, st.Key.WithImportance(imp).WithContent(tilekey.Strings, t.opts.Lang))
			n++
		}
	}
	return n
}

func (t *Tracker) geoKey(st *tilestate.State, imp int, kind format.LayerKind) tilekey.Key {
	k := st.Key.WithImportance(imp)
	if kind == format.LayerBitmap {
		return k.WithContent(tilekey.Bitmap, "")
	}
	return k
}

func (t *Tracker) request(st *tilestate.State, k tilekey.Key) {
	if t.cb.Request != nil {
		t.cb.Request(st, k)
	}
}

// Visible reports whether key lies in the current window of its layer. Keys that
// are not tiles are always visible.
func (t *Tracker) Visible(k tilekey.Key) bool {
	if !k.IsTile() {
		return true
	}
	w, ok := t.windows[k.Layer]
	if k.Overview {
		w, ok = t.overview[k.Layer]
	}
	return ok && w.drawn && w.detail == k.Detail && w.rng.Contains(k.Lat, k.Lon)
}

// Reset forgets the windows of layer so the next Update re-diffs it.
func (t *Tracker) Reset(layer int) {
	delete(t.windows, layer)
	delete(t.overview, layer)
}

func (t *Tracker) ResetAll() {
	clear(t.windows)
	clear(t.overview)
}
