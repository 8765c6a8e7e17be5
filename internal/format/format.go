// Package format describes the server-issued map format descriptor: the layer
// table, the zoom to detail-level thresholds and the lat/lon tile-index grid.
package format

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// Microdegrees per degree. Global coordinates are expressed in microdegrees.
const Micro = 1_000_000

type LayerKind uint8

const (
	LayerVector LayerKind = iota
	LayerBitmap
)

func (k LayerKind) String() string {
	if k == LayerBitmap {
		return "bitmap"
	}
	return "vector"
}

// Layer is one entry of the descriptor's layer table. Thresholds[i] is the minimum
// zoom at which detail level Details[i] is used; the layer is hidden above MaxZoom.
type Layer struct {
	ID             int
	Name           string
	Kind           LayerKind
	NumImportances int
	HasStrings     bool
	Cacheable      bool
	Overview       bool
	MaxZoom        int
	Thresholds     []int
	Details        []int
}

// Range is an inclusive tile-index window.
type Range struct {
	MinLat, MaxLat int
	MinLon, MaxLon int
}

func (r Range) Contains(lat, lon int) bool {
	return lat >= r.MinLat && lat <= r.MaxLat && lon >= r.MinLon && lon <= r.MaxLon
}

func (r Range) Empty() bool { return r.MaxLat < r.MinLat || r.MaxLon < r.MinLon }

func (r Range) Count() int {
	if r.Empty() {
		return 0
	}
	return (r.MaxLat - r.MinLat + 1) * (r.MaxLon - r.MinLon + 1)
}

// Descriptor is the read-only accessor surface the engine uses. A published
// Descriptor is never mutated.
type Descriptor interface {
	CRC() uint32
	Layers() []Layer
	Layer(id int) (Layer, bool)
	LayerByName(name string) (Layer, bool)
	// DetailLevel maps a zoom to the detail level of layer; ok is false when the
	// layer is not drawn at that zoom.
	DetailLevel(layer, zoom int) (detail int, ok bool)
	NumImportances(layer int) int
	HasStrings(layer int) bool
	Cacheable(layer int) bool
	TileRange(detail int, b orb.Bound) Range
	// MaxIndex returns the largest valid lat and lon index at detail.
	MaxIndex(detail int) (maxLat, maxLon int)
	OverviewDetail() int
	OverviewLayers() []int
	// TileOrigin returns the south-west corner of a tile in microdegrees.
	TileOrigin(detail, lat, lon int) (x, y int64)
	// TileAt returns the index of the tile containing p (lon, lat degrees).
	TileAt(detail int, p orb.Point) (lat, lon int)
}

// Grid is the concrete descriptor: a uniform lat/lon grid whose tile span halves
// per detail level.
type Grid struct {
	Checksum uint32
	// Spans[d] is the tile edge length in microdegrees at detail d.
	Spans    []int32
	Overview int
	Table    []Layer
}

var _ Descriptor = (*Grid)(nil)

func (g *Grid) CRC() uint32 { return g.Checksum }

func (g *Grid) Layers() []Layer {
	out := make([]Layer, len(g.Table))
	copy(out, g.Table)
	return out
}

func (g *Grid) Layer(id int) (Layer, bool) {
	for _, l := range g.Table {
		if l.ID == id {
			return l, true
		}
	}
	return Layer{}, false
}

func (g *Grid) LayerByName(name string) (Layer, bool) {
	for _, l := range g.Table {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}

func (g *Grid) DetailLevel(layer, zoom int) (int, bool) {
	l, ok := g.Layer(layer)
	if !ok || len(l.Thresholds) == 0 || zoom > l.MaxZoom {
		return 0, false
	}
	// last threshold not above zoom
	i := sort.Search(len(l.Thresholds), func(i int) bool { return l.Thresholds[i] > zoom }) - 1
	if i < 0 {
		return 0, false
	}
	d := l.Details[i]
	if d < 0 || d >= len(g.Spans) {
		return 0, false
	}
	return d, true
}

func (g *Grid) NumImportances(layer int) int {
	l, ok := g.Layer(layer)
	if !ok || l.NumImportances < 1 {
		return 1
	}
	return l.NumImportances
}

func (g *Grid) HasStrings(layer int) bool {
	l, ok := g.Layer(layer)
	return ok && l.HasStrings
}

func (g *Grid) Cacheable(layer int) bool {
	l, ok := g.Layer(layer)
	return ok && l.Cacheable
}

func (g *Grid) span(detail int) int64 {
	if detail < 0 || detail >= len(g.Spans) || g.Spans[detail] <= 0 {
		return 180 * Micro
	}
	return int64(g.Spans[detail])
}

func (g *Grid) MaxIndex(detail int) (int, int) {
	s := g.span(detail)
	maxLat := int((180*Micro+s-1)/s) - 1
	maxLon := int((360*Micro+s-1)/s) - 1
	return maxLat, maxLon
}

func (g *Grid) TileAt(detail int, p orb.Point) (int, int) {
	s := g.span(detail)
	maxLat, maxLon := g.MaxIndex(detail)
	lat := floorDiv(toMicro(p.Lat())+90*Micro, s)
	lon := floorDiv(toMicro(p.Lon())+180*Micro, s)
	return clamp(lat, 0, maxLat), clamp(lon, 0, maxLon)
}

// TileRange returns the window of tiles intersecting b. Bounds crossing the
// antimeridian are widened to the full longitude range.
func (g *Grid) TileRange(detail int, b orb.Bound) Range {
	if b.Min.Lon() > b.Max.Lon() {
		b.Min[0], b.Max[0] = -180, 180
	}
	minLat, minLon := g.TileAt(detail, b.Min)
	maxLat, maxLon := g.TileAt(detail, b.Max)
	return Range{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
}

func (g *Grid) OverviewDetail() int { return g.Overview }

func (g *Grid) OverviewLayers() []int {
	var ids []int
	for _, l := range g.Table {
		if l.Overview {
			ids = append(ids, l.ID)
		}
	}
	return ids
}

func (g *Grid) TileOrigin(detail, lat, lon int) (int64, int64) {
	s := g.span(detail)
	return int64(lon)*s - 180*Micro, int64(lat)*s - 90*Micro
}

func toMicro(deg float64) int64 {
	return int64(math.Floor(deg * Micro))
}

func floorDiv(a, b int64) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return int(q)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
