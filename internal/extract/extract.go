// Package extract turns raw tile payloads into decoded tiles on a single worker
// goroutine: decompress, parse, triangulate and rescale to global coordinates.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/logger"
	"github.com/mohammed-shakir/tilestream/internal/metrics"
	"github.com/mohammed-shakir/tilestream/internal/queue"
	"github.com/mohammed-shakir/tilestream/internal/tiledata"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
	"github.com/mohammed-shakir/tilestream/internal/triangulate"
)

// Source records which tier produced a payload.
type Source uint8

const (
	SourceNetwork Source = iota
	SourceMemory
	SourceBundle
	SourceDisk
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceBundle:
		return "bundle"
	case SourceDisk:
		return "disk"
	default:
		return "network"
	}
}

var ErrNoDescriptor = errors.New("extract: no live descriptor")

type Item struct {
	Key    tilekey.Key
	Data   []byte
	Source Source
}

// Result is one decoded payload. Exactly one of the typed fields is set unless Err
// is non-nil. Data is the payload as received, kept for cache writes.
type Result struct {
	Key    tilekey.Key
	Source Source
	Data   []byte

	Descriptor    *format.Grid
	DescriptorCRC uint32
	Bitmap        []byte
	Geo           *tiledata.GeoTile
	Strings       *tiledata.StringTile

	Err error
	// Refetch marks geometry that failed to parse: the tile is purged and
	// reloaded and the descriptor fetched again.
	Refetch bool
	// TriangulationFailures counts polygons delivered without triangles.
	TriangulationFailures int
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Engine
	// Triangulate enables ear clipping for polygon features.
	Triangulate bool
	// LogSample is the fraction of tiles whose debug lines are emitted.
	LogSample float64
}

type Pipeline struct {
	log  *slog.Logger
	m    *metrics.Engine
	desc *format.Live
	opts Options

	in  *queue.FIFO[Item]
	out *queue.FIFO[Result]
}

func New(desc *format.Live, opts Options) *Pipeline {
	return &Pipeline{
		log:  logger.OrDiscard(opts.Logger).With("component", "extract"),
		m:    opts.Metrics,
		desc: desc,
		opts: opts,
		in:   queue.New[Item](),
		out:  queue.New[Result](),
	}
}

// Submit queues a payload for decoding. Safe from any goroutine.
func (p *Pipeline) Submit(it Item) { p.in.Push(it) }

func (p *Pipeline) Output() *queue.FIFO[Result] { return p.out }

func (p *Pipeline) InputLen() int { return p.in.Len() }

// Run decodes items until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		it, err := p.in.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		p.out.Push(p.Process(it))
	}
}

// Step decodes one queued item on the calling goroutine and reports whether there
// was one. It lets a caller drive the pipeline without a worker.
func (p *Pipeline) Step() bool {
	it, ok := p.in.Pop()
	if !ok {
		return false
	}
	p.out.Push(p.Process(it))
	return true
}

// Process decodes one item. A panic while decoding is reported as an error result.
func (p *Pipeline) Process(it Item) (res Result) {
	res = Result{Key: it.Key, Source: it.Source, Data: it.Data}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("extract %s: panic: %v", it.Key, r)
			res.Refetch = it.Key.Content == tilekey.Geometry
			p.m.ExtractFailed("panic")
			p.log.Error("extraction panic", "key", it.Key.String(), "panic", r)
		}
	}()

	data, err := Decompress(it.Data)
	if err != nil {
		res.Err = err
		res.Refetch = it.Key.Content == tilekey.Geometry
		p.m.ExtractFailed("decompress")
		return res
	}

	switch it.Key.Content {
	case tilekey.FormatDescriptor:
		g, err := format.Decode(data)
		if err != nil {
			res.Err = err
			p.m.ExtractFailed("descriptor")
			return res
		}
		res.Descriptor = g
	case tilekey.FormatDescriptorCRC:
		crc, err := format.DecodeCRC(data)
		if err != nil {
			res.Err = err
			p.m.ExtractFailed("descriptor_crc")
			return res
		}
		res.DescriptorCRC = crc
	case tilekey.Bitmap:
		res.Bitmap = data
	case tilekey.Geometry:
		t, failures, err := p.geometry(it.Key, data)
		if err != nil {
			res.Err = err
			res.Refetch = true
			p.m.ExtractFailed("geometry")
			return res
		}
		res.Geo = t
		res.TriangulationFailures = failures
	case tilekey.Strings:
		t, err := tiledata.DecodeStrings(it.Key, data)
		if err != nil {
			res.Err = err
			p.m.ExtractFailed("strings")
			return res
		}
		res.Strings = t
	default:
		res.Err = fmt.Errorf("extract %s: unknown content %d", it.Key, it.Key.Content)
		p.m.ExtractFailed("content")
		return res
	}
	p.m.Extracted(it.Key.Content.String(), time.Since(start))
	if logger.ShouldLog(p.opts.LogSample, it.Key.String()) {
		p.log.Debug("extracted", "key", it.Key.String(), "source", it.Source.String(), "bytes", len(data))
	}
	return res
}

func (p *Pipeline) geometry(key tilekey.Key, data []byte) (*tiledata.GeoTile, int, error) {
	d := p.desc.Load()
	if d == nil {
		return nil, 0, ErrNoDescriptor
	}
	t, err := tiledata.DecodeGeo(key, data)
	if err != nil {
		return nil, 0, err
	}
	failures := 0
	if p.opts.Triangulate {
		for i := range t.Features {
			f := &t.Features[i]
			if f.Kind != tiledata.KindPolygon {
				continue
			}
			f.Coords = stripClosing(f.Coords)
			if f.NumVertices() < 3 {
				continue
			}
			tris, ok := triangulate.Polygon(f.Coords)
			if !ok {
				failures++
				p.m.ExtractFailed("triangulate")
				p.log.Warn("triangulation failed", "key", key.String(), "feature", i, "vertices", f.NumVertices())
				continue
			}
			f.Triangles = tris
		}
	}
	ox, oy := d.TileOrigin(key.Detail, key.Lat, key.Lon)
	Rescale(t, ox, oy)
	return t, failures, nil
}

func stripClosing(c []int32) []int32 {
	n := len(c)
	if n >= 4 && c[0] == c[n-2] && c[1] == c[n-1] {
		return c[:n-2]
	}
	return c
}

// Rescale maps tile-local coordinates to global microdegrees:
// global = origin + (local + ref) * scale, clamped to the int32 range.
func Rescale(t *tiledata.GeoTile, originX, originY int64) {
	scale := int64(t.Scale)
	for i := range t.Features {
		c := t.Features[i].Coords
		for j := 0; j+1 < len(c); j += 2 {
			c[j] = clamp32(originX + (int64(c[j])+int64(t.RefX))*scale)
			c[j+1] = clamp32(originY + (int64(c[j+1])+int64(t.RefY))*scale)
		}
	}
}

func clamp32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// CheckStrings reports whether a string tile belongs to the geometry tile whose
// CRC is geoCRC.
func CheckStrings(geoCRC uint32, t *tiledata.StringTile) bool {
	return t != nil && t.CRC == geoCRC
}
