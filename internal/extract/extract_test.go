package extract

import (
	"context"
	"math"
	"testing"
	"time"

	gcmp "github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/tilestream/internal/format"
	"github.com/mohammed-shakir/tilestream/internal/tiledata"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

func geoKey() tilekey.Key {
	return tilekey.MustNew(tilekey.Key{Layer: 2, Detail: 3, Lat: 100, Lon: 200})
}

func newPipeline(t *testing.T, tri bool) *Pipeline {
	t.Helper()
	live := &format.Live{}
	live.Store(format.Default())
	return New(live, Options{Triangulate: tri})
}

func encodeGeo(t *testing.T, g *tiledata.GeoTile) []byte {
	t.Helper()
	b, err := tiledata.EncodeGeo(g)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestProcess_GeometryTriangulatesAndRescales(t *testing.T) {
	p := newPipeline(t, true)
	raw := encodeGeo(t, &tiledata.GeoTile{
		CRC: 77, EmptyMask: 0b100, Scale: 10, RefX: 5, RefY: 5,
		Features: []tiledata.Feature{
			{Kind: tiledata.KindPolygon, Class: 1, Coords: []int32{0, 0, 100, 0, 100, 100, 0, 100, 0, 0}},
			{Kind: tiledata.KindLine, Class: 2, Coords: []int32{0, 0, 1, 1}},
		},
	})
	gz, err := Compress(raw)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	res := p.Process(Item{Key: geoKey(), Data: gz, Source: SourceNetwork})
	if res.Err != nil || res.Geo == nil {
		t.Fatalf("process err=%v", res.Err)
	}
	if res.Geo.CRC != 77 || res.Geo.EmptyMask != 0b100 {
		t.Fatalf("header lost: %+v", res.Geo)
	}
	poly := res.Geo.Features[0]
	wantCoords := []int32{
		20_000_050, 10_000_050,
		20_001_050, 10_000_050,
		20_001_050, 10_001_050,
		20_000_050, 10_001_050,
	}
	if diff := gcmp.Diff(wantCoords, poly.Coords); diff != "" {
		t.Fatalf("coords (-want +got):\n%s", diff)
	}
	if len(poly.Triangles) != 6 {
		t.Fatalf("triangles=%v", poly.Triangles)
	}
	if res.Geo.Features[1].Triangles != nil {
		t.Fatalf("lines must not be triangulated")
	}
	if string(res.Data) != string(gz) {
		t.Fatalf("Data must keep the payload as received")
	}
}

func TestRescale_ClampsToInt32(t *testing.T) {
	g := &tiledata.GeoTile{Scale: math.MaxInt32, Features: []tiledata.Feature{{Coords: []int32{32767, -32768}}}}
	Rescale(g, 0, 0)
	if g.Features[0].Coords[0] != math.MaxInt32 || g.Features[0].Coords[1] != math.MinInt32 {
		t.Fatalf("coords=%v", g.Features[0].Coords)
	}
}

func TestProcess_TriangulationFailureKeepsFeature(t *testing.T) {
	p := newPipeline(t, true)
	raw := encodeGeo(t, &tiledata.GeoTile{
		Scale: 1,
		Features: []tiledata.Feature{
			{Kind: tiledata.KindPolygon, Coords: []int32{0, 0, 5, 5}},
		},
	})
	res := p.Process(Item{Key: geoKey(), Data: raw})
	if res.Err != nil || len(res.Geo.Features) != 1 || res.Geo.Features[0].Triangles != nil {
		t.Fatalf("res=%+v", res)
	}
}

func TestProcess_CorruptGeometryRequestsRefetch(t *testing.T) {
	p := newPipeline(t, false)
	res := p.Process(Item{Key: geoKey(), Data: []byte{0x54, 0x47, 0x01}})
	if res.Err == nil || !res.Refetch {
		t.Fatalf("corrupt geometry: err=%v refetch=%v", res.Err, res.Refetch)
	}
	sk := geoKey().WithContent(tilekey.Strings, "en")
	res = p.Process(Item{Key: sk, Data: []byte{1}})
	if res.Err == nil || res.Refetch {
		t.Fatalf("corrupt strings: err=%v refetch=%v", res.Err, res.Refetch)
	}
}

func TestProcess_NoDescriptor(t *testing.T) {
	p := New(&format.Live{}, Options{})
	raw := encodeGeo(t, &tiledata.GeoTile{Scale: 1})
	if res := p.Process(Item{Key: geoKey(), Data: raw}); res.Err == nil {
		t.Fatalf("geometry decoded without descriptor")
	}
}

func TestProcess_DescriptorAndCRCAndBitmap(t *testing.T) {
	p := newPipeline(t, false)
	enc, _ := format.Encode(format.Default())
	res := p.Process(Item{Key: tilekey.Descriptor(), Data: enc})
	if res.Err != nil || res.Descriptor == nil || res.Descriptor.CRC() != format.Default().CRC() {
		t.Fatalf("descriptor res=%+v", res)
	}
	res = p.Process(Item{Key: tilekey.DescriptorCRC(), Data: format.EncodeCRC(42)})
	if res.Err != nil || res.DescriptorCRC != 42 {
		t.Fatalf("crc res=%+v", res)
	}
	bk := tilekey.MustNew(tilekey.Key{Layer: 3, Detail: 0, Lat: 1, Lon: 2, Content: tilekey.Bitmap})
	res = p.Process(Item{Key: bk, Data: []byte("png")})
	if res.Err != nil || string(res.Bitmap) != "png" {
		t.Fatalf("bitmap res=%+v", res)
	}
}

func TestCheckStrings(t *testing.T) {
	st := &tiledata.StringTile{CRC: 9}
	if !CheckStrings(9, st) || CheckStrings(8, st) || CheckStrings(9, nil) {
		t.Fatalf("CheckStrings wrong")
	}
}

func TestRun_DrainsInputToOutput(t *testing.T) {
	p := newPipeline(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	st, _ := tiledata.EncodeStrings(&tiledata.StringTile{CRC: 1, Strings: []string{"Main St"}})
	sk := geoKey().WithContent(tilekey.Strings, "en")
	p.Submit(Item{Key: sk, Data: st, Source: SourceDisk})

	deadline := time.After(2 * time.Second)
	for {
		if r, ok := p.Output().Pop(); ok {
			if r.Strings == nil || r.Strings.Strings[0] != "Main St" || r.Source != SourceDisk {
				t.Fatalf("result=%+v", r)
			}
			break
		}
		select {
		case <-p.Output().Ready():
		case <-deadline:
			t.Fatalf("no result")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
