// Package tiledata holds the decoded tile structures handed to renderers and the
// binary layout of geometry and string tiles.
package tiledata

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

var ErrCorrupt = errors.New("tiledata: corrupt tile")

type FeatureKind uint8

const (
	KindPoint FeatureKind = iota + 1
	KindLine
	KindPolygon
)

// Feature coordinates are a flat x0,y0,x1,y1,... list. Before rescaling they are in
// tile-local units, afterwards in global microdegrees.
type Feature struct {
	Kind      FeatureKind
	Class     uint16
	Coords    []int32
	Triangles []int32 // index triples into Coords/2; nil when not triangulated
}

func (f Feature) NumVertices() int { return len(f.Coords) / 2 }

type GeoTile struct {
	Key       tilekey.Key
	CRC       uint32
	EmptyMask int32
	Scale     int32
	RefX      int32
	RefY      int32
	Features  []Feature
}

type StringTile struct {
	Key     tilekey.Key
	CRC     uint32
	Strings []string
}

const (
	geoMagic    uint16 = 0x5447 // "TG"
	stringMagic uint16 = 0x5453 // "TS"
	version     uint8  = 1
)

type geoHeader struct {
	Magic     uint16
	Version   uint8
	CRC       uint32
	EmptyMask int32
	Scale     int32
	RefX      int32
	RefY      int32
	Features  uint16
}

type featureHeader struct {
	Kind   uint8
	Class  uint16
	Points uint16
}

type stringHeader struct {
	Magic   uint16
	Version uint8
	CRC     uint32
	Count   uint16
}

// DecodeGeo parses a geometry tile. Coordinates stay tile-local.
func DecodeGeo(key tilekey.Key, data []byte) (*GeoTile, error) {
	r := bytes.NewReader(data)
	var h geoHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if h.Magic != geoMagic || h.Version != version {
		return nil, fmt.Errorf("%w: bad magic %04x version %d", ErrCorrupt, h.Magic, h.Version)
	}
	if h.Scale <= 0 {
		return nil, fmt.Errorf("%w: scale %d", ErrCorrupt, h.Scale)
	}
	t := &GeoTile{
		Key:       key,
		CRC:       h.CRC,
		EmptyMask: h.EmptyMask,
		Scale:     h.Scale,
		RefX:      h.RefX,
		RefY:      h.RefY,
		Features:  make([]Feature, 0, h.Features),
	}
	for i := 0; i < int(h.Features); i++ {
		var fh featureHeader
		if err := binary.Read(r, binary.BigEndian, &fh); err != nil {
			return nil, fmt.Errorf("%w: feature %d: %w", ErrCorrupt, i, err)
		}
		kind := FeatureKind(fh.Kind)
		if kind < KindPoint || kind > KindPolygon {
			return nil, fmt.Errorf("%w: feature %d kind %d", ErrCorrupt, i, fh.Kind)
		}
		raw := make([]int16, 2*int(fh.Points))
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("%w: feature %d points: %w", ErrCorrupt, i, err)
		}
		coords := make([]int32, len(raw))
		for j, v := range raw {
			coords[j] = int32(v)
		}
		t.Features = append(t.Features, Feature{Kind: kind, Class: fh.Class, Coords: coords})
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return t, nil
}

// EncodeGeo writes the tile-local form of t. Coordinates must fit int16.
func EncodeGeo(t *GeoTile) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	h := geoHeader{
		Magic: geoMagic, Version: version, CRC: t.CRC, EmptyMask: t.EmptyMask,
		Scale: t.Scale, RefX: t.RefX, RefY: t.RefY, Features: uint16(len(t.Features)),
	}
	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("encode geo header: %w", err)
	}
	for i, f := range t.Features {
		if len(f.Coords)%2 != 0 {
			return nil, fmt.Errorf("feature %d: odd coordinate count", i)
		}
		fh := featureHeader{Kind: uint8(f.Kind), Class: f.Class, Points: uint16(len(f.Coords) / 2)}
		if err := binary.Write(w, binary.BigEndian, fh); err != nil {
			return nil, fmt.Errorf("encode feature %d: %w", i, err)
		}
		pts := make([]int16, len(f.Coords))
		for j, v := range f.Coords {
			if v < -32768 || v > 32767 {
				return nil, fmt.Errorf("feature %d: coordinate %d out of int16 range", i, v)
			}
			pts[j] = int16(v)
		}
		if err := binary.Write(w, binary.BigEndian, pts); err != nil {
			return nil, fmt.Errorf("encode feature %d points: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("encode geo: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeStrings(key tilekey.Key, data []byte) (*StringTile, error) {
	r := bytes.NewReader(data)
	var h stringHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if h.Magic != stringMagic || h.Version != version {
		return nil, fmt.Errorf("%w: bad magic %04x version %d", ErrCorrupt, h.Magic, h.Version)
	}
	t := &StringTile{Key: key, CRC: h.CRC, Strings: make([]string, 0, h.Count)}
	for i := 0; i < int(h.Count); i++ {
		var n uint16
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("%w: string %d: %w", ErrCorrupt, i, err)
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("%w: string %d: %w", ErrCorrupt, i, err)
		}
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("%w: string %d is not utf-8", ErrCorrupt, i)
		}
		t.Strings = append(t.Strings, string(b))
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return t, nil
}

func EncodeStrings(t *StringTile) ([]byte, error) {
	var buf bytes.Buffer
	h := stringHeader{Magic: stringMagic, Version: version, CRC: t.CRC, Count: uint16(len(t.Strings))}
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("encode strings header: %w", err)
	}
	for i, s := range t.Strings {
		if len(s) > 0xffff {
			return nil, fmt.Errorf("string %d too long", i)
		}
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(s)))
		buf.WriteString(s)
	}
	return buf.Bytes(), nil
}
