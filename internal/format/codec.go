package format

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrCorrupt = errors.New("format: corrupt descriptor")

const (
	descriptorMagic   uint16 = 0x5444 // "TD"
	descriptorVersion uint8  = 1

	flagStrings   uint8 = 1 << 0
	flagCacheable uint8 = 1 << 1
	flagOverview  uint8 = 1 << 2
)

type header struct {
	Magic    uint16
	Version  uint8
	CRC      uint32
	Overview uint8
	Spans    uint8
}

type layerHeader struct {
	ID             uint16
	Kind           uint8
	Flags          uint8
	NumImportances uint8
	MaxZoom        uint8
	Levels         uint8
	NameLen        uint8
}

// Decode parses a descriptor payload.
func Decode(data []byte) (*Grid, error) {
	r := bytes.NewReader(data)
	var h header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if h.Magic != descriptorMagic || h.Version != descriptorVersion {
		return nil, fmt.Errorf("%w: bad magic %04x version %d", ErrCorrupt, h.Magic, h.Version)
	}
	g := &Grid{Checksum: h.CRC, Overview: int(h.Overview), Spans: make([]int32, h.Spans)}
	if err := binary.Read(r, binary.BigEndian, g.Spans); err != nil {
		return nil, fmt.Errorf("%w: spans: %w", ErrCorrupt, err)
	}
	for i, s := range g.Spans {
		if s <= 0 {
			return nil, fmt.Errorf("%w: span %d is %d", ErrCorrupt, i, s)
		}
	}
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: layer count: %w", ErrCorrupt, err)
	}
	for i := 0; i < int(n); i++ {
		l, err := readLayer(r, len(g.Spans))
		if err != nil {
			return nil, fmt.Errorf("%w: layer %d: %w", ErrCorrupt, i, err)
		}
		g.Table = append(g.Table, l)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, r.Len())
	}
	return g, nil
}

func readLayer(r *bytes.Reader, spans int) (Layer, error) {
	var lh layerHeader
	if err := binary.Read(r, binary.BigEndian, &lh); err != nil {
		return Layer{}, err
	}
	if lh.NumImportances == 0 || lh.NumImportances > 31 {
		return Layer{}, fmt.Errorf("importance count %d", lh.NumImportances)
	}
	name := make([]byte, lh.NameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return Layer{}, err
	}
	levels := make([]uint8, 2*int(lh.Levels))
	if err := binary.Read(r, binary.BigEndian, levels); err != nil {
		return Layer{}, err
	}
	l := Layer{
		ID:             int(lh.ID),
		Name:           string(name),
		Kind:           LayerKind(lh.Kind),
		NumImportances: int(lh.NumImportances),
		HasStrings:     lh.Flags&flagStrings != 0,
		Cacheable:      lh.Flags&flagCacheable != 0,
		Overview:       lh.Flags&flagOverview != 0,
		MaxZoom:        int(lh.MaxZoom),
	}
	prev := -1
	for i := 0; i < int(lh.Levels); i++ {
		zoom, detail := int(levels[2*i]), int(levels[2*i+1])
		if zoom <= prev {
			return Layer{}, fmt.Errorf("thresholds not increasing at %d", i)
		}
		if detail >= spans {
			return Layer{}, fmt.Errorf("detail %d beyond %d spans", detail, spans)
		}
		prev = zoom
		l.Thresholds = append(l.Thresholds, zoom)
		l.Details = append(l.Details, detail)
	}
	return l, nil
}

// Encode writes g in the form Decode reads.
func Encode(g *Grid) ([]byte, error) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	h := header{
		Magic: descriptorMagic, Version: descriptorVersion, CRC: g.Checksum,
		Overview: uint8(g.Overview), Spans: uint8(len(g.Spans)),
	}
	if err := binary.Write(w, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("encode descriptor header: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, g.Spans); err != nil {
		return nil, fmt.Errorf("encode spans: %w", err)
	}
	if err := w.WriteByte(uint8(len(g.Table))); err != nil {
		return nil, err
	}
	for _, l := range g.Table {
		if len(l.Thresholds) != len(l.Details) {
			return nil, fmt.Errorf("layer %q: %d thresholds for %d details", l.Name, len(l.Thresholds), len(l.Details))
		}
		if len(l.Name) > 0xff {
			return nil, fmt.Errorf("layer %q: name too long", l.Name)
		}
		var flags uint8
		if l.HasStrings {
			flags |= flagStrings
		}
		if l.Cacheable {
			flags |= flagCacheable
		}
		if l.Overview {
			flags |= flagOverview
		}
		lh := layerHeader{
			ID: uint16(l.ID), Kind: uint8(l.Kind), Flags: flags, NumImportances: uint8(l.NumImportances),
			MaxZoom: uint8(l.MaxZoom), Levels: uint8(len(l.Thresholds)), NameLen: uint8(len(l.Name)),
		}
		if err := binary.Write(w, binary.BigEndian, lh); err != nil {
			return nil, fmt.Errorf("encode layer %q: %w", l.Name, err)
		}
		_, _ = w.WriteString(l.Name)
		for i := range l.Thresholds {
			_ = w.WriteByte(uint8(l.Thresholds[i]))
			_ = w.WriteByte(uint8(l.Details[i]))
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCRC parses a descriptor CRC payload.
func DecodeCRC(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: crc payload of %d bytes", ErrCorrupt, len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}

func EncodeCRC(crc uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, crc)
}
