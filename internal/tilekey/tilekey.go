// Package tilekey defines the immutable identifier of a requestable tile unit and
// its canonical string form used for cache lookups and request de-duplication.
package tilekey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalid = errors.New("tilekey: invalid key")

type Content uint8

const (
	Geometry Content = iota
	Strings
	FormatDescriptor
	FormatDescriptorCRC
	Bitmap
)

func (c Content) String() string {
	switch c {
	case Geometry:
		return "geometry"
	case Strings:
		return "strings"
	case FormatDescriptor:
		return "descriptor"
	case FormatDescriptorCRC:
		return "descriptor_crc"
	case Bitmap:
		return "bitmap"
	default:
		return "unknown"
	}
}

func (c Content) code() byte {
	switch c {
	case Geometry:
		return 'g'
	case Strings:
		return 's'
	case FormatDescriptor:
		return 'd'
	case FormatDescriptorCRC:
		return 'c'
	case Bitmap:
		return 'b'
	default:
		return '?'
	}
}

func contentFromCode(b byte) (Content, bool) {
	switch b {
	case 'g':
		return Geometry, true
	case 's':
		return Strings, true
	case 'd':
		return FormatDescriptor, true
	case 'c':
		return FormatDescriptorCRC, true
	case 'b':
		return Bitmap, true
	default:
		return 0, false
	}
}

// Key is comparable; two keys are == exactly when their canonical strings match.
type Key struct {
	Layer      int
	Detail     int
	Lat        int
	Lon        int
	Importance int
	Content    Content
	Lang       string
	RouteID    string
	Overview   bool
}

// New validates the fields and returns the key.
func New(k Key) (Key, error) {
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// MustNew panics on an invalid key. Meant for constants and tests.
func MustNew(k Key) Key {
	out, err := New(k)
	if err != nil {
		panic(err)
	}
	return out
}

// Descriptor returns the key of the format descriptor.
func Descriptor() Key { return Key{Content: FormatDescriptor} }

// DescriptorCRC returns the key of the format descriptor checksum.
func DescriptorCRC() Key { return Key{Content: FormatDescriptorCRC} }

func (k Key) Validate() error {
	if k.Importance < 0 || k.Layer < 0 || k.Detail < 0 || k.Lat < 0 || k.Lon < 0 {
		return fmt.Errorf("%w: negative field in %+v", ErrInvalid, k)
	}
	if _, ok := contentFromCode(k.Content.code()); !ok {
		return fmt.Errorf("%w: content %d", ErrInvalid, k.Content)
	}
	switch k.Content {
	case FormatDescriptor, FormatDescriptorCRC:
		if k != (Key{Content: k.Content}) {
			return fmt.Errorf("%w: descriptor keys carry no tile fields", ErrInvalid)
		}
	case Bitmap:
		if k.RouteID != "" || k.Lang != "" {
			return fmt.Errorf("%w: bitmap keys carry no route or language", ErrInvalid)
		}
	case Geometry:
		if k.Lang != "" {
			return fmt.Errorf("%w: geometry keys carry no language", ErrInvalid)
		}
	}
	if k.Lang != "" && !validLang(k.Lang) {
		return fmt.Errorf("%w: language %q", ErrInvalid, k.Lang)
	}
	if k.RouteID != "" && !validRoute(k.RouteID) {
		return fmt.Errorf("%w: route id %q", ErrInvalid, k.RouteID)
	}
	return nil
}

func (k Key) String() string {
	var b strings.Builder
	b.Grow(32)
	b.WriteByte(k.Content.code())
	for _, n := range [...]int{k.Layer, k.Detail, k.Lat, k.Lon, k.Importance} {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(n))
	}
	if k.Lang != "" {
		b.WriteString(":l=")
		b.WriteString(k.Lang)
	}
	if k.RouteID != "" {
		b.WriteString(":r=")
		b.WriteString(k.RouteID)
	}
	if k.Overview {
		b.WriteString(":o")
	}
	return b.String()
}

// Tile returns the importance-0 geometry key naming the geographic tile this key
// belongs to. Language is dropped, route and overview flag are kept.
func (k Key) Tile() Key {
	return Key{
		Layer:    k.Layer,
		Detail:   k.Detail,
		Lat:      k.Lat,
		Lon:      k.Lon,
		Content:  Geometry,
		RouteID:  k.RouteID,
		Overview: k.Overview,
	}
}

func (k Key) WithImportance(imp int) Key {
	k.Importance = imp
	return k
}

// WithContent switches between geometry and strings for the same tile slot.
func (k Key) WithContent(c Content, lang string) Key {
	k.Content = c
	if c == Strings {
		k.Lang = lang
	} else {
		k.Lang = ""
	}
	return k
}

func (k Key) IsTile() bool {
	return k.Content == Geometry || k.Content == Strings || k.Content == Bitmap
}

// Parse is the inverse of String.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 6 || len(parts[0]) != 1 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	c, ok := contentFromCode(parts[0][0])
	if !ok {
		return Key{}, fmt.Errorf("%w: content code in %q", ErrInvalid, s)
	}
	var nums [5]int
	for i := range nums {
		p := parts[i+1]
		if p == "" || (len(p) > 1 && p[0] == '0') {
			return Key{}, fmt.Errorf("%w: non-canonical number in %q", ErrInvalid, s)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
		}
		nums[i] = n
	}
	k := Key{
		Content:    c,
		Layer:      nums[0],
		Detail:     nums[1],
		Lat:        nums[2],
		Lon:        nums[3],
		Importance: nums[4],
	}
	// optional suffixes appear in fixed order: l=, r=, o
	stage := 0
	for _, p := range parts[6:] {
		switch {
		case strings.HasPrefix(p, "l=") && len(p) > 2 && stage < 1:
			k.Lang = p[2:]
			stage = 1
		case strings.HasPrefix(p, "r=") && len(p) > 2 && stage < 2:
			k.RouteID = p[2:]
			stage = 2
		case p == "o" && stage < 3:
			k.Overview = true
			stage = 3
		default:
			return Key{}, fmt.Errorf("%w: unexpected segment %q in %q", ErrInvalid, p, s)
		}
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

func validLang(s string) bool {
	if len(s) < 2 || len(s) > 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}

func validRoute(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
