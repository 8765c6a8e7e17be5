// Package tilestate tracks per-tile request progress as bitmasks over importance
// slots, together with the bytes waiting to be written to the disk cache.
package tilestate

import (
	"fmt"

	"github.com/mohammed-shakir/tilestream/internal/cache"
	"github.com/mohammed-shakir/tilestream/internal/tiledata"
	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

// MaxImportances bounds the importance count so every mask fits an int32 with the
// sign bit reserved for "unknown".
const MaxImportances = 31

const UnknownEmpty int32 = -1

// State is owned by the control loop; it is not safe for concurrent use.
type State struct {
	Key            tilekey.Key
	NumImportances int
	HasStrings     bool

	requested        uint32
	received         uint32
	empty            int32
	requestedStrings uint32
	receivedStrings  uint32

	crc      []uint32
	crcKnown uint32

	// geometry slots [0,n), string slots [n,2n)
	pendingKeys []tilekey.Key
	pendingData [][]byte
	geoFlushed  bool
	strFlushed  bool

	parked map[int]Parked
}

// Parked holds a decoded string tile that arrived before its geometry CRC.
type Parked struct {
	Tile  *tiledata.StringTile
	Raw   []byte
	Cache bool
}

func New(key tilekey.Key, numImportances int, hasStrings bool) *State {
	if numImportances < 1 {
		numImportances = 1
	}
	if numImportances > MaxImportances {
		numImportances = MaxImportances
	}
	return &State{
		Key:            key.Tile(),
		NumImportances: numImportances,
		HasStrings:     hasStrings,
		empty:          UnknownEmpty,
		crc:            make([]uint32, numImportances),
		pendingKeys:    make([]tilekey.Key, 2*numImportances),
		pendingData:    make([][]byte, 2*numImportances),
	}
}

func (s *State) valid(imp int) bool { return imp >= 0 && imp < s.NumImportances }

func bit(imp int) uint32 { return 1 << uint(imp) }

func (s *State) all() uint32 { return (1 << uint(s.NumImportances)) - 1 }

func (s *State) Requested() uint32        { return s.requested }
func (s *State) Received() uint32         { return s.received }
func (s *State) RequestedStrings() uint32 { return s.requestedStrings }
func (s *State) ReceivedStrings() uint32  { return s.receivedStrings }
func (s *State) EmptyMask() int32         { return s.empty }
func (s *State) EmptyKnown() bool         { return s.empty >= 0 }

func (s *State) IsEmpty(imp int) bool {
	return s.empty >= 0 && uint32(s.empty)&bit(imp) != 0
}

func (s *State) IsRequested(imp int) bool       { return s.requested&bit(imp) != 0 }
func (s *State) IsReceived(imp int) bool        { return s.received&bit(imp) != 0 }
func (s *State) IsRequestedString(imp int) bool { return s.requestedStrings&bit(imp) != 0 }
func (s *State) IsReceivedString(imp int) bool  { return s.receivedStrings&bit(imp) != 0 }

func (s *State) ShouldRequestGeo(imp int) bool {
	return s.valid(imp) && !s.IsEmpty(imp) && !s.IsRequested(imp)
}

func (s *State) ShouldRequestString(imp int) bool {
	return s.HasStrings && s.valid(imp) && !s.IsEmpty(imp) && !s.IsRequestedString(imp)
}

func (s *State) GeoDone() bool {
	if !s.EmptyKnown() {
		return false
	}
	return (s.received|uint32(s.empty))&s.all() == s.all()
}

func (s *State) StringsDone() bool {
	if !s.HasStrings {
		return true
	}
	if !s.EmptyKnown() {
		return false
	}
	return (s.receivedStrings|uint32(s.empty))&s.all() == s.all()
}

func (s *State) SetRequested(imp int) {
	if s.valid(imp) {
		s.requested |= bit(imp)
	}
}

func (s *State) UnsetRequested(imp int) {
	if !s.valid(imp) {
		return
	}
	s.received &^= bit(imp)
	s.requested &^= bit(imp)
}

// SetReceived refuses bits that were never requested and reports whether the bit
// was recorded.
func (s *State) SetReceived(imp int) bool {
	if !s.valid(imp) || !s.IsRequested(imp) {
		return false
	}
	s.received |= bit(imp)
	return true
}

func (s *State) SetRequestedString(imp int) {
	if s.valid(imp) {
		s.requestedStrings |= bit(imp)
	}
}

func (s *State) UnsetRequestedString(imp int) {
	if !s.valid(imp) {
		return
	}
	s.receivedStrings &^= bit(imp)
	s.requestedStrings &^= bit(imp)
}

func (s *State) SetReceivedString(imp int) bool {
	if !s.valid(imp) || !s.IsRequestedString(imp) {
		return false
	}
	s.receivedStrings |= bit(imp)
	return true
}

// Forget clears received then requested for imp so the slot can be fetched again.
// The geometry buffer may be flushed once more after the reload completes.
func (s *State) Forget(imp int) {
	s.UnsetRequested(imp)
	s.geoFlushed = false
}

func (s *State) ForgetString(imp int) {
	s.UnsetRequestedString(imp)
	s.strFlushed = false
}

func (s *State) SetEmpty(imp int) {
	if !s.valid(imp) {
		return
	}
	if s.empty < 0 {
		s.empty = 0
	}
	s.empty |= int32(bit(imp))
}

// SetAllEmpty installs an authoritative empty bitmap.
func (s *State) SetAllEmpty(mask int32) {
	if mask < 0 {
		s.empty = UnknownEmpty
		return
	}
	s.empty = mask & int32(s.all())
}

func (s *State) SetCRC(imp int, crc uint32) {
	if !s.valid(imp) {
		return
	}
	s.crc[imp] = crc
	s.crcKnown |= bit(imp)
}

func (s *State) CRC(imp int) (uint32, bool) {
	if !s.valid(imp) || s.crcKnown&bit(imp) == 0 {
		return 0, false
	}
	return s.crc[imp], true
}

// ClearCRC forgets the geometry CRC of imp. String tiles arriving for imp park
// until geometry is received again.
func (s *State) ClearCRC(imp int) {
	if !s.valid(imp) {
		return
	}
	s.crc[imp] = 0
	s.crcKnown &^= bit(imp)
}

func (s *State) ClearCRCs() {
	s.crcKnown = 0
	for i := range s.crc {
		s.crc[i] = 0
	}
}

// Reset clears every mask and the empty bitmap. Geometry CRCs survive so string
// tiles can still be cross-checked; call ClearCRCs for a hard reset.
func (s *State) Reset() {
	s.requested, s.received = 0, 0
	s.requestedStrings, s.receivedStrings = 0, 0
	s.empty = UnknownEmpty
	s.geoFlushed, s.strFlushed = false, false
	s.purge(0, 2*s.NumImportances)
	s.parked = nil
}

// Park keeps a string tile until the geometry CRC of its importance is known.
func (s *State) Park(imp int, p Parked) {
	if !s.valid(imp) {
		return
	}
	if s.parked == nil {
		s.parked = make(map[int]Parked)
	}
	s.parked[imp] = p
}

// Unpark returns and removes the parked string tile for imp.
func (s *State) Unpark(imp int) (Parked, bool) {
	p, ok := s.parked[imp]
	if ok {
		delete(s.parked, imp)
	}
	return p, ok
}

func (s *State) ParkedCount() int { return len(s.parked) }

// GeoSlot and StringSlot map an importance to its pending-write slot.
func (s *State) GeoSlot(imp int) int    { return imp }
func (s *State) StringSlot(imp int) int { return s.NumImportances + imp }

// AddData buffers bytes for a later cache write. A second write to a filled slot is
// a logic error: the data is overwritten and overwrote reports it so the caller can log.
func (s *State) AddData(slot int, key tilekey.Key, data []byte) (overwrote bool, err error) {
	if slot < 0 || slot >= len(s.pendingData) {
		return false, fmt.Errorf("tilestate: slot %d out of range for %s", slot, s.Key)
	}
	overwrote = s.pendingData[slot] != nil
	s.pendingKeys[slot] = key
	s.pendingData[slot] = data
	return overwrote, nil
}

// DropData discards the buffered bytes of one slot.
func (s *State) DropData(slot int) {
	if slot < 0 || slot >= len(s.pendingData) {
		return
	}
	s.pendingKeys[slot] = tilekey.Key{}
	s.pendingData[slot] = nil
}

func (s *State) PendingBytes() int {
	n := 0
	for _, b := range s.pendingData {
		n += len(b)
	}
	return n
}

// TakeGeo returns the buffered geometry once the geometry is complete. It yields a
// record at most once per completion and purges the buffer.
func (s *State) TakeGeo() (cache.Record, bool) {
	if s.geoFlushed || !s.GeoDone() {
		return cache.Record{}, false
	}
	rec := s.collect(0, s.NumImportances)
	s.geoFlushed = true
	s.purge(0, s.NumImportances)
	return rec, !rec.Empty()
}

// TakeStrings is the string-slot counterpart of TakeGeo.
func (s *State) TakeStrings() (cache.Record, bool) {
	if !s.HasStrings || s.strFlushed || !s.StringsDone() {
		return cache.Record{}, false
	}
	rec := s.collect(s.NumImportances, 2*s.NumImportances)
	s.strFlushed = true
	s.purge(s.NumImportances, 2*s.NumImportances)
	return rec, !rec.Empty()
}

// TakeAll drains whatever is buffered regardless of completeness. Used on eviction
// and explicit saves.
func (s *State) TakeAll() (cache.Record, bool) {
	rec := s.collect(0, 2*s.NumImportances)
	s.purge(0, 2*s.NumImportances)
	return rec, !rec.Empty()
}

func (s *State) collect(from, to int) cache.Record {
	var ks []string
	var bs [][]byte
	for i := from; i < to; i++ {
		if s.pendingData[i] == nil {
			continue
		}
		ks = append(ks, s.pendingKeys[i].String())
		bs = append(bs, s.pendingData[i])
	}
	return cache.NewRecord(ks, bs, s.empty)
}

func (s *State) purge(from, to int) {
	for i := from; i < to; i++ {
		s.pendingKeys[i] = tilekey.Key{}
		s.pendingData[i] = nil
	}
}

// CheckInvariant reports a violation of received ⊆ requested.
func (s *State) CheckInvariant() error {
	if s.received&^s.requested != 0 {
		return fmt.Errorf("tilestate %s: received %b not within requested %b", s.Key, s.received, s.requested)
	}
	if s.receivedStrings&^s.requestedStrings != 0 {
		return fmt.Errorf("tilestate %s: received strings %b not within requested %b", s.Key, s.receivedStrings, s.requestedStrings)
	}
	return nil
}
