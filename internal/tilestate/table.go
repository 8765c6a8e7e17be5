package tilestate

import (
	"sort"

	"github.com/mohammed-shakir/tilestream/internal/tilekey"
)

// Table is the live set of tile states keyed by tile key. Control-loop owned.
type Table struct {
	m map[tilekey.Key]*State
}

func NewTable() *Table {
	return &Table{m: make(map[tilekey.Key]*State)}
}

func (t *Table) Get(k tilekey.Key) (*State, bool) {
	s, ok := t.m[k.Tile()]
	return s, ok
}

// Ensure returns the state for k, creating it when absent.
func (t *Table) Ensure(k tilekey.Key, numImportances int, hasStrings bool) (st *State, created bool) {
	tk := k.Tile()
	if s, ok := t.m[tk]; ok {
		return s, false
	}
	s := New(tk, numImportances, hasStrings)
	t.m[tk] = s
	return s, true
}

func (t *Table) Delete(k tilekey.Key) (*State, bool) {
	tk := k.Tile()
	s, ok := t.m[tk]
	if ok {
		delete(t.m, tk)
	}
	return s, ok
}

func (t *Table) Len() int { return len(t.m) }

// ForLayer returns the states of one layer and grid, sorted by key for stable
// iteration.
func (t *Table) ForLayer(layer int, overview bool) []*State {
	var out []*State
	for k, s := range t.m {
		if k.Layer == layer && k.Overview == overview {
			out = append(out, s)
		}
	}
	sortStates(out)
	return out
}

func (t *Table) All() []*State {
	out := make([]*State, 0, len(t.m))
	for _, s := range t.m {
		out = append(out, s)
	}
	sortStates(out)
	return out
}

func sortStates(ss []*State) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].Key.String() < ss[j].Key.String() })
}
