package format

import "sync/atomic"

type liveEntry struct{ d Descriptor }

// Live publishes the current descriptor. The control loop is the only writer;
// the extraction worker reads it without further synchronisation.
type Live struct {
	p atomic.Pointer[liveEntry]
}

// Load returns the published descriptor or nil before the first Store.
func (l *Live) Load() Descriptor {
	e := l.p.Load()
	if e == nil {
		return nil
	}
	return e.d
}

func (l *Live) Store(d Descriptor) {
	if d == nil {
		l.p.Store(nil)
		return
	}
	l.p.Store(&liveEntry{d: d})
}
