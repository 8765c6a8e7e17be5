package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versions remembers the newest event version applied per target (a tile key or
// a layer). Unversioned events always apply.
type versions struct {
	mu   sync.Mutex
	seen *lru.Cache[string, uint64]
}

func newVersions(size int) *versions {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versions{seen: c}
}

// admit records v for target and reports whether it is newer than the last one.
func (s *versions) admit(target string, v uint64) bool {
	if v == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.seen.Peek(target); ok && v <= last {
		return false
	}
	s.seen.Add(target, v)
	return true
}
