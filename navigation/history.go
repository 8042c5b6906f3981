package navigation

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// routeHistory remembers the last pushes of route keys. A key pushed
// again is stored again, so a key ages out once it was not pushed in the
// last size pushes. Safe for concurrent use.
type routeHistory struct {
	pushes *lru.Cache[uint64, string]
	counts map[string]int
	seq    uint64
	mu     sync.Mutex
}

func newRouteHistory(size int) *routeHistory {
	h := &routeHistory{counts: make(map[string]int)}
	// The size is a positive constant, so NewWithEvict cannot fail.
	h.pushes, _ = lru.NewWithEvict[uint64, string](size, h.evicted)
	return h
}

func (h *routeHistory) push(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.counts[key]++
	h.pushes.Add(h.seq, key)
}

func (h *routeHistory) contains(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[key] > 0
}

func (h *routeHistory) purge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushes.Purge()
	h.counts = make(map[string]int)
}

// evicted runs inside push or purge with mu held.
func (h *routeHistory) evicted(_ uint64, key string) {
	if h.counts[key] <= 1 {
		delete(h.counts, key)
		return
	}
	h.counts[key]--
}
