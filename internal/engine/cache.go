package engine

import (
	"sync"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/book"
)

// PriceCache holds the latest top of book per venue. Entries are
// overwritten, never removed. Iteration follows the order in which venues
// were first seen, which makes it the tie-break order of the detector scan.
type PriceCache struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]adapter.BestPricesUpdate
}

func NewPriceCache() *PriceCache {
	return &PriceCache{entries: make(map[string]adapter.BestPricesUpdate)}
}

// Set overwrites the entry for u.Venue.
func (pc *PriceCache) Set(u adapter.BestPricesUpdate) {
	pc.mu.Lock()
	if _, ok := pc.entries[u.Venue]; !ok {
		pc.order = append(pc.order, u.Venue)
	}
	pc.entries[u.Venue] = u
	pc.mu.Unlock()
}

func (pc *PriceCache) Get(venue string) (adapter.BestPricesUpdate, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	u, ok := pc.entries[venue]
	return u, ok
}

func (pc *PriceCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.order)
}

// Each calls fn for every venue in first-seen order. fn must not call back
// into the cache.
func (pc *PriceCache) Each(fn func(venue string, bid, ask *book.Price)) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	for _, v := range pc.order {
		e := pc.entries[v]
		fn(v, e.BestBid, e.BestAsk)
	}
}

// Snapshot copies every entry in first-seen order.
func (pc *PriceCache) Snapshot() []adapter.BestPricesUpdate {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := make([]adapter.BestPricesUpdate, 0, len(pc.order))
	for _, v := range pc.order {
		out = append(out, pc.entries[v])
	}
	return out
}
