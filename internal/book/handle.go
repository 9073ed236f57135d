package book

import (
	"sync"
	"time"
)

// View is a detached copy of a book taken under the read lock.
type View struct {
	Bids        []Level // best first
	Asks        []Level // best first
	Sequence    uint64
	LastUpdated time.Time
}

// Handle is the single-writer, many-reader wrapper around an OrderBook.
// The owning adapter mutates through Apply/ApplyOrdered; every other reader
// takes short read locks.
type Handle struct {
	mu sync.RWMutex
	ob *OrderBook
}

// NewHandle returns a Handle around an empty book.
func NewHandle() *Handle {
	return &Handle{ob: New()}
}

// Apply applies u under the write lock. See OrderBook.Apply.
func (h *Handle) Apply(u VenueUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ob.Apply(u)
}

// ApplyOrdered applies u under the write lock. See OrderBook.ApplyOrdered.
func (h *Handle) ApplyOrdered(u VenueUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ob.ApplyOrdered(u)
}

// Read runs fn with shared access to the book. fn must not retain ob or
// call back into the Handle.
func (h *Handle) Read(fn func(ob *OrderBook)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(h.ob)
}

// Snapshot copies the whole book.
func (h *Handle) Snapshot() View {
	var v View
	h.Read(func(ob *OrderBook) {
		v = View{
			Bids:        ob.Bids(0),
			Asks:        ob.Asks(0),
			Sequence:    ob.Sequence,
			LastUpdated: ob.LastUpdated,
		}
	})
	return v
}

// BestPrices returns the current top of book. A nil pointer means the side
// is empty.
func (h *Handle) BestPrices() (bid, ask *Price) {
	h.Read(func(ob *OrderBook) {
		if p, ok := ob.BestBid(); ok {
			bid = &p
		}
		if p, ok := ob.BestAsk(); ok {
			ask = &p
		}
	})
	return bid, ask
}
