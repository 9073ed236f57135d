// Package book holds the sequence-versioned order book each venue adapter
// maintains, and the read-synchronised handle the detector reads it through.
package book

import (
	"errors"
	"time"

	"github.com/google/btree"
)

// ErrStaleUpdate is returned when an update's sequence does not advance the
// book. It is an expected outcome, not a failure.
var ErrStaleUpdate = errors.New("stale update")

// btreeDegree keeps nodes small; books rarely exceed a few hundred levels.
const btreeDegree = 8

func levelLess(a, b Level) bool { return a.Price < b.Price }

// OrderBook is the bid/ask ladder for one venue and instrument. It is not
// safe for concurrent use; share it through a Handle.
type OrderBook struct {
	bids *btree.BTreeG[Level]
	asks *btree.BTreeG[Level]

	// Sequence is the sequence of the last applied update.
	Sequence uint64
	// LastUpdated is the event time of the last applied update.
	LastUpdated time.Time
}

// New returns an empty OrderBook.
func New() *OrderBook {
	return &OrderBook{
		bids: btree.NewG(btreeDegree, levelLess),
		asks: btree.NewG(btreeDegree, levelLess),
	}
}

// Apply applies u to the book.
//
// A snapshot, or any update carrying sequence 0, replaces both sides
// unconditionally and resets the sequence to u.Sequence. A delta whose
// sequence does not exceed the current one is rejected with ErrStaleUpdate
// and leaves the book untouched. Otherwise each level is upserted, or
// removed when its volume is 0.
func (ob *OrderBook) Apply(u VenueUpdate) error {
	if u.Kind == Snapshot || u.Sequence == 0 {
		ob.replace(u)
		return nil
	}
	if u.Sequence <= ob.Sequence {
		return ErrStaleUpdate
	}
	merge(ob.bids, u.Bids)
	merge(ob.asks, u.Asks)
	ob.Sequence = u.Sequence
	ob.LastUpdated = u.EventTime
	return nil
}

// ApplyOrdered is Apply for venues whose every message is a full
// replacement keyed by a monotonic counter: a snapshot with a non-zero
// sequence at or below the current one is rejected as stale instead of
// replacing the book.
func (ob *OrderBook) ApplyOrdered(u VenueUpdate) error {
	if u.Sequence != 0 && u.Sequence <= ob.Sequence {
		return ErrStaleUpdate
	}
	return ob.Apply(u)
}

func (ob *OrderBook) replace(u VenueUpdate) {
	ob.bids.Clear(false)
	ob.asks.Clear(false)
	merge(ob.bids, u.Bids)
	merge(ob.asks, u.Asks)
	ob.Sequence = u.Sequence
	ob.LastUpdated = u.EventTime
}

func merge(side *btree.BTreeG[Level], levels []Level) {
	for _, l := range levels {
		if l.Volume == 0 {
			side.Delete(l)
			continue
		}
		side.ReplaceOrInsert(l)
	}
}

// BestBid returns the highest bid price.
func (ob *OrderBook) BestBid() (Price, bool) {
	l, ok := ob.bids.Max()
	return l.Price, ok
}

// BestAsk returns the lowest ask price.
func (ob *OrderBook) BestAsk() (Price, bool) {
	l, ok := ob.asks.Min()
	return l.Price, ok
}

// Bids returns up to n bid levels, best (highest) first. n <= 0 returns all.
func (ob *OrderBook) Bids(n int) []Level {
	out := make([]Level, 0, capFor(n, ob.bids.Len()))
	ob.bids.Descend(func(l Level) bool {
		out = append(out, l)
		return n <= 0 || len(out) < n
	})
	return out
}

// Asks returns up to n ask levels, best (lowest) first. n <= 0 returns all.
func (ob *OrderBook) Asks(n int) []Level {
	out := make([]Level, 0, capFor(n, ob.asks.Len()))
	ob.asks.Ascend(func(l Level) bool {
		out = append(out, l)
		return n <= 0 || len(out) < n
	})
	return out
}

// Depth returns the number of levels on each side.
func (ob *OrderBook) Depth() (bids, asks int) {
	return ob.bids.Len(), ob.asks.Len()
}

// Volume returns the volume resting at price on side s, or 0.
func (ob *OrderBook) Volume(s Side, price Price) Volume {
	tree := ob.bids
	if s == Ask {
		tree = ob.asks
	}
	l, ok := tree.Get(Level{Price: price})
	if !ok {
		return 0
	}
	return l.Volume
}

func capFor(n, size int) int {
	if n > 0 && n < size {
		return n
	}
	return size
}
