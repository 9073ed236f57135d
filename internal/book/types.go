package book

import "time"

// Price is a finite, totally ordered price. Decoders reject NaN and Inf
// before an update reaches the book.
type Price = float64

// Volume is the non-negative quantity resting at a price. A level with
// volume 0 is absent.
type Volume = float64

// Side identifies one half of the book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Kind distinguishes full replacements from incremental changes.
type Kind uint8

const (
	Snapshot Kind = iota + 1
	Delta
)

func (k Kind) String() string {
	switch k {
	case Snapshot:
		return "snapshot"
	case Delta:
		return "delta"
	default:
		return "unknown"
	}
}

// Level is a single price level.
type Level struct {
	Price  Price
	Volume Volume
}

// VenueUpdate is the normalised update every venue decoder produces.
// Sequence is the venue's native counter (cross sequence or slot); 0 is
// reserved for an out-of-band full refresh. EventTime is the venue-reported
// time of the event, not the local receipt time.
type VenueUpdate struct {
	Kind      Kind
	Sequence  uint64
	EventTime time.Time
	Bids      []Level
	Asks      []Level
}
