// Package arbitrage finds and confirms cross-venue price crossings.
//
// Detection runs in two phases. CheckCandidates is a cheap scan over the
// cached top of book of every venue. Confirm re-validates a candidate
// against the full books of the two venues involved, rejecting stale or
// incomparable data, and walks both ladders to size the opportunity.
package arbitrage

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/caesar-terminal/arbiter/internal/book"
)

// Opportunity is a candidate: buy at BuyVenue's best ask, sell at
// SellVenue's best bid. Valid only while BuyPrice < SellPrice.
type Opportunity struct {
	BuyVenue  string
	SellVenue string
	BuyPrice  book.Price
	SellPrice book.Price
}

// Spread is SellPrice - BuyPrice.
func (o Opportunity) Spread() float64 { return o.SellPrice - o.BuyPrice }

// Confirmed is an Opportunity sized against both full books.
type Confirmed struct {
	Opportunity
	ID     string
	Volume book.Volume
	// Profit is the sum over matched levels of (bid - ask) * volume.
	Profit float64
	// ProfitPct is Profit / (BuyPrice * Volume) * 100, a return-on-notional
	// approximation for display.
	ProfitPct  float64
	DetectedAt time.Time
}

// Prices iterates cached top-of-book entries in a stable order. A nil price
// means that side is empty.
type Prices interface {
	Each(fn func(venue string, bid, ask *book.Price))
}

// Rejection is why Evaluate produced nothing.
type Rejection uint8

const (
	Accepted Rejection = iota
	VenueNotFound
	BookSkew
	StaleBook
	ClockSkew
	NoVolume
)

func (r Rejection) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case VenueNotFound:
		return "venue_not_found"
	case BookSkew:
		return "book_skew"
	case StaleBook:
		return "stale_book"
	case ClockSkew:
		return "clock_skew"
	case NoVolume:
		return "no_volume"
	default:
		return "unknown"
	}
}

// Config holds the staleness thresholds.
type Config struct {
	// MaxBookSkew is the largest allowed gap between the two books'
	// LastUpdated. Default: 500ms.
	MaxBookSkew time.Duration

	// MaxBookAge is the largest allowed age of the buy book. Default: 300ms.
	MaxBookAge time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxBookSkew: 500 * time.Millisecond,
		MaxBookAge:  300 * time.Millisecond,
	}
}

// Detector holds no per-cycle state and is safe for concurrent use.
type Detector struct {
	cfg Config

	nowFunc func() time.Time // injectable clock for testing
	newID   func() string
}

// NewDetector returns a Detector. Zero thresholds take the defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.MaxBookSkew <= 0 {
		cfg.MaxBookSkew = def.MaxBookSkew
	}
	if cfg.MaxBookAge <= 0 {
		cfg.MaxBookAge = def.MaxBookAge
	}
	return &Detector{cfg: cfg, nowFunc: time.Now, newID: uuid.NewString}
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config { return d.cfg }

// CheckCandidates picks the venue with the highest bid as seller and the
// venue with the lowest ask as buyer. On equal prices the venue seen first
// in iteration order wins. It returns a candidate only when the two venues
// differ and buy < sell strictly.
func (d *Detector) CheckCandidates(prices Prices) (Opportunity, bool) {
	var (
		opp              Opportunity
		haveBid, haveAsk bool
	)
	prices.Each(func(venue string, bid, ask *book.Price) {
		if bid != nil && (!haveBid || *bid > opp.SellPrice) {
			opp.SellPrice, opp.SellVenue, haveBid = *bid, venue, true
		}
		if ask != nil && (!haveAsk || *ask < opp.BuyPrice) {
			opp.BuyPrice, opp.BuyVenue, haveAsk = *ask, venue, true
		}
	})

	if !haveBid || !haveAsk || opp.BuyVenue == opp.SellVenue || opp.BuyPrice >= opp.SellPrice {
		return Opportunity{}, false
	}
	return opp, true
}

// Confirm reports whether c holds against the current books.
func (d *Detector) Confirm(c Opportunity, books map[string]*book.Handle) (Confirmed, bool) {
	conf, r := d.Evaluate(c, books)
	return conf, r == Accepted
}

// Evaluate is Confirm with the rejection reason. Each venue's book is read
// under its own lock, one after the other, never both at once.
func (d *Detector) Evaluate(c Opportunity, books map[string]*book.Handle) (Confirmed, Rejection) {
	buyBook, ok := books[c.BuyVenue]
	if !ok {
		return Confirmed{}, VenueNotFound
	}
	sellBook, ok := books[c.SellVenue]
	if !ok {
		return Confirmed{}, VenueNotFound
	}

	var (
		asks, bids        []book.Level
		buyTime, sellTime time.Time
	)
	buyBook.Read(func(ob *book.OrderBook) {
		asks = ob.Asks(0)
		buyTime = ob.LastUpdated
	})
	sellBook.Read(func(ob *book.OrderBook) {
		bids = ob.Bids(0)
		sellTime = ob.LastUpdated
	})

	skew := buyTime.Sub(sellTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > d.cfg.MaxBookSkew {
		return Confirmed{}, BookSkew
	}

	now := d.nowFunc()
	if now.Sub(buyTime) > d.cfg.MaxBookAge {
		return Confirmed{}, StaleBook
	}
	if now.Before(buyTime) {
		return Confirmed{}, ClockSkew
	}

	volume, profit := walk(asks, bids)
	if volume <= 0 {
		return Confirmed{}, NoVolume
	}

	return Confirmed{
		Opportunity: c,
		ID:          d.newID(),
		Volume:      volume,
		Profit:      profit,
		ProfitPct:   profit / (c.BuyPrice * volume) * 100,
		DetectedAt:  now,
	}, Accepted
}

// walk matches the cheapest remaining ask against the richest remaining bid
// until they no longer cross. asks and bids are best-first and are consumed
// in place.
func walk(asks, bids []book.Level) (volume book.Volume, profit float64) {
	i, j := 0, 0
	for i < len(asks) && j < len(bids) && asks[i].Price < bids[j].Price {
		matched := math.Min(asks[i].Volume, bids[j].Volume)
		profit += (bids[j].Price - asks[i].Price) * matched
		volume += matched

		asks[i].Volume -= matched
		bids[j].Volume -= matched
		if asks[i].Volume <= 0 {
			i++
		}
		if bids[j].Volume <= 0 {
			j++
		}
	}
	return volume, profit
}
