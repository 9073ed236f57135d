package engine

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/arbitrage"
)

// Broadcaster fans best-price updates and confirmed opportunities out to any
// number of subscribers. Publishing never blocks: a subscriber whose buffer
// is full misses the message.
type Broadcaster struct {
	log logrus.FieldLogger

	mu        sync.RWMutex
	prices    []chan adapter.BestPricesUpdate
	venueSubs map[string][]chan adapter.BestPricesUpdate
	opps      []chan arbitrage.Confirmed
	closed    bool

	dropped atomic.Uint64
}

func NewBroadcaster(log logrus.FieldLogger) *Broadcaster {
	return &Broadcaster{
		log:       log,
		venueSubs: make(map[string][]chan adapter.BestPricesUpdate),
	}
}

// SubscribePrices returns a channel receiving every best-price update. It is
// closed when the manager stops.
func (b *Broadcaster) SubscribePrices() <-chan adapter.BestPricesUpdate {
	ch := make(chan adapter.BestPricesUpdate, 512)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.prices = append(b.prices, ch)
	return ch
}

// SubscribeVenue returns a channel receiving best-price updates of one venue.
func (b *Broadcaster) SubscribeVenue(venue string) <-chan adapter.BestPricesUpdate {
	ch := make(chan adapter.BestPricesUpdate, 256)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.venueSubs[venue] = append(b.venueSubs[venue], ch)
	return ch
}

// SubscribeOpportunities returns a channel receiving confirmed
// opportunities.
func (b *Broadcaster) SubscribeOpportunities() <-chan arbitrage.Confirmed {
	ch := make(chan arbitrage.Confirmed, 256)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.opps = append(b.opps, ch)
	return ch
}

func (b *Broadcaster) PublishPrice(u adapter.BestPricesUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.venueSubs[u.Venue] {
		offer(b, ch, u, "venue")
	}
	for _, ch := range b.prices {
		offer(b, ch, u, "prices")
	}
}

func (b *Broadcaster) PublishOpportunity(c arbitrage.Confirmed) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.opps {
		offer(b, ch, c, "opportunities")
	}
}

func offer[T any](b *Broadcaster, ch chan T, v T, stream string) {
	select {
	case ch <- v:
	default:
		b.dropped.Add(1)
		b.log.WithField("stream", stream).Debug("dropping message for slow subscriber")
	}
}

// Dropped returns how many messages slow subscribers have missed.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later publishes are ignored and
// later subscriptions receive a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.prices {
		close(ch)
	}
	for _, subs := range b.venueSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.opps {
		close(ch)
	}
}
