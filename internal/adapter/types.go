package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caesar-terminal/arbiter/internal/book"
)

// Venue is a source of order-book data for one instrument.
//
// Stream runs until ctx is cancelled, reconnecting on its own after any
// connection failure, and publishes a BestPricesUpdate on out after every
// update that changes the book. OrderBook exposes the same book Stream
// mutates, for read access by the detector.
type Venue interface {
	Name() string
	Stream(ctx context.Context, instrument string, out chan<- BestPricesUpdate) error
	OrderBook() *book.Handle
}

// BestPricesUpdate is the top of one venue's book after an applied update.
// A nil price means that side is empty.
type BestPricesUpdate struct {
	Venue   string
	BestBid *book.Price
	BestAsk *book.Price
}

var (
	// ErrKeepaliveTimeout means no liveness acknowledgment arrived in time.
	ErrKeepaliveTimeout = errors.New("adapter: keepalive timeout")
	// ErrSubscribeRejected means the venue refused the subscription.
	ErrSubscribeRejected = errors.New("adapter: subscription rejected")
	ErrUnknownPair       = errors.New("adapter: unknown trading pair")
)

// Pair is a supported trading pair in venue-neutral form.
type Pair string

const (
	BTCUSDC Pair = "BTCUSDC"
	SOLUSDC Pair = "SOLUSDC"
)

var pairs = map[Pair][2]string{
	BTCUSDC: {"BTC", "USDC"},
	SOLUSDC: {"SOL", "USDC"},
}

// ParsePair accepts "BTCUSDC", "btc-usdc", "BTC/USDC" and similar.
func ParsePair(s string) (Pair, error) {
	norm := strings.ToUpper(strings.NewReplacer("-", "", "/", "", "_", "").Replace(strings.TrimSpace(s)))
	p := Pair(norm)
	if _, ok := pairs[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPair, s)
	}
	return p, nil
}

func (p Pair) Base() string  { return pairs[p][0] }
func (p Pair) Quote() string { return pairs[p][1] }

// Symbol is the concatenated exchange symbol, e.g. BTCUSDC.
func (p Pair) Symbol() string { return string(p) }

// State is the connection state of a venue session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// StateListener observes connection state transitions. Implementations must
// not block.
type StateListener interface {
	OnState(venue string, s State)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(venue string, s State)

func (f StateListenerFunc) OnState(venue string, s State) { f(venue, s) }
