// Package bybit streams the Bybit spot order book over the public v5
// WebSocket.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/book"
)

// Name is the venue name reported in BestPricesUpdate.
const Name = "bybit"

const DefaultURL = "wss://stream.bybit.com/v5/public/spot"

// Config holds the Bybit connection parameters.
type Config struct {
	URL     string
	Depth   int // 1, 50, 200 or 1000 on spot
	Options adapter.Options
}

// Adapter is the Bybit venue. It is an adapter.Runner driving the Bybit
// wire protocol.
type Adapter struct {
	*adapter.Runner
}

// New returns a Bybit venue.
func New(cfg Config, opts ...adapter.RunnerOption) *Adapter {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 50
	}
	p := &protocol{cfg: cfg}
	return &Adapter{Runner: adapter.NewRunner(Name, p, cfg.Options, opts...)}
}

// --- Raw wire types ---

type request struct {
	Op    string   `json:"op"`
	ReqID string   `json:"req_id,omitempty"`
	Args  []string `json:"args,omitempty"`
}

// envelope covers both command responses and stream messages.
type envelope struct {
	// Command responses.
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ConnID  string `json:"conn_id"`
	ReqID   string `json:"req_id"`
	Op      string `json:"op"`

	// Stream messages.
	Topic string         `json:"topic"`
	Type  string         `json:"type"`
	Ts    int64          `json:"ts"`
	Cts   int64          `json:"cts"`
	Data  *orderbookData `json:"data"`
}

type orderbookData struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID uint64      `json:"u"`
	Seq      uint64      `json:"seq"` // cross sequence
}

type protocol struct {
	cfg   Config
	reqID atomic.Uint64
}

func (p *protocol) Endpoint(string) (string, error) {
	return p.cfg.URL, nil
}

// Refresh is a no-op: every Bybit subscription starts with a snapshot.
func (p *protocol) Refresh(context.Context, string) (book.VenueUpdate, bool, error) {
	return book.VenueUpdate{}, false, nil
}

func (p *protocol) Subscribe(c *adapter.Conn, instrument string) error {
	pair, err := adapter.ParsePair(instrument)
	if err != nil {
		return err
	}
	return c.WriteJSON(request{
		Op:    "subscribe",
		ReqID: p.nextReqID(),
		Args:  []string{Topic(p.cfg.Depth, pair)},
	})
}

func (p *protocol) Probe(c *adapter.Conn) error {
	return c.WriteJSON(request{Op: "ping", ReqID: p.nextReqID()})
}

func (p *protocol) nextReqID() string {
	return strconv.FormatUint(p.reqID.Add(1), 10)
}

func (p *protocol) Decode(c *adapter.Conn, msg []byte) (book.VenueUpdate, bool, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return book.VenueUpdate{}, false, fmt.Errorf("bybit: decode: %w", err)
	}

	if env.Topic != "" {
		u, err := orderbookUpdate(&env)
		if err != nil {
			return book.VenueUpdate{}, false, err
		}
		return u, true, nil
	}

	switch {
	case isPong(&env):
		c.Ack()
		return book.VenueUpdate{}, false, nil
	case env.Op == "subscribe":
		if env.Success != nil && !*env.Success {
			return book.VenueUpdate{}, false, fmt.Errorf("%w: %s", adapter.ErrSubscribeRejected, env.RetMsg)
		}
		c.Ack()
		return book.VenueUpdate{}, false, nil
	default:
		return book.VenueUpdate{}, false, fmt.Errorf("bybit: unrecognised message: %.128s", msg)
	}
}

// Topic returns the order book topic for pair at depth.
func Topic(depth int, pair adapter.Pair) string {
	return fmt.Sprintf("orderbook.%d.%s", depth, pair.Symbol())
}

// Spot answers with op "ping" and ret_msg "pong"; derivatives answer with
// op "pong".
func isPong(env *envelope) bool {
	return env.Op == "pong" || env.RetMsg == "pong" || (env.Op == "ping" && env.Success != nil)
}

var errMissingData = errors.New("bybit: orderbook message without data")

func orderbookUpdate(env *envelope) (book.VenueUpdate, error) {
	if !strings.HasPrefix(env.Topic, "orderbook.") {
		return book.VenueUpdate{}, fmt.Errorf("bybit: unexpected topic %q", env.Topic)
	}
	if env.Data == nil {
		return book.VenueUpdate{}, errMissingData
	}

	var kind book.Kind
	switch env.Type {
	case "snapshot":
		kind = book.Snapshot
	case "delta":
		kind = book.Delta
	default:
		return book.VenueUpdate{}, fmt.Errorf("bybit: unknown update type %q", env.Type)
	}

	bids, err := parseLevels(env.Data.Bids)
	if err != nil {
		return book.VenueUpdate{}, err
	}
	asks, err := parseLevels(env.Data.Asks)
	if err != nil {
		return book.VenueUpdate{}, err
	}

	// cts is the match engine time; ts is when the gateway sent the message.
	ms := env.Cts
	if ms == 0 {
		ms = env.Ts
	}

	return book.VenueUpdate{
		Kind:      kind,
		Sequence:  env.Data.Seq,
		EventTime: time.UnixMilli(ms),
		Bids:      bids,
		Asks:      asks,
	}, nil
}

func parseLevels(raw [][2]string) ([]book.Level, error) {
	levels := make([]book.Level, 0, len(raw))
	for _, r := range raw {
		px, err := strconv.ParseFloat(r[0], 64)
		if err != nil {
			return nil, fmt.Errorf("bybit: price %q: %w", r[0], err)
		}
		qty, err := strconv.ParseFloat(r[1], 64)
		if err != nil {
			return nil, fmt.Errorf("bybit: size %q: %w", r[1], err)
		}
		if math.IsNaN(px) || math.IsInf(px, 0) || px <= 0 {
			return nil, fmt.Errorf("bybit: invalid price %q", r[0])
		}
		if math.IsNaN(qty) || math.IsInf(qty, 0) || qty < 0 {
			return nil, fmt.Errorf("bybit: invalid size %q", r[1])
		}
		levels = append(levels, book.Level{Price: px, Volume: qty})
	}
	return levels, nil
}
