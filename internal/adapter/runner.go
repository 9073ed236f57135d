package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/arbiter/internal/book"
	"github.com/caesar-terminal/arbiter/internal/logger"
	"github.com/caesar-terminal/arbiter/internal/metrics"
)

// Protocol is the venue-specific half of a Runner.
type Protocol interface {
	// Endpoint returns the WebSocket URL to dial for instrument.
	Endpoint(instrument string) (string, error)

	// Refresh fetches a full book out of band before each connection.
	// ok is false when the venue has no such mechanism.
	Refresh(ctx context.Context, instrument string) (u book.VenueUpdate, ok bool, err error)

	// Subscribe performs the subscription handshake on a fresh connection.
	Subscribe(c *Conn, instrument string) error

	// Probe sends one liveness probe. Acknowledgments are recorded with
	// c.Ack, either from Decode or from a pong frame set up by
	// c.ExpectPong.
	Probe(c *Conn) error

	// Decode turns one inbound message into an update. ok is false for
	// control messages. An error drops the message, except
	// ErrSubscribeRejected which ends the session.
	Decode(c *Conn, msg []byte) (u book.VenueUpdate, ok bool, err error)
}

// Options holds the keepalive and reconnect parameters of a Runner.
type Options struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Ordered applies updates with book.Handle.ApplyOrdered, for venues that
	// send full replacements keyed by a monotonic counter.
	Ordered bool

	Headers http.Header
}

// DefaultOptions returns a 1s ping, 5s pong timeout and 1s reconnect delay.
func DefaultOptions() Options {
	return Options{
		PingInterval:     time.Second,
		PongTimeout:      5 * time.Second,
		ReconnectDelay:   time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// RunnerOption configures optional Runner collaborators.
type RunnerOption func(*Runner)

func WithLogger(l logrus.FieldLogger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

func WithStateListener(sl StateListener) RunnerOption {
	return func(r *Runner) { r.listener = sl }
}

// Runner drives the connection lifecycle shared by every venue:
//
//	Disconnected -> Connecting -> Subscribing -> Streaming -> Disconnected
//
// The reconnect delay is spent on the Disconnected -> Connecting edge. A
// Runner owns its order book; it is the only writer.
type Runner struct {
	name  string
	proto Protocol
	opts  Options
	book  *book.Handle

	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	listener StateListener

	state atomic.Int32

	// onSession is called at the start of each session (testing hook).
	onSession func()
}

// NewRunner returns a Runner for the named venue.
func NewRunner(name string, proto Protocol, opts Options, ro ...RunnerOption) *Runner {
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = def.PongTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}

	r := &Runner{
		name:  name,
		proto: proto,
		opts:  opts,
		book:  book.NewHandle(),
		log:   logger.Discard(),
	}
	for _, o := range ro {
		o(r)
	}
	r.log = r.log.WithField("venue", name)
	return r
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) OrderBook() *book.Handle { return r.book }

// State returns the current connection state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Stream runs sessions back to back until ctx is cancelled, and returns
// ctx.Err(). Session failures are logged and followed by ReconnectDelay.
func (r *Runner) Stream(ctx context.Context, instrument string, out chan<- BestPricesUpdate) error {
	for {
		err := r.session(ctx, instrument, out)
		r.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.metrics.Reconnect(r.name)
		r.log.WithError(err).WithField("delay", r.opts.ReconnectDelay).Warn("session ended, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.ReconnectDelay):
		}
	}
}

func (r *Runner) session(ctx context.Context, instrument string, out chan<- BestPricesUpdate) error {
	r.setState(Connecting)
	if r.onSession != nil {
		r.onSession()
	}

	u, ok, err := r.proto.Refresh(ctx, instrument)
	if err != nil {
		r.log.WithError(err).Warn("refresh failed")
	} else if ok {
		if err := r.apply(ctx, u, out); err != nil {
			return err
		}
	}

	url, err := r.proto.Endpoint(instrument)
	if err != nil {
		return err
	}
	conn, err := Dial(ctx, url, DialOptions{
		HandshakeTimeout: r.opts.HandshakeTimeout,
		WriteTimeout:     r.opts.WriteTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Headers:          r.opts.Headers,
	})
	if err != nil {
		return fmt.Errorf("adapter: dial %s: %w", r.name, err)
	}
	defer conn.Close()

	r.setState(Subscribing)
	conn.Ack()
	if err := r.proto.Subscribe(conn, instrument); err != nil {
		return fmt.Errorf("adapter: subscribe %s: %w", r.name, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-sessCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("adapter: read %s: %w", r.name, err)

		case <-ticker.C:
			if since := time.Since(conn.LastAck()); since > r.opts.PongTimeout {
				return fmt.Errorf("%w after %v", ErrKeepaliveTimeout, since.Truncate(time.Millisecond))
			}
			if err := r.proto.Probe(conn); err != nil {
				return fmt.Errorf("adapter: probe %s: %w", r.name, err)
			}

		case msg := <-msgs:
			u, ok, err := r.proto.Decode(conn, msg)
			if errors.Is(err, ErrSubscribeRejected) {
				return err
			}
			if err != nil {
				r.metrics.DecodeDrop(r.name)
				r.log.WithError(err).Debug("dropping undecodable message")
				continue
			}
			// Any well-formed message proves the subscription is live.
			if r.State() == Subscribing {
				r.setState(Streaming)
			}
			if !ok {
				continue
			}
			if err := r.apply(ctx, u, out); err != nil {
				return err
			}
		}
	}
}

// apply applies u to the owned book and publishes the new top of book. It
// blocks while out is full and fails only when ctx is cancelled.
func (r *Runner) apply(ctx context.Context, u book.VenueUpdate, out chan<- BestPricesUpdate) error {
	var err error
	if r.opts.Ordered {
		err = r.book.ApplyOrdered(u)
	} else {
		err = r.book.Apply(u)
	}
	if errors.Is(err, book.ErrStaleUpdate) {
		r.metrics.StaleUpdate(r.name)
		r.log.WithField("sequence", u.Sequence).Debug("ignoring stale update")
		return nil
	}
	if err != nil {
		return err
	}
	r.metrics.UpdateApplied(r.name)

	bid, ask := r.book.BestPrices()
	select {
	case out <- BestPricesUpdate{Venue: r.name, BestBid: bid, BestAsk: ask}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) setState(s State) {
	if State(r.state.Swap(int32(s))) == s {
		return
	}
	r.log.WithField("state", s.String()).Info("connection state changed")
	if r.listener != nil {
		r.listener.OnState(r.name, s)
	}
}
