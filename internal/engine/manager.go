// Package engine owns the venue adapters of one instrument and runs the
// detection loop over their combined output.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/arbitrage"
	"github.com/caesar-terminal/arbiter/internal/book"
	"github.com/caesar-terminal/arbiter/internal/logger"
	"github.com/caesar-terminal/arbiter/internal/metrics"
)

// DefaultBufferSize is the capacity of the channel shared by all venues.
const DefaultBufferSize = 100

var (
	ErrAlreadyRunning = errors.New("engine: manager already running")
	ErrDuplicateVenue = errors.New("engine: duplicate venue")
	ErrNoVenues       = errors.New("engine: no venues registered")
)

// State is the manager lifecycle: Idle until Run, Running until every venue
// stream has returned, then Stopped. A Stopped manager cannot be restarted.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Builder assembles a Manager. Registration errors are reported by Build.
type Builder struct {
	instrument string
	venues     []adapter.Venue
	names      map[string]struct{}
	detector   *arbitrage.Detector
	bufferSize int
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	err        error
}

func NewBuilder(instrument string) *Builder {
	return &Builder{
		instrument: instrument,
		names:      make(map[string]struct{}),
		bufferSize: DefaultBufferSize,
	}
}

// Register adds a venue. Names must be unique.
func (b *Builder) Register(v adapter.Venue) *Builder {
	if _, ok := b.names[v.Name()]; ok {
		if b.err == nil {
			b.err = fmt.Errorf("%w: %s", ErrDuplicateVenue, v.Name())
		}
		return b
	}
	b.names[v.Name()] = struct{}{}
	b.venues = append(b.venues, v)
	return b
}

func (b *Builder) WithDetector(d *arbitrage.Detector) *Builder {
	b.detector = d
	return b
}

// WithBufferSize overrides DefaultBufferSize. Values below 1 are ignored.
func (b *Builder) WithBufferSize(n int) *Builder {
	if n > 0 {
		b.bufferSize = n
	}
	return b
}

func (b *Builder) WithLogger(l logrus.FieldLogger) *Builder {
	b.log = l
	return b
}

func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

func (b *Builder) Build() (*Manager, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.venues) == 0 {
		return nil, ErrNoVenues
	}
	log := b.log
	if log == nil {
		log = logger.Discard()
	}
	log = logger.Component(log, "manager").WithField("instrument", b.instrument)

	det := b.detector
	if det == nil {
		det = arbitrage.NewDetector(arbitrage.DefaultConfig())
	}

	books := make(map[string]*book.Handle, len(b.venues))
	for _, v := range b.venues {
		books[v.Name()] = v.OrderBook()
	}
	return &Manager{
		instrument: b.instrument,
		venues:     append([]adapter.Venue(nil), b.venues...),
		books:      books,
		cache:      NewPriceCache(),
		detector:   det,
		bc:         NewBroadcaster(log),
		bufferSize: b.bufferSize,
		log:        log,
		metrics:    b.metrics,
	}, nil
}

// Manager fans every venue's best-price updates into one bounded channel and
// consumes it on a single goroutine. Updates from one venue are processed in
// the order that venue produced them.
type Manager struct {
	instrument string
	venues     []adapter.Venue
	books      map[string]*book.Handle
	cache      *PriceCache
	detector   *arbitrage.Detector
	bc         *Broadcaster
	bufferSize int
	log        logrus.FieldLogger
	metrics    *metrics.Metrics

	state atomic.Int32
}

func (m *Manager) Instrument() string { return m.instrument }

func (m *Manager) State() State { return State(m.state.Load()) }

// Books maps venue name to the book its adapter maintains.
func (m *Manager) Books() map[string]*book.Handle { return m.books }

// Prices is the latest top of book per venue.
func (m *Manager) Prices() *PriceCache { return m.cache }

// Broadcaster delivers processed updates and confirmed opportunities.
// Subscribe before Run to see every message.
func (m *Manager) Broadcaster() *Broadcaster { return m.bc }

// Run streams every venue until ctx is cancelled. It returns once all
// streams have returned and the channel is drained. A shutdown caused by ctx
// returns nil; any other stream error is returned. Run may be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyRunning
	}
	defer m.state.Store(int32(Stopped))
	defer m.bc.Close()

	updates := make(chan adapter.BestPricesUpdate, m.bufferSize)

	var g errgroup.Group
	for _, v := range m.venues {
		v := v
		g.Go(func() error {
			err := v.Stream(ctx, m.instrument, updates)
			m.log.WithField("venue", v.Name()).WithError(err).Info("venue stream returned")
			return err
		})
	}
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
		close(updates)
	}()

	m.log.WithField("venues", len(m.venues)).Info("manager started")
	for u := range updates {
		m.metrics.ChannelDepth(len(updates))
		m.process(u)
	}

	err := <-done
	m.log.Info("manager stopped")
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (m *Manager) process(u adapter.BestPricesUpdate) {
	m.cache.Set(u)
	m.bc.PublishPrice(u)

	opp, ok := m.detector.CheckCandidates(m.cache)
	if !ok {
		return
	}
	m.metrics.Candidate()

	conf, r := m.detector.Evaluate(opp, m.books)
	if r != arbitrage.Accepted {
		m.metrics.Rejected(r.String())
		m.log.WithFields(logrus.Fields{
			"buy_venue":  opp.BuyVenue,
			"sell_venue": opp.SellVenue,
			"reason":     r.String(),
		}).Debug("candidate rejected")
		return
	}

	m.metrics.Confirmed(conf.Profit)
	m.log.WithFields(logrus.Fields{
		"id":         conf.ID,
		"buy_venue":  conf.BuyVenue,
		"buy_price":  conf.BuyPrice,
		"sell_venue": conf.SellVenue,
		"sell_price": conf.SellPrice,
		"volume":     conf.Volume,
		"profit":     conf.Profit,
		"profit_pct": conf.ProfitPct,
	}).Info("arbitrage opportunity confirmed")
	m.bc.PublishOpportunity(conf)
}
