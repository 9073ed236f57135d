// Package metrics holds the Prometheus collectors for the arbitrage engine.
//
// Registers, on a private registry:
//
//	arbiter_book_updates_total{venue}
//	arbiter_stale_updates_total{venue}
//	arbiter_decode_drops_total{venue}
//	arbiter_reconnects_total{venue}
//	arbiter_candidates_total
//	arbiter_confirmations_total
//	arbiter_rejections_total{reason}
//	arbiter_confirmed_profit
//	arbiter_channel_depth
//	go_* and process_* system metrics
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arbiter"

type Metrics struct {
	reg *prometheus.Registry

	updates       *prometheus.CounterVec
	stale         *prometheus.CounterVec
	decodeDrops   *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	candidates    prometheus.Counter
	confirmations prometheus.Counter
	rejections    *prometheus.CounterVec
	profit        prometheus.Histogram
	channelDepth  prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "book_updates_total",
			Help:      "Venue updates applied to the local order book.",
		}, []string{"venue"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_updates_total",
			Help:      "Venue updates rejected because their sequence did not advance the book.",
		}, []string{"venue"}),
		decodeDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_drops_total",
			Help:      "Inbound messages dropped because they could not be decoded.",
		}, []string{"venue"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Venue sessions torn down and scheduled for reconnection.",
		}, []string{"venue"}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Crossed top-of-book candidates found by the scan.",
		}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Candidates confirmed against full order books.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Candidates rejected during confirmation, by reason.",
		}, []string{"reason"}),
		profit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmed_profit",
			Help:      "Estimated profit of confirmed opportunities in quote units.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		channelDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_depth",
			Help:      "Messages waiting in the inbound update channel.",
		}),
	}

	m.reg.MustRegister(
		m.updates, m.stale, m.decodeDrops, m.reconnects,
		m.candidates, m.confirmations, m.rejections, m.profit, m.channelDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) UpdateApplied(venue string) {
	if m != nil {
		m.updates.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) StaleUpdate(venue string) {
	if m != nil {
		m.stale.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) DecodeDrop(venue string) {
	if m != nil {
		m.decodeDrops.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) Reconnect(venue string) {
	if m != nil {
		m.reconnects.WithLabelValues(venue).Inc()
	}
}

func (m *Metrics) Candidate() {
	if m != nil {
		m.candidates.Inc()
	}
}

// Confirmed records a confirmation and its estimated profit.
func (m *Metrics) Confirmed(profit float64) {
	if m != nil {
		m.confirmations.Inc()
		m.profit.Observe(profit)
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ChannelDepth(n int) {
	if m != nil {
		m.channelDepth.Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
