package sink

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/caesar-terminal/arbiter/internal/arbitrage"
)

// Reporter logs confirmed opportunities at most at the limiter's rate.
// Opportunities over the limit are counted and folded into the next report.
type Reporter struct {
	opps    <-chan arbitrage.Confirmed
	limiter *rate.Limiter
	log     logrus.FieldLogger

	suppressed int
}

// NewReporter allows perSecond reports per second with the given burst.
// A non-positive rate disables limiting.
func NewReporter(opps <-chan arbitrage.Confirmed, perSecond float64, burst int, log logrus.FieldLogger) *Reporter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Reporter{opps: opps, limiter: rate.NewLimiter(limit, burst), log: log}
}

// Run reports until ctx is cancelled or the feed is closed.
func (r *Reporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-r.opps:
			if !ok {
				return
			}
			r.report(c)
		}
	}
}

func (r *Reporter) report(c arbitrage.Confirmed) {
	if !r.limiter.Allow() {
		r.suppressed++
		return
	}
	entry := r.log.WithFields(logrus.Fields{
		"id":         c.ID,
		"buy":        c.BuyVenue,
		"buy_price":  c.BuyPrice,
		"sell":       c.SellVenue,
		"sell_price": c.SellPrice,
		"volume":     c.Volume,
		"profit":     c.Profit,
		"profit_pct": c.ProfitPct,
	})
	if r.suppressed > 0 {
		entry = entry.WithField("suppressed", r.suppressed)
		r.suppressed = 0
	}
	entry.Info("opportunity")
}
