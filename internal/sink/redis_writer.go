// Package sink persists and reports what the engine produces.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/arbitrage"
	"github.com/caesar-terminal/arbiter/internal/book"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// NewRedisClient satisfies it with go-redis; tests use a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	Publish(ctx context.Context, channel string, message any) error
}

type goRedis struct{ c *redis.Client }

// NewRedisClient wraps a go-redis client.
func NewRedisClient(c *redis.Client) RedisClient { return goRedis{c: c} }

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func (g goRedis) Publish(ctx context.Context, channel string, message any) error {
	return g.c.Publish(ctx, channel, message).Err()
}

type topOfBook struct {
	Bid string
	Ask string
}

// opportunityMessage is the JSON published for every confirmed opportunity.
type opportunityMessage struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	BuyVenue   string  `json:"buy_venue"`
	BuyPrice   float64 `json:"buy_price"`
	SellVenue  string  `json:"sell_venue"`
	SellPrice  float64 `json:"sell_price"`
	Volume     float64 `json:"volume"`
	Profit     float64 `json:"profit"`
	ProfitPct  float64 `json:"profit_pct"`
	DetectedAt int64   `json:"detected_at"` // unix millis
}

// RedisWriter persists the top of book of every venue and publishes
// confirmed opportunities:
//
//	Key:     book:{instrument}:{venue}
//	Fields:  bid, ask, ts
//	Channel: opportunities:{instrument}
//
// An empty side is written as "". Unchanged prices are not rewritten.
type RedisWriter struct {
	client     RedisClient
	instrument string
	prices     <-chan adapter.BestPricesUpdate
	opps       <-chan arbitrage.Confirmed
	log        logrus.FieldLogger

	now func() time.Time

	mu   sync.Mutex
	last map[string]topOfBook // keyed by Redis key
}

func NewRedisWriter(client RedisClient, instrument string, prices <-chan adapter.BestPricesUpdate, opps <-chan arbitrage.Confirmed, log logrus.FieldLogger) *RedisWriter {
	return &RedisWriter{
		client:     client,
		instrument: instrument,
		prices:     prices,
		opps:       opps,
		log:        log,
		now:        time.Now,
		last:       make(map[string]topOfBook),
	}
}

// BookKey is the hash holding one venue's top of book.
func BookKey(instrument, venue string) string {
	return fmt.Sprintf("book:%s:%s", instrument, venue)
}

// OpportunityChannel is the pub/sub channel for confirmed opportunities.
func OpportunityChannel(instrument string) string {
	return "opportunities:" + instrument
}

// Run consumes both feeds until ctx is cancelled or both are closed.
// Redis errors are logged and do not stop the writer.
func (rw *RedisWriter) Run(ctx context.Context) {
	prices, opps := rw.prices, rw.opps
	for prices != nil || opps != nil {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-prices:
			if !ok {
				prices = nil
				continue
			}
			rw.writeBook(ctx, u)
		case c, ok := <-opps:
			if !ok {
				opps = nil
				continue
			}
			rw.publish(ctx, c)
		}
	}
}

func (rw *RedisWriter) writeBook(ctx context.Context, u adapter.BestPricesUpdate) {
	key := BookKey(rw.instrument, u.Venue)
	tob := topOfBook{Bid: formatPrice(u.BestBid), Ask: formatPrice(u.BestAsk)}

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev == tob {
		rw.mu.Unlock()
		return
	}
	rw.last[key] = tob
	rw.mu.Unlock()

	ts := strconv.FormatInt(rw.now().UnixMilli(), 10)
	if err := rw.client.HSet(ctx, key, "bid", tob.Bid, "ask", tob.Ask, "ts", ts); err != nil {
		rw.log.WithError(err).WithField("key", key).Warn("redis hset failed")
	}
}

func (rw *RedisWriter) publish(ctx context.Context, c arbitrage.Confirmed) {
	msg, err := json.Marshal(opportunityMessage{
		ID:         c.ID,
		Instrument: rw.instrument,
		BuyVenue:   c.BuyVenue,
		BuyPrice:   c.BuyPrice,
		SellVenue:  c.SellVenue,
		SellPrice:  c.SellPrice,
		Volume:     c.Volume,
		Profit:     c.Profit,
		ProfitPct:  c.ProfitPct,
		DetectedAt: c.DetectedAt.UnixMilli(),
	})
	if err != nil {
		rw.log.WithError(err).Warn("encoding opportunity failed")
		return
	}
	if err := rw.client.Publish(ctx, OpportunityChannel(rw.instrument), string(msg)); err != nil {
		rw.log.WithError(err).WithField("id", c.ID).Warn("redis publish failed")
	}
}

func formatPrice(p *book.Price) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}
