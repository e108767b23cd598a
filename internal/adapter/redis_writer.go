package adapter

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	Publish(ctx context.Context, channel string, message any) error
}

type goRedis struct {
	c *redis.Client
}

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(c *redis.Client) RedisClient {
	return goRedis{c: c}
}

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func (g goRedis) Publish(ctx context.Context, channel string, message any) error {
	return g.c.Publish(ctx, channel, message).Err()
}

// Quote is the top of one exchange's book. A missing side has a zero
// price and quantity.
type Quote struct {
	Exchange  Exchange
	Bid       PriceLevel
	Ask       PriceLevel
	Timestamp time.Time
}

// item is one buffered write: either a quote or an opportunity payload.
type item struct {
	quote   *Quote
	payload any
}

// RedisWriter publishes top-of-book quotes and detected opportunities to
// Redis using the schema:
//
//	Key:     {prefix}book:{exchange}
//	Fields:  bid, bid_qty, ask, ask_qty, ts
//	Channel: {prefix}opportunities (JSON)
//
// Writes are non-blocking: values are buffered in an internal channel and
// flushed by Run. Duplicate quotes are suppressed.
type RedisWriter struct {
	client RedisClient
	prefix string
	log    *zap.Logger
	buf    chan item

	dropped atomic.Int64

	mu   sync.Mutex
	last map[Exchange]Quote
}

// NewRedisWriter creates a RedisWriter. Keys and the channel name are
// prefixed with prefix.
func NewRedisWriter(client RedisClient, prefix string, log *zap.Logger) *RedisWriter {
	return &RedisWriter{
		client: client,
		prefix: prefix,
		log:    log.Named("redis"),
		buf:    make(chan item, 1024),
		last:   make(map[Exchange]Quote),
	}
}

// WriteQuote queues q unless it repeats the last quote for its exchange.
// It never blocks; a full buffer drops the value.
func (rw *RedisWriter) WriteQuote(q Quote) {
	rw.mu.Lock()
	prev, exists := rw.last[q.Exchange]
	if exists && sameLevel(prev.Bid, q.Bid) && sameLevel(prev.Ask, q.Ask) {
		rw.mu.Unlock()
		return
	}
	rw.last[q.Exchange] = q
	rw.mu.Unlock()

	rw.enqueue(item{quote: &q})
}

// WriteOpportunity queues v to be published as JSON. It never blocks.
func (rw *RedisWriter) WriteOpportunity(v any) {
	rw.enqueue(item{payload: v})
}

// Dropped returns how many values were discarded because the buffer was full.
func (rw *RedisWriter) Dropped() int64 {
	return rw.dropped.Load()
}

func (rw *RedisWriter) enqueue(it item) {
	select {
	case rw.buf <- it:
	default:
		rw.dropped.Add(1)
	}
}

// Run flushes buffered values to Redis. It blocks until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-rw.buf:
			if it.quote != nil {
				rw.writeQuote(ctx, *it.quote)
			} else {
				rw.publish(ctx, it.payload)
			}
		}
	}
}

func (rw *RedisWriter) writeQuote(ctx context.Context, q Quote) {
	key := rw.prefix + "book:" + string(q.Exchange)
	ts := strconv.FormatInt(q.Timestamp.UnixMilli(), 10)
	err := rw.client.HSet(ctx, key,
		"bid", q.Bid.Price.String(),
		"bid_qty", q.Bid.Quantity.String(),
		"ask", q.Ask.Price.String(),
		"ask_qty", q.Ask.Quantity.String(),
		"ts", ts,
	)
	if err != nil && ctx.Err() == nil {
		rw.log.Warn("hset failed", zap.String("key", key), zap.Error(err))
	}
}

func (rw *RedisWriter) publish(ctx context.Context, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		rw.log.Warn("encode opportunity", zap.Error(err))
		return
	}
	channel := rw.prefix + "opportunities"
	if err := rw.client.Publish(ctx, channel, string(body)); err != nil && ctx.Err() == nil {
		rw.log.Warn("publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

func sameLevel(a, b PriceLevel) bool {
	return a.Price.Equal(b.Price) && a.Quantity.Equal(b.Quantity)
}
