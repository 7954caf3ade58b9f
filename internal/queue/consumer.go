package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/obs"
)

// Evictor drops a key from a local cache tier.
type Evictor interface {
	EvictLocal(key string)
}

// Consumer applies invalidation events published by other instances.
type Consumer struct {
	url      string
	exchange string
	origin   string
	log      *slog.Logger
	dial     dialFunc

	mu       sync.RWMutex
	evictors map[string]Evictor
}

// NewConsumer returns a Consumer. Events whose origin equals origin are
// skipped.
func NewConsumer(url, exchange, origin string, log *slog.Logger) *Consumer {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if log == nil {
		log = obs.Discard()
	}
	return &Consumer{
		url:      url,
		exchange: exchange,
		origin:   origin,
		log:      log,
		dial:     dialAMQP,
		evictors: make(map[string]Evictor),
	}
}

// Register routes events for the named cache to ev.
func (c *Consumer) Register(cacheName string, ev Evictor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictors[cacheName] = ev
}

// Run connects to the broker and consumes until ctx is cancelled,
// reconnecting with a doubling backoff (capped at 30s) whenever the
// connection drops. It returns ctx.Err().
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		ch, closeFn, err := c.dial(c.url)
		if err != nil {
			c.log.Warn("invalidation-consumer: failed to dial broker", "err", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, ch)
		_ = closeFn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("invalidation-consumer: consume loop ended, reconnecting", "err", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, ch channel) error {
	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("invalidation-consumer: set QoS failed", "err", err)
	}
	if err := declareExchange(ch, c.exchange); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // autoDelete
		true,  // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", c.exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.handle(d.Body); err != nil {
				c.log.Warn("invalidation-consumer: handle message failed", "err", err)
				_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) handle(body []byte) error {
	ev, err := DecodeInvalidationEvent(body)
	if err != nil {
		return err
	}
	if ev.Origin != "" && ev.Origin == c.origin {
		return nil
	}
	c.mu.RLock()
	target, ok := c.evictors[ev.Cache]
	c.mu.RUnlock()
	if !ok {
		c.log.Debug("invalidation-consumer: no cache registered", "cache", ev.Cache)
		return nil
	}
	target.EvictLocal(ev.Key)
	metrics.Invalidations.WithLabelValues("applied").Inc()
	c.log.Debug("invalidation applied", "cache", ev.Cache, "key", ev.Key, "issued_at", ev.IssuedAt)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
