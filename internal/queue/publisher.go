package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/ticket-inventory/internal/metrics"
	"github.com/iliyamo/ticket-inventory/internal/obs"
)

// Publisher publishes invalidation events. It keeps one connection open
// and redials lazily after a failure. Errors are logged and returned so
// callers can ignore them without interrupting the request flow.
type Publisher struct {
	url      string
	exchange string
	origin   string
	log      *slog.Logger
	dial     dialFunc

	mu    sync.Mutex
	ch    channel
	close func() error
}

// NewPublisher returns a Publisher for the given broker URL and exchange.
// origin identifies this instance in published events.
func NewPublisher(url, exchange, origin string, log *slog.Logger) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if log == nil {
		log = obs.Discard()
	}
	return &Publisher{url: url, exchange: exchange, origin: origin, log: log, dial: dialAMQP}
}

// NotifyInvalidation publishes an invalidation of key in the named cache.
func (p *Publisher) NotifyInvalidation(ctx context.Context, cacheName, key string) error {
	body, err := NewInvalidationEvent(cacheName, key, p.origin).Encode()
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked()
	if err != nil {
		p.log.Warn("rabbitmq: connect failed", "err", err)
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx,
		p.exchange, // fanout exchange
		"",         // routing key is ignored by fanout
		false,      // mandatory
		false,      // immediate
		pub,
	); err != nil {
		p.log.Warn("rabbitmq: publish failed", "err", err, "cache", cacheName, "key", key)
		p.resetLocked()
		return err
	}
	metrics.Invalidations.WithLabelValues("broadcast").Inc()
	return nil
}

// Close closes the broker connection, if any.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.close == nil {
		return nil
	}
	err := p.close()
	p.ch, p.close = nil, nil
	return err
}

func (p *Publisher) channelLocked() (channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	ch, closeFn, err := p.dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w", err)
	}
	if err := declareExchange(ch, p.exchange); err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("rabbitmq: exchange declare: %w", err)
	}
	p.ch, p.close = ch, closeFn
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.close != nil {
		_ = p.close()
	}
	p.ch, p.close = nil, nil
}
