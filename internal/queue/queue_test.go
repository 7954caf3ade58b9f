package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-inventory/internal/metrics"
)

func appliedInvalidations(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.Invalidations.WithLabelValues("applied").Write(&m))
	return m.GetCounter().GetValue()
}

type fakeChannel struct {
	mu         sync.Mutex
	exchanges  []string
	bound      []string
	published  []amqp.Publishing
	publishErr error
	deliveries chan amqp.Delivery
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name+"/"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (f *fakeChannel) QueueBind(name, _, exchange string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound = append(f.bound, name+"->"+exchange)
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeAcker struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *fakeAcker) Reject(uint64, bool) error { return nil }

func (a *fakeAcker) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

type fakeEvictor struct {
	mu   sync.Mutex
	keys []string
}

func (e *fakeEvictor) EvictLocal(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys = append(e.keys, key)
}

func (e *fakeEvictor) evicted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.keys...)
}

func TestEventRoundTrip(t *testing.T) {
	ev := NewInvalidationEvent("catalog", "42", "node-a")
	body, err := ev.Encode()
	require.NoError(t, err)

	got, err := DecodeInvalidationEvent(body)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
	_, err = time.Parse(time.RFC3339Nano, got.IssuedAt)
	assert.NoError(t, err)
}

func TestDecodeRejectsIncompleteEvents(t *testing.T) {
	_, err := DecodeInvalidationEvent([]byte(`{"cache":"catalog"}`))
	assert.Error(t, err)
	_, err = DecodeInvalidationEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestPublisherPublishesToFanoutExchange(t *testing.T) {
	ch := &fakeChannel{}
	dials := 0
	p := NewPublisher("amqp://test", "", "node-a", nil)
	p.dial = func(string) (channel, func() error, error) {
		dials++
		return ch, ch.Close, nil
	}

	require.NoError(t, p.NotifyInvalidation(context.Background(), "catalog", "1"))
	require.NoError(t, p.NotifyInvalidation(context.Background(), "catalog", "2"))

	assert.Equal(t, 1, dials, "connection is reused")
	assert.Equal(t, []string{DefaultExchange + "/fanout"}, ch.exchanges)
	require.Len(t, ch.published, 2)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	ev, err := DecodeInvalidationEvent(ch.published[1].Body)
	require.NoError(t, err)
	assert.Equal(t, "2", ev.Key)
	assert.Equal(t, "node-a", ev.Origin)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestPublisherRedialsAfterFailure(t *testing.T) {
	broken := &fakeChannel{publishErr: errors.New("channel closed")}
	healthy := &fakeChannel{}
	channels := []*fakeChannel{broken, healthy}
	p := NewPublisher("amqp://test", "x", "node-a", nil)
	p.dial = func(string) (channel, func() error, error) {
		ch := channels[0]
		channels = channels[1:]
		return ch, ch.Close, nil
	}

	assert.Error(t, p.NotifyInvalidation(context.Background(), "catalog", "1"))
	assert.True(t, broken.closed)
	require.NoError(t, p.NotifyInvalidation(context.Background(), "catalog", "1"))
	assert.Len(t, healthy.published, 1)
}

func TestPublisherReportsDialFailure(t *testing.T) {
	p := NewPublisher("amqp://test", "", "node-a", nil)
	p.dial = func(string) (channel, func() error, error) { return nil, nil, errors.New("connection refused") }
	assert.Error(t, p.NotifyInvalidation(context.Background(), "catalog", "1"))
}

func TestConsumerAppliesEventsFromOtherInstances(t *testing.T) {
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 4)}
	c := NewConsumer("amqp://test", "", "node-b", nil)
	c.dial = func(string) (channel, func() error, error) { return ch, ch.Close, nil }
	catalog := &fakeEvictor{}
	c.Register("catalog", catalog)

	before := appliedInvalidations(t)
	acker := &fakeAcker{}
	send := func(body string) {
		ch.deliveries <- amqp.Delivery{Acknowledger: acker, Body: []byte(body)}
	}
	send(`{"cache":"catalog","key":"7","origin":"node-a"}`)
	send(`{"cache":"catalog","key":"8","origin":"node-b"}`)
	send(`{"cache":"unknown","key":"9","origin":"node-a"}`)
	send(`garbage`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		acks, nacks := acker.counts()
		return acks == 3 && nacks == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"7"}, catalog.evicted(), "own events are skipped")
	assert.Equal(t, 1.0, appliedInvalidations(t)-before, "one applied event counted once")
	assert.Equal(t, []string{"amq.gen-test->" + DefaultExchange}, ch.bound)
}

func TestConsumerStopsWhileBackingOff(t *testing.T) {
	c := NewConsumer("amqp://test", "", "node-b", nil)
	c.dial = func(string) (channel, func() error, error) { return nil, nil, errors.New("connection refused") }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), context.DeadlineExceeded)
}
