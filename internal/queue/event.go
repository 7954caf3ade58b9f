// Package queue broadcasts local-cache invalidations between service
// instances over RabbitMQ. Every instance publishes to one durable fanout
// exchange and consumes from its own exclusive queue bound to it.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultExchange is the fanout exchange carrying invalidation events.
const DefaultExchange = "inventory.invalidate"

// InvalidationEvent tells other instances to drop a key from the local
// tier of the named cache. Origin identifies the publishing instance so it
// can skip its own events.
type InvalidationEvent struct {
	Cache    string `json:"cache"`
	Key      string `json:"key"`
	Origin   string `json:"origin"`
	IssuedAt string `json:"issued_at"`
}

// NewInvalidationEvent stamps an event with the current time.
func NewInvalidationEvent(cache, key, origin string) InvalidationEvent {
	return InvalidationEvent{
		Cache:    cache,
		Key:      key,
		Origin:   origin,
		IssuedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Encode returns the JSON wire form of the event.
func (e InvalidationEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeInvalidationEvent parses the JSON wire form of an event.
func DecodeInvalidationEvent(body []byte) (InvalidationEvent, error) {
	var ev InvalidationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return InvalidationEvent{}, fmt.Errorf("unmarshal: %w", err)
	}
	if ev.Cache == "" || ev.Key == "" {
		return InvalidationEvent{}, fmt.Errorf("incomplete event: cache=%q key=%q", ev.Cache, ev.Key)
	}
	return ev, nil
}
