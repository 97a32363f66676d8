// Package bus carries log, incident and remediation events between the
// pipeline actors. Delivery is at-most-once and best effort: a subscriber
// that falls behind loses messages rather than blocking the publisher.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Topics shared by the pipeline.
const (
	TopicLogs               = "logs"
	TopicIncidentsNew       = "incidents:new"
	TopicRemediationActions = "remediation:actions"
)

// LogsFor returns the per-service log topic.
func LogsFor(serviceID string) string {
	return TopicLogs + ":" + serviceID
}

// Envelope is one delivered message.
type Envelope struct {
	Topic string
	Data  []byte
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var out T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", env.Topic, err)
	}
	return out, nil
}

// Bus is the publish/subscribe contract used by every actor.
type Bus interface {
	Publish(ctx context.Context, topic string, v any) error
	Subscribe(topic string) (*Subscription, error)
	Close() error
}

// Subscription delivers envelopes for one topic until Unsubscribe is called.
type Subscription struct {
	topic   string
	mu      sync.Mutex
	ch      chan Envelope
	closed  bool
	dropped atomic.Int64
	release func()
}

func newSubscription(topic string, size int) *Subscription {
	if size <= 0 {
		size = 64
	}
	return &Subscription{topic: topic, ch: make(chan Envelope, size)}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// C returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Envelope { return s.ch }

// Dropped returns how many envelopes were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe stops delivery and closes the channel. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	release := s.release
	s.mu.Unlock()

	if release != nil {
		release()
	}
}

func (s *Subscription) deliver(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- env:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}
