// Package feed carries "report inserted" notifications from the data source
// to open map sessions.
package feed

import (
	"context"
	"sync"

	"github.com/apex/log"

	"github.com/intelligrit/jalan-map/internal/metrics"
	"github.com/intelligrit/jalan-map/internal/model"
)

const subscriberBuffer = 64

// Subscription is a cancellable stream of inserted reports.
type Subscription struct {
	c      chan model.Report
	broker *Broker
	once   sync.Once
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the broker closes.
func (s *Subscription) C() <-chan model.Report {
	return s.c
}

// Cancel stops delivery and closes the channel. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.broker.remove(s)
}

// Broker fans inserted reports out to subscribers in-process.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription. Subscribing to a closed broker
// returns an already-closed subscription.
func (b *Broker) Subscribe() *Subscription {
	s := &Subscription{c: make(chan model.Report, subscriberBuffer), broker: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.c) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers r to every subscriber without blocking. Subscribers whose
// buffer is full miss the notification.
func (b *Broker) Publish(r model.Report) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.c <- r:
		default:
			metrics.FeedDropped.Inc()
			log.WithField("report", r.ID).Warn("subscriber is full, dropping insert notification")
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels every subscription. Later subscriptions are closed at once.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.c) })
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
	s.once.Do(func() { close(s.c) })
}

// Notify publishes r. It lets the broker stand in wherever an insert
// notifier is expected.
func (b *Broker) Notify(_ context.Context, r model.Report) error {
	b.Publish(r)
	return nil
}
