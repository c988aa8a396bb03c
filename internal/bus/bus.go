// Package bus provides topic-based at-least-once event delivery between the
// POS services.
//
// Publish fans an event out to every subscription of its topic. Each
// subscription runs a dedicated worker goroutine that invokes the handler
// under a deadline, retries failures with exponential backoff, and routes the
// event to the dead-letter sink once the retry budget is exhausted. Ordering
// across events is not guaranteed; consumers deduplicate on eventId.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"openpos/internal/config"
	"openpos/pkg/types"
)

// Handler processes one event. A non-nil error nacks the delivery and
// schedules a retry.
type Handler func(ctx context.Context, evt types.Event) error

// DeadLetter records an event that exhausted its retries.
type DeadLetter struct {
	Event    types.Event
	Consumer string
	Reason   string
}

type delivery struct {
	evt     types.Event
	attempt int
}

type subscription struct {
	topic    string
	consumer string
	handler  Handler
	queue    chan delivery
}

// Bus is the in-process broker.
type Bus struct {
	cfg    config.BusConfig
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]*subscription

	deadLetterMu sync.RWMutex
	deadLetters  []DeadLetter
	onDeadLetter func(DeadLetter)

	published    *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus. Metrics are registered on reg; pass a fresh
// prometheus.NewRegistry in tests.
func New(cfg config.BusConfig, reg prometheus.Registerer, logger *slog.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		cfg:    cfg,
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]*subscription),
		ctx:    ctx,
		cancel: cancel,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openpos_bus_published_total",
			Help: "Events published per topic.",
		}, []string{"topic"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openpos_bus_delivered_total",
			Help: "Events successfully handled per topic and consumer.",
		}, []string{"topic", "consumer"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openpos_bus_retries_total",
			Help: "Delivery retries per topic and consumer.",
		}, []string{"topic", "consumer"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openpos_bus_dead_letters_total",
			Help: "Events routed to the dead-letter sink.",
		}, []string{"topic", "consumer"}),
	}
	if reg != nil {
		reg.MustRegister(b.published, b.delivered, b.retried, b.deadLettered)
	}
	return b
}

// Subscribe registers a handler for a topic under a consumer name and starts
// its delivery worker. Must be called before the first Publish for the topic
// to receive that event.
func (b *Bus) Subscribe(topic, consumer string, h Handler) {
	sub := &subscription{
		topic:    topic,
		consumer: consumer,
		handler:  h,
		queue:    make(chan delivery, 1024),
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runWorker(sub)
}

// OnDeadLetter installs a callback invoked for every dead-lettered event.
func (b *Bus) OnDeadLetter(fn func(DeadLetter)) {
	b.deadLetterMu.Lock()
	b.onDeadLetter = fn
	b.deadLetterMu.Unlock()
}

// DeadLetters returns a copy of the dead-letter queue.
func (b *Bus) DeadLetters() []DeadLetter {
	b.deadLetterMu.RLock()
	defer b.deadLetterMu.RUnlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// Publish delivers evt to every subscription of its topic. Enqueueing blocks
// when a subscription queue is full, so a successful return means every
// consumer will eventually see the event at least once.
func (b *Bus) Publish(ctx context.Context, evt types.Event) error {
	if evt.Topic == "" {
		return fmt.Errorf("publish: event has no topic")
	}
	b.mu.RLock()
	subs := b.subs[evt.Topic]
	b.mu.RUnlock()

	b.published.WithLabelValues(evt.Topic).Inc()
	for _, sub := range subs {
		select {
		case sub.queue <- delivery{evt: evt}:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return fmt.Errorf("publish: bus stopped")
		}
	}
	return nil
}

func (b *Bus) runWorker(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case d := <-sub.queue:
			b.deliver(sub, d)
		}
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	for {
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.HandlerTimeout)
		err := sub.handler(ctx, d.evt)
		cancel()

		if err == nil {
			b.delivered.WithLabelValues(sub.topic, sub.consumer).Inc()
			return
		}

		d.attempt++
		if d.attempt >= b.cfg.MaxRetries {
			b.deadLettered.WithLabelValues(sub.topic, sub.consumer).Inc()
			b.logger.Error("event dead-lettered",
				"topic", sub.topic, "consumer", sub.consumer,
				"event_id", d.evt.EventID, "attempts", d.attempt, "error", err)
			dl := DeadLetter{Event: d.evt, Consumer: sub.consumer, Reason: err.Error()}
			b.deadLetterMu.Lock()
			b.deadLetters = append(b.deadLetters, dl)
			fn := b.onDeadLetter
			b.deadLetterMu.Unlock()
			if fn != nil {
				fn(dl)
			}
			return
		}

		b.retried.WithLabelValues(sub.topic, sub.consumer).Inc()
		wait := b.backoff(d.attempt)
		b.logger.Warn("event delivery failed, retrying",
			"topic", sub.topic, "consumer", sub.consumer,
			"event_id", d.evt.EventID, "attempt", d.attempt, "backoff", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-b.ctx.Done():
			return
		}
	}
}

// backoff returns base * 2^(attempt-1) with jitter, capped at RetryMax.
func (b *Bus) backoff(attempt int) time.Duration {
	d := b.cfg.RetryBase << (attempt - 1)
	if d > b.cfg.RetryMax || d <= 0 {
		d = b.cfg.RetryMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Stop cancels every worker and waits for in-flight handlers.
func (b *Bus) Stop() {
	b.cancel()
	b.wg.Wait()
}
