// Package stream fans newly appended audit entries out to live subscribers.
package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/carevault/internal/ledger"
)

// Defaults for Config.
const (
	DefaultBufferSize     = 256
	DefaultMaxSubscribers = 1024
)

var (
	// ErrSlowConsumer disconnects a subscriber whose buffer was full.
	ErrSlowConsumer = errors.New("stream: subscriber buffer overflow")
	// ErrBrokerClosed ends every subscription when the broker shuts down.
	ErrBrokerClosed = errors.New("stream: broker closed")
	// ErrTooManySubscribers rejects a subscription past MaxSubscribers.
	ErrTooManySubscribers = errors.New("stream: too many subscribers")
)

// Config sizes the broker.
type Config struct {
	BufferSize     int `koanf:"buffer_size"`
	MaxSubscribers int `koanf:"max_subscribers"`
}

// Overflow describes a subscriber dropped for falling behind.
type Overflow struct {
	SubscriptionID uuid.UUID
	Subscriber     string
	DroppedSeq     uint64
	BufferSize     int
	Connected      time.Duration
}

// Broker delivers entries to subscribers. Publish never blocks: each
// subscriber has a bounded buffer and is disconnected when it is full.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool

	bufferSize     int
	maxSubscribers int
	onOverflow     func(Overflow)
	hooks          sync.WaitGroup

	logger  *slog.Logger
	metrics *Metrics
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// OnOverflow registers fn to run in its own goroutine whenever a slow
// subscriber is dropped.
func OnOverflow(fn func(Overflow)) Option {
	return func(b *Broker) { b.onOverflow = fn }
}

// NewBroker creates a Broker. Zero config values take the defaults.
func NewBroker(cfg Config, opts ...Option) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = DefaultMaxSubscribers
	}
	b := &Broker{
		subs:           make(map[uuid.UUID]*Subscription),
		bufferSize:     cfg.BufferSize,
		maxSubscribers: cfg.MaxSubscribers,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one live subscriber.
type Subscription struct {
	id         uuid.UUID
	subscriber string
	filter     ledger.Filter
	created    time.Time
	events     chan ledger.Entry
	done       chan struct{}
	err        error
	broker     *Broker
}

// ID returns the subscription id.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Filter returns the subscription filter.
func (s *Subscription) Filter() ledger.Filter { return s.filter }

// Events delivers matching entries in append order. The channel is closed
// when the subscription ends; buffered entries can still be drained.
func (s *Subscription) Events() <-chan ledger.Entry { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil while live or after Close,
// ErrSlowConsumer or ErrBrokerClosed otherwise.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	removed := s.broker.removeLocked(s, nil)
	n := len(s.broker.subs)
	s.broker.mu.Unlock()
	if removed {
		s.broker.metrics.incDisconnect("closed")
		s.broker.metrics.setSubscribers(n)
	}
}

// Subscribe registers an anonymous subscriber for entries matching f.
func (b *Broker) Subscribe(f ledger.Filter) (*Subscription, error) {
	return b.SubscribeAs("", f)
}

// SubscribeAs is Subscribe with a subscriber name used in logs and overflow
// reports.
func (b *Broker) SubscribeAs(subscriber string, f ledger.Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if len(b.subs) >= b.maxSubscribers {
		return nil, ErrTooManySubscribers
	}

	s := &Subscription{
		id:         uuid.New(),
		subscriber: subscriber,
		filter:     f,
		created:    time.Now(),
		events:     make(chan ledger.Entry, b.bufferSize),
		done:       make(chan struct{}),
		broker:     b,
	}
	b.subs[s.id] = s
	b.metrics.setSubscribers(len(b.subs))
	b.logger.Debug("audit stream subscriber added",
		slog.String("subscription_id", s.id.String()),
		slog.String("subscriber", subscriber),
	)
	return s, nil
}

// Publish implements ledger.Notifier. It runs under the ledger's writer
// lock, so entries reach each buffer in append order.
func (b *Broker) Publish(e ledger.Entry) {
	var slow []*Subscription

	b.mu.RLock()
	for _, s := range b.subs {
		if !s.filter.Matches(&e) {
			continue
		}
		select {
		case s.events <- e.Clone():
			b.metrics.incDelivered()
		default:
			slow = append(slow, s)
		}
	}
	b.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	b.mu.Lock()
	dropped := slow[:0]
	for _, s := range slow {
		if b.removeLocked(s, ErrSlowConsumer) {
			dropped = append(dropped, s)
		}
	}
	n := len(b.subs)
	if b.onOverflow != nil {
		b.hooks.Add(len(dropped))
	}
	b.mu.Unlock()
	b.metrics.setSubscribers(n)

	for _, s := range dropped {
		b.metrics.incDisconnect("slow_consumer")
		b.logger.Warn("audit stream subscriber disconnected: buffer full",
			slog.String("subscription_id", s.id.String()),
			slog.String("subscriber", s.subscriber),
			slog.Uint64("dropped_sequence", e.Sequence),
			slog.Int("buffer_size", b.bufferSize),
		)
		if b.onOverflow == nil {
			continue
		}
		ov := Overflow{
			SubscriptionID: s.id,
			Subscriber:     s.subscriber,
			DroppedSeq:     e.Sequence,
			BufferSize:     b.bufferSize,
			Connected:      time.Since(s.created),
		}
		go func() {
			defer b.hooks.Done()
			b.onOverflow(ov)
		}()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription with ErrBrokerClosed and waits for pending
// overflow hooks.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	n := 0
	for _, s := range b.subs {
		if b.removeLocked(s, ErrBrokerClosed) {
			n++
		}
	}
	b.mu.Unlock()

	for i := 0; i < n; i++ {
		b.metrics.incDisconnect("shutdown")
	}
	b.metrics.setSubscribers(0)
	b.hooks.Wait()
}

// removeLocked ends s with err. The events channel is closed here, under
// the write lock, so Publish never sends on a closed channel.
func (b *Broker) removeLocked(s *Subscription, err error) bool {
	if _, ok := b.subs[s.id]; !ok {
		return false
	}
	delete(b.subs, s.id)
	s.err = err
	close(s.done)
	close(s.events)
	return true
}
