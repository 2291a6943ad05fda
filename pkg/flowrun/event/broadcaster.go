package event

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broadcaster closed")

// Config configures a Broadcaster.
type Config struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// OnDrop is called when an event is dropped because a subscriber's
	// buffer is full. It runs on the publisher's goroutine and must not block.
	OnDrop func(evt Event, subscriberID string)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	BufferSize: 256,
}

// Broadcaster fans run events out to subscribers.
//
// Publish never blocks: a subscriber that falls behind loses events rather
// than slowing down the run that produced them. Subscribers that need a
// complete history replay it from storage and deduplicate by sequence.
type Broadcaster struct {
	config Config

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // run ID -> subscription ID -> subscription

	nextID  atomic.Int64
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(config Config) *Broadcaster {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig.BufferSize
	}
	return &Broadcaster{
		config: config,
		subs:   make(map[string]map[string]*Subscription),
	}
}

// Subscription receives the events of one run.
type Subscription struct {
	id     string
	runID  string
	events chan Event
	b      *Broadcaster
	once   sync.Once
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// RunID returns the run the subscription listens to.
func (s *Subscription) RunID() string { return s.runID }

// Events returns the delivery channel. It is closed by Unsubscribe and by
// closing the broadcaster.
func (s *Subscription) Events() <-chan Event { return s.events }

// Unsubscribe removes the subscription and closes its channel.
// It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	if runSubs, ok := s.b.subs[s.runID]; ok {
		delete(runSubs, s.id)
		if len(runSubs) == 0 {
			delete(s.b.subs, s.runID)
		}
	}
	s.close()
}

// close must be called with b.mu held for writing.
func (s *Subscription) close() {
	s.once.Do(func() { close(s.events) })
}

// Subscribe registers interest in one run's events.
// After Close the returned subscription's channel is already closed.
func (b *Broadcaster) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		id:     strconv.FormatInt(b.nextID.Add(1), 10),
		runID:  runID,
		events: make(chan Event, b.config.BufferSize),
		b:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		sub.close()
		return sub
	}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[string]*Subscription)
	}
	b.subs[runID][sub.id] = sub
	return sub
}

// Publish delivers evt to every subscriber of evt.RunID without blocking.
func (b *Broadcaster) Publish(evt Event) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[evt.RunID] {
		select {
		case sub.events <- evt:
		default:
			// Buffer full - drop event
			b.dropped.Add(1)
			if b.config.OnDrop != nil {
				b.config.OnDrop(evt, sub.id)
			}
		}
	}
	return nil
}

// SubscriberCount returns the number of subscribers to a run.
func (b *Broadcaster) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}

// Dropped returns the total number of events dropped so far.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes fail with ErrClosed.
func (b *Broadcaster) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, runSubs := range b.subs {
		for _, sub := range runSubs {
			sub.close()
		}
	}
	b.subs = make(map[string]map[string]*Subscription)
	return nil
}
