// Package framebus delivers the most recent camera frame to any number of consumers.
//
// Publish never blocks: every subscription holds only the latest frame. A consumer
// that falls behind loses the intermediate frames (counted as dropped) instead of
// building up a queue in front of the capture loop.
package framebus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mpapenbr/racetimer-go/log"
	"github.com/mpapenbr/racetimer-go/pkg/model"
)

var (
	ErrBusClosed          = errors.New("framebus: bus is closed")
	ErrSubscriberExists   = errors.New("framebus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("framebus: subscriber not found")
	ErrSubscriptionClosed = errors.New("framebus: subscription is closed")
)

// well known consumer ids
const (
	Display  = "display"
	Recorder = "recorder"
)

type (
	Option func(*Bus)

	Bus struct {
		name      string
		l         *log.Logger
		mu        sync.RWMutex
		subs      map[string]*Subscription
		closed    bool
		published atomic.Uint64
	}

	SubscriberStats struct {
		Sent    uint64
		Dropped uint64
	}

	Stats struct {
		Published   uint64
		Subscribers map[string]SubscriberStats
	}
)

func WithName(name string) Option {
	return func(b *Bus) {
		b.name = name
	}
}

func WithLogger(l *log.Logger) Option {
	return func(b *Bus) {
		b.l = l
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		name: "camera",
		l:    log.Default().Named("framebus"),
		subs: make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.setupMetrics()
	return b
}

// Publish hands frame to every subscription, replacing whatever frame the
// subscription still holds.
func (b *Bus) Publish(frame model.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		s.set(frame)
	}
}

func (b *Bus) Subscribe(id string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subs[id]; ok {
		return nil, ErrSubscriberExists
	}
	s := newSubscription(id)
	b.subs[id] = s
	b.l.Debug("subscriber added", log.String("id", id))
	return s, nil
}

func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	s.close()
	delete(b.subs, id)
	b.l.Debug("subscriber removed", log.String("id", id),
		log.Uint64("sent", s.sent.Load()), log.Uint64("dropped", s.dropped.Load()))
	return nil
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ret := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subs)),
	}
	for id, s := range b.subs {
		ret.Subscribers[id] = s.Stats()
	}
	return ret
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.close()
	}
	b.subs = nil
	b.l.Info("frame bus closed", log.String("name", b.name),
		log.Uint64("published", b.published.Load()))
}

// Subscription holds the latest frame for one consumer.
type Subscription struct {
	id       string
	mu       sync.Mutex
	frame    model.Frame
	pending  bool // frame not yet handed out by Next
	notify   chan struct{}
	done     chan struct{}
	closeOne sync.Once
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

func newSubscription(id string) *Subscription {
	return &Subscription{
		id:     id,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) set(frame model.Frame) {
	s.mu.Lock()
	if s.pending {
		s.dropped.Add(1)
	}
	s.frame = frame
	s.pending = true
	s.mu.Unlock()
	s.sent.Add(1)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Latest returns the most recent frame without consuming it.
func (s *Subscription) Latest() (model.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, !s.frame.IsZero()
}

// TryNext returns the pending frame if there is one.
func (s *Subscription) TryNext() (model.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return model.Frame{}, false
	}
	s.pending = false
	return s.frame, true
}

// Next blocks until a frame is available that was not returned before.
func (s *Subscription) Next(ctx context.Context) (model.Frame, error) {
	for {
		if f, ok := s.TryNext(); ok {
			return f, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if f, ok := s.TryNext(); ok {
				return f, nil
			}
			return model.Frame{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return model.Frame{}, ctx.Err()
		}
	}
}

func (s *Subscription) Stats() SubscriberStats {
	return SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

func (s *Subscription) close() {
	s.closeOne.Do(func() { close(s.done) })
}
