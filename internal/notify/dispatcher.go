// Package notify is the in-process notification dispatcher for status
// transitions.
//
// Each subscriber owns a bounded mailbox drained by its own goroutine, so a
// slow or failing handler never delays Publish or other subscribers. Events
// reach a subscriber in publish order.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/metrics"
)

// DefaultBacklog bounds each subscriber mailbox when no backlog is configured.
const DefaultBacklog = 1024

// Handler receives events. A returned error is logged and otherwise ignored.
type Handler func(ctx context.Context, evt Event) error

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBacklog sets the per-subscriber mailbox size.
func WithBacklog(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.backlog = n
		}
	}
}

// WithRecorder sets the metrics recorder used for dropped events.
func WithRecorder(r metrics.Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// Dispatcher fans events out to subscribers.
type Dispatcher struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    atomic.Uint64
	isClosed  atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	// ctx is handed to handlers and canceled once Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	backlog  int
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		subs:     make(map[uint64]*Subscription),
		ctx:      ctx,
		cancel:   cancel,
		backlog:  DefaultBacklog,
		recorder: metrics.NoopRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscription is a registered handler.
type Subscription struct {
	id         uint64
	kind       Kind
	handler    Handler
	predicates []Predicate
	d          *Dispatcher

	mu       sync.Mutex
	queue    []Event
	stopped  bool
	draining bool
	signal   chan struct{}

	unsubOnce sync.Once
}

// ID returns the subscription id.
func (s *Subscription) ID() uint64 { return s.id }

// Subscribe registers handler for events of kind that satisfy every
// predicate. Subscribing to a closed dispatcher returns an error.
func (d *Dispatcher) Subscribe(kind Kind, handler Handler, predicates ...Predicate) (*Subscription, error) {
	if !kind.Valid() {
		return nil, ferrors.ValidationError("unknown event kind").WithContext("kind", string(kind)).Build()
	}
	if handler == nil {
		return nil, ferrors.ValidationError("handler cannot be nil").Build()
	}

	s := &Subscription{
		id:         d.nextID.Add(1),
		kind:       kind,
		handler:    handler,
		predicates: predicates,
		d:          d,
		signal:     make(chan struct{}, 1),
	}

	d.mu.Lock()
	if d.isClosed.Load() {
		d.mu.Unlock()
		return nil, ferrors.DaemonError("dispatcher is closed").Build()
	}
	d.subs[s.id] = s
	d.wg.Add(1)
	d.mu.Unlock()

	go s.run()
	return s, nil
}

// Unsubscribe removes the subscription. Events still in its mailbox are
// discarded; a handler call already in progress completes. Safe to call from
// inside the handler and more than once.
func (s *Subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		s.d.mu.Lock()
		delete(s.d.subs, s.id)
		s.d.mu.Unlock()

		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		s.wake()
	})
}

// SubscriberCount returns the number of active subscribers for kind.
func (d *Dispatcher) SubscriberCount(kind Kind) int {
	if d == nil {
		return 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, s := range d.subs {
		if s.kind == kind {
			n++
		}
	}
	return n
}

// Publish enqueues evt for every subscriber of its kind and returns without
// waiting for delivery. Predicates run on the subscriber's own goroutine.
func (d *Dispatcher) Publish(evt Event) error {
	if !evt.Kind.Valid() {
		return ferrors.ValidationError("unknown event kind").WithContext("kind", string(evt.Kind)).Build()
	}
	if d.isClosed.Load() {
		return ferrors.DaemonError("dispatcher is closed").Build()
	}

	d.mu.RLock()
	targets := make([]*Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.kind == evt.Kind {
			targets = append(targets, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(evt)
	}
	return nil
}

func (s *Subscription) enqueue(evt Event) {
	s.mu.Lock()
	if s.stopped || s.draining {
		s.mu.Unlock()
		return
	}
	dropped := false
	if len(s.queue) >= s.d.backlog {
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	if dropped {
		s.d.recorder.IncDroppedEvents(string(evt.Kind))
		s.d.logger.Warn("Subscriber backlog full, dropped oldest event",
			logfields.SubscriptionID(s.id),
			logfields.EventKind(string(evt.Kind)))
	}
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest event. done reports that the goroutine should exit.
func (s *Subscription) next() (evt Event, ok bool, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Event{}, false, true
	}
	if len(s.queue) == 0 {
		return Event{}, false, s.draining
	}
	evt = s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return evt, true, false
}

func (s *Subscription) run() {
	defer s.d.wg.Done()
	for range s.signal {
		for {
			evt, ok, done := s.next()
			if done {
				return
			}
			if !ok {
				break
			}
			s.deliver(evt)
		}
	}
}

func (s *Subscription) deliver(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.d.logger.Error("Subscriber panicked",
				logfields.SubscriptionID(s.id),
				logfields.EventKind(string(evt.Kind)),
				slog.String("entity_id", evt.EntityID),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	if !matches(evt, s.predicates) {
		return
	}
	if err := s.handler(s.d.ctx, evt); err != nil {
		s.d.logger.Warn("Subscriber failed to handle event",
			logfields.SubscriptionID(s.id),
			logfields.EventKind(string(evt.Kind)),
			slog.String("entity_id", evt.EntityID),
			logfields.Error(err))
	}
}

// Close stops accepting events and lets every subscriber drain its mailbox.
// It returns when all subscriber goroutines exit or ctx is done, in which
// case handler contexts are canceled. Handlers must not call Close.
func (d *Dispatcher) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.isClosed.Store(true)
		subs := make([]*Subscription, 0, len(d.subs))
		for _, s := range d.subs {
			subs = append(subs, s)
		}
		d.subs = make(map[uint64]*Subscription)
		d.mu.Unlock()

		for _, s := range subs {
			s.mu.Lock()
			s.draining = true
			s.mu.Unlock()
			s.wake()
		}

		finished := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-ctx.Done():
			err = ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "dispatcher close timed out").Build()
		}
		d.cancel()
	})
	return err
}
