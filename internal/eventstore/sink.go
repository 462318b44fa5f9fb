package eventstore

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
)

// Sink persists every dispatched status transition and feeds the projection.
type Sink struct {
	store      Store
	projection *Projection
	logger     *slog.Logger
	subs       []*notify.Subscription
}

// NewSink creates a Sink. projection may be nil.
func NewSink(store Store, projection *Projection, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, projection: projection, logger: logger}
}

// Attach subscribes the sink to both event kinds.
func (s *Sink) Attach(d *notify.Dispatcher) error {
	for _, kind := range []notify.Kind{notify.KindBuildStatusChanged, notify.KindGroupBuildStatusChanged} {
		sub, err := d.Subscribe(kind, s.handle)
		if err != nil {
			s.Detach()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Detach removes the sink's subscriptions.
func (s *Sink) Detach() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Sink) handle(ctx context.Context, evt notify.Event) error {
	t := TransitionFromEvent(evt)
	entry, err := t.Entry()
	if err != nil {
		return err
	}
	seq, err := s.store.Append(ctx, entry)
	if err != nil {
		s.logger.Error("Failed to persist status event",
			slog.String("entity_id", evt.EntityID),
			logfields.EventKind(string(evt.Kind)),
			logfields.Error(err))
		return err
	}
	if s.projection != nil {
		t.Seq = seq
		s.projection.Apply(t)
	}
	return nil
}
