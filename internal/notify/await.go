package notify

import (
	"context"

	ferrors "git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
)

// Expectation is a one-shot subscription registered before the action whose
// outcome it waits for.
type Expectation struct {
	sub *Subscription
	ch  chan Event
}

// Expect registers interest in the first event of kind matching predicates.
func (d *Dispatcher) Expect(kind Kind, predicates ...Predicate) (*Expectation, error) {
	ch := make(chan Event, 1)
	x := &Expectation{ch: ch}
	sub, err := d.Subscribe(kind, func(_ context.Context, evt Event) error {
		select {
		case ch <- evt:
		default:
		}
		return nil
	}, predicates...)
	if err != nil {
		return nil, err
	}
	x.sub = sub
	return x, nil
}

// Wait blocks until the expected event arrives or ctx is done.
func (x *Expectation) Wait(ctx context.Context) (Event, error) {
	defer x.sub.Unsubscribe()
	select {
	case evt := <-x.ch:
		return evt, nil
	case <-ctx.Done():
		return Event{}, ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "wait for event canceled").Build()
	}
}

// Cancel drops the expectation without waiting.
func (x *Expectation) Cancel() { x.sub.Unsubscribe() }

// Await subscribes and waits for the first matching event. Events published
// before the call are not seen; use Expect when the triggering action has to
// run between registration and waiting.
func (d *Dispatcher) Await(ctx context.Context, kind Kind, predicates ...Predicate) (Event, error) {
	x, err := d.Expect(kind, predicates...)
	if err != nil {
		return Event{}, err
	}
	return x.Wait(ctx)
}
