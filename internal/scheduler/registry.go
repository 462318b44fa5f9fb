package scheduler

import (
	"context"
	stderrors "errors"
	"sync"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/status"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

// Registry is the keyed view of in-flight records shared by every trigger.
// The store's atomic check-and-create guarantees a single non-terminal
// record per key; the registry adds claim semantics on top of it and
// channel-based waiting for records to settle.
type Registry struct {
	store   store.BuildStore
	machine *status.Machine

	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	ch   chan struct{}
	refs int
}

// NewRegistry creates a Registry and subscribes it to settled builds.
func NewRegistry(st store.BuildStore, machine *status.Machine) *Registry {
	r := &Registry{
		store:   st,
		machine: machine,
		waiters: make(map[string]*waiter),
	}
	machine.OnSettled(r.settled)
	return r
}

// Claim inserts rec as the in-flight record of its key. When another record
// already holds the key, that holder is returned with
// store.ErrActiveRecordExists and rec is not inserted.
func (r *Registry) Claim(ctx context.Context, rec *model.BuildRecord) (*model.BuildRecord, error) {
	return r.machine.Create(ctx, rec)
}

// IsBusy reports whether err means the key is held by another record.
func IsBusy(err error) bool {
	return stderrors.Is(err, store.ErrActiveRecordExists)
}

func (r *Registry) watch(id string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[id]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		r.waiters[id] = w
	}
	w.refs++
	return w
}

// release drops one reference to w and forgets it once nobody waits.
func (r *Registry) release(id string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.refs--
	if w.refs == 0 && r.waiters[id] == w {
		delete(r.waiters, id)
	}
}

func (r *Registry) settled(rec *model.BuildRecord) {
	r.mu.Lock()
	w, ok := r.waiters[rec.ID]
	delete(r.waiters, rec.ID)
	r.mu.Unlock()
	if ok {
		close(w.ch)
	}
}

func (r *Registry) waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Wait blocks until build id is terminal and returns it. A record that is
// not inserted yet is waited for like any other.
func (r *Registry) Wait(ctx context.Context, id string) (*model.BuildRecord, error) {
	for {
		w := r.watch(id)
		rec, err := r.store.GetBuild(ctx, id)
		switch {
		case err == nil && rec.Status.IsTerminal():
			r.release(id, w)
			return rec, nil
		case err != nil && !stderrors.Is(err, store.ErrNotFound):
			r.release(id, w)
			return nil, err
		}
		select {
		case <-w.ch:
			r.release(id, w)
		case <-ctx.Done():
			r.release(id, w)
			return nil, errors.WrapError(ctx.Err(), errors.CategoryRuntime, "wait for build canceled").
				WithContext("build_id", id).
				Build()
		}
	}
}
