// Package executor defines the contract between the scheduler and whatever
// actually runs a build, plus a local implementation.
package executor

import (
	"context"
	"sync"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// Job is one build handed to an executor.
type Job struct {
	BuildID  string
	Revision model.Revision
	Class    model.BuildClass
}

// Outcome is the executor's verdict. Status is SUCCESS, FAILED or
// SYSTEM_ERROR.
type Outcome struct {
	Status  model.BuildStatus
	Message string
}

// Handle tracks a started job.
type Handle interface {
	// Done yields exactly one Outcome.
	Done() <-chan Outcome
	// Cancel asks the job to stop and waits until it has, or ctx is done.
	Cancel(ctx context.Context) error
}

// Executor starts jobs.
type Executor interface {
	Start(ctx context.Context, job Job) (Handle, error)
}

// Func adapts a blocking function into an Executor. The function must honour
// ctx cancellation.
type Func func(ctx context.Context, job Job) Outcome

// Start runs f on its own goroutine.
func (f Func) Start(ctx context.Context, job Job) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapError(err, errors.CategoryExecutor, "executor start canceled").
			WithContext("build_id", job.BuildID).
			Build()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &funcHandle{
		done:     make(chan Outcome, 1),
		finished: make(chan struct{}),
		cancel:   cancel,
	}
	go func() {
		defer close(h.finished)
		defer cancel()
		h.done <- f(runCtx, job)
	}()
	return h, nil
}

type funcHandle struct {
	done     chan Outcome
	finished chan struct{}
	cancel   context.CancelFunc
	once     sync.Once
}

func (h *funcHandle) Done() <-chan Outcome { return h.done }

func (h *funcHandle) Cancel(ctx context.Context) error {
	h.once.Do(h.cancel)
	select {
	case <-h.finished:
		return nil
	case <-ctx.Done():
		return errors.WrapError(ctx.Err(), errors.CategoryExecutor, "executor did not stop in time").Build()
	}
}
