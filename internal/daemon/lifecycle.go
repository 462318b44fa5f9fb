package daemon

import (
	"context"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/buildcoord/internal/logfields"
)

// stopAwareContext derives a context from parent that is also cancelled by
// Stop. Schedule callbacks run on gocron goroutines without a caller
// context; this bounds the builds they trigger. Always call cancel.
func (d *Daemon) stopAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if d == nil || d.stopChan == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-d.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WorkerGroup runs the daemon's long-lived goroutines (currently the HTTP
// listener). Once StopAndWait has begun, Go refuses new workers, so Add never
// races Wait.
type WorkerGroup struct {
	logger *slog.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	closing bool
	failure error
}

// Go runs fn unless the group is closing. The first error returned by any
// worker is kept for Err.
func (g *WorkerGroup) Go(name string, fn func() error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing || fn == nil {
		return false
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := fn()
		if err == nil {
			return
		}
		logger := g.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("Daemon worker failed", slog.String("worker", name), logfields.Error(err))
		g.mu.Lock()
		if g.failure == nil {
			g.failure = err
		}
		g.mu.Unlock()
	}()
	return true
}

// Err returns the first worker failure.
func (g *WorkerGroup) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failure
}

// StopAndWait closes the group and waits for running workers or ctx.
func (g *WorkerGroup) StopAndWait(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
