package coordinator

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
	"git.home.luguber.info/inful/buildcoord/internal/store"
)

// GetBuild returns build id. A forced build still queued behind another
// record of its key is reported as NEW.
func (c *Coordinator) GetBuild(ctx context.Context, id string) (*model.BuildRecord, error) {
	rec, err := c.store.GetBuild(ctx, id)
	if stderrors.Is(err, store.ErrNotFound) {
		if pending, ok := c.sched.Pending(id); ok {
			return pending, nil
		}
	}
	return rec, err
}

// GetBuildStatus returns the current status of build id.
func (c *Coordinator) GetBuildStatus(ctx context.Context, id string) (model.BuildStatus, error) {
	rec, err := c.GetBuild(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// GetGroupBuild returns group build id with its status derived from the
// members' current statuses.
func (c *Coordinator) GetGroupBuild(ctx context.Context, id string) (*model.GroupBuildRecord, error) {
	g, err := c.store.GetGroupBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status.IsTerminal() {
		return g, nil
	}
	st, err := c.machine.CurrentGroupStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Status = st
	return g, nil
}

// GetGroupBuildStatus returns the current status of group build id.
func (c *Coordinator) GetGroupBuildStatus(ctx context.Context, id string) (model.BuildStatus, error) {
	g, err := c.GetGroupBuild(ctx, id)
	if err != nil {
		return "", err
	}
	return g.Status, nil
}

// LatestGroupBuild returns the newest group build of a group configuration
// and class.
func (c *Coordinator) LatestGroupBuild(ctx context.Context, groupConfigurationID int, class model.BuildClass) (*model.GroupBuildRecord, error) {
	if err := validateClass(class); err != nil {
		return nil, err
	}
	return c.store.LatestGroupBuild(ctx, groupConfigurationID, class)
}

// CancelBuild cancels build id and waits, bounded by ctx, for it to settle.
// applied is false when the build had already finished.
func (c *Coordinator) CancelBuild(ctx context.Context, id string) (*model.BuildRecord, bool, error) {
	rec, applied, err := c.sched.Cancel(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if applied {
		c.logger.Info("Build cancelled", logfields.BuildID(id))
	}
	return rec, applied, nil
}

// CancelGroupBuild cancels every non-terminal member of group build id.
// Members shared with another trigger's in-flight record are cancelled too.
func (c *Coordinator) CancelGroupBuild(ctx context.Context, id string) (*model.GroupBuildRecord, error) {
	g, err := c.store.GetGroupBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.Status.IsTerminal() {
		return g, nil
	}
	c.sched.Interrupt(g.Members...)
	var errs []error
	cancelled := 0
	for _, member := range g.Members {
		_, applied, err := c.sched.Cancel(ctx, member)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			cancelled++
		}
	}
	if _, err := c.machine.RecomputeGroup(ctx, id); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("Group build cancelled", logfields.GroupBuildID(id), slog.Int("cancelled_members", cancelled))
	if len(errs) > 0 {
		return nil, stderrors.Join(errs...)
	}
	return c.store.GetGroupBuild(ctx, id)
}

// ExpireTemporaryGroups cancels temporary group builds started before
// now-maxAge that are still in progress.
func (c *Coordinator) ExpireTemporaryGroups(ctx context.Context, maxAge time.Duration) (int, error) {
	groups, err := c.store.ListTemporaryGroupBuildsOlderThan(ctx, c.machine.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, g := range groups {
		if g.Status.IsTerminal() {
			continue
		}
		if _, err := c.CancelGroupBuild(ctx, g.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		c.logger.Warn("Expired stale temporary group builds", slog.Int("count", n), slog.Duration("max_age", maxAge))
	}
	return n, nil
}

// WaitForBuild blocks until build id is terminal.
func (c *Coordinator) WaitForBuild(ctx context.Context, id string) (*model.BuildRecord, error) {
	return c.sched.Wait(ctx, id)
}

// WaitForGroup blocks until group build id is terminal.
func (c *Coordinator) WaitForGroup(ctx context.Context, id string) (*model.GroupBuildRecord, error) {
	x, err := c.dispatcher.Expect(notify.KindGroupBuildStatusChanged, notify.ForEntity(id), notify.Terminal())
	if err != nil {
		return nil, err
	}
	g, err := c.store.GetGroupBuild(ctx, id)
	if err != nil {
		x.Cancel()
		return nil, err
	}
	if g.Status.IsTerminal() {
		x.Cancel()
		return g, nil
	}
	if _, err := x.Wait(ctx); err != nil {
		return nil, err
	}
	return c.store.GetGroupBuild(ctx, id)
}
