package daemon

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/config"
	"git.home.luguber.info/inful/buildcoord/internal/coordinator"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

const sweepJobName = "maintenance-sweep"

// registerSchedules adds one job per configured schedule plus the
// maintenance sweep.
func (d *Daemon) registerSchedules() error {
	for _, sc := range d.config.Schedules {
		task := d.scheduledTrigger(sc)
		var err error
		if sc.Cron != "" {
			_, err = d.scheduler.ScheduleCron(sc.Name, sc.Cron, task)
		} else {
			_, err = d.scheduler.ScheduleEvery(sc.Name, sc.Every, task)
		}
		if err != nil {
			return err
		}
		d.logger.Debug("Registered schedule",
			logfields.ScheduleName(sc.Name),
			slog.Int("group", sc.Group),
			slog.Int("configuration", sc.Configuration))
	}

	if d.config.Maintenance.SweepInterval > 0 {
		if _, err := d.scheduler.ScheduleEvery(sweepJobName, d.config.Maintenance.SweepInterval, d.sweep); err != nil {
			return err
		}
	}
	return nil
}

// scheduledTrigger returns the task fired by one schedule.
func (d *Daemon) scheduledTrigger(sc config.ScheduleConfig) func() {
	class := model.BuildClass(sc.Class)
	return func() {
		ctx, cancel := d.stopAwareContext(context.Background())
		defer cancel()

		if sc.Group > 0 {
			id, err := d.coord.TriggerGroupBuild(ctx, coordinator.GroupRequest{
				GroupConfigurationID: sc.Group,
				Class:                class,
				Force:                sc.Force,
			})
			if err != nil {
				d.logger.Error("Scheduled group build failed to trigger",
					logfields.ScheduleName(sc.Name),
					logfields.GroupConfigID(sc.Group),
					logfields.Error(err))
				return
			}
			d.logger.Info("Scheduled group build triggered",
				logfields.ScheduleName(sc.Name),
				logfields.GroupBuildID(id))
			return
		}

		id, err := d.coord.TriggerBuild(ctx, coordinator.BuildRequest{
			ConfigurationID: sc.Configuration,
			Class:           class,
			Force:           sc.Force,
		})
		if err != nil {
			d.logger.Error("Scheduled build failed to trigger",
				logfields.ScheduleName(sc.Name),
				logfields.ConfigurationID(sc.Configuration),
				logfields.Error(err))
			return
		}
		d.logger.Info("Scheduled build triggered",
			logfields.ScheduleName(sc.Name),
			logfields.BuildID(id))
	}
}

// sweep cancels temporary group builds that outlived their maximum age and
// prunes status history past its retention.
func (d *Daemon) sweep() {
	ctx, cancel := d.stopAwareContext(context.Background())
	defer cancel()

	n, err := d.coord.ExpireTemporaryGroups(ctx, d.config.Maintenance.TemporaryMaxAge)
	if err != nil {
		d.logger.Warn("Maintenance sweep failed", logfields.Error(err))
	} else if n > 0 {
		d.logger.Info("Expired temporary group builds", slog.Int("count", n))
	}

	if d.events == nil || d.config.History.Retention <= 0 {
		return
	}
	pruned, err := d.events.Prune(ctx, time.Now().Add(-d.config.History.Retention))
	if err != nil {
		d.logger.Warn("History pruning failed", logfields.Error(err))
		return
	}
	if pruned > 0 {
		d.logger.Info("Pruned status history", slog.Int64("entries", pruned))
	}
}
