package commands

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/graph"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// ValidateCmd implements the 'validate' command.
type ValidateCmd struct{}

// Run loads the configuration and definitions, expands every configuration
// and group to surface cycles and unresolvable dependencies, and checks
// that schedules target known ids.
func (v *ValidateCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.loadConfig(g)
	if err != nil {
		return err
	}
	revs, err := loadRevisions(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	builder := graph.NewBuilder(revs, g.Logger)
	configs := revs.ConfigurationIDs()
	for _, id := range configs {
		if _, err := builder.Build(ctx, graph.Request{ConfigurationID: id, Class: model.ClassPersistent}); err != nil {
			return err
		}
	}
	groups := revs.GroupIDs()
	for _, id := range groups {
		if _, err := builder.Build(ctx, graph.Request{GroupConfigurationID: id, Class: model.ClassPersistent}); err != nil {
			return err
		}
	}

	knownConfig := make(map[int]bool, len(configs))
	for _, id := range configs {
		knownConfig[id] = true
	}
	knownGroup := make(map[int]bool, len(groups))
	for _, id := range groups {
		knownGroup[id] = true
	}
	for _, sc := range cfg.Schedules {
		if sc.Group > 0 && !knownGroup[sc.Group] {
			return errors.ValidationError(fmt.Sprintf("schedule %q references unknown group %d", sc.Name, sc.Group)).Build()
		}
		if sc.Configuration > 0 && !knownConfig[sc.Configuration] {
			return errors.ValidationError(fmt.Sprintf("schedule %q references unknown configuration %d", sc.Name, sc.Configuration)).Build()
		}
	}

	_, _ = fmt.Fprintf(root.stdout(), "OK: %d configurations, %d groups, %d schedules\n", len(configs), len(groups), len(cfg.Schedules))
	return nil
}
