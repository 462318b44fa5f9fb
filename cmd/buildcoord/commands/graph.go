package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/graph"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// GraphCmd implements the 'graph' command.
type GraphCmd struct {
	ConfigID         int    `name:"config-id" required:"" help:"Configuration id (group configuration id with --group)"`
	Group            bool   `help:"Treat --config-id as a group configuration id"`
	Revision         int    `help:"Revision of the requested configuration; defaults to the latest"`
	Class            string `help:"Build class (temporary, persistent)" default:"persistent"`
	SkipDependencies bool   `name:"skip-dependencies" help:"Show only the requested configurations"`
}

func (c *GraphCmd) Run(g *Global, root *CLI) error {
	class, err := model.ParseBuildClass(c.Class)
	if err != nil {
		return errors.ValidationError("unknown build class").WithContext("class", c.Class).Build()
	}
	cfg, err := root.loadConfig(g)
	if err != nil {
		return err
	}
	revs, err := loadRevisions(cfg)
	if err != nil {
		return err
	}

	req := graph.Request{Class: class, SkipDependencies: c.SkipDependencies}
	if c.Group {
		req.GroupConfigurationID = c.ConfigID
	} else {
		req.ConfigurationID = c.ConfigID
		req.Revision = c.Revision
	}
	gr, err := graph.NewBuilder(revs, g.Logger).Build(context.Background(), req)
	if err != nil {
		return err
	}
	printGraph(root.stdout(), gr)
	return nil
}

// printGraph writes one line per node in build order.
func printGraph(out io.Writer, gr *graph.Graph) {
	for i, n := range gr.Nodes() {
		deps := make([]string, 0, len(n.Dependencies))
		for _, d := range n.Dependencies {
			deps = append(deps, strconv.Itoa(d.ConfigurationID()))
		}
		marker := ""
		if n.Requested {
			marker = " *"
		}
		_, _ = fmt.Fprintf(out, "%d. [%d] %s@%d deps=[%s]%s\n",
			i+1, n.ConfigurationID(), n.Revision.Name, n.Revision.Revision, strings.Join(deps, ","), marker)
	}
}
