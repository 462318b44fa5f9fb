package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/daemon"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	ShutdownTimeout time.Duration `help:"Time allowed for in-flight builds to settle on shutdown" default:"30s"`
}

func (d *DaemonCmd) Run(g *Global, root *CLI) error {
	cfg, err := root.loadConfig(g)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dmn, err := daemon.NewDaemon(ctx, cfg, daemon.WithLogger(g.Logger))
	if err != nil {
		return err
	}
	return dmn.Run(ctx, d.ShutdownTimeout)
}
