// Package commands implements the buildcoord CLI.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/buildcoord/internal/config"
)

// Global context passed to subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI definition & global flags.
type CLI struct {
	Config    string           `short:"c" help:"Configuration file path" default:"buildcoord.yaml" env:"BUILDCOORD_CONFIG" type:"path"`
	Verbose   bool             `short:"v" help:"Enable verbose logging (overrides the configured level)"`
	LogFormat string           `name:"log-format" help:"Override the configured log format (text, json)" enum:",text,json" default:""`
	Version   kong.VersionFlag `name:"version" help:"Show version and exit"`

	Daemon   DaemonCmd   `cmd:"" help:"Run the coordinator daemon with HTTP API and schedules"`
	Trigger  TriggerCmd  `cmd:"" help:"Trigger a build or group build"`
	Graph    GraphCmd    `cmd:"" help:"Print the resolved build order for a configuration or group"`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration and definitions files"`
	Init     InitCmd     `cmd:"" help:"Initialize a new configuration file"`

	out io.Writer
}

// AfterApply runs after flag parsing; set up logging from flags only. Commands
// that load a configuration call applyLogging again with it.
func (c *CLI) AfterApply() error {
	c.applyLogging(nil)
	return nil
}

// applyLogging installs the default slog handler. Flags win over cfg.
func (c *CLI) applyLogging(cfg *config.Config) {
	level := slog.LevelInfo
	format := config.LogFormatText
	if cfg != nil {
		level = cfg.Logging.Level.SlogLevel()
		format = cfg.Logging.Format
	}
	if c.Verbose {
		level = slog.LevelDebug
	}
	if c.LogFormat != "" {
		format = config.NormalizeLogFormat(c.LogFormat)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig loads the root configuration and re-applies logging.
func (c *CLI) loadConfig(g *Global) (*config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	c.applyLogging(cfg)
	if g != nil {
		g.Logger = slog.Default()
	}
	return cfg, nil
}

// stdout is where commands print results.
func (c *CLI) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}
