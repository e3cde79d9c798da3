package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/taskdeck/clients/ws"
	"github.com/dohr-michael/taskdeck/internal/config"
	"github.com/dohr-michael/taskdeck/internal/storage/sqlite"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "taskdeck",
		Usage: "Run coding assistant CLIs against your tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewTasksCommand(),
			NewRunsCommand(),
			NewWatchCommand(),
			NewStatusCommand(),
			NewSecretsCommand(),
		},
	}
}

// loadConfig reads the config named by --config, falling back to defaults
// when the file does not exist.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// dialGateway connects to the running server's WebSocket endpoint.
func dialGateway(ctx context.Context, cfg *config.Config, workspaceID string) (*wsclient.Client, error) {
	c, err := wsclient.Dial(ctx, wsclient.URL(cfg.Gateway.Host, cfg.Gateway.Port, workspaceID))
	if err != nil {
		return nil, fmt.Errorf("connect to taskdeck server (is `taskdeck serve` running?): %w", err)
	}
	return c, nil
}
