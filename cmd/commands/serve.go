package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/taskdeck/internal/config"
	"github.com/dohr-michael/taskdeck/internal/events"
	"github.com/dohr-michael/taskdeck/internal/gateway"
	"github.com/dohr-michael/taskdeck/internal/heartbeat"
	"github.com/dohr-michael/taskdeck/internal/notify"
	"github.com/dohr-michael/taskdeck/internal/runner"
	"github.com/dohr-michael/taskdeck/internal/runs"
	"github.com/dohr-michael/taskdeck/internal/secrets"
	"github.com/dohr-michael/taskdeck/internal/storage"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the taskdeck server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = int(cmd.Int("port"))
	}

	reloader := config.NewReloader(configPath, config.DotenvPath(), cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Event bus
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	eventLog := storage.NewEventLogger(cfg.Events.LogDir, bus)
	defer eventLog.Close()

	// Notifications
	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(notifier, notify.WithTimeout(cfg.Notify.Timeout.Duration()))
	dispatcher.Attach(bus)

	backends, err := backendOverrides(cfg.Runner.Backends)
	if err != nil {
		return err
	}

	engine := runner.New(runner.Config{
		Runs:        store,
		Tasks:       store,
		Bus:         bus,
		Limits:      runnerLimits(cfg),
		DefaultDir:  cfg.Runner.DefaultDir,
		GracePeriod: cfg.Runner.GracePeriod.Duration(),
		OutputLimit: cfg.Runner.OutputLimit,
		Backends:    backends,
		Launcher:    runner.NewTerminalLauncher(cfg.Runner.Terminal.Command),
	})

	if cfg.Runner.ShouldRecover() {
		n, err := engine.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover orphaned runs: %w", err)
		}
		if n > 0 {
			slog.Warn("failed orphaned runs", "count", n)
		}
	}

	reloader.OnReload(func(c *config.Config) {
		engine.SetLimits(runnerLimits(c))
		slog.Info("runner limits updated", "max_concurrent", c.Runner.MaxConcurrent, "allowed_dirs", c.Runner.AllowedDirs)
	})

	var sweeper *runner.Sweeper
	if ttl := cfg.Runner.LaunchTTL.Duration(); ttl > 0 {
		sweeper, err = runner.NewSweeper(engine, ttl, cfg.Runner.SweepSchedule)
		if err != nil {
			return err
		}
		sweeper.Start()
	}

	server := gateway.NewServer(bus, engine, store, gateway.Options{
		Host:    cfg.Gateway.Host,
		Port:    cfg.Gateway.Port,
		Metrics: engine.Metrics().Registry(),
	})

	hb := heartbeat.NewWriter(config.HeartbeatPath(),
		heartbeat.WithAddr(server.Addr()),
		heartbeat.WithStats(func() heartbeat.Stats {
			return heartbeat.Stats{ActiveRuns: engine.ActiveProcesses(), Subscribers: server.ClientCount()}
		}),
	)
	hb.Start()
	defer hb.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		reloader.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if sweeper != nil {
			sweeper.Stop()
		}
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown gateway: %w", err))
		}
		if err := engine.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
		}
		// Hands the events of the last cancellations to the dispatcher.
		bus.Close()
		if err := dispatcher.Close(shutdownCtx); err != nil {
			slog.Warn("notifications still in flight at exit", "error", err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func runnerLimits(cfg *config.Config) runner.Limits {
	return runner.Limits{
		MaxConcurrent: cfg.Runner.MaxConcurrent,
		AllowedDirs:   cfg.Runner.AllowedDirs,
	}
}

func backendOverrides(in map[string]config.BackendConfig) (map[runs.CLIType]runner.Backend, error) {
	out := make(map[runs.CLIType]runner.Backend, len(in))
	for name, b := range in {
		t := runs.CLIType(name)
		if !t.Valid() {
			return nil, fmt.Errorf("config: unknown backend %q", name)
		}
		out[t] = runner.Backend{Binary: b.Binary, Args: b.Args}
	}
	return out, nil
}

// buildNotifier decrypts the configured webhooks and returns the notifier
// chain. Without any webhook, notifications are only logged.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	resolver := secrets.NewResolver(cfg.AgeKey)

	defaultURL, err := resolver.Resolve(cfg.DefaultWebhook)
	if err != nil {
		return nil, fmt.Errorf("resolve default webhook: %w", err)
	}
	urls, err := resolver.ResolveMap(cfg.Webhooks)
	if err != nil {
		return nil, fmt.Errorf("resolve webhooks: %w", err)
	}

	log := notify.LogNotifier{Logger: slog.Default().With("component", "notify")}
	if defaultURL == "" && len(urls) == 0 {
		return log, nil
	}
	return notify.Multi{
		notify.NewWebhookNotifier(notify.WebhookConfig{
			DefaultURL: defaultURL,
			URLs:       urls,
			RatePerSec: cfg.RatePerSec,
			Burst:      cfg.Burst,
			Timeout:    cfg.Timeout.Duration(),
		}),
		log,
	}, nil
}
