// presencebot: Discord-бот, который выдаёт роль участникам, у которых
// в статусе есть заданная строка, и снимает её, когда строки там больше нет.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EgorLis/presencebot/internal/bot"
	"github.com/EgorLis/presencebot/internal/config"
	"github.com/EgorLis/presencebot/internal/statusapi"
)

func main() {
	app := &cli.App{
		Name:  "presencebot",
		Usage: "grant a Discord role to members whose status contains a trigger string",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log verbosity: debug, info, warn, error",
				Value:   "info",
				EnvVars: []string{"PRESENCEBOT_LOG_LEVEL", "LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "log format: json or text",
				Value:   "json",
				EnvVars: []string{"PRESENCEBOT_LOG_FORMAT"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "connect to Discord and keep roles in sync",
				Action: runBot,
			},
			{
				Name:   "check-config",
				Usage:  "load and validate configuration from the environment, print it without secrets",
				Action: checkConfig,
			},
		},
		DefaultCommand: "run",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func checkConfig(cctx *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg.Redacted())
}

func runBot(cctx *cli.Context) error {
	logger, err := configLogger(cctx.String("log-level"), cctx.String("log-format"))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting presencebot",
		zap.String("role", cfg.RoleName),
		zap.String("trigger", cfg.Trigger),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.String("http_addr", cfg.HTTPAddr))

	ctx, stop := signal.NotifyContext(cctx.Context, shutdownSignals()...)
	defer stop()

	b, err := bot.New(cfg, logger)
	if err != nil {
		return err
	}
	status := statusapi.New(b.UserTag, logger)
	b.SetReportHook(status.Publish)

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start bot: %w", err)
	}
	defer b.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.HTTPAddr != "" {
		g.Go(func() error {
			return status.ListenAndServe(ctx, cfg.HTTPAddr)
		})
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-b.Fatal():
			return fmt.Errorf("reconcile: %w", err)
		}
	})

	logger.Info("running… press Ctrl+C to stop")
	if err := g.Wait(); err != nil {
		logger.Error("shutting down", zap.Error(err))
		return err
	}
	logger.Info("shutting down")
	return nil
}
