package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/forcesession/internal/app"
	"github.com/florianilch/forcesession/internal/config"
	"github.com/florianilch/forcesession/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string, version, commit string) error {
	return newRootCommand(version, commit).Run(ctx, args)
}

func newRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "forcesession",
		Usage:   "Authenticated sessions against the Salesforce REST API",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
				Sources: cli.EnvVars("FORCESESSION_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error), overrides the config file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json), overrides the config file",
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "log exporter (none|console|otlp-http|otlp-grpc), overrides the config file",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			getCommand(),
			queryCommand(),
			versionsCommand(),
			configCommand(),
		},
	}
}

// loadConfig reads the config file and environment and applies the global
// flag overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}
	if cmd.IsSet("log-exporter") {
		cfg.Log.Exporter = cmd.String("log-exporter")
	}

	return cfg, nil
}

// newApp sets up logging before building the App so that everything the App
// does is observed. The log pipeline is flushed by the App's shutdown hooks.
func newApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, err
	}

	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:    level,
		Format:   cfg.Log.Format,
		Exporter: cfg.Log.Exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create app: %w", err), shutdown(ctx))
	}
	application.OnShutdown(shutdown)

	return application, nil
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration with secrets redacted",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.Root().Writer, cfg.String())
			return err
		},
	}
}
