package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/forcesession/internal/session"
)

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "GET an API path and print the response body",
		ArgsUsage: "<path|url>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "raw-path",
				Usage: "do not substitute the API version for vXX.X",
			},
		},
		Action: getAction,
	}
}

func queryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Run a SOQL query, or follow a query path, and print the records as JSON",
		ArgsUsage: "<soql|path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "first-page",
				Usage: "stop after the first page of records",
			},
		},
		Action: queryAction,
	}
}

func versionsCommand() *cli.Command {
	return &cli.Command{
		Name:   "versions",
		Usage:  "Print the latest API version offered by the instance",
		Action: versionsAction,
	}
}

func getAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("missing path argument")
	}

	var opts []session.RequestOption
	if cmd.Bool("raw-path") {
		opts = append(opts, session.WithoutVersionSubstitution())
	}

	return runSession(ctx, cmd, func(ctx context.Context, s *session.Session) error {
		resp, err := s.Get(ctx, path, opts...)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if _, err := io.Copy(cmd.Root().Writer, resp.Body); err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("GET %s: %s", path, resp.Status)
		}
		return nil
	})
}

func queryAction(ctx context.Context, cmd *cli.Command) error {
	arg := strings.Join(cmd.Args().Slice(), " ")
	if arg == "" {
		return fmt.Errorf("missing query argument")
	}
	all := !cmd.Bool("first-page")

	return runSession(ctx, cmd, func(ctx context.Context, s *session.Session) error {
		var (
			records []json.RawMessage
			err     error
		)
		if strings.HasPrefix(arg, "/") || strings.Contains(arg, "://") {
			records, err = s.QueryAll(ctx, arg, all)
		} else {
			records, err = s.Query(ctx, arg, all)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.Root().Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	})
}

func versionsAction(ctx context.Context, cmd *cli.Command) error {
	return runSession(ctx, cmd, func(ctx context.Context, s *session.Session) error {
		version, err := s.UseLatestVersion(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.Root().Writer, version)
		return err
	})
}

// runSession loads the configuration and runs fn with an authenticated
// session. A session still waiting for an external login is reported instead.
func runSession(ctx context.Context, cmd *cli.Command, fn func(context.Context, *session.Session) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	application, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	return application.Run(ctx, func(ctx context.Context, s *session.Session) error {
		if s.State() != session.StateAuthenticated {
			return fmt.Errorf("not logged in (%s), run 'forcesession auth login' first", s.State())
		}
		return fn(ctx, s)
	})
}
