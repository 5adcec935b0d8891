// Command tools runs maintenance tasks against the bridge database without
// starting the server.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/goccy/go-json"

	"telemetry-bridge/internal/config"
	"telemetry-bridge/internal/db"
	"telemetry-bridge/internal/migrate"
	"telemetry-bridge/internal/repository"
)

const usage = `usage: %s <command>
  migrate                 apply pending schema migrations
  windows [limit]         print the most recent closed stats windows
  readings <id> [limit]   print the latest stored readings of a device
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(context.Background(), os.Args[1:], logger); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// command runs against an open database. Commands are built from their
// arguments before the database is opened.
type command func(ctx context.Context, conn *sql.DB, logger *slog.Logger) error

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadDatabaseFromEnv()
	if err != nil {
		return err
	}
	conn, err := db.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(conn); err != nil {
			logger.Error("db close", "error", err)
		}
	}()
	return cmd(ctx, conn, logger)
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing command")
	}

	switch args[0] {
	case "migrate":
		return func(ctx context.Context, conn *sql.DB, logger *slog.Logger) error {
			applied, err := migrate.Run(ctx, conn, logger)
			if err != nil {
				return err
			}
			fmt.Printf("%d migrations applied\n", len(applied))
			return nil
		}, nil

	case "windows":
		limit, err := limitArg(args, 1, 20)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, conn *sql.DB, _ *slog.Logger) error {
			windows, err := repository.NewRepository(conn).Windows(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(windows)
		}, nil

	case "readings":
		if len(args) < 2 {
			return nil, fmt.Errorf("missing device id")
		}
		limit, err := limitArg(args, 2, 10)
		if err != nil {
			return nil, err
		}
		deviceID := args[1]
		return func(ctx context.Context, conn *sql.DB, _ *slog.Logger) error {
			readings, err := repository.NewRepository(conn).LatestReadings(ctx, deviceID, limit)
			if err != nil {
				return err
			}
			return printJSON(readings)
		}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
}

func limitArg(args []string, i, def int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", args[i])
	}
	return n, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
