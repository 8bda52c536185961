package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/config"
	"github.com/vladislavdragonenkov/orderflow/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

var errDSNRequired = errors.New("ORDERFLOW_POSTGRES_DSN (or -dsn) is required")

// migrator покрывает операции схемы, которые нужны CLI.
type migrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	Status(ctx context.Context) (postgres.MigrationStatus, error)
	Close() error
}

type options struct {
	direction  string
	steps      int
	dsn        string
	configPath string
}

var (
	loadDSN = func(configPath string) (string, error) {
		cfg, _, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		return cfg.Postgres.DSN, nil
	}
	openMigrator = func(ctx context.Context, dsn string) (migrator, error) {
		return postgres.Open(ctx, dsn)
	}
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func parseOptions(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.direction, "direction", "up", "migration direction: up|down|status")
	fs.IntVar(&opts.steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	fs.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: postgres.dsn from config or ORDERFLOW_POSTGRES_DSN)")
	fs.StringVar(&opts.configPath, "config", "", "path to orderflow.yaml")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status)", opts.direction)
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("steps must be >= 0, got %d", opts.steps)
	}
	if opts.direction == "down" && opts.steps == 0 {
		opts.steps = 1
	}
	opts.dsn = strings.TrimSpace(opts.dsn)
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}

	if opts.dsn == "" {
		dsn, err := loadDSN(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		opts.dsn = strings.TrimSpace(dsn)
	}
	if opts.dsn == "" {
		return errDSNRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := openMigrator(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return printStatus(ctx, stdout, store, "migrate up ok")
	case "down":
		if err := store.MigrateDown(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		return printStatus(ctx, stdout, store, "migrate down ok")
	default:
		return printStatus(ctx, stdout, store, "migration status")
	}
}

func printStatus(ctx context.Context, out io.Writer, store migrator, prefix string) error {
	status, err := store.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s: version=%d applied=%d available=%d\n", prefix, status.Version, status.Applied, status.Available)
	return err
}
