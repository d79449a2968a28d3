package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"usage_meter/internal/config"
	"usage_meter/internal/storage"
)

const usage = `usage: meter-migrate <command>

commands:
  up          apply all pending migrations
  down [n]    roll back the last n migrations (default 1)
  status      print the state of every migration`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.StoreBackend != config.StoreBackendPostgres {
		fmt.Fprintf(os.Stderr, "ERROR: migrations require STORE_BACKEND=postgres, got %q\n", cfg.StoreBackend)
		os.Exit(1)
	}

	store, err := storage.NewPostgresStore(storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, store, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, store *storage.PostgresStore, args []string) error {
	db := store.Conn().DB

	switch args[0] {
	case "up":
		if err := storage.RunMigrations(ctx, db); err != nil {
			return err
		}
		fmt.Println("Migrations applied")
		return nil

	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
		if err := storage.RollbackMigrations(ctx, db, steps); err != nil {
			return err
		}
		fmt.Printf("Rolled back %d migration(s)\n", steps)
		return nil

	case "status":
		return storage.MigrationStatus(ctx, db)

	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}
