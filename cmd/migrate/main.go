package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/noah-isme/pgmles-api/migrations"
	"github.com/noah-isme/pgmles-api/pkg/config"
	"github.com/noah-isme/pgmles-api/pkg/logger"
	"github.com/noah-isme/pgmles-api/pkg/migrate"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	if command == "help" || command == "-h" || command == "--help" {
		printUsage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx := context.Background()
	migrator, err := migrate.New(ctx, cfg.Database.URL(), migrations.FS, logr)
	if err != nil {
		logr.Fatal("failed to create migrator", zap.Error(err))
	}
	defer migrator.Close(ctx) //nolint:errcheck

	switch command {
	case "up":
		err = migrator.Up(ctx)
	case "down":
		err = migrator.Down(ctx)
	case "steps":
		err = steps(ctx, migrator, os.Args[2:])
	case "version", "status":
		var version int
		if version, err = migrator.Version(ctx); err == nil {
			fmt.Printf("current migration version: %d\n", version)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		logr.Fatal("migration failed", zap.String("command", command), zap.Error(err))
	}
	logr.Info("migration command finished", zap.String("command", command))
}

func steps(ctx context.Context, migrator *migrate.Migrator, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("steps requires a number argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid step count %q: %w", args[0], err)
	}
	return migrator.Steps(ctx, n)
}

func printUsage() {
	fmt.Fprint(os.Stdout, `Usage: migrate <command>

Commands:
  up               Apply all pending migrations
  down             Roll back the last migration
  steps <n>        Apply n migrations, or roll back when n is negative
  version, status  Show the current migration version
  help             Show this help

Connection settings come from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME and DB_SSL_MODE.
`)
}
