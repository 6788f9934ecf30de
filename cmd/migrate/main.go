package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/edgelink/fleet/internal/config"
	"github.com/edgelink/fleet/internal/logger"
	"github.com/edgelink/fleet/internal/migrations"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// DATABASE_URL 优先，否则由 DB_* 变量拼接
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = cfg.Database.URL()
	}

	migrator, err := migrations.Open(dbURL)
	if err != nil {
		log.Fatal("Failed to create migrator", zap.Error(err))
	}
	defer migrator.Close()

	// 执行命令
	command := os.Args[1]
	switch command {
	case "up":
		log.Info("Running migrations up")
		if err := migrator.Up(); err != nil {
			log.Fatal("Failed to migrate up", zap.Error(err))
		}
		log.Info("Migrations completed successfully")

	case "down":
		log.Info("Rolling back all migrations")
		if err := migrator.Down(); err != nil {
			log.Fatal("Failed to migrate down", zap.Error(err))
		}
		log.Info("Rollback completed successfully")

	case "steps":
		if len(os.Args) < 3 {
			printUsage()
			os.Exit(1)
		}
		n, err := strconv.Atoi(os.Args[2])
		if err != nil {
			log.Fatal("Invalid step count", zap.String("steps", os.Args[2]))
		}
		if err := migrator.Steps(n); err != nil {
			log.Fatal("Failed to migrate steps", zap.Int("steps", n), zap.Error(err))
		}
		log.Info("Steps applied", zap.Int("steps", n))

	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			log.Fatal("Failed to get version", zap.Error(err))
		}
		log.Info("Current version", zap.Uint("version", version), zap.Bool("dirty", dirty))

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: migrate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up        - Run all pending migrations")
	fmt.Println("  down      - Rollback all migrations")
	fmt.Println("  steps N   - Apply N migrations (negative to roll back)")
	fmt.Println("  version   - Print current migration version")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DATABASE_URL - PostgreSQL connection string (optional)")
	fmt.Println("                 Default: built from DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME, DB_SSLMODE")
}
