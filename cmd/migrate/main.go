package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wolfman30/whatsapp-assistant-relay/internal/config"
	"github.com/wolfman30/whatsapp-assistant-relay/migrations"
	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

// Usage: migrate [up|down|version|force <version>]
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	databaseURL := strings.TrimSpace(cfg.DatabaseURL)
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	m, closeDB, err := newMigrator(databaseURL)
	if err != nil {
		logger.Error("failed to build migrator", "error", err)
		os.Exit(1)
	}
	defer closeDB()
	defer func() { _, _ = m.Close() }()

	cmd := "up"
	if len(os.Args) >= 2 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Error("migrate up failed", "error", err)
			os.Exit(1)
		}
	case "down":
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Error("migrate down failed", "error", err)
			os.Exit(1)
		}
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			logger.Error("read version failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return
	case "force":
		if len(os.Args) < 3 {
			logger.Error("force requires a version")
			os.Exit(2)
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			logger.Error("invalid version", "value", os.Args[2], "error", err)
			os.Exit(2)
		}
		if err := m.Force(version); err != nil {
			logger.Error("force version failed", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unknown command", "command", cmd)
		os.Exit(2)
	}

	logger.Info("migrations complete", "command", cmd)
}

func newMigrator(databaseURL string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	closeDB := func() { _ = db.Close() }
	if err := db.Ping(); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("ping db: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("db driver: %w", err)
	}
	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("source driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, closeDB, nil
}
