// Package main is the entrypoint for the catalog-events service (binary name "catalog-events" in Docker).
package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/morezero/catalog-events/internal/config"
	"github.com/morezero/catalog-events/internal/server"
	"github.com/morezero/catalog-events/pkg/bootstrap"
	"github.com/morezero/catalog-events/pkg/db"
)

const usage = `Usage: catalog-events [command]
       catalog-events serve            Start the service (NATS, HTTP, change-event pipeline).
       catalog-events migrate up        Run database migrations.
       catalog-events migrate down      Roll back one migration (optional; not all migrations support down).
       catalog-events migrate status    Show migration status.
       catalog-events ensure-db [name]  Create database if missing (default name: catalog_test). Uses DATABASE_URL host/user.
       catalog-events clear             Truncate all catalog tables; schema is preserved.
       catalog-events seed [file]       Seed users and teams from a bootstrap file (default: CATALOG_BOOTSTRAP_FILE).

Commands:
  serve           (default) Start the catalog change-event service.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration (optional).
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. catalog_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate catalog data; schema preserved.
  seed [file]     Upsert bootstrap users and teams so subscription rules resolve ownership.

Environment: DATABASE_URL (required), MIGRATION_PATH, COMMS_URL, CATALOG_BOOTSTRAP_FILE, CATALOG_SECRET_KEY. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("catalog-events migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("catalog-events migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("catalog-events migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("catalog-events migrate down: %v", err)
			}
		default:
			log.Fatalf("catalog-events migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("catalog-events clear: %v", err)
		}
		return
	case "seed":
		bootstrapFile := ""
		if len(args) > 1 {
			bootstrapFile = args[1]
		}
		if err := runSeed(bootstrapFile); err != nil {
			log.Fatalf("catalog-events seed: %v", err)
		}
		return
	case "ensure-db":
		dbName := "catalog_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("catalog-events ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("catalog-events: %v", err)
	}
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
}

func runMigrateDown() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.MigrationDown(ctx, pool, cfg.MigrationPath)
}

func runClear() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := db.ClearCatalog(ctx, pool); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Replace path with target database name; query (e.g. sslmode) is kept on u.RawQuery.
	u.Path = "/" + dbName
	targetURL := u.String()
	ctx := context.Background()
	if err := db.EnsureDatabase(ctx, targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func runSeed(bootstrapFileOverride string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	var paths []string
	if bootstrapFileOverride != "" {
		paths = append(paths, bootstrapFileOverride)
	} else if cfg.BootstrapFile != "" {
		paths = append(paths, cfg.BootstrapFile)
	}
	bootCfg, err := bootstrap.LoadBootstrapConfig(paths...)
	if err != nil {
		return fmt.Errorf("load bootstrap config: %w", err)
	}
	resolved, err := bootstrap.CreateResolvedBootstrap(bootCfg)
	if err != nil {
		return fmt.Errorf("resolve bootstrap config: %w", err)
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// Seeding only touches the users and teams tables, so no secret box is needed.
	repo := db.NewRepository(pool, nil)
	for _, u := range resolved.Users() {
		row := &db.SubjectRow{ID: u.ID, Name: u.Name, DisplayName: u.DisplayName}
		if err := repo.UpsertUser(ctx, row); err != nil {
			return fmt.Errorf("seed user %q: %w", u.Name, err)
		}
	}
	for _, tm := range resolved.Teams() {
		row := &db.SubjectRow{ID: tm.ID, Name: tm.Name, DisplayName: tm.DisplayName}
		if err := repo.UpsertTeam(ctx, row); err != nil {
			return fmt.Errorf("seed team %q: %w", tm.Name, err)
		}
	}
	fmt.Printf("Seeded %d users and %d teams from %q.\n", len(resolved.Users()), len(resolved.Teams()), bootCfg.Name)
	return nil
}
