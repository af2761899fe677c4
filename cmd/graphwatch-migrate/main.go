package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/graphwatch/graphwatch/pkg/config"
	"github.com/graphwatch/graphwatch/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Path to config file (GRAPHWATCH_* env vars also apply)")
	dropFirst  = flag.Bool("drop", false, "Drop all indexer tables before migrating (development only)")
	timeout    = flag.Duration("timeout", 5*time.Minute, "Migration timeout")
)

var dropStatements = `
DROP MATERIALIZED VIEW IF EXISTS profiles;
DROP TABLE IF EXISTS casts, reactions, links, verifications, user_data,
	username_proofs, on_chain_events, targets, target_clients, sync_state;
`

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Graphwatch Schema Migration Tool")
	log.Println("================================")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := storage.NewPostgres(ctx, cfg.Postgres.ConnectionString, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	if *dropFirst {
		if cfg.Environment == config.EnvProduction {
			log.Fatal("Refusing to drop tables in production")
		}
		log.Println("Dropping existing tables...")
		if err := store.Exec(ctx, dropStatements); err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
	}

	log.Println("Applying schema...")
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("✓ Migration completed successfully")
	os.Exit(0)
}
