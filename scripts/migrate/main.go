// Command migrate provisions the PostgreSQL schema for the durable
// backend: the flow and checkpoint tables, the long-term store, and the
// flow type catalog. The engine never creates tables itself; run this
// before pointing a durable deployment at a fresh database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsTable = "schema_migrations"

type migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrations are embedded rather than read from disk so the binary is
// self-contained. Keep the SQL in step with the table layouts documented
// on the postgres stores.
var migrations = []migration{
	{
		Version: 1,
		Name:    "flows_and_checkpoints",
		Up: `
CREATE TABLE flows (
    id              TEXT PRIMARY KEY,
    app             TEXT NOT NULL,
    flow_type       TEXT NOT NULL,
    graph_version   TEXT NOT NULL,
    status          TEXT NOT NULL,
    state           JSONB,
    owner_id        TEXT NOT NULL DEFAULT '',
    error_kind      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    last_resumed_at TIMESTAMPTZ
);
CREATE INDEX flows_list_idx ON flows (app, flow_type, created_at DESC);
CREATE INDEX flows_status_idx ON flows (status);

CREATE TABLE checkpoints (
    id         TEXT PRIMARY KEY,
    flow_id    TEXT NOT NULL REFERENCES flows (id),
    thread_id  TEXT NOT NULL,
    seq        BIGINT NOT NULL,
    parent_id  TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL,
    written_at TIMESTAMPTZ NOT NULL,
    UNIQUE (flow_id, thread_id, seq)
);`,
		Down: `
DROP TABLE checkpoints;
DROP TABLE flows;`,
	},
	{
		Version: 2,
		Name:    "long_term_store",
		Up: `
CREATE TABLE store_entries (
    namespace  TEXT        NOT NULL,
    key        TEXT        NOT NULL,
    value      JSONB       NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    PRIMARY KEY (namespace, key)
);
CREATE INDEX store_entries_expires_idx ON store_entries (expires_at)
    WHERE expires_at IS NOT NULL;`,
		Down: `
DROP TABLE store_entries;`,
	},
	{
		Version: 3,
		Name:    "flow_types",
		Up: `
CREATE TABLE flow_types (
    app                   TEXT NOT NULL,
    flow_type             TEXT NOT NULL,
    version               TEXT NOT NULL,
    is_latest             BOOLEAN NOT NULL,
    is_active             BOOLEAN NOT NULL,
    display_name          TEXT NOT NULL DEFAULT '',
    description           TEXT NOT NULL DEFAULT '',
    builder_ref           TEXT NOT NULL,
    state_schema_ref      TEXT NOT NULL DEFAULT '',
    crud_permission_ref   TEXT NOT NULL DEFAULT '',
    resume_permission_ref TEXT NOT NULL DEFAULT '',
    crud_throttle_ref     TEXT NOT NULL DEFAULT '',
    resume_throttle_ref   TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (app, flow_type, version)
);
CREATE INDEX flow_types_latest_idx ON flow_types (app, flow_type)
    WHERE is_latest;`,
		Down: `
DROP TABLE flow_types;`,
	},
}

func main() {
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable or --database-url flag is required")
	}
	if len(flag.Args()) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := flag.Args()[0]

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		log.Fatalf("Failed to ensure migrations table: %v", err)
	}

	switch command {
	case "up":
		if err := migrateUp(ctx, pool); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
	case "down":
		steps := 1
		if len(flag.Args()) > 1 {
			steps, err = strconv.Atoi(flag.Args()[1])
			if err != nil {
				log.Fatalf("Invalid number of steps: %v", err)
			}
		}
		if err := migrateDown(ctx, pool, steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "status":
		if err := showStatus(ctx, pool); err != nil {
			log.Fatalf("Failed to show status: %v", err)
		}
	case "version":
		version, err := currentVersion(ctx, pool)
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current migration version: %d\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: migrate [options] <command> [args]

Commands:
  up             Apply all pending migrations
  down [n]       Roll back n migrations (default: 1)
  status         Show migration status
  version        Show current migration version

Options:
  --database-url PostgreSQL connection URL (or set DATABASE_URL)`)
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			dirty BOOLEAN NOT NULL DEFAULT FALSE
		)
	`, migrationsTable)
	_, err := pool.Exec(ctx, query)
	return err
}

func currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var version int
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE NOT dirty`, migrationsTable)
	if err := pool.QueryRow(ctx, query).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT version FROM %s`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func migrateUp(ctx context.Context, pool *pgxpool.Pool) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		fmt.Printf("Applying migration %d: %s...\n", m.Version, m.Name)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		markDirty := fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES ($1, TRUE)`, migrationsTable)
		if _, err := tx.Exec(ctx, markDirty, m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, m.Up); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		markClean := fmt.Sprintf(`UPDATE %s SET dirty = FALSE, applied_at = NOW() WHERE version = $1`, migrationsTable)
		if _, err := tx.Exec(ctx, markClean, m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to finalize migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	fmt.Println("All migrations applied.")
	return nil
}

func migrateDown(ctx context.Context, pool *pgxpool.Pool, steps int) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	reversed := make([]migration, len(migrations))
	copy(reversed, migrations)
	sort.Slice(reversed, func(i, j int) bool {
		return reversed[i].Version > reversed[j].Version
	})

	rolledBack := 0
	for _, m := range reversed {
		if !applied[m.Version] {
			continue
		}
		if rolledBack >= steps {
			break
		}
		fmt.Printf("Rolling back migration %d: %s...\n", m.Version, m.Name)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, m.Down); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute rollback for migration %d: %w", m.Version, err)
		}
		remove := fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationsTable)
		if _, err := tx.Exec(ctx, remove, m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to remove migration %d record: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit rollback for migration %d: %w", m.Version, err)
		}
		rolledBack++
	}

	if rolledBack == 0 {
		fmt.Println("No migrations to roll back.")
	} else {
		fmt.Printf("Rolled back %d migration(s).\n", rolledBack)
	}
	return nil
}

func showStatus(ctx context.Context, pool *pgxpool.Pool) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	fmt.Printf("%-8s %-24s %s\n", "VERSION", "NAME", "STATUS")
	for _, m := range migrations {
		status := "pending"
		if applied[m.Version] {
			status = "applied"
		}
		fmt.Printf("%-8d %-24s %s\n", m.Version, m.Name, status)
	}

	version, err := currentVersion(ctx, pool)
	if err != nil {
		return err
	}
	fmt.Printf("\nCurrent version: %d of %d\n", version, len(migrations))
	return nil
}
