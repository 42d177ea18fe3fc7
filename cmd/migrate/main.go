package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ignite/relay/internal/pkg/logger"
)

const schemaTable = `
	CREATE TABLE IF NOT EXISTS relay_schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// migrationFiles returns the non-empty .sql files in dir, sorted by name.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// applyMigrations runs every migration in dir that is not yet recorded in
// relay_schema_migrations, each in its own transaction. It stops at the
// first failure.
func applyMigrations(ctx context.Context, db *sql.DB, dir string) (int, error) {
	if _, err := db.ExecContext(ctx, schemaTable); err != nil {
		return 0, fmt.Errorf("create schema table: %w", err)
	}
	files, err := migrationFiles(dir)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, f := range files {
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM relay_schema_migrations WHERE name = $1)`, f,
		).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check %s: %w", f, err)
		}
		if exists {
			logger.Debug("migration already applied", "file", f)
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return applied, err
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("apply %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO relay_schema_migrations (name) VALUES ($1)`, f); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("record %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit %s: %w", f, err)
		}
		logger.Info("migration applied", "file", f)
		applied++
	}
	return applied, nil
}

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("ping failed", "error", err)
		os.Exit(1)
	}

	if listOnly {
		rows, err := db.QueryContext(ctx, "SELECT tablename FROM pg_tables WHERE schemaname='public' AND tablename LIKE 'relay_%' ORDER BY tablename")
		if err != nil {
			logger.Error("list tables failed", "error", err)
			os.Exit(1)
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			var t string
			if err := rows.Scan(&t); err == nil {
				fmt.Println(" ", t)
				n++
			}
		}
		fmt.Printf("Total: %d tables\n", n)
		return
	}

	n, err := applyMigrations(ctx, db, dir)
	if err != nil {
		logger.Error("migrations failed", "applied", n, "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete", "applied", n)
}
