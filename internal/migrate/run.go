// Package migrate applies the embedded PostgreSQL schema for the broker store.
package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var embedded embed.FS

// lockKey serializes migrations when several agents start against one database.
const lockKey int64 = 0x6462705f6d6967 // "dbp_mig"

// Migration is one versioned SQL file named NNNN_description.sql.
type Migration struct {
	Version int64
	Name    string
	File    string
}

// Options tunes Apply and Pending.
type Options struct {
	Logger *slog.Logger // Optional
	// Source overrides the embedded migrations; files are read from its root.
	Source fs.FS // Optional
}

func (o Options) source() (fs.FS, error) {
	if o.Source != nil {
		return o.Source, nil
	}
	return fs.Sub(embedded, "migrations")
}

func (o Options) logger() *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "migrations")
}

// Run applies every pending embedded migration. It is safe to call multiple times.
func Run(ctx context.Context, db *sql.DB) error {
	_, err := Apply(ctx, db, Options{})
	return err
}

// Load lists the migrations in fsys ordered by version. Duplicate versions and
// names without a numeric prefix are rejected.
func Load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	out := make([]Migration, 0, len(names))
	seen := make(map[int64]string, len(names))
	for _, file := range names {
		m, err := parseName(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[m.Version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, file, m.Version)
		}
		seen[m.Version] = file
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

func parseName(file string) (Migration, error) {
	stem := strings.TrimSuffix(path.Base(file), ".sql")
	prefix, name, _ := strings.Cut(stem, "_")
	version, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || version <= 0 {
		return Migration{}, fmt.Errorf("migration %s: name must start with a positive version number", file)
	}
	return Migration{Version: version, Name: name, File: file}, nil
}

// Pending reports the migrations that Apply would run.
func Pending(ctx context.Context, db *sql.DB, opts Options) ([]Migration, error) {
	all, applied, err := loadState(ctx, db, opts)
	if err != nil {
		return nil, err
	}
	return unapplied(all, applied), nil
}

// Apply runs pending migrations, each in its own transaction, under a session
// advisory lock. It returns the migrations it applied.
func Apply(ctx context.Context, db *sql.DB, opts Options) ([]Migration, error) {
	source, err := opts.source()
	if err != nil {
		return nil, err
	}
	all, err := Load(source)
	if err != nil {
		return nil, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	logger := opts.logger()
	if _, err = conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		// Unlock even when ctx is already cancelled so the session does not keep the lock.
		if _, unlockErr := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, lockKey); unlockErr != nil {
			logger.ErrorContext(ctx, "release migration lock failed", "error", unlockErr)
		}
	}()

	if err = ensureTable(ctx, conn); err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return nil, err
	}

	var done []Migration
	for _, m := range unapplied(all, applied) {
		body, readErr := fs.ReadFile(source, m.File)
		if readErr != nil {
			return done, fmt.Errorf("read migration %s: %w", m.File, readErr)
		}
		logger.InfoContext(ctx, "applying migration", "version", m.Version, "name", m.Name)
		if applyErr := applyOne(ctx, conn, m, string(body), logger); applyErr != nil {
			return done, applyErr
		}
		done = append(done, m)
	}
	return done, nil
}

func loadState(ctx context.Context, db *sql.DB, opts Options) ([]Migration, map[int64]bool, error) {
	source, err := opts.source()
	if err != nil {
		return nil, nil, err
	}
	all, err := Load(source)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	if err = ensureTable(ctx, conn); err != nil {
		return nil, nil, err
	}
	applied, err := appliedVersions(ctx, conn)
	return all, applied, err
}

func unapplied(all []Migration, applied map[int64]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

func ensureTable(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func applyOne(ctx context.Context, conn *sql.Conn, m Migration, body string, logger *slog.Logger) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.File, err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.ErrorContext(ctx, "rollback migration failed", "error", rbErr, "file", m.File)
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("exec migration %s: %w", m.File, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return fmt.Errorf("record migration %s: %w", m.File, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.File, err)
	}
	return nil
}
