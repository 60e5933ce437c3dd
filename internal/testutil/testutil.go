// Package testutil holds fixtures and infrastructure helpers shared by tests.
// Database and Redis helpers skip the calling test when the service is
// unreachable, unless TEST_REQUIRE_DB, TEST_REQUIRE_REDIS or TEST_REQUIRE_INFRA
// is set, in which case they fail it.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	// Import pgx driver for database/sql compatibility in tests.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-dbp/config"
	"github.com/target/mmk-dbp/internal/migrate"
)

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Cleanup(func())
	Skipf(format string, args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

const applicationName = "dbp-tests"

// TestDBConfig reads TEST_DB_* variables. The default port 55432 matches the
// docker-compose test profile; CI sets TEST_DB_PORT=5432.
func TestDBConfig() config.DBConfig {
	port, err := strconv.Atoi(envOr("TEST_DB_PORT", "55432"))
	if err != nil {
		port = 55432
	}
	return config.DBConfig{
		Host:           envOr("TEST_DB_HOST", "localhost"),
		Port:           port,
		User:           envOr("TEST_DB_USER", "dbp"),
		Password:       envOr("TEST_DB_PASSWORD", "dbp"),
		Name:           envOr("TEST_DB_NAME", "dbp"),
		SSLMode:        envOr("TEST_DB_SSL_MODE", "disable"),
		ConnectTimeout: 2 * time.Second,
	}
}

// SetupEphemeralSchemaDB opens a connection scoped to a fresh schema with the
// production migrations applied. The schema is dropped when the test ends.
func SetupEphemeralSchemaDB(t TestingTB) *sql.DB {
	t.Helper()
	dsn := TestDBConfig().DSN(applicationName)

	admin := openPinged(t, dsn)
	schema := newSchemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		closeQuietly(t, "admin db", admin)
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Logf("using ephemeral schema %s", schema)
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if _, err := admin.ExecContext(dropCtx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		closeQuietly(t, "admin db", admin)
	})

	// Registered after the admin cleanup so it runs first.
	db := openPinged(t, withSearchPath(t, dsn, schema))
	t.Cleanup(func() { closeQuietly(t, "schema db", db) })

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer migrateCancel()
	if err := migrate.Run(migrateCtx, db); err != nil {
		t.Fatalf("migrate schema %s: %v", schema, err)
	}
	return db
}

// WithEphemeralDB runs fn against a migrated throwaway schema.
func WithEphemeralDB(t TestingTB, fn func(*sql.DB)) {
	t.Helper()
	fn(SetupEphemeralSchemaDB(t))
}

func openPinged(t TestingTB, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		unavailable(t, requireDB(), "test database", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		closeQuietly(t, "test db", db)
		unavailable(t, requireDB(), "test database", err)
	}
	return db
}

func withSearchPath(t TestingTB, dsn, schema string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema+",public")
	u.RawQuery = q.Encode()
	return u.String()
}

func newSchemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "t_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "t_" + hex.EncodeToString(b)
}

// SetupTestRedis connects to TEST_REDIS_ADDR (default localhost:56379) using
// database TEST_REDIS_DB (default 1), flushed before use.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()
	dbIndex, err := strconv.Atoi(envOr("TEST_REDIS_DB", "1"))
	if err != nil || dbIndex < 0 {
		dbIndex = 1
	}
	client := redis.NewClient(&redis.Options{
		Addr: envOr("TEST_REDIS_ADDR", "localhost:56379"),
		DB:   dbIndex,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		closeQuietly(t, "redis client", client)
		unavailable(t, requireRedis(), "test redis", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test redis: %v", err)
	}
	t.Cleanup(func() { closeQuietly(t, "redis client", client) })
	return client
}

// TestTime returns a fixed time for testing.
func TestTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}

func unavailable(t TestingTB, required bool, what string, err error) {
	t.Helper()
	if required {
		t.Fatalf("%s not available: %v", what, err)
	}
	t.Skipf("%s not available: %v", what, err)
}

func closeQuietly(t TestingTB, name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}

func requireDB() bool    { return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") }
func requireRedis() bool { return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") }
