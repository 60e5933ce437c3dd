package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-dbp/config"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/data"
	"github.com/target/mmk-dbp/internal/migrate"
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	// ApplicationName is reported to PostgreSQL as application_name.
	ApplicationName string
	Logger          *slog.Logger
}

// ConnectDB opens the pgx-backed pool and verifies it with a ping.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	dbc := cfg.DBConfig
	db, err := sql.Open("pgx", dbc.DSN(cfg.ApplicationName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(dbc.MaxOpenConns)
	db.SetMaxIdleConns(dbc.MaxIdleConns)
	db.SetConnMaxLifetime(dbc.ConnMaxLifetime)

	if err := ping(dbc.ConnectTimeout, db.PingContext, db.Close); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", dbc.Host,
			"port", dbc.Port,
			"database", dbc.Name,
			"max_open_conns", dbc.MaxOpenConns,
		)
	}
	return db, nil
}

// ping verifies a fresh client and closes it when unreachable.
func ping(timeout time.Duration, check func(context.Context) error, closeFn func() error) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := check(ctx)
	if err == nil {
		return nil
	}
	if closeErr := closeFn(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close client: %w", closeErr))
	}
	return err
}

// redisTopology names the deployment shape selected by configuration.
type redisTopology string

const (
	redisDirect   redisTopology = "direct"
	redisSentinel redisTopology = "sentinel"
	redisCluster  redisTopology = "cluster"
)

// ConnectRedis connects the client used for run locks and broker throttles.
//
//nolint:ireturn // returning redis.UniversalClient lets us pick single, sentinel, or cluster clients at runtime.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	opts, topology, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	switch topology {
	case redisCluster:
		client = redis.NewClusterClient(opts.Cluster())
	case redisSentinel:
		client = redis.NewFailoverClient(opts.Failover())
	default:
		client = redis.NewClient(opts.Simple())
	}

	pingFn := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := ping(cfg.RedisConfig.DialTimeout, pingFn, client.Close); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "topology", string(topology), "addrs", opts.Addrs, "master", opts.MasterName)
	}
	return client, nil
}

// redisOptions maps configuration onto go-redis universal options. A redis://
// or rediss:// URI supplies address, credentials, database and TLS; explicit
// password settings win over URI credentials.
func redisOptions(cfg config.RedisConfig) (*redis.UniversalOptions, redisTopology, error) {
	opts := &redis.UniversalOptions{
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}

	var uriAddr string
	if uri := strings.TrimSpace(cfg.URI); isRedisURL(uri) {
		parsed, err := redis.ParseURL(uri)
		if err != nil {
			return nil, "", fmt.Errorf("parse redis url: %w", err)
		}
		uriAddr = parsed.Addr
		opts.TLSConfig = parsed.TLSConfig
		opts.DB = parsed.DB
		if opts.Username == "" {
			opts.Username = parsed.Username
		}
		if opts.Password == "" {
			opts.Password = parsed.Password
		}
	} else {
		uriAddr = uri
	}

	switch {
	case cfg.UseCluster:
		opts.Addrs = cfg.ClusterNodes
		if len(opts.Addrs) == 0 && uriAddr != "" {
			opts.Addrs = []string{uriAddr}
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis cluster configuration requires at least one address")
		}
		return opts, redisCluster, nil
	case cfg.UseSentinel:
		if len(cfg.SentinelNodes) == 0 {
			return nil, "", errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		if cfg.SentinelMasterName == "" {
			return nil, "", errors.New("redis sentinel configuration requires a master name")
		}
		opts.Addrs = cfg.SentinelNodes
		opts.MasterName = cfg.SentinelMasterName
		opts.SentinelPassword = cfg.SentinelPassword
		return opts, redisSentinel, nil
	default:
		if uriAddr == "" {
			return nil, "", errors.New("redis direct configuration requires a URI")
		}
		opts.Addrs = []string{uriAddr}
		return opts, redisDirect, nil
	}
}

func isRedisURL(value string) bool {
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}

// StoreHandle is the storage selected by configuration. DB is nil for the memory store.
type StoreHandle struct {
	Store core.Database
	DB    *sql.DB
}

// Close releases the underlying connection pool, if any.
func (h StoreHandle) Close() error {
	if h.DB == nil {
		return nil
	}
	return h.DB.Close()
}

// OpenStore connects the configured storage backend and applies migrations when enabled.
func OpenStore(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (StoreHandle, error) {
	if cfg == nil {
		return StoreHandle{}, errors.New("config is required")
	}
	if cfg.Storage == config.StorageMemory {
		if logger != nil {
			logger.WarnContext(ctx, "using in-memory storage; state is lost on restart")
		}
		return StoreHandle{Store: data.NewMemoryStore()}, nil
	}

	db, err := ConnectDB(DatabaseConfig{
		DBConfig:        cfg.Postgres,
		ApplicationName: cfg.Observability.ServiceName,
		Logger:          logger,
	})
	if err != nil {
		return StoreHandle{}, err
	}
	if cfg.Postgres.RunMigrationsOnStart {
		if err := RunMigrations(ctx, db, logger); err != nil {
			return StoreHandle{}, errors.Join(err, db.Close())
		}
	}
	return StoreHandle{Store: data.NewPostgresStore(db), DB: db}, nil
}

// RunMigrations applies pending schema migrations under an advisory lock.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	applied, err := migrate.Apply(ctx, db, migrate.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed", "applied", len(applied))
	}
	return nil
}
