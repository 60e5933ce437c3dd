package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StorageMode selects the storage backend.
type StorageMode string

const (
	// StoragePostgres keeps state in PostgreSQL.
	StoragePostgres StorageMode = "postgres"
	// StorageMemory keeps state in process; everything is lost on restart.
	StorageMemory StorageMode = "memory"
)

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"dbp"`
	Password string `env:"PASSWORD" envDefault:"dbp"`
	Name     string `env:"NAME"     envDefault:"dbp"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`

	// The engine runs at most AGENT_ALL_CONCURRENCY operations at a time, each
	// holding a connection only briefly, so a small pool is enough.
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"    envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"    envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT"   envDefault:"5s"`
}

// Sanitize keeps pool settings within usable bounds.
func (c *DBConfig) Sanitize() {
	c.MaxOpenConns = atLeast(c.MaxOpenConns, 1)
	if c.MaxIdleConns < 0 {
		c.MaxIdleConns = 0
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// DSN renders the connection URL. Credentials are escaped by net/url.
func (c DBConfig) DSN(applicationName string) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if secs := int(c.ConnectTimeout / time.Second); secs > 0 {
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	if applicationName != "" {
		q.Set("application_name", applicationName)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisConfig contains Redis configuration. Redis is optional; when Enabled is
// false run locks and throttles stay in process.
type RedisConfig struct {
	Enabled            bool     `env:"ENABLED"              envDefault:"false"`
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Username           string   `env:"USERNAME"`
	Password           string   `env:"PASSWORD"`
	DB                 int      `env:"DB"                   envDefault:"0"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
	// LockTTL bounds how long a crashed process keeps a target locked.
	LockTTL     time.Duration `env:"LOCK_TTL"     envDefault:"30m"`
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
}

// Sanitize trims node lists and keeps timeouts positive.
func (c *RedisConfig) Sanitize() {
	c.URI = strings.TrimSpace(c.URI)
	c.SentinelNodes = compact(c.SentinelNodes)
	c.ClusterNodes = compact(c.ClusterNodes)
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
