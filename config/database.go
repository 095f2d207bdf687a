package config

import (
	"fmt"
	"strings"
	"time"
)

// StoreDriver selects the job store implementation.
type StoreDriver string

const (
	// StoreDriverPostgres persists jobs in PostgreSQL.
	StoreDriverPostgres StoreDriver = "postgres"
	// StoreDriverMemory keeps jobs in process memory (development and tests).
	StoreDriverMemory StoreDriver = "memory"
)

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Driver StoreDriver `env:"STORE_DRIVER" envDefault:"postgres"`
	// DefaultMaxRetries is the poll attempt budget for jobs that do not set one.
	DefaultMaxRetries int `env:"STORE_DEFAULT_MAX_RETRIES" envDefault:"30"`
}

// Sanitize normalises the driver name.
func (s *StoreConfig) Sanitize() {
	s.Driver = StoreDriver(strings.ToLower(strings.TrimSpace(string(s.Driver))))
	if s.Driver == "" {
		s.Driver = StoreDriverPostgres
	}
	if s.DefaultMaxRetries < 1 {
		s.DefaultMaxRetries = 1
	}
}

// Validate rejects unknown drivers.
func (s *StoreConfig) Validate() error {
	switch s.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
		return nil
	default:
		return &ConfigurationError{
			Field:  "STORE_DRIVER",
			Reason: fmt.Sprintf("unknown driver %q (valid options: postgres, memory)", s.Driver),
		}
	}
}

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"orchestrator"`
	Password string `env:"PASSWORD"                envDefault:"orchestrator"`
	Name     string `env:"NAME"                    envDefault:"orchestrator"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool          `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
	MaxOpenConns         int           `env:"MAX_OPEN_CONNS"          envDefault:"20"`
	ConnMaxLifetime      time.Duration `env:"CONN_MAX_LIFETIME"       envDefault:"5m"`
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT"         envDefault:"5s"`
}

// RedisConfig contains Redis configuration. Redis is optional; without it
// idempotent submits rely on the Postgres unique index alone.
type RedisConfig struct {
	Enabled            bool          `env:"ENABLED"              envDefault:"false"`
	URI                string        `env:"URI"                  envDefault:"localhost:6379"`
	Password           string        `env:"PASSWORD"             envDefault:""`
	DB                 int           `env:"DB"                   envDefault:"0"`
	DialTimeout        time.Duration `env:"DIAL_TIMEOUT"         envDefault:"5s"`
	SentinelNodes      []string      `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string        `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string        `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool          `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string      `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool          `env:"USE_CLUSTER"          envDefault:"false"`
}

// Sanitize trims node lists. A cluster without nodes falls back to URI as its seed.
func (r *RedisConfig) Sanitize() {
	r.URI = strings.TrimSpace(r.URI)
	r.SentinelNodes = trimNonEmpty(r.SentinelNodes)
	r.ClusterNodes = trimNonEmpty(r.ClusterNodes)
	if r.UseCluster && len(r.ClusterNodes) == 0 && r.URI == "" {
		r.UseCluster = false
	}
	if r.DB < 0 {
		r.DB = 0
	}
}

func trimNonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
