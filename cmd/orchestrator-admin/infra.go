package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/target/mmk-orchestrator/config"
	"github.com/target/mmk-orchestrator/internal/bootstrap"
)

var errPostgresRequired = errors.New("command requires STORE_DRIVER=postgres")

// app holds the configuration and lazily connected infrastructure shared by commands.
type app struct {
	cfg    *config.AppConfig
	logger *slog.Logger

	db       *sql.DB
	redis    redis.UniversalClient
	services *bootstrap.ServiceContainer
}

func (a *app) loadConfig() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = &cfg
	if a.logger == nil {
		a.logger = bootstrap.InitLogger(cfg.IsDev)
	}
	return nil
}

// database connects Postgres once.
func (a *app) database() (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	if a.cfg.Store.Driver != config.StoreDriverPostgres {
		return nil, errPostgresRequired
	}
	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: a.cfg.Postgres, Logger: a.logger})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	a.db = db
	return db, nil
}

// container wires the services against the configured store. A memory store
// lives only as long as this command, which is still useful for trying a
// provider end to end with `jobs submit --wait`.
func (a *app) container() (*bootstrap.ServiceContainer, error) {
	if a.services != nil {
		return a.services, nil
	}

	deps := &bootstrap.ServiceDeps{Config: a.cfg, Logger: a.logger}
	if a.cfg.Store.Driver == config.StoreDriverPostgres {
		db, err := a.database()
		if err != nil {
			return nil, err
		}
		deps.DB = db
	} else {
		a.logger.Warn("using the in-memory store; nothing outlives this command")
	}
	if a.cfg.Redis.Enabled {
		client, err := bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: a.cfg.Redis, Logger: a.logger})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		deps.RedisClient = client
	}

	svc, err := bootstrap.NewServices(deps)
	if err != nil {
		return nil, fmt.Errorf("build services: %w", err)
	}
	a.services = &svc
	return a.services, nil
}

// close releases whatever was connected; it is safe to call more than once.
func (a *app) close() {
	if a.services != nil {
		if err := a.services.Observability.Close(); err != nil {
			a.logger.Error("close metrics client", "error", err)
		}
		a.services = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("close redis", "error", err)
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("close database", "error", err)
		}
		a.db = nil
	}
}
