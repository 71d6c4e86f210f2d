package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"visatrack/internal/artifacts"
	"visatrack/internal/config"
	"visatrack/internal/db"
	"visatrack/internal/domain"
	"visatrack/internal/engine"
	"visatrack/internal/lock"
	"visatrack/internal/migrate"
	"visatrack/internal/repo"
)

// Store is the engine's store plus the lifecycle and event-feed methods
// used by the server and webhook dispatcher.
type Store interface {
	engine.Store
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
	Close() error
}

var (
	_ Store = repo.Repo{}
	_ Store = (*repo.MongoRepo)(nil)
)

// App bundles the long-lived collaborators opened at process start.
type App struct {
	Config    *config.Config
	Store     Store
	Engine    engine.Engine
	Artifacts artifacts.LocalStorage
	redis     *redis.Client
}

// Open connects the configured store, applies migrations or indexes, and
// builds the engine. Close must be called at shutdown.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e := engine.New(store, cfg.Workflow)
	e.Logger = logger
	a := &App{
		Config:    cfg,
		Store:     store,
		Engine:    e,
		Artifacts: artifacts.LocalStorage{Root: cfg.ArtifactsDir()},
	}
	if cfg.Lock.Driver == config.LockRedis {
		rc := cfg.Lock.Redis
		client, err := db.OpenRedis(ctx, db.RedisConfig{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		if err != nil {
			store.Close()
			return nil, err
		}
		a.redis = client
		a.Engine.Locker = lock.NewRedisLocker(client, rc.Prefix, time.Duration(rc.TTLSeconds)*time.Second)
	}
	return a, nil
}

func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMongo:
		client, err := db.OpenMongo(ctx, db.MongoConfig{URI: cfg.Storage.Mongo.URI})
		if err != nil {
			return nil, err
		}
		s := repo.NewMongoRepo(client, cfg.Storage.Mongo.Database, cfg.Storage.Mongo.Collection)
		if err := s.EnsureIndexes(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "", config.DriverSQLite:
		conn, err := db.Open(db.Config{Workspace: cfg.Storage.SQLite.Workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return repo.New(conn), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
