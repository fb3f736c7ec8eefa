package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-rbac/internal/app"
	"github.com/odyssey-erp/odyssey-rbac/internal/platform/db"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac"
	"github.com/odyssey-erp/odyssey-rbac/internal/rbac/sqlitestore"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
	"github.com/odyssey-erp/odyssey-rbac/internal/users"
)

// runtime bundles the storage-backed services a command needs.
type runtime struct {
	cfg     *app.Config
	logger  *slog.Logger
	engine  *rbac.Engine
	manager *rbac.Manager
	store   app.Pinger

	// Exactly one of these is set, matching cfg.RBACStore.
	pool   *pgxpool.Pool
	sqlite *sqlitestore.Store
}

func loadConfig(opts *globalOptions) (*app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts != nil && opts.store != "" {
		if opts.store != app.StorePostgres && opts.store != app.StoreSQLite {
			return nil, fmt.Errorf("unsupported --store %q", opts.store)
		}
		cfg.RBACStore = opts.store
	}
	if opts != nil && opts.sqlitePath != "" {
		cfg.SQLitePath = opts.sqlitePath
	}
	return cfg, nil
}

// openRuntime connects the configured store and builds the engine and manager.
func openRuntime(ctx context.Context, cfg *app.Config, logger *slog.Logger, recorder rbac.DecisionRecorder) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	var (
		repo    rbac.Repository
		actors  rbac.ActorDirectory
		auditor rbac.Auditor
	)
	switch cfg.RBACStore {
	case app.StoreSQLite:
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.sqlite = store
		rt.store = store
		repo, actors, auditor = store, store, store
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MinConns: cfg.PGMinConns})
		if err != nil {
			return nil, err
		}
		rt.pool = pool
		rt.store = pool
		repo = rbac.NewRepository(pool)
		actors = users.NewRepository(pool)
		auditor = shared.NewAuditLogger(pool)
	}

	rt.engine = rbac.NewEngine(repo, rbac.EngineConfig{
		Timeout:       cfg.RBACQueryTimeout,
		EnforceExpiry: cfg.RBACEnforceExpiry,
		Logger:        logger,
		Recorder:      recorder,
	})
	rt.manager = rbac.NewManager(repo, actors, rbac.ManagerConfig{
		Timeout:       cfg.RBACQueryTimeout,
		EnforceExpiry: cfg.RBACEnforceExpiry,
		Logger:        logger,
		Auditor:       auditor,
	})
	return rt, nil
}

// Close releases the store connection.
func (rt *runtime) Close() error {
	if rt.pool != nil {
		rt.pool.Close()
	}
	if rt.sqlite != nil {
		return rt.sqlite.Close()
	}
	return nil
}

// commandRuntime is the common prologue of storage commands.
func commandRuntime(ctx context.Context, opts *globalOptions) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return openRuntime(ctx, cfg, app.NewLoggerWriter(cfg, os.Stderr), nil)
}
