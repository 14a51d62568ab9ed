package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
	"flowline/internal/logging"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

// Options controls how a workspace is opened. Empty log fields fall back to
// the log section of flowline.yml.
type Options struct {
	Workspace string
	LogLevel  string
	LogFormat string
	// Logger, when set, is used instead of building one from config.
	Logger *zap.Logger
	// Watch starts a notifier so followers and abort watchers wake on writes.
	Watch bool
}

// Context is an opened workspace: database migrated, config loaded and the
// engine wired to both.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Log       *zap.Logger
	Engine    engine.Engine
	Notifier  *events.Notifier
}

// Open resolves the workspace, applies pending migrations and builds the engine.
func Open(ctx context.Context, opts Options) (*Context, error) {
	ws := opts.Workspace
	if ws == "" {
		ws = "."
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return nil, domain.InvalidInput("workspace %s: %v", ws, err)
	}
	cfg, err := config.LoadOptional(abs)
	if err != nil {
		return nil, domain.InvalidInput("%v", err)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	log := opts.Logger
	if log == nil {
		log, err = logging.New(cfg.Log)
		if err != nil {
			return nil, domain.InvalidInput("%v", err)
		}
	}

	conn, err := db.Open(db.Config{Workspace: abs})
	if err != nil {
		return nil, domain.System(fmt.Errorf("open workspace db: %w", err))
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, domain.System(fmt.Errorf("migrate: %w", err))
	}
	log.Debug("workspace opened", zap.Int("schema_version", version), zap.String("db", db.Path(abs)))

	c := &Context{
		Workspace: abs,
		DB:        conn,
		Config:    cfg,
		Log:       log,
		Engine:    engine.New(conn, cfg, abs, log),
	}
	if opts.Watch {
		c.Notifier = events.NewNotifier(filepath.Join(abs, db.Dir), time.Second, log.Named("notifier"))
		c.Notifier.Start(ctx)
		c.Engine.Notifier = c.Notifier
	}
	return c, nil
}

// Close stops the notifier and closes the database.
func (c *Context) Close() error {
	var errs []error
	if c.Notifier != nil {
		errs = append(errs, c.Notifier.Close())
	}
	errs = append(errs, c.DB.Close())
	_ = logging.Sync(c.Log)
	return errors.Join(errs...)
}

// ResolveProject picks the project a command acts on: the override when
// given, otherwise the workspace's only project.
func (c *Context) ResolveProject(ctx context.Context, override string) (string, error) {
	r := repo.Repo{DB: c.DB}
	if override != "" {
		if _, err := r.GetProject(ctx, override); err != nil {
			return "", err
		}
		return override, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}
