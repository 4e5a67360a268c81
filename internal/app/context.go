package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"epicflow/internal/config"
	"epicflow/internal/db"
	"epicflow/internal/engine"
	"epicflow/internal/events"
	"epicflow/internal/github"
	"epicflow/internal/migrate"
	"epicflow/internal/reconcile"
)

// Session is everything a command or server needs for one workspace.
type Session struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Bus        *events.Bus
	Engine     engine.Engine
	GitHub     *github.Client
	Reconciler reconcile.Reconciler
	Logger     *slog.Logger
}

type Options struct {
	Workspace string
	// DBPath overrides the database location.
	DBPath string
	Logger *slog.Logger
}

// Open loads config, opens and migrates the database and wires the engine,
// bus and collaborator client. The GitHub client is nil when no token is
// available, which leaves the board degraded.
func Open(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	bus := events.NewBus()
	s := &Session{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Bus:       bus,
		Engine:    engine.New(conn, bus),
		Logger:    logger,
	}
	if token := cfg.GitHub.Token(); token != "" {
		s.GitHub = NewGitHubClient(cfg.GitHub, token)
	} else {
		logger.Debug("github token not set; board signals disabled", "env", cfg.GitHub.TokenEnv)
	}
	s.Reconciler = reconcile.Reconciler{Logger: logger}
	if s.GitHub != nil {
		s.Reconciler.Source = s.GitHub
	}
	return s, nil
}

// NewGitHubClient applies the github config section to a client.
func NewGitHubClient(cfg config.GitHub, token string) *github.Client {
	c := github.NewClient(token)
	if cfg.APIURL != "" {
		c = c.WithBaseURL(cfg.APIURL)
	}
	if t := cfg.Timeout(); t > 0 {
		c.HTTPClient.Timeout = t
	}
	c.MaxRetries = cfg.MaxRetries
	return c
}

func (s *Session) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
