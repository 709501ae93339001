// Package app wires a workspace into a running housekeeper: config, store,
// model client and agent loop.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"blab/internal/agent"
	"blab/internal/config"
	"blab/internal/db"
	"blab/internal/engine"
	"blab/internal/llm"
	"blab/internal/migrate"
)

type Options struct {
	Workspace string
	// ConfigFile overrides <workspace>/blab.yml when set.
	ConfigFile string
	Getenv     func(string) string
	Log        *zap.Logger
	// Client replaces the provider client built from config. Tests use it.
	Client llm.Client
}

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Planner   agent.Planner
	Loop      agent.Loop
	Log       *zap.Logger

	client llm.Client
}

// LoadEnv reads <workspace>/.env into the process environment. A missing
// file is not an error.
func LoadEnv(workspace string) error {
	path := filepath.Join(workspaceOrDot(workspace), ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfig reads the workspace config (defaults when absent) and applies
// BLAB_MODEL_* overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigFile != "" {
		cfg, err = config.FromFile(opts.ConfigFile)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(opts.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open loads config, opens and migrates the store and builds the agent loop.
// A model that cannot be reached is not an error here; planning calls report
// it as agent.ConfigurationError.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	workspace := workspaceOrDot(opts.Workspace)
	if err := LoadEnv(workspace); err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if n > 0 {
		log.Info("applied migrations", zap.Int("count", n), zap.String("db", db.Path(workspace)))
	}

	client := opts.Client
	if client == nil {
		if err := agent.CheckSettings(cfg.Model); err != nil {
			log.Warn("model access unavailable", zap.Error(err))
		} else if client, err = llm.NewClient(ctx, cfg.Model); err != nil {
			log.Warn("model client unavailable", zap.String("provider", cfg.Model.Provider), zap.Error(err))
			client = nil
		}
	}

	promptsFile := cfg.Housekeeper.PromptsFile
	if promptsFile != "" && !filepath.IsAbs(promptsFile) {
		promptsFile = filepath.Join(workspace, promptsFile)
	}
	prompts, err := agent.LoadPrompts(promptsFile)
	if err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(conn, log.Named("engine"))
	planner := agent.NewPlanner(cfg.Model, client, prompts, agent.LimitsFrom(cfg.Housekeeper), log.Named("planner"))
	return &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    eng,
		Planner:   planner,
		Loop:      agent.Loop{Planner: planner, Executor: eng, Log: log.Named("loop")},
		Log:       log,
		client:    client,
	}, nil
}

// Close releases the model client and the store.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.client.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func workspaceOrDot(ws string) string {
	if ws == "" {
		return "."
	}
	return ws
}
