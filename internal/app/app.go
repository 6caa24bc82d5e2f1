// Package app wires every component missiond needs into a single
// dependency graph and owns its startup and shutdown order.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/broadcaster"
	"github.com/kandev/missionctl/internal/config"
	"github.com/kandev/missionctl/internal/httpapi"
	"github.com/kandev/missionctl/internal/logger"
	"github.com/kandev/missionctl/internal/logjournal"
	"github.com/kandev/missionctl/internal/mission"
	"github.com/kandev/missionctl/internal/recovery"
	"github.com/kandev/missionctl/internal/sandbox"
	"github.com/kandev/missionctl/internal/store"
	"github.com/kandev/missionctl/internal/worktree"
)

// App bundles every long-lived component missiond's entrypoint needs, in
// the order they are constructed.
type App struct {
	Config      *config.Config
	Log         *logger.Logger
	Store       store.Store
	Journal     *logjournal.Journal
	Broadcaster *broadcaster.Broadcaster
	Sandbox     *sandbox.Manager
	Worktrees   worktree.Provider
	Driver      *mission.Driver
	Recoverer   *recovery.Recoverer
}

// New constructs every component in dependency order: store, then the
// streaming/journal pair, then the optional sandbox, then the mission
// driver (which owns its own orchestrator), then the recovery sweep.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	journal := logjournal.New(cfg.LogsDir(), log)
	bc := broadcaster.New(cfg.NATSURL, log)
	wt := worktree.New(log)

	sb, err := newSandbox(cfg, log)
	if err != nil {
		log.WithError(err).Warn("app: sandbox unavailable, task execution falls back to local processes")
		sb = nil
	}

	runner, err := mission.NewEchoTaskRunner("")
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("building task runner: %w", err)
	}
	driver := mission.New(st, sb, journal, bc, wt, runner, log)

	rec := recovery.New(st, sb, journal, bc, log)

	return &App{
		Config:      cfg,
		Log:         log,
		Store:       st,
		Journal:     journal,
		Broadcaster: bc,
		Sandbox:     sb,
		Worktrees:   wt,
		Driver:      driver,
		Recoverer:   rec,
	}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return store.OpenPostgres(cfg.StoreDSN)
	default:
		return store.Open(cfg.DBPath())
	}
}

// newSandbox builds a Manager and probes it with a bounded Ping: the Docker
// client constructor never dials, so a bad host only surfaces here. A
// failed probe closes the client and returns the error; New treats the
// sandbox as optional and continues with a nil Manager.
func newSandbox(cfg *config.Config, log *logger.Logger) (*sandbox.Manager, error) {
	sb, err := sandbox.New(cfg.DockerHost, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sb.Ping(ctx); err != nil {
		_ = sb.Close()
		return nil, err
	}
	return sb, nil
}

// Recover runs the startup recovery sweep. It must complete before the
// HTTP API begins accepting requests so in-flight work from a prior process
// is reconciled before any new command can race it.
func (a *App) Recover(ctx context.Context) error {
	return a.Recoverer.Run(ctx)
}

// Deps builds the Deps value shared by the public and debug HTTP routers.
func (a *App) Deps() httpapi.Deps {
	return httpapi.Deps{
		Store:       a.Store,
		Sandbox:     a.Sandbox,
		Journal:     a.Journal,
		Broadcaster: a.Broadcaster,
		Driver:      a.Driver,
		Log:         a.Log,
		APIToken:    a.Config.APIToken,
		Env:         a.Config.Env,
	}
}

// Shutdown releases components in the order orchestrator, sandbox,
// journal, broadcaster, store. Errors
// are logged rather than aggregated: shutdown must run to completion even
// when an individual component fails to close cleanly.
func (a *App) Shutdown(ctx context.Context) {
	a.Driver.Orchestrator().Cleanup()
	if a.Sandbox != nil {
		a.Sandbox.Cleanup(ctx)
		if err := a.Sandbox.Close(); err != nil {
			a.Log.WithError(err).Warn("app: sandbox close failed")
		}
	}
	a.Journal.Cleanup()
	a.Broadcaster.Cleanup()
	if err := a.Store.Close(); err != nil {
		a.Log.WithError(err).Warn("app: store close failed")
	}
	a.Log.Info("app: shutdown complete", zap.String("env", a.Config.Env))
}
