package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/iambrandonn/orca/internal/classify"
	"github.com/iambrandonn/orca/internal/config"
	"github.com/iambrandonn/orca/internal/container"
	"github.com/iambrandonn/orca/internal/dispatch"
	"github.com/iambrandonn/orca/internal/executor"
	"github.com/iambrandonn/orca/internal/llm"
	"github.com/iambrandonn/orca/internal/metrics"
	"github.com/iambrandonn/orca/internal/runtime"
	"github.com/iambrandonn/orca/internal/session"
	"github.com/iambrandonn/orca/internal/store"
	"github.com/iambrandonn/orca/internal/stream"
	"github.com/iambrandonn/orca/internal/task"
	"github.com/iambrandonn/orca/internal/workspace"
)

// newRuntime is replaced in tests.
var newRuntime = func(logger *slog.Logger) runtime.Runtime {
	return runtime.NewDockerCLI(logger)
}

// app is the wired orchestrator shared by the commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *sql.DB
	rt         runtime.Runtime
	metrics    *metrics.Metrics
	containers *container.Manager
	tasks      *task.Manager
	sessions   session.Store
	dispatcher *dispatch.Dispatcher
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	layout, err := workspace.Initialize(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(ctx, cfg.StorePath())
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		rt:       newRuntime(logger),
		metrics:  metrics.MustNewMetrics(nil),
		sessions: session.NewSQLiteStore(db),
	}
	if err := a.wire(layout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(layout workspace.Layout) error {
	cfg := a.cfg
	limits, err := cfg.Limits()
	if err != nil {
		return err
	}

	// the model credential is the only thing a task container inherits
	env := map[string]string{}
	if cfg.Model.APIKey != "" {
		env[config.EnvModelKey] = cfg.Model.APIKey
	}
	a.containers, err = container.NewManager(a.rt, container.NewSQLiteRecordStore(a.db), container.Options{
		Image:         cfg.Container.Image,
		Limits:        limits,
		Env:           env,
		WorkspaceRoot: layout.Workspaces(),
		MountPath:     cfg.Container.Workdir,
		Network:       cfg.Container.Network,
		StopTimeout:   cfg.Container.StopTimeout,
		Retry:         cfg.AcquireRetry(),
		Observer:      a.metrics,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("container manager: %w", err)
	}

	exec := executor.New(a.rt, a.containers, executor.Options{
		AgentCmd:     cfg.Executor.AgentCmd,
		AllowedTools: cfg.Executor.AllowedTools,
		Timeout:      cfg.Executor.Timeout,
		CloneTimeout: cfg.Executor.CloneTimeout,
		SCMToken:     cfg.SCMToken,
		Interactive:  cfg.Executor.Interactive,
	}, a.logger)

	a.tasks = task.NewManager(task.NewSQLiteStore(a.db), a.containers, exec, task.Options{
		EventDir:    layout.Events(),
		HistorySize: cfg.Stream.HistorySize,
		Stream: stream.Options{
			QueueSize:     cfg.Stream.QueueSize,
			BacklogSize:   cfg.Stream.BacklogSize,
			MaxRecordSize: cfg.Stream.MaxRecordSize,
			Observer:      a.metrics,
		},
		Observer: a.metrics,
	}, a.logger)

	model := llm.NewAnthropic(llm.AnthropicOptions{
		APIKey:    cfg.Model.APIKey,
		Model:     cfg.Model.Name,
		MaxTokens: cfg.Model.MaxTokens,
	})
	classifier, err := classify.New(model, classify.Options{
		Trigger:      cfg.Classifier.Trigger,
		CacheSize:    cfg.Classifier.CacheSize,
		ModelTimeout: cfg.Classifier.ModelTimeout,
		Observer:     a.metrics,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	a.dispatcher = dispatch.New(a.sessions, classifier, model, a.tasks, dispatch.Options{
		HistoryTurns: cfg.Model.HistoryTurns,
		MaxTokens:    cfg.Model.MaxTokens,
	}, a.logger)
	return nil
}

// start restores state a previous process left behind.
func (a *app) start(ctx context.Context) error {
	if err := a.rt.Ping(ctx); err != nil {
		a.logger.Warn("container runtime unavailable; quick queries still work", "error", err)
	}
	if err := a.containers.Reconcile(ctx); err != nil {
		return err
	}
	n, err := a.tasks.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	if n > 0 {
		a.logger.Warn("failed tasks interrupted by restart", "count", n)
	}
	return nil
}

func (a *app) close(ctx context.Context) error {
	err := a.tasks.Shutdown(ctx)
	a.dispatcher.Wait()
	if cerr := a.db.Close(); err == nil {
		err = cerr
	}
	return err
}
