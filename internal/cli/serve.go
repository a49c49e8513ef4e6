package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/orca/internal/server"
)

const shutdownGrace = 30 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP surface and the idle container reaper",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if err := a.start(ctx); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Dispatcher: a.dispatcher,
		Tasks:      a.tasks,
		Sessions:   a.sessions,
		Runtime:    a.rt,
		Metrics:    a.metrics.Handler(),
	}, server.Options{Addr: cfg.Server.Addr}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return a.containers.RunReaper(gctx, cfg.Container.ReapInterval, cfg.Container.IdleThreshold)
	})

	logger.Info("orca serving", "addr", cfg.Server.Addr, "state_dir", cfg.StateDir)
	return g.Wait()
}
