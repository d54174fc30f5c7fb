package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"upscaler/broker"
	"upscaler/core"
	"upscaler/shutdown"
	"upscaler/worker"
)

func newServeBrokerCommand(ctx *commandContext) *cobra.Command {
	var (
		addr        string
		maxFailures int
		block       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve-broker",
		Short: "Run the privileged image fetch broker",
		Long:  "Serve POST /fetch so pipelines without direct network access can retrieve image bytes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.BrokerAddr
			}
			zl := logger.Zap().Named("broker")

			limiter := broker.NewLimiter(maxFailures, broker.DefaultFailureWindow, block)
			limitCtx, stopCleanup := context.WithCancel(cmd.Context())
			defer stopCleanup()
			limiter.StartCleanupTicker(limitCtx, time.Minute)

			srv := broker.NewServer(broker.NewDirect(cfg), zl, broker.WithLimiter(limiter)).HTTPServer(addr)
			return serve(cmd.Context(), zl, srv, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides BROKER_ADDR)")
	cmd.Flags().IntVar(&maxFailures, "max-failures", broker.DefaultMaxFailures, "Failed fetches per client per minute before blocking")
	cmd.Flags().DurationVar(&block, "block", broker.DefaultBlockDuration, "How long a client stays blocked")
	return cmd
}

func newServeWorkerCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-worker",
		Short: "Run a remote inference worker",
		Long:  "Host one inference unit per websocket connection at /unit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.WorkerAddr
			}
			zl := logger.Zap().Named("worker")
			units := worker.NewServer(modelLoader(cfg, zl.Named("model")), zl)
			return serve(cmd.Context(), zl, units.HTTPServer(addr), units)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides WORKER_ADDR)")
	return cmd
}

// serve runs srv until a signal arrives or ctx ends, then shuts down
// through the manager. extra is closed after the listener stops.
func serve(ctx context.Context, logger *zap.Logger, srv *http.Server, extra interface{ Close() error }) error {
	manager := shutdown.NewManager(logger)
	manager.Register("http-server", shutdown.PriorityServers, shutdown.HTTPServer(srv))
	if extra != nil {
		manager.Register("connections", shutdown.PriorityChannel, shutdown.Closer(extra))
	}
	manager.Start()

	stop := context.AfterFunc(ctx, manager.Trigger)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			manager.Trigger()
			return
		}
		serveErr <- nil
	}()

	<-manager.Context().Done()
	err := manager.Shutdown()
	if lerr := <-serveErr; lerr != nil {
		return withExitCode(core.ExitCodeError, multierr.Append(lerr, err))
	}
	return err
}
