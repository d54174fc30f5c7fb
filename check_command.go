package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"upscaler/broker"
	"upscaler/core"
	"upscaler/db"
	"upscaler/inference"
	"upscaler/preflight"
	"upscaler/worker"
)

var errPreflightFailed = errors.New("preflight checks failed")

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var (
		timeout  time.Duration
		failFast bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify configuration, model, broker and history before running",
		Args:  cobra.NoArgs,
		// configuration errors are reported as a failed check
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg *core.Config
			zl := ctx.zapLogger()

			suite := preflight.NewSuite().
				WithOutput(cmd.OutOrStdout()).
				WithTimeout(timeout).
				WithFailFast(failFast)

			suite.Add("Configuration", func(context.Context) preflight.Outcome {
				c, err := ctx.ensureConfig()
				if err != nil {
					return preflight.Fail(err, "invalid")
				}
				cfg = c
				return preflight.Pass("band %d-%d px, timeout %v", c.MinImageDimension, c.MaxImageDimension, c.InferenceTimeout)
			})

			suite.AddDependent("Model", func(c context.Context) preflight.Outcome {
				if cfg.RemoteWorker() {
					return preflight.Skip("loaded by worker %s", cfg.WorkerURL)
				}
				mdl, err := modelLoader(cfg, zl)(c)
				if err != nil {
					return preflight.Fail(err, "cannot load %s", cfg.ModelPath)
				}
				m := mdl.Manifest()
				return preflight.Pass("%s (%s x%d) sha256 %.12s", m.Name, m.Kernel, m.Scale, mdl.Checksum())
			})

			suite.AddDependent("Inference worker", func(c context.Context) preflight.Outcome {
				if !cfg.RemoteWorker() {
					return preflight.Skip("in-process unit")
				}
				ch := inference.NewChannel(worker.RemoteFactory(cfg.WorkerURL, zl), inference.Config{Timeout: cfg.InferenceTimeout}, zl)
				defer ch.Close()
				if err := ch.Warmup(c); err != nil {
					return preflight.Fail(err, "unit at %s not ready", cfg.WorkerURL)
				}
				return preflight.Pass("ready at %s", cfg.WorkerURL)
			})

			suite.AddDependent("Fetch broker", func(c context.Context) preflight.Outcome {
				if !cfg.RemoteBroker() {
					return preflight.Skip("direct fetch")
				}
				started := time.Now()
				if err := broker.NewClient(cfg.BrokerURL, cfg).Ping(c); err != nil {
					return preflight.Fail(err, "unreachable")
				}
				return preflight.Pass("%s (latency: %v)", cfg.BrokerURL, time.Since(started).Round(time.Millisecond))
			})

			suite.AddDependent("History database", func(c context.Context) preflight.Outcome {
				if cfg.HistoryDB == "" {
					return preflight.Skip("HISTORY_DB not set")
				}
				database, err := db.Open(cfg.HistoryDB)
				if err != nil {
					return preflight.Fail(err, "cannot open %s", cfg.HistoryDB)
				}
				defer database.Close()
				n, err := db.NewRepository(database, nil).CountAttempts(c)
				if err != nil {
					return preflight.Fail(err, "cannot query %s", cfg.HistoryDB)
				}
				return preflight.Pass("%s (%s attempts)", cfg.HistoryDB, humanize.Comma(n))
			})

			result := suite.Run(cmd.Context(), "Upscaler Preflight")
			if !result.Success {
				if cfg == nil && len(result.Steps) > 0 && result.Steps[0].Error != nil {
					return result.Steps[0].Error
				}
				return fmt.Errorf("%w: %d of %d", errPreflightFailed, result.FailedSteps, result.TotalSteps)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-check timeout")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop at the first failed check")
	return cmd
}
