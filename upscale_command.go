package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"upscaler/core"
	"upscaler/document"
	"upscaler/pipeline"
	"upscaler/shutdown"
)

func newUpscaleCommand(ctx *commandContext) *cobra.Command {
	var (
		output  string
		inline  bool
		mode    string
		timeout time.Duration
		warmup  bool
	)

	cmd := &cobra.Command{
		Use:   "upscale <page>",
		Short: "Upscale the first eligible image and write the rewritten page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.UpscaleMode = mode
			}
			if timeout > 0 {
				cfg.InferenceTimeout = timeout
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			manager := shutdown.NewManager(logger.Zap())
			a.registerShutdown(manager)
			manager.Start()
			defer manager.Shutdown()

			var res pipeline.Result
			var doc *document.Document
			err = manager.WrapOperation(cmd.Context(), "upscale", func(opCtx context.Context) error {
				runCtx, cancel := context.WithCancel(opCtx)
				defer cancel()
				stop := context.AfterFunc(manager.Context(), cancel)
				defer stop()

				if warmup {
					if err := a.pipeline.Warmup(runCtx); err != nil {
						logger.Warn("Warmup failed", zap.Error(err))
					}
				}
				var err error
				if doc, err = a.openDocument(runCtx, args[0]); err != nil {
					return err
				}
				res = a.pipeline.UpscaleFirst(runCtx, doc)
				return runCtx.Err()
			})
			if err != nil {
				return err
			}

			printResult(cmd.ErrOrStderr(), res)
			if err := writeDocument(cmd.OutOrStdout(), output, doc, inline); err != nil {
				return err
			}
			if !res.Success {
				return withExitCode(core.ExitCodeNoUpscale, errors.New(string(res.Kind)+": "+res.Message))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the rewritten page here instead of stdout")
	cmd.Flags().BoolVar(&inline, "inline", true, "Write object URLs as data: URIs")
	cmd.Flags().StringVar(&mode, "mode", "", "Mode label passed to the model (overrides UPSCALE_MODE)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Inference timeout (overrides INFERENCE_TIMEOUT)")
	cmd.Flags().BoolVar(&warmup, "warmup", false, "Load the model before fetching the page")
	return cmd
}

func printResult(w io.Writer, res pipeline.Result) {
	dim := color.New(color.FgHiBlack)
	if res.Success {
		color.New(color.FgGreen).Fprintf(w, "✓ upscaled to %dx%d", res.Width, res.Height)
		dim.Fprintf(w, " via %s in %v (%s)\n", res.Strategy, res.Duration.Round(time.Millisecond), res.CorrelationID)
		return
	}
	clr := color.New(color.FgRed)
	if res.Kind == pipeline.KindNoCandidates {
		clr = color.New(color.FgYellow)
	}
	clr.Fprintf(w, "✗ %s", res.Kind)
	dim.Fprintf(w, " at %s: %s\n", res.Stage, res.Message)
}

func writeDocument(stdout io.Writer, path string, doc *document.Document, inline bool) error {
	opts := document.RenderOptions{InlineBlobs: inline}
	if path == "" {
		return doc.Render(stdout, opts)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := doc.Render(f, opts); err != nil {
		f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return f.Close()
}
