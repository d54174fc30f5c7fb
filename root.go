package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"upscaler/core"
	"upscaler/logging"
)

// commandContext lazily loads configuration and the logger shared by all
// subcommands.
type commandContext struct {
	devFlag   *bool
	levelFlag *string

	configOnce sync.Once
	config     *core.Config
	configErr  error

	loggerOnce sync.Once
	logger     *logging.Logger
	loggerErr  error
}

func (c *commandContext) ensureConfig() (*core.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := core.LoadConfig()
		if err != nil {
			c.configErr = err
			return
		}
		if c.devFlag != nil && *c.devFlag {
			cfg.DevMode = true
		}
		if c.levelFlag != nil && strings.TrimSpace(*c.levelFlag) != "" {
			cfg.LogLevel = *c.levelFlag
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*logging.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		opts := logging.Options{Development: cfg.DevMode, FilePath: cfg.LogFile}
		if cfg.LogLevel != "" {
			lvl, ok := logging.ParseLevel(cfg.LogLevel)
			if !ok {
				c.loggerErr = core.ErrInvalidValue("LOG_LEVEL", cfg.LogLevel, "must be debug, info, warn or error")
				return
			}
			opts.Level = &lvl
		}
		c.logger, c.loggerErr = logging.NewLogger(opts)
		if c.loggerErr != nil {
			c.loggerErr = fmt.Errorf("initialize logger: %w", c.loggerErr)
		}
	})
	return c.logger, c.loggerErr
}

// zapLogger returns the command logger, or a no-op logger when it cannot
// be built.
func (c *commandContext) zapLogger() *zap.Logger {
	if l, err := c.ensureLogger(); err == nil {
		return l.Zap()
	}
	return zap.NewNop()
}

func (c *commandContext) sync() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func newRootCommand() *cobra.Command {
	var devFlag bool
	var levelFlag string
	ctx := &commandContext{devFlag: &devFlag, levelFlag: &levelFlag}

	rootCmd := &cobra.Command{
		Use:           "upscaler",
		Short:         "Upscale page images through an isolated inference unit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureLogger()
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().BoolVar(&devFlag, "dev", false, "Colored debug console logging (overrides DEV_MODE)")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(newCountCommand(ctx))
	rootCmd.AddCommand(newUpscaleCommand(ctx))
	rootCmd.AddCommand(newServeBrokerCommand(ctx))
	rootCmd.AddCommand(newServeWorkerCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))

	return rootCmd
}
