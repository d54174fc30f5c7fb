package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"upscaler/acquire"
	"upscaler/broker"
	"upscaler/core"
	"upscaler/db"
	"upscaler/document"
	"upscaler/inference"
	"upscaler/locator"
	"upscaler/logging"
	"upscaler/metrics"
	"upscaler/model"
	"upscaler/pipeline"
	"upscaler/shutdown"
	"upscaler/worker"
)

// version is reported in system status.
var version = "dev"

// app is the fully wired upscale path for one command invocation.
type app struct {
	cfg      *core.Config
	logger   *logging.Logger
	channel  *inference.Channel
	pipeline *pipeline.Pipeline
	metrics  *metrics.Store

	database *db.Database
	writer   *db.AsyncWriter
	history  *db.Repository
}

func newFetcher(cfg *core.Config) acquire.PrivilegedFetcher {
	if cfg.RemoteBroker() {
		return broker.NewClient(cfg.BrokerURL, cfg)
	}
	return broker.NewDirect(cfg)
}

func modelLoader(cfg *core.Config, logger *zap.Logger) worker.Loader {
	return worker.ModelLoader(cfg.ModelPath, model.LoadOptions{
		SHA256:     cfg.ModelSHA256,
		HTTPClient: core.GetDefaultHTTPClient(cfg),
		Logger:     logger,
	})
}

func newUnitFactory(cfg *core.Config, logger *zap.Logger) inference.UnitFactory {
	if cfg.RemoteWorker() {
		return worker.RemoteFactory(cfg.WorkerURL, logger)
	}
	return worker.LocalFactory(modelLoader(cfg, logger), logger)
}

// openHistory opens the attempt database when HISTORY_DB is set. Writes
// go through an async writer so a slow disk never delays an upscale.
func openHistory(cfg *core.Config, logger *logging.Logger) (*db.Database, *db.AsyncWriter, *db.Repository, error) {
	if cfg.HistoryDB == "" {
		return nil, nil, nil, nil
	}
	database, err := db.Open(cfg.HistoryDB)
	if err != nil {
		return nil, nil, nil, err
	}
	writer := db.NewAsyncWriter(db.NewRepository(database, nil).AsyncWriteHandler(), 0, logger.Zap().Named("history"))
	writer.Start()
	return database, writer, db.NewRepository(database, writer), nil
}

func newApp(cfg *core.Config, logger *logging.Logger) (*app, error) {
	zl := logger.Zap()
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewStore(metrics.StoreConfig{TaskHistoryCapacity: 100, Version: version}, time.Now()),
	}

	var err error
	if a.database, a.writer, a.history, err = openHistory(cfg, logger); err != nil {
		return nil, err
	}

	a.channel = inference.NewChannel(newUnitFactory(cfg, zl.Named("unit")),
		inference.Config{Timeout: cfg.InferenceTimeout, Mode: cfg.UpscaleMode},
		zl.Named("inference"))

	surface := acquire.Surface{MaxPixels: cfg.MaxImageDimension * cfg.MaxImageDimension}
	acq := acquire.New(nil,
		acquire.WithLogger(zl.Named("acquire")),
		acquire.WithStrategies(acquire.DefaultStrategies(newFetcher(cfg), surface)...))

	opts := []pipeline.Option{pipeline.WithLogger(logger), pipeline.WithMetrics(a.metrics)}
	if a.history != nil {
		opts = append(opts, pipeline.WithHistory(a.history))
	}
	a.pipeline = pipeline.New(
		locator.New(cfg.MinImageDimension, cfg.MaxImageDimension, nil),
		acq, a.channel, opts...)
	return a, nil
}

// openDocument loads a page with the configured fetch limits.
func (a *app) openDocument(ctx context.Context, location string) (*document.Document, error) {
	return document.Open(ctx, location,
		document.WithHTTPClient(core.GetDefaultHTTPClient(a.cfg)),
		document.WithMaxBytes(a.cfg.MaxImageBytes),
		document.WithLogger(a.logger.Zap().Named("document")))
}

// Close drops the unit and flushes history.
func (a *app) Close() error {
	err := a.closeChannel()
	if herr := a.closeHistory(); err == nil {
		err = herr
	}
	return err
}

// registerShutdown hands the app's resources to m in teardown order.
func (a *app) registerShutdown(m *shutdown.Manager) {
	m.Register("inference-channel", shutdown.PriorityChannel, func(context.Context) error {
		return a.closeChannel()
	})
	m.Register("history", shutdown.PriorityStorage, func(context.Context) error {
		return a.closeHistory()
	})
	m.Register("logs", shutdown.PriorityLogs, func(context.Context) error {
		// stderr sync fails on some terminals
		_ = a.logger.Sync()
		return nil
	})
}

func (a *app) closeChannel() error {
	err := a.channel.Close()
	a.metrics.MarkStopped()
	return err
}

func (a *app) closeHistory() error {
	if a.writer != nil {
		a.writer.Stop(db.DefaultDrainTimeout)
	}
	if a.database == nil {
		return nil
	}
	return a.database.Close()
}
