package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"archrender/codec"
	"archrender/core"
	"archrender/credits"
	"archrender/db"
	"archrender/export"
	"archrender/imagegen"
	"archrender/imaging"
	"archrender/metrics"
	"archrender/shutdown"
)

// blobMaxAge is how long materialized artifacts survive in BlobDir.
const blobMaxAge = 24 * time.Hour

// store is the persistence half of the runtime, enough for the credits
// commands.
type store struct {
	database *db.Database
	ledger   *db.SQLLedger
	history  *db.HistoryRepository
}

// studioRuntime holds everything a generation command needs.
type studioRuntime struct {
	*store
	recorder   *metrics.Recorder
	downloader *imagegen.Downloader
	studio     *credits.Studio
	exporter   *export.Exporter
}

// openStore opens the database and registers its shutdown handlers.
// The AsyncWriter drains before the database closes.
func (a *App) openStore() (*store, error) {
	database, err := db.Open(a.cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.manager.Register("database", 20, func(ctx context.Context) error {
		return database.Close()
	})

	history := db.NewHistoryRepository(database, nil)
	writer := db.NewAsyncWriter(history.WriteHandler(), db.DefaultAsyncWriterConfig(), a.logger)
	writer.Start()
	a.manager.Register("history-writer", 10, func(ctx context.Context) error {
		writer.Stop()
		return nil
	})

	return &store{
		database: database,
		ledger:   db.NewSQLLedger(database),
		history:  db.NewHistoryRepository(database, writer),
	}, nil
}

func (a *App) newBackend() (imagegen.Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}
	if err := a.cfg.ValidateBackend(); err != nil {
		return nil, err
	}
	switch a.cfg.GenerationBackend {
	case core.BackendOpenAI:
		return imagegen.NewOpenAIBackend(a.cfg, a.logger)
	default:
		return imagegen.NewHTTPBackend(a.cfg, a.logger)
	}
}

// buildStudio wires the job client, the credits orchestrator and the exporter.
func (a *App) buildStudio(notifier credits.Notifier) (*studioRuntime, error) {
	backend, err := a.newBackend()
	if err != nil {
		return nil, err
	}
	pricing, err := credits.LoadPricing(a.cfg.PricingFile)
	if err != nil {
		return nil, err
	}

	st, err := a.openStore()
	if err != nil {
		return nil, err
	}

	blobs, err := codec.NewBlobStore(a.cfg.BlobDir, a.logger)
	if err != nil {
		return nil, err
	}
	a.manager.Register("blobs", 30, shutdown.PruneBlobs(a.logger, blobs.Dir(), blobMaxAge))

	downloader, err := imagegen.NewDownloader(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	recorder := metrics.NewRecorder(core.Version)

	client, err := imagegen.NewClient(backend, imagegen.ClientConfigFromCore(a.cfg),
		imagegen.WithCropper(imaging.NewCropper(downloader, blobs, a.logger)),
		imagegen.WithBlobStore(blobs),
		imagegen.WithObserver(recorder),
		imagegen.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}

	orch, err := credits.NewOrchestrator(st.ledger, a.logger,
		credits.WithHistory(st.history),
		credits.WithNotifier(notifier),
		credits.WithRecorder(recorder),
	)
	if err != nil {
		return nil, err
	}

	saver, err := a.newSaver()
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Studio ready",
		zap.String("backend", a.cfg.GenerationBackend),
		zap.String("proxy", downloader.ProxyURL()),
	)
	return &studioRuntime{
		store:      st,
		recorder:   recorder,
		downloader: downloader,
		studio:     credits.NewStudio(client, orch, pricing, a.logger),
		exporter:   export.NewExporter(downloader, saver, nil, a.logger),
	}, nil
}

func (a *App) newSaver() (export.Saver, error) {
	if a.cfg.ExportS3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		saver, err := export.NewS3Saver(ctx, a.cfg.ExportS3Bucket, a.cfg.ExportS3Prefix)
		if err != nil {
			return nil, fmt.Errorf("configure S3 export: %w", err)
		}
		return saver, nil
	}
	return export.NewFileSaver(a.cfg.DownloadsDir)
}
