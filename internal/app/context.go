package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"astrodb/internal/blob"
	"astrodb/internal/config"
	"astrodb/internal/db"
	"astrodb/internal/logging"
	"astrodb/internal/metrics"
	"astrodb/internal/store"
)

// Runtime bundles the store with the logger and metrics registry it reports to.
type Runtime struct {
	Config   *config.Config
	Store    *store.Store
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// Open builds the logger, metrics registry and blob store described by cfg
// and opens the proposal store for workspace.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	blobs, err := blob.Open(ctx, BlobConfig(workspace, cfg))
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	dbCfg := DBConfig(workspace, cfg)
	if dbCfg.Driver == db.SQLite {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, fmt.Errorf("prepare workspace: %w", err)
		}
	}
	st, err := store.Open(ctx, dbCfg, store.Options{
		Logger:                 logger,
		Metrics:                metrics.NewPrometheus(reg),
		Blobs:                  blobs,
		AllowImagesBeforeReady: !cfg.Images.RequireReady,
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("store opened", "driver", dbCfg.Driver, "blob_driver", cfg.Images.Blob.Driver)
	return &Runtime{Config: cfg, Store: st, Logger: logger, Registry: reg}, nil
}

func (r *Runtime) Close() error {
	return r.Store.Close()
}

// DBConfig maps the database section onto db.Config, resolving the sqlite
// path against the workspace.
func DBConfig(workspace string, cfg *config.Config) db.Config {
	return db.Config{
		Driver:        cfg.Database.Driver,
		Workspace:     workspace,
		Path:          config.Resolve(workspace, cfg.Database.Path),
		DSN:           cfg.Database.DSN,
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
	}
}

// BlobConfig maps images.blob onto blob.Config. S3 credentials come from the
// default AWS chain.
func BlobConfig(workspace string, cfg *config.Config) blob.Config {
	b := cfg.Images.Blob
	return blob.Config{
		Driver: b.Driver,
		FSRoot: config.Resolve(workspace, b.FSRoot),
		S3: blob.S3Config{
			Bucket:    b.S3.Bucket,
			Region:    b.S3.Region,
			Endpoint:  b.S3.Endpoint,
			PathStyle: b.S3.PathStyle,
		},
	}
}
