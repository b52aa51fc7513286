package main

import (
	"bytes"
	"context"

	"go.uber.org/zap"

	"github.com/instill-ai/landmark-backend/config"
	"github.com/instill-ai/landmark-backend/pkg/labels"
	"github.com/instill-ai/landmark-backend/pkg/minio"
)

// loadArtifacts returns the local checkpoint path and the label table. With a
// store the checkpoint is downloaded into cacheDir and the labels are read
// from the bucket. Any store failure falls back to the configured local file,
// and unreadable labels give an empty table.
func loadArtifacts(ctx context.Context, logger *zap.Logger, store minio.MinioI, cfg config.ModelConfig, cacheDir string) (string, *labels.Table) {
	checkpoint := cfg.Checkpoint
	var table *labels.Table

	if store != nil {
		if paths, err := store.DownloadArtifacts(ctx, cacheDir, cfg.Checkpoint); err != nil {
			logger.Error("unable to download the checkpoint, using the local file", zap.Error(err))
		} else {
			checkpoint = paths[cfg.Checkpoint]
		}

		if b, err := store.GetFile(ctx, cfg.Labels); err != nil {
			logger.Error("unable to read class labels from the artifact store, using the local file", zap.Error(err))
		} else if table, err = labels.Parse(bytes.NewReader(b)); err != nil {
			logger.Error("unable to parse class labels from the artifact store, using the local file", zap.Error(err))
		}
	}

	if table == nil {
		t, err := labels.Load(cfg.Labels)
		if err != nil {
			logger.Error("unable to load class labels, predictions will use placeholder names", zap.Error(err))
			t = labels.NewTable(nil)
		}
		table = t
	}

	logger.Info("class labels loaded", zap.Int("count", table.Len()))
	return checkpoint, table
}
