package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/instill-ai/landmark-backend/config"

	log "github.com/instill-ai/landmark-backend/pkg/logger"
)

// MinioI is the artifact store used at startup.
type MinioI interface {
	GetFile(ctx context.Context, filePath string) ([]byte, error)
	DownloadArtifacts(ctx context.Context, cacheDir string, objectNames ...string) (map[string]string, error)
}

type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinioClient connects to MinIO and checks that the artifact bucket
// exists. The bucket is never created: an empty bucket cannot hold a model.
func NewMinioClient(ctx context.Context, cfg *config.MinioConfig) (*Minio, error) {
	logger, err := log.GetZapLogger(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Initializing Minio client...")

	client, err := minio.New(cfg.Host+":"+cfg.Port, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.RootUser, cfg.RootPwd, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		logger.Error("cannot connect to minio",
			zap.String("host:port", cfg.Host+":"+cfg.Port),
			zap.String("user", cfg.RootUser),
			zap.Error(err))
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		logger.Error("failed in checking BucketExists", zap.Error(err))
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.BucketName)
	}

	return &Minio{client: client, bucket: cfg.BucketName}, nil
}

// GetFile reads an object into memory.
func (m *Minio) GetFile(ctx context.Context, filePathName string) ([]byte, error) {
	logger, err := log.GetZapLogger(ctx)
	if err != nil {
		return nil, err
	}

	object, err := m.client.GetObject(ctx, m.bucket, filePathName, minio.GetObjectOptions{})
	if err != nil {
		logger.Error("Failed to get file from MinIO", zap.Error(err))
		return nil, err
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(object); err != nil {
		logger.Error("Failed to read file from MinIO", zap.Error(err))
		return nil, err
	}

	return buf.Bytes(), nil
}

// LocalPath is where an object is stored inside cacheDir.
func LocalPath(cacheDir, objectName string) string {
	return filepath.Join(cacheDir, filepath.Base(objectName))
}

// DownloadArtifacts fetches the objects into cacheDir concurrently and
// returns the local path of each object, keyed by object name.
func (m *Minio) DownloadArtifacts(ctx context.Context, cacheDir string, objectNames ...string) (map[string]string, error) {
	logger, err := log.GetZapLogger(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	paths := make(map[string]string, len(objectNames))
	errCh := make(chan error, len(objectNames))

	for _, name := range objectNames {
		wg.Add(1)
		go func(objectName string) {
			defer wg.Done()

			local := LocalPath(cacheDir, objectName)
			if err := m.client.FGetObject(ctx, m.bucket, objectName, local, minio.GetObjectOptions{}); err != nil {
				logger.Error("Failed to download object from MinIO", zap.String("path", objectName), zap.Error(err))
				errCh <- fmt.Errorf("%s: %w", objectName, err)
				return
			}
			logger.Info("Downloaded artifact", zap.String("path", objectName), zap.String("local", local))

			mu.Lock()
			paths[objectName] = local
			mu.Unlock()
		}(name)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return paths, nil
}
