package recording

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/config"
)

// Archiver uploads finished call recordings to object storage.
type Archiver struct {
	client *minio.Client
	bucket string
	cfg    config.StorageConfig
	logger *zap.Logger
}

// NewArchiver creates the MinIO client and ensures the bucket exists.
func NewArchiver(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*Archiver, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	a := &Archiver{
		client: client,
		bucket: cfg.Bucket,
		cfg:    cfg,
		logger: logger.Named("archiver"),
	}

	bctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(bctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(bctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		a.logger.Info("Created recordings bucket", zap.String("bucket", cfg.Bucket))
	}

	return a, nil
}

// Upload stores a recording file under recordings/<sessionID>/<basename> and
// returns the object key. Transient failures are retried with backoff.
func (a *Archiver) Upload(ctx context.Context, sessionID, filePath string) (string, error) {
	key := fmt.Sprintf("recordings/%s/%s", sessionID, filepath.Base(filePath))

	// Fresh backoff per operation
	ebo := backoff.NewExponentialBackOff()
	if a.cfg.RetryBackoff > 0 {
		ebo.InitialInterval = a.cfg.RetryBackoff
	}
	var bo backoff.BackOff = ebo
	if a.cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(ebo, uint64(a.cfg.MaxRetries))
	}

	op := func() error {
		info, err := a.client.FPutObject(ctx, a.bucket, key, filePath, minio.PutObjectOptions{
			ContentType: "audio/webm",
		})
		if err != nil {
			if resp := minio.ToErrorResponse(err); resp.Code == "AccessDenied" || resp.Code == "NoSuchBucket" {
				return backoff.Permanent(err)
			}
			return err
		}
		a.logger.Info("Recording archived",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", fmt.Errorf("upload recording %s: %w", key, err)
	}
	return key, nil
}
