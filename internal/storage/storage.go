package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"gitlab.com/phytodb/services/backend/internal/config"
)

// objectStore is the part of the minio client the archive needs.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// DeadLetterArchive keeps queue entries the mailer service gave up on in an
// S3-compatible bucket so they can be inspected and replayed by hand.
type DeadLetterArchive struct {
	client     objectStore
	bucketName string
	region     string
	now        func() time.Time
	logger     *zap.Logger
}

// NewDeadLetterArchive connects to the bucket and creates it if needed.
func NewDeadLetterArchive(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*DeadLetterArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	archive := newArchive(client, cfg.Bucket, cfg.Region, logger)
	if err := archive.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	return archive, nil
}

func newArchive(client objectStore, bucket, region string, logger *zap.Logger) *DeadLetterArchive {
	return &DeadLetterArchive{
		client:     client,
		bucketName: bucket,
		region:     region,
		now:        time.Now,
		logger:     logger.Named("dead_letter"),
	}
}

// ensureBucket creates the bucket if it doesn't exist
func (a *DeadLetterArchive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucketName, minio.MakeBucketOptions{Region: a.region}); err != nil {
			return err
		}
		a.logger.Info("created bucket", zap.String("bucket", a.bucketName))
	}
	return nil
}

// Archive stores the raw queue entry and returns its object key. reason is
// kept as object metadata.
func (a *DeadLetterArchive) Archive(ctx context.Context, raw []byte, reason string) (string, error) {
	now := a.now().UTC()
	key := fmt.Sprintf("dead-letter/%s/%s.json", now.Format("2006/01/02"), ulid.Make().String())

	_, err := a.client.PutObject(ctx, a.bucketName, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"reason":      truncate(reason, 512),
			"archived-at": now.Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive dead letter: %w", err)
	}

	a.logger.Info("archived dead letter", zap.String("bucket", a.bucketName), zap.String("key", key))
	return key, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
