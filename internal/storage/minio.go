package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/decen-ai/platform-backend/internal/models"
)

// MinioConfig holds MinIO connection settings for the artifact store.
type MinioConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
}

// MinioArtifactStore implements ArtifactStore on a MinIO bucket. The object
// key is the blob's CID, which makes puts naturally idempotent.
type MinioArtifactStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinioArtifactStore connects to MinIO and ensures the artifact bucket
// exists.
func NewMinioArtifactStore(cfg MinioConfig, logger *zap.Logger) (*MinioArtifactStore, error) {
	logger.Info("Initializing MinIO artifact store",
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("useSSL", cfg.UseSSL),
		zap.String("bucket", cfg.Bucket),
	)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check for bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		logger.Info("Artifact bucket does not exist, creating it", zap.String("bucket", cfg.Bucket))
		err = client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.Named("minio_artifacts"),
	}, nil
}

func (s *MinioArtifactStore) Put(ctx context.Context, data []byte) (string, error) {
	cid := ComputeCID(data)

	// Content-addressed: if the object already exists the bytes are
	// identical, so the put can be skipped entirely.
	_, err := s.client.StatObject(ctx, s.bucket, cid, minio.StatObjectOptions{})
	if err == nil {
		s.logger.Debug("Artifact already stored, skipping upload", zap.String("cid", cid))
		return cid, nil
	}
	if resp := minio.ToErrorResponse(err); resp.Code != "NoSuchKey" && resp.Code != "" {
		return "", fmt.Errorf("failed to stat artifact %s: %w", cid, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, cid, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		s.logger.Error("Failed to upload artifact", zap.String("cid", cid), zap.Error(err))
		return "", fmt.Errorf("failed to upload artifact %s: %w", cid, err)
	}

	s.logger.Info("Artifact uploaded", zap.String("cid", cid), zap.Int("size", len(data)))
	return cid, nil
}

func (s *MinioArtifactStore) Get(ctx context.Context, cid string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, cid, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s: %w", cid, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, models.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to read artifact %s: %w", cid, err)
	}

	s.logger.Debug("Artifact fetched", zap.String("cid", cid), zap.Int("size", len(data)))
	return data, nil
}
