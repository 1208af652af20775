package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig addresses an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Minio stores archives in an S3-compatible bucket.
type Minio struct {
	mc     *minio.Client
	bucket string
	logger *slog.Logger
}

// NewMinio connects to the endpoint and creates the bucket when missing.
func NewMinio(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*Minio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	store := &Minio{mc: mc, bucket: cfg.Bucket, logger: logger}
	if err := store.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return store, nil
}

func (m *Minio) ensureBucket(ctx context.Context, region string) error {
	exists, err := m.mc.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if region == "" {
		region = "us-east-1"
	}
	if err := m.mc.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	m.logger.Info("artifact bucket created", "bucket", m.bucket)
	return nil
}

func (m *Minio) Store(ctx context.Context, projectID string, data []byte) (Reference, error) {
	ref, err := newReference(projectID, data)
	if err != nil {
		return Reference{}, err
	}
	_, err = m.mc.PutObject(ctx, m.bucket, ref.Key, bytes.NewReader(data), ref.Size, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"sha256": ref.SHA256, "project": projectID},
	})
	if err != nil {
		return Reference{}, fmt.Errorf("put artifact %s: %w", ref.Key, err)
	}
	return ref, nil
}

func (m *Minio) Fetch(ctx context.Context, ref Reference) ([]byte, error) {
	obj, err := m.mc.GetObject(ctx, m.bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", ref.Key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", ref.Key, ErrNotFound)
		}
		return nil, fmt.Errorf("read artifact %s: %w", ref.Key, err)
	}
	if err := verify(ref, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Minio) Healthy(ctx context.Context) error {
	_, err := m.mc.ListBuckets(ctx)
	return err
}
