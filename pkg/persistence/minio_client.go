package persistence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinioConfig contains configuration for MinIO client
type MinioConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	BucketName string
	BasePath   string
}

// MinioStore is a BlobStore backed by a MinIO (or any S3 compatible) bucket
type MinioStore struct {
	client     *minio.Client
	bucketName string
	basePath   string
	logger     *zap.Logger
}

// NewMinioStore creates a MinIO store and makes sure its bucket exists
func NewMinioStore(ctx context.Context, cfg MinioConfig, logger *zap.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinioStore{
		client:     client,
		bucketName: cfg.BucketName,
		basePath:   cfg.BasePath,
		logger:     logger,
	}
	return store, store.ensureBucketExists(ctx)
}

// ensureBucketExists creates the bucket if it doesn't exist
func (ms *MinioStore) ensureBucketExists(ctx context.Context) error {
	exists, err := ms.client.BucketExists(ctx, ms.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket %s exists: %w", ms.bucketName, err)
	}
	if !exists {
		if err := ms.client.MakeBucket(ctx, ms.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", ms.bucketName, err)
		}
		ms.logger.Info("created bucket", zap.String("bucket", ms.bucketName))
	}
	return nil
}

// objectName strips a leading slash and prepends the configured base path
func (ms *MinioStore) objectName(key string) string {
	key = strings.TrimPrefix(key, "/")
	if ms.basePath != "" {
		key = path.Join(ms.basePath, key)
	}
	return key
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Exists reports whether an object is stored at key
func (ms *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	name := ms.objectName(key)
	if _, err := ms.client.StatObject(ctx, ms.bucketName, name, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", name, err)
	}
	return true, nil
}

// Get downloads the object at key
func (ms *MinioStore) Get(ctx context.Context, key string) ([]byte, error) {
	name := ms.objectName(key)
	obj, err := ms.client.GetObject(ctx, ms.bucketName, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download object %s: %w", name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", name, err)
	}
	return data, nil
}

// Put uploads data as a JSON object at key
func (ms *MinioStore) Put(ctx context.Context, key string, data []byte) error {
	name := ms.objectName(key)
	_, err := ms.client.PutObject(ctx, ms.bucketName, name, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", name, err)
	}
	ms.logger.Debug("stored object", zap.String("key", name), zap.Int("bytes", len(data)))
	return nil
}
