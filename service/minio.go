package service

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/v1nometrics/docusign-ura/config"
	"github.com/v1nometrics/docusign-ura/model"
)

// ErrObjectNotFound is returned when a key does not exist in storage
var ErrObjectNotFound = model.ErrObjectNotFound

// MinioStorage lists and fetches contracts from an S3 compatible bucket
type MinioStorage struct {
	client *minio.Client
	bucket string
}

func NewMinioStorage(cfg *config.StorageConfig) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioStorage{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// CheckBucket fails when the bucket is unreachable or missing
func (s *MinioStorage) CheckBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// List returns every object under prefix, including nested keys
func (s *MinioStorage) List(ctx context.Context, prefix string) ([]model.ObjectInfo, error) {
	var objects []model.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", obj.Err)
		}
		objects = append(objects, toObjectInfo(obj))
	}
	return objects, nil
}

// Get downloads the object body
func (s *MinioStorage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", mapNotFound(err))
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", mapNotFound(err))
	}
	return data, nil
}

// Stat fetches fresh object info, including user metadata
func (s *MinioStorage) Stat(ctx context.Context, key string) (model.ObjectInfo, error) {
	obj, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return model.ObjectInfo{}, fmt.Errorf("failed to stat object: %w", mapNotFound(err))
	}
	return toObjectInfo(obj), nil
}

// Put uploads data under key
func (s *MinioStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

func toObjectInfo(obj minio.ObjectInfo) model.ObjectInfo {
	info := model.ObjectInfo{
		Key:          obj.Key,
		Size:         obj.Size,
		LastModified: obj.LastModified,
	}
	if len(obj.UserMetadata) > 0 {
		info.Metadata = make(map[string]string, len(obj.UserMetadata))
		for k, v := range obj.UserMetadata {
			info.Metadata[k] = v
		}
	}
	return info
}

func mapNotFound(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}
