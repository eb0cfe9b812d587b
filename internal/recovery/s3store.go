package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"orders2sheet/internal/sheet"
)

// S3Config holds the connection settings for an S3-compatible snapshot bucket
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// S3Store stores snapshots as JSON objects in an S3-compatible bucket,
// one object per snapshot id
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store connects to the endpoint and ensures the bucket exists
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(id string) string {
	return path.Join(s.prefix, id+".json")
}

func (s *S3Store) Write(ctx context.Context, id string, rows []sheet.Row) (string, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := s.key(id)
	_, err = s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot %s: %w", id, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3Store) Read(ctx context.Context, id string) ([]sheet.Row, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot %s: %w", id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}
	var rows []sheet.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("snapshot %s is corrupted: %w", id, err)
	}
	return rows, nil
}

func (s *S3Store) Delete(ctx context.Context, id string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.key(id), minio.RemoveObjectOptions{})
}
