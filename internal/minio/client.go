package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client is backed by the official minio-go library.
type Client struct {
	client *minio.Client
	config Config

	mu      sync.Mutex
	buckets map[string]bool
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &Client{client: client, config: cfg, buckets: make(map[string]bool)}, nil
}

// ensureBucket creates bucket on first use. Known buckets are cached.
func (c *Client) ensureBucket(ctx context.Context, bucket string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buckets[bucket] {
		return nil
	}
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.config.Region})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	c.buckets[bucket] = true
	return nil
}

func (c *Client) PutObject(ctx context.Context, bucket, object string, data io.Reader, size int64, contentType string) error {
	if err := c.ensureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.client.PutObject(ctx, bucket, object, data, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object failed: %w", err)
	}
	return nil
}

func (c *Client) GetObject(ctx context.Context, bucket, object string) ([]byte, error) {
	reader, err := c.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapNotFound(fmt.Errorf("get object failed: %w", err))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, mapNotFound(fmt.Errorf("failed to read object data: %w", err))
	}
	return data, nil
}

func (c *Client) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if err := c.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}
	var objects []ObjectInfo
	for object := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list objects failed: %w", object.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			LastModified: object.LastModified,
			Size:         object.Size,
		})
	}
	return objects, nil
}

func mapNotFound(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket") {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return err
}
