// Package minio wraps the object store used for entity documents and the
// usage ledger.
package minio

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by GetObject for a missing key or bucket.
var ErrObjectNotFound = errors.New("minio: object not found")

type Config struct {
	Endpoint        string // host:port, no scheme
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string // defaults to us-east-1
}

type ObjectInfo struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// ClientInterface is the subset of object storage the services rely on.
type ClientInterface interface {
	PutObject(ctx context.Context, bucket, object string, data io.Reader, size int64, contentType string) error
	GetObject(ctx context.Context, bucket, object string) ([]byte, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}
