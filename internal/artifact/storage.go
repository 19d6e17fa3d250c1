package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// Storage is where compiled artifacts land. Put overwrites existing keys.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// BucketStorage writes to a gocloud.dev bucket (file://, mem://).
type BucketStorage struct {
	bucket *blob.Bucket
}

// OpenStorage opens a bucket URL such as "file://./artifacts?create_dir=true".
func OpenStorage(ctx context.Context, url string) (*BucketStorage, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open artifact bucket: %w", err)
	}
	return &BucketStorage{bucket: b}, nil
}

func NewBucketStorage(b *blob.Bucket) *BucketStorage {
	return &BucketStorage{bucket: b}
}

func (s *BucketStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get reads an artifact back. Missing keys report gcerrors.NotFound.
func (s *BucketStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// List returns the keys under prefix.
func (s *BucketStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return keys, nil
			}
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, obj.Key)
	}
}

func (s *BucketStorage) Close() error {
	return s.bucket.Close()
}
