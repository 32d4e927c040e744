// Package samples opens the bytes of uploaded files for delivery to the
// execution agent.
package samples

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/detonator/internal/domain"
	"github.com/animus-labs/detonator/internal/platform/objectstore"
)

// ErrSampleMissing means the file's bytes are gone from storage.
var ErrSampleMissing = errors.New("sample missing")

type Source interface {
	Open(ctx context.Context, file domain.File) (io.ReadCloser, error)
}

// Store resolves "s3://bucket/key" locations through MinIO and everything
// else as a path under Dir.
type Store struct {
	Dir   string
	MinIO *minio.Client
}

func (s *Store) Open(ctx context.Context, file domain.File) (io.ReadCloser, error) {
	if bucket, key, ok := objectstore.ParseLocation(file.Location); ok {
		return s.openObject(ctx, bucket, key)
	}
	return s.openLocal(file.Location)
}

func (s *Store) openObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if s.MinIO == nil {
		return nil, fmt.Errorf("object storage not configured for s3://%s/%s", bucket, key)
	}
	if _, err := s.MinIO.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrSampleMissing, bucket, key)
		}
		return nil, fmt.Errorf("stat sample: %w", err)
	}
	obj, err := s.MinIO.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get sample: %w", err)
	}
	return obj, nil
}

func (s *Store) openLocal(location string) (io.ReadCloser, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("%w: empty location", ErrSampleMissing)
	}
	path := location
	if !filepath.IsAbs(path) {
		if strings.Contains(filepath.ToSlash(path), "../") {
			return nil, fmt.Errorf("sample location %q escapes sample dir", location)
		}
		path = filepath.Join(s.Dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSampleMissing, path)
		}
		return nil, fmt.Errorf("open sample: %w", err)
	}
	return f, nil
}
