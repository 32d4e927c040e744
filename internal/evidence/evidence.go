// Package evidence archives the raw outputs of a detonation into object
// storage as zstd-compressed objects under jobs/<id>/.
package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
)

// Putter is the subset of *minio.Client used for uploads.
type Putter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Archive struct {
	client Putter
	bucket string
	enc    *zstd.Encoder
}

func New(client Putter, bucket string) (*Archive, error) {
	if client == nil {
		return nil, errors.New("object client is required")
	}
	if bucket == "" {
		return nil, errors.New("evidence bucket is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &Archive{client: client, bucket: bucket, enc: enc}, nil
}

// Key returns the object key of one evidence part.
func Key(jobID, name string) string {
	return path.Join("jobs", jobID, name+".zst")
}

// Store uploads every non-empty part. Parts are written in name order and
// the first failure stops the upload.
func (a *Archive) Store(ctx context.Context, jobID string, parts map[string]string) error {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(parts))
	for name, body := range parts {
		if body != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		compressed := a.enc.EncodeAll([]byte(parts[name]), nil)
		_, err := a.client.PutObject(ctx, a.bucket, Key(jobID, name), bytes.NewReader(compressed), int64(len(compressed)), minio.PutObjectOptions{
			ContentType:     "application/octet-stream",
			ContentEncoding: "zstd",
			UserMetadata:    map[string]string{"job-id": jobID, "part": name},
		})
		if err != nil {
			return fmt.Errorf("put evidence %s: %w", name, err)
		}
	}
	return nil
}

// Decode reverses the compression applied by Store.
func Decode(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
