package geotiff

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// BlobReader satisfies io.ReadSeeker and io.ReaderAt for granule files in a
// cloud bucket (S3, GCS, Azure, local directory) opened with gocloud.dev/blob.
type BlobReader struct {
	sequential

	ctx    context.Context
	bucket *blob.Bucket
	key    string
}

// NewBlobReader creates a new reader for a blob in a bucket.
func NewBlobReader(ctx context.Context, bucket *blob.Bucket, key string) (*BlobReader, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get attributes for key %s: %w", key, err)
	}

	r := &BlobReader{ctx: ctx, bucket: bucket, key: key}
	r.sequential = sequential{readAt: r.ReadAt, size: attrs.Size}
	return r, nil
}

// ReadAt implements io.ReaderAt for concurrent, stateless reads.
func (r *BlobReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("blob.readAt: invalid offset %d", off)
	}
	length, err := r.clamp(len(p), off)
	if err != nil {
		return 0, err
	}

	// gocloud.dev/blob takes an offset and a length, not an end byte.
	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, length, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create range reader: %w", err)
	}
	defer reader.Close()

	return io.ReadFull(reader, p[:length])
}
