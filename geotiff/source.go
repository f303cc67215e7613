package geotiff

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"gocloud.dev/blob"
)

// Source is a random access file: a local file, an HTTPRangeReader or a
// BlobReader.
type Source interface {
	io.ReadSeeker
	io.ReaderAt
}

// Opener resolves a file handle to a Source.
type Opener func(ctx context.Context, name string) (Source, error)

// NewOpener returns an Opener reading http(s) URLs with range requests,
// other names from bucket when it is not nil, and from the local file system
// otherwise.
func NewOpener(bucket *blob.Bucket, client *http.Client) Opener {
	return func(ctx context.Context, name string) (Source, error) {
		switch {
		case strings.HasPrefix(name, "http://"), strings.HasPrefix(name, "https://"):
			return NewHTTPRangeReader(ctx, name, client)
		case bucket != nil:
			return NewBlobReader(ctx, bucket, name)
		default:
			return os.Open(name)
		}
	}
}

// sequential provides Read and Seek on top of a stateless ReadAt of a source
// of known size.
type sequential struct {
	readAt func(p []byte, off int64) (int, error)
	size   int64

	// mu protects offset for sequential Read/Seek operations.
	mu     sync.Mutex
	offset int64
}

// Read performs a sequential read. The lock is held for the whole underlying
// request, so it is not meant for concurrent access; tiles are fetched with
// ReadAt.
func (s *sequential) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offset >= s.size {
		return 0, io.EOF
	}
	n, err := s.readAt(p, s.offset)
	if n > 0 {
		s.offset += int64(n)
	}
	return n, err
}

// Seek updates the offset of the next sequential Read.
func (s *sequential) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = s.offset + offset
	case io.SeekEnd:
		newOffset = s.size + offset
	default:
		return 0, errors.New("invalid whence")
	}

	if newOffset < 0 {
		return 0, errors.New("cannot seek to negative offset")
	}
	s.offset = newOffset
	return s.offset, nil
}

// Size is the length of the source in bytes.
func (s *sequential) Size() int64 {
	return s.size
}

// clamp limits a read of n bytes at off to the source size, returning io.EOF
// when nothing is left.
func (s *sequential) clamp(n int, off int64) (int64, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	length := int64(n)
	if off+length > s.size {
		length = s.size - off
	}
	return length, nil
}
