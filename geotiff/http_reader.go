package geotiff

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HTTPRangeReader satisfies the io.ReadSeeker and io.ReaderAt interfaces
// for remote granule files over HTTP.
type HTTPRangeReader struct {
	sequential

	ctx    context.Context
	url    string
	client *http.Client
}

// NewHTTPRangeReader creates a new reader for a remote file URL. The size is
// taken from a HEAD request, or from a one byte ranged GET when the server
// does not advertise range support on HEAD.
func NewHTTPRangeReader(ctx context.Context, url string, client *http.Client) (*HTTPRangeReader, error) {
	if client == nil {
		client = http.DefaultClient
	}
	h := &HTTPRangeReader{ctx: ctx, url: url, client: client}
	h.sequential.readAt = h.ReadAt

	size, err := h.headSize()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		if size, err = h.probeSize(); err != nil {
			return nil, err
		}
	}
	h.size = size
	return h, nil
}

// headSize returns the content length, or 0 when ranges are not advertised.
func (h *HTTPRangeReader) headSize() (int64, error) {
	req, err := http.NewRequestWithContext(h.ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create head request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return 0, nil
	}
	return resp.ContentLength, nil
}

// probeSize reads the total size from the Content-Range of a ranged GET.
func (h *HTTPRangeReader) probeSize() (int64, error) {
	resp, err := h.get(0, 0)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("server does not accept byte range requests: %s", resp.Status)
	}
	cr := resp.Header.Get("Content-Range")
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", cr)
	}
	size, err := strconv.ParseInt(cr[i+1:], 10, 64)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("could not determine content length from %q", cr)
	}
	return size, nil
}

func (h *HTTPRangeReader) get(from, to int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(h.ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, to))
	return h.client.Do(req)
}

// ReadAt implements io.ReaderAt for concurrent, stateless reads. It does not
// take the lock and does not affect the sequential offset.
func (h *HTTPRangeReader) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http.readAt: invalid offset %d", off)
	}
	length, err := h.clamp(len(p), off)
	if err != nil {
		return 0, err
	}

	resp, err := h.get(off, off+length-1)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("expected status 206 Partial Content, got: %s", resp.Status)
	}
	return io.ReadFull(resp.Body, p[:length])
}
