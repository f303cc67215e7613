package geotiff

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/raster"
)

// DecoderConfig sizes the caches of a Decoder.
type DecoderConfig struct {
	// TileCacheSize is the maximum number of decoded TIFF tiles kept.
	TileCacheSize int64
	ItemsToPrune  uint32
	// MaxOpenFiles bounds the parsed files kept open; evicted files are
	// closed once no decode is using them.
	MaxOpenFiles int64
	// Background fills the part of a sub-tile an overview is too short to
	// cover.
	Background uint16
	Logger     *slog.Logger
}

// Decoder decodes granule sub-tiles from tiled GeoTIFF files whose IFD chain
// holds one image per pyramid level.
type Decoder struct {
	open       Opener
	logger     *slog.Logger
	background uint16

	// files keeps parsed files open; eviction closes the underlying handle.
	files *ccache.Cache[*openFile]
	// inflightOpen makes concurrent first uses of a file share one open.
	inflightOpen singleflight.Group
	tiles        *ccache.Cache[[]uint16]
}

// openFile is a parsed file shared by concurrent decodes. The handle is
// closed when the file has been evicted and the last user released it.
type openFile struct {
	name string
	tiff *GeoTIFF
	src  Source

	mu      sync.Mutex
	refs    int
	evicted bool
	closed  bool
}

func (f *openFile) acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evicted {
		return false
	}
	f.refs++
	return true
}

func (f *openFile) release(logger *slog.Logger) {
	f.mu.Lock()
	f.refs--
	done := f.evicted && f.refs == 0
	f.mu.Unlock()
	if done {
		f.close(logger)
	}
}

func (f *openFile) evict(logger *slog.Logger) {
	f.mu.Lock()
	f.evicted = true
	done := f.refs == 0
	f.mu.Unlock()
	if done {
		f.close(logger)
	}
}

func (f *openFile) close(logger *slog.Logger) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	if c, ok := f.src.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close granule file", "file", f.name, "error", err)
		}
	}
}

// NewDecoder returns a Decoder reading files through open.
func NewDecoder(open Opener, cfg DecoderConfig) *Decoder {
	if cfg.TileCacheSize <= 0 {
		cfg.TileCacheSize = 1024
	}
	if cfg.ItemsToPrune == 0 {
		cfg.ItemsToPrune = 32
	}
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Decoder{
		open:       open,
		logger:     cfg.Logger,
		background: cfg.Background,
		tiles:      ccache.New(ccache.Configure[[]uint16]().MaxSize(cfg.TileCacheSize).ItemsToPrune(cfg.ItemsToPrune)),
	}
	// prune one file at a time so the open file count stays near the bound
	d.files = ccache.New(ccache.Configure[*openFile]().MaxSize(cfg.MaxOpenFiles).ItemsToPrune(1).
		OnDelete(func(item *ccache.Item[*openFile]) {
			item.Value().evict(d.logger)
		}))
	return d
}

// acquire returns the open file with a reference the caller must release.
func (d *Decoder) acquire(name string) (*openFile, error) {
	for {
		if item := d.files.Get(name); item != nil && !item.Expired() {
			if f := item.Value(); f.acquire() {
				return f, nil
			}
		}

		v, err, _ := d.inflightOpen.Do(name, func() (interface{}, error) {
			if item := d.files.Get(name); item != nil && !item.Expired() && !item.Value().isEvicted() {
				return item.Value(), nil
			}
			return d.openGranule(name)
		})
		if err != nil {
			return nil, err
		}
		// an eviction between the open and the acquire retries with a fresh
		// handle
		if f := v.(*openFile); f.acquire() {
			return f, nil
		}
	}
}

func (f *openFile) isEvicted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicted
}

func (d *Decoder) openGranule(name string) (*openFile, error) {
	src, err := d.open(context.Background(), name)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	f := &openFile{name: name, src: src}
	f.tiff, err = Open(src, WithTileCache(d.tiles, name), WithLogger(d.logger))
	if err != nil {
		f.close(d.logger)
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}

	if d.logger.Enabled(context.Background(), slog.LevelDebug) {
		attrs := []any{"file", name, "levels", f.tiff.Levels(), "compression", f.tiff.Compression()}
		if ts, err := f.tiff.TileSize(0); err == nil {
			attrs = append(attrs, "tile_size", ts.String())
		}
		if cc, err := f.tiff.Bounds(); err == nil {
			attrs = append(attrs, "upper_left", cc.UpperLeft.String(), "lower_right", cc.LowerRight.String())
		}
		d.logger.Debug("granule file opened", attrs...)
	}

	d.files.Set(name, f, time.Hour)
	return f, nil
}

// UpperLeft returns the model-space upper-left corner of a file.
func (d *Decoder) UpperLeft(file string) (float64, float64, error) {
	f, err := d.acquire(file)
	if err != nil {
		return 0, 0, err
	}
	defer f.release(d.logger)
	cc, err := f.tiff.Bounds()
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", file, err)
	}
	return cc.UpperLeft.X, cc.UpperLeft.Y, nil
}

// Decode returns sub-tile (tileX, tileY) of file at level. expected is the
// granule's tile layout, as handed out by layout.TileLayout.SubTileLayout.
func (d *Decoder) Decode(file string, tileX, tileY, level int, expected layout.TileLayout) (*raster.Grid[uint16], error) {
	f, err := d.acquire(file)
	if err != nil {
		return nil, err
	}
	defer f.release(d.logger)
	g := f.tiff

	size, err := g.Size(0)
	if err != nil {
		return nil, err
	}
	if size.X != expected.Width || size.Y != expected.Height {
		return nil, fmt.Errorf("%s is %dx%d, layout expects %dx%d", file, size.X, size.Y, expected.Width, expected.Height)
	}

	rect := layout.LevelBounds(expected.PixelBounds(tileX, tileY), level)
	levelSize, err := g.Size(level)
	if err != nil {
		return nil, err
	}
	// overviews may be a pixel short of the decimation rule
	clipped := rect.Intersect(image.Rectangle{Max: levelSize})
	block, err := g.ReadRegion(level, clipped)
	if err != nil {
		return nil, err
	}
	if clipped == rect {
		return block, nil
	}
	padded := raster.New[uint16](rect.Dx(), rect.Dy(), d.background)
	off := clipped.Min.Sub(rect.Min)
	for y := 0; y < block.Height; y++ {
		copy(padded.Pix[(y+off.Y)*padded.Width+off.X:], block.Pix[y*block.Width:(y+1)*block.Width])
	}
	return padded, nil
}

// Close closes every file not in use and stops the caches; files still being
// read are closed by their last reader.
func (d *Decoder) Close() {
	d.files.ForEachFunc(func(_ string, item *ccache.Item[*openFile]) bool {
		item.Value().evict(d.logger)
		return true
	})
	d.files.Stop()
	d.tiles.Stop()
}
