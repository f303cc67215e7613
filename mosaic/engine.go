// Package mosaic composes per-tile pixel blocks into scene-level rasters,
// lazily and once per (band, level).
package mosaic

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"time"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/raster"
)

var (
	// ErrNoTileFiles is returned for a band none of whose tiles has a file.
	ErrNoTileFiles  = errors.New("no tile files for band")
	ErrUnknownBand  = errors.New("unknown band")
	ErrInvalidLevel = errors.New("invalid pyramid level")
)

// Decoder decodes one internal sub-tile of a granule image at a level. It may
// block on I/O and is never cancelled once called.
type Decoder interface {
	Decode(file string, tileX, tileY, level int, expected layout.TileLayout) (*raster.Grid[uint16], error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(file string, tileX, tileY, level int, expected layout.TileLayout) (*raster.Grid[uint16], error)

func (f DecoderFunc) Decode(file string, tileX, tileY, level int, expected layout.TileLayout) (*raster.Grid[uint16], error) {
	return f(file, tileX, tileY, level, expected)
}

// BandInfo is everything the engine needs to mosaic one band.
type BandInfo struct {
	Name       string
	Resolution layout.Resolution
	// Files maps a tile identifier to the handle of its image file.
	Files  map[string]string
	Layout layout.TileLayout
}

// Options configures an Engine.
type Options struct {
	// Background is written where a sub-tile could not be decoded and where
	// no tile covers the scene.
	Background uint16
	// Workers bounds concurrent decode calls within one build.
	Workers int
	Logger  *slog.Logger
	Metrics *Metrics
}

// Engine builds band rasters at any pyramid level. Layout and file mappings
// are immutable; only the per-key cache is shared mutable state.
type Engine struct {
	scene   *layout.SceneLayout
	decoder Decoder
	bands   map[string]BandInfo
	order   []string
	opts    Options

	levels Memo[levelKey, *raster.Grid[uint16]]
}

type levelKey struct {
	band  string
	level int
}

// NewEngine returns an engine for the given bands. Band layouts are validated
// here; missing files are only reported when a level is built.
func NewEngine(scene *layout.SceneLayout, decoder Decoder, bands []BandInfo, opts Options) (*Engine, error) {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	e := &Engine{
		scene:   scene,
		decoder: decoder,
		bands:   make(map[string]BandInfo, len(bands)),
		opts:    opts,
	}
	for _, b := range bands {
		if _, dup := e.bands[b.Name]; dup {
			return nil, fmt.Errorf("duplicate band %q", b.Name)
		}
		if err := b.Layout.Validate(); err != nil {
			return nil, fmt.Errorf("band %s: %w", b.Name, err)
		}
		e.bands[b.Name] = b
		e.order = append(e.order, b.Name)
	}
	return e, nil
}

// Bands returns the band names in the order they were given.
func (e *Engine) Bands() []string {
	return append([]string(nil), e.order...)
}

// Band returns the description of a band.
func (e *Engine) Band(name string) (BandInfo, bool) {
	b, ok := e.bands[name]
	return b, ok
}

// Scene returns the scene layout the engine composes into.
func (e *Engine) Scene() *layout.SceneLayout {
	return e.scene
}

// NumLevels is the number of pyramid levels of a band.
func (e *Engine) NumLevels(band string) int {
	return e.bands[band].Layout.NumResolutions
}

// Dimensions is the size of a band raster at a level.
func (e *Engine) Dimensions(band string, level int) (image.Point, error) {
	b, ok := e.bands[band]
	if !ok {
		return image.Point{}, fmt.Errorf("%w: %s", ErrUnknownBand, band)
	}
	dim := e.scene.SceneDimension(b.Resolution)
	return layout.LevelSize(dim.X, dim.Y, level), nil
}

// ContributingTiles returns the scene tiles that have a file for the band.
func (e *Engine) ContributingTiles(band string) []string {
	b := e.bands[band]
	var ids []string
	for _, id := range e.scene.TileIDs() {
		if _, ok := b.Files[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// BuildLevel returns the composited raster of band at level. The first call
// for a key builds it; every later or concurrent call gets the same raster.
// Callers must not modify the returned grid.
func (e *Engine) BuildLevel(band string, level int) (*raster.Grid[uint16], error) {
	b, ok := e.bands[band]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBand, band)
	}
	if level < 0 || level >= b.Layout.NumResolutions {
		return nil, fmt.Errorf("%w: %d (band %s has %d levels)", ErrInvalidLevel, level, band, b.Layout.NumResolutions)
	}
	return e.levels.Get(levelKey{band: band, level: level}, func() (*raster.Grid[uint16], error) {
		return e.build(b, level)
	})
}

// ReadWindow returns rect (level coordinates) of a band level, clipped to the
// level bounds. A level already built is cropped; otherwise only the sub-tiles
// overlapping rect are decoded and nothing is cached.
func (e *Engine) ReadWindow(band string, level int, rect image.Rectangle) (*raster.Grid[uint16], error) {
	b, ok := e.bands[band]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBand, band)
	}
	if level < 0 || level >= b.Layout.NumResolutions {
		return nil, fmt.Errorf("%w: %d (band %s has %d levels)", ErrInvalidLevel, level, band, b.Layout.NumResolutions)
	}
	if g, ok := e.levels.Cached(levelKey{band: band, level: level}); ok {
		return g.Crop(rect), nil
	}

	start := time.Now()
	dim := e.scene.SceneDimension(b.Resolution)
	window := rect.Intersect(image.Rectangle{Max: layout.LevelSize(dim.X, dim.Y, level)})
	provider := &pixelProvider{engine: e, band: b, window: &window}
	pieces, err := provider.Pieces(level)
	if err != nil {
		return nil, err
	}
	for i := range pieces {
		pieces[i].Rect = pieces[i].Rect.Sub(window.Min)
	}

	g := Compose(pieces, ComposeOptions[uint16]{
		Size:       window.Size(),
		Background: e.opts.Background,
		Workers:    e.opts.Workers,
	})
	e.opts.Metrics.ObserveBuild("window", time.Since(start).Seconds())
	return g, nil
}

// Reset drops every built level and returns how many there were.
func (e *Engine) Reset() int {
	n := e.levels.Len()
	e.levels.Reset()
	return n
}

func (e *Engine) build(b BandInfo, level int) (*raster.Grid[uint16], error) {
	start := time.Now()
	provider := &pixelProvider{engine: e, band: b}
	pieces, err := provider.Pieces(level)
	if err != nil {
		return nil, err
	}

	dim := e.scene.SceneDimension(b.Resolution)
	g := Compose(pieces, ComposeOptions[uint16]{
		Size:       layout.LevelSize(dim.X, dim.Y, level),
		Background: e.opts.Background,
		Workers:    e.opts.Workers,
	})

	e.opts.Metrics.ObserveBuild("band", time.Since(start).Seconds())
	e.opts.Logger.Debug("band level built", "band", b.Name, "level", level,
		"width", g.Width, "height", g.Height, "pieces", len(pieces), "duration", time.Since(start))
	return g, nil
}

// pixelProvider positions every decoded sub-tile of every granule of a band,
// or only those overlapping window when it is set.
type pixelProvider struct {
	engine *Engine
	band   BandInfo
	window *image.Rectangle
}

func (p *pixelProvider) Pieces(level int) ([]Piece[uint16], error) {
	e, b := p.engine, p.band
	tiles := e.ContributingTiles(b.Name)
	if len(tiles) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTileFiles, b.Name)
	}
	if p.window != nil {
		tiles = p.tilesInWindow(tiles, level)
	}

	l := b.Layout
	pieces := make([]Piece[uint16], 0, len(tiles)*l.NumXTiles*l.NumYTiles)
	for _, tileID := range tiles {
		tileRect, ok := e.scene.TileRect(tileID, b.Resolution)
		if !ok {
			e.opts.Logger.Warn("tile has no position at band resolution", "band", b.Name, "tile", tileID, "resolution", b.Resolution)
			continue
		}
		file := b.Files[tileID]
		for tx := 0; tx < l.NumXTiles; tx++ {
			for ty := 0; ty < l.NumYTiles; ty++ {
				rect := l.SubTileRect(tileRect.Min, tx, ty, level)
				if rect.Empty() {
					// grid tile past the image border
					continue
				}
				if p.window != nil && !rect.Overlaps(*p.window) {
					continue
				}
				expected := l.SubTileLayout(tx, ty)
				pieces = append(pieces, Piece[uint16]{
					Rect: rect,
					Load: func() (*raster.Grid[uint16], error) {
						e.opts.Metrics.DecodeCalls.Inc()
						block, err := e.decoder.Decode(file, tx, ty, level, expected)
						if err != nil {
							e.opts.Metrics.DecodeFailures.Inc()
							e.opts.Logger.Warn("sub-tile decode failed, using background",
								"band", b.Name, "tile", tileID, "x", tx, "y", ty, "level", level, "error", err)
							return nil, err
						}
						return block, nil
					},
				})
			}
		}
	}
	return pieces, nil
}

// tilesInWindow keeps, in placement order, the tiles whose level-0 rectangle
// overlaps the window scaled back to level 0.
func (p *pixelProvider) tilesInWindow(tiles []string, level int) []string {
	w := *p.window
	s := 1 << level
	hits := p.engine.scene.TilesIntersecting(p.band.Resolution, image.Rect(w.Min.X*s, w.Min.Y*s, w.Max.X*s, w.Max.Y*s))
	keep := make(map[string]struct{}, len(hits))
	for _, id := range hits {
		keep[id] = struct{}{}
	}
	var out []string
	for _, id := range tiles {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
