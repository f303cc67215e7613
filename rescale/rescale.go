// Package rescale presents bands of mixed resolutions on the raster grid of
// one target resolution.
package rescale

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/mosaic"
	"github.com/akhenakh/s2mosaic/raster"
)

// ErrNoReferenceBand is returned when no band sits at the target resolution,
// leaving the output size undefined.
var ErrNoReferenceBand = errors.New("no reference band at target resolution")

// Nearest resamples src to width x height by nearest neighbour. It never
// blends values, so categorical codes survive. A grid already at the target
// size is returned as is.
func Nearest[T any](src *raster.Grid[T], width, height int) *raster.Grid[T] {
	if src.Width == width && src.Height == height {
		return src
	}
	dst := &raster.Grid[T]{Width: width, Height: height, Pix: make([]T, width*height)}
	if src.Width == 0 || src.Height == 0 {
		return dst
	}

	cols := make([]int, width)
	for x := range cols {
		cols[x] = min(x*src.Width/width, src.Width-1)
	}
	for y := 0; y < height; y++ {
		sy := min(y*src.Height/height, src.Height-1)
		row := src.Pix[sy*src.Width : (sy+1)*src.Width]
		out := dst.Pix[y*width : (y+1)*width]
		for x, sx := range cols {
			out[x] = row[sx]
		}
	}
	return dst
}

// Source is the band pyramid being rescaled; *mosaic.Engine implements it.
type Source interface {
	Bands() []string
	Band(name string) (mosaic.BandInfo, bool)
	Dimensions(band string, level int) (image.Point, error)
	BuildLevel(band string, level int) (*raster.Grid[uint16], error)
}

// Rescaler exposes every band of a Source at the size of a reference band.
type Rescaler struct {
	src       Source
	target    layout.Resolution
	reference mosaic.BandInfo
	logger    *slog.Logger
	metrics   *mosaic.Metrics

	levels mosaic.Memo[rescaleKey, *raster.Grid[uint16]]
}

type rescaleKey struct {
	band  string
	level int
}

// New picks the first band at target as reference.
func New(src Source, target layout.Resolution, logger *slog.Logger, metrics *mosaic.Metrics) (*Rescaler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = mosaic.NewMetrics(nil)
	}
	for _, name := range src.Bands() {
		b, _ := src.Band(name)
		if b.Resolution == target {
			logger.Debug("rescale reference band selected", "band", name, "resolution", target)
			return &Rescaler{src: src, target: target, reference: b, logger: logger, metrics: metrics}, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNoReferenceBand, target)
}

// Reference is the band whose grid every band is resampled to.
func (r *Rescaler) Reference() string {
	return r.reference.Name
}

// Target is the uniform resolution of the output.
func (r *Rescaler) Target() layout.Resolution {
	return r.target
}

// Reset drops the resampled levels, and the source levels when the source
// caches too. It returns how many rasters were dropped.
func (r *Rescaler) Reset() int {
	n := r.levels.Len()
	r.levels.Reset()
	if s, ok := r.src.(interface{ Reset() int }); ok {
		n += s.Reset()
	}
	return n
}

// NumLevels is the pyramid depth of the reference band, shared by all bands.
func (r *Rescaler) NumLevels() int {
	return r.reference.Layout.NumResolutions
}

// Dimensions is the output size of any band at level.
func (r *Rescaler) Dimensions(level int) (image.Point, error) {
	return r.src.Dimensions(r.reference.Name, level)
}

// BuildLevel returns band at level on the reference grid.
func (r *Rescaler) BuildLevel(band string, level int) (*raster.Grid[uint16], error) {
	b, ok := r.src.Band(band)
	if !ok {
		return nil, fmt.Errorf("%w: %s", mosaic.ErrUnknownBand, band)
	}
	if level < 0 || level >= r.NumLevels() {
		return nil, fmt.Errorf("%w: %d", mosaic.ErrInvalidLevel, level)
	}
	if b.Resolution == r.target {
		return r.src.BuildLevel(band, level)
	}

	return r.levels.Get(rescaleKey{band: band, level: level}, func() (*raster.Grid[uint16], error) {
		start := time.Now()
		dim, err := r.Dimensions(level)
		if err != nil {
			return nil, err
		}
		// coarser bands may have fewer levels, resample from their last one
		srcLevel := min(level, b.Layout.NumResolutions-1)
		src, err := r.src.BuildLevel(band, srcLevel)
		if err != nil {
			return nil, err
		}
		g := Nearest(src, dim.X, dim.Y)
		r.metrics.ObserveBuild("rescale", time.Since(start).Seconds())
		r.logger.Debug("band rescaled", "band", band, "level", level,
			"from", fmt.Sprintf("%dx%d", src.Width, src.Height), "to", fmt.Sprintf("%dx%d", g.Width, g.Height))
		return g, nil
	})
}
