package tiepoint

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/mosaic"
	"github.com/akhenakh/s2mosaic/raster"
)

// Names of the four reconstructed rasters.
const (
	SunZenith   = "sun_zenith"
	SunAzimuth  = "sun_azimuth"
	ViewZenith  = "view_zenith"
	ViewAzimuth = "view_azimuth"
)

// Info describes one reconstructed raster.
type Info struct {
	Name        string
	Description string
	Unit        string
}

// Rasters lists the reconstructed rasters in product order.
var Rasters = []Info{
	{Name: SunZenith, Description: "Solar zenith angle", Unit: "°"},
	{Name: SunAzimuth, Description: "Solar azimuth angle", Unit: "°"},
	{Name: ViewZenith, Description: "Viewing incidence zenith angle", Unit: "°"},
	{Name: ViewAzimuth, Description: "Viewing incidence azimuth angle", Unit: "°"},
}

var ErrUnknownRaster = errors.New("unknown tie-point raster")

// merged holds the four per-tile grids, each already rectangular.
type merged struct {
	step   float64
	values map[string][][]float32
}

// Options configures a Reconstructor.
type Options struct {
	Workers int
	Logger  *slog.Logger
	Metrics *mosaic.Metrics
}

// Reconstructor builds the angle rasters of a scene at the product
// resolution. Tiles without a sun grid contribute nothing.
type Reconstructor struct {
	scene     *layout.SceneLayout
	res       layout.Resolution
	numLevels int
	tiles     map[string]merged
	opts      Options

	levels mosaic.Memo[levelKey, *raster.Grid[float32]]
}

type levelKey struct {
	name  string
	level int
}

// New merges the detector grids of every tile up front; rasters are built
// lazily.
func New(scene *layout.SceneLayout, res layout.Resolution, numLevels int, angles map[string]TileAngles, opts Options) *Reconstructor {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = mosaic.NewMetrics(nil)
	}

	r := &Reconstructor{scene: scene, res: res, numLevels: numLevels, tiles: make(map[string]merged), opts: opts}
	for id, a := range angles {
		if len(a.Sun.Zenith) == 0 {
			opts.Logger.Warn("tile has no sun angles grid", "tile", id)
			continue
		}
		sun := MergeDetectors([]AnglesGrid{a.Sun})
		view := MergeDetectors(a.Viewing)
		if len(a.Viewing) == 0 {
			view = AnglesGrid{Zenith: nanRows(len(sun.Zenith), len(sun.Zenith[0])), Azimuth: nanRows(len(sun.Zenith), len(sun.Zenith[0]))}
		}
		step := sun.Step
		if step == 0 {
			step = DefaultStep
		}
		r.tiles[id] = merged{step: step, values: map[string][][]float32{
			SunZenith:   sun.Zenith,
			SunAzimuth:  sun.Azimuth,
			ViewZenith:  view.Zenith,
			ViewAzimuth: view.Azimuth,
		}}
	}
	return r
}

// Reset drops the built rasters and returns how many there were.
func (r *Reconstructor) Reset() int {
	n := r.levels.Len()
	r.levels.Reset()
	return n
}

// NumLevels is the pyramid depth of every angle raster.
func (r *Reconstructor) NumLevels() int {
	return r.numLevels
}

// Dimensions is the raster size at level.
func (r *Reconstructor) Dimensions(level int) image.Point {
	dim := r.scene.SceneDimension(r.res)
	return layout.LevelSize(dim.X, dim.Y, level)
}

// BuildLevel returns the named angle raster at level; NaN marks no-data.
func (r *Reconstructor) BuildLevel(name string, level int) (*raster.Grid[float32], error) {
	if !known(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRaster, name)
	}
	if level < 0 || level >= r.numLevels {
		return nil, fmt.Errorf("%w: %d", mosaic.ErrInvalidLevel, level)
	}
	return r.levels.Get(levelKey{name: name, level: level}, func() (*raster.Grid[float32], error) {
		start := time.Now()
		pieces, err := (&anglesProvider{r: r, name: name}).Pieces(level)
		if err != nil {
			return nil, err
		}
		g := mosaic.Compose(pieces, mosaic.ComposeOptions[float32]{
			Size:       r.Dimensions(level),
			Background: float32(math.NaN()),
			Workers:    r.opts.Workers,
		})
		r.opts.Metrics.ObserveBuild("tiepoint", time.Since(start).Seconds())
		r.opts.Logger.Debug("tie-point level built", "name", name, "level", level, "width", g.Width, "height", g.Height)
		return g, nil
	})
}

func known(name string) bool {
	for _, i := range Rasters {
		if i.Name == name {
			return true
		}
	}
	return false
}

// anglesProvider positions the expanded angle grid of every tile.
type anglesProvider struct {
	r    *Reconstructor
	name string
}

func (p *anglesProvider) Pieces(level int) ([]mosaic.Piece[float32], error) {
	r := p.r
	var pieces []mosaic.Piece[float32]
	for _, id := range r.scene.TileIDs() {
		m, ok := r.tiles[id]
		if !ok {
			continue
		}
		rect, ok := r.scene.TileRect(id, r.res)
		if !ok {
			r.opts.Logger.Warn("tile has no position at product resolution", "tile", id, "resolution", r.res)
			continue
		}
		values := m.values[p.name]
		subSampling := m.step / float64(r.res)
		target := layout.LevelBounds(rect, level)
		pieces = append(pieces, mosaic.Piece[float32]{
			Rect: target,
			Load: func() (*raster.Grid[float32], error) {
				return expand(values, subSampling, target.Dx(), target.Dy(), level), nil
			},
		})
	}
	return pieces, nil
}

// expand samples the grid at the centre of every pixel of a w x h block at
// level.
func expand(values [][]float32, subSampling float64, w, h, level int) *raster.Grid[float32] {
	scale := float64(int(1) << level)
	g := raster.New[float32](w, h, 0)
	for y := 0; y < h; y++ {
		gy := (float64(y) + 0.5) * scale / subSampling
		for x := 0; x < w; x++ {
			gx := (float64(x) + 0.5) * scale / subSampling
			g.Set(x, y, interpolate(values, gx, gy))
		}
	}
	return g
}
