// Package product assembles the bands, masks and angle rasters of a manifest
// into an in-memory product model.
package product

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/masks"
	"github.com/akhenakh/s2mosaic/mosaic"
	"github.com/akhenakh/s2mosaic/raster"
	"github.com/akhenakh/s2mosaic/tiepoint"
)

// ErrDuplicateName is returned when two entities of a model share a name.
var ErrDuplicateName = errors.New("duplicate name")

// Model receives the entities of an opened product. Entities hold no
// reference back to the model.
type Model interface {
	masks.VectorSink
	masks.IndexSink
	AddBand(*Band) error
	AddTiePointBand(*TiePointBand) error
}

// levelSource is the band pyramid a product reads from: the mosaic engine,
// or the rescaler wrapping it.
type levelSource interface {
	BuildLevel(band string, level int) (*raster.Grid[uint16], error)
}

// Band is one raster band of the product.
type Band struct {
	Name        string
	BandID      string
	Description string
	Unit        string
	Wavelength  float64
	// Resolution is the pixel size of the band as exposed, after rescaling.
	Resolution  layout.Resolution
	IndexCoding *masks.IndexCoding
	GeoCoding   GeoCoding
	// Tiles lists the granules contributing pixels.
	Tiles []string

	numLevels int
	src       levelSource
}

// NumLevels is the pyramid depth.
func (b *Band) NumLevels() int {
	return b.numLevels
}

// Dimensions is the raster size at level.
func (b *Band) Dimensions(level int) image.Point {
	g := b.GeoCoding.AtLevel(level)
	return image.Pt(g.Width, g.Height)
}

// Level builds, or returns the cached, raster at level.
func (b *Band) Level(level int) (*raster.Grid[uint16], error) {
	return b.src.BuildLevel(b.Name, level)
}

// Window returns a copy of rect of the raster at level.
func (b *Band) Window(level int, rect image.Rectangle) (*raster.Grid[uint16], error) {
	if w, ok := b.src.(interface {
		ReadWindow(band string, level int, rect image.Rectangle) (*raster.Grid[uint16], error)
	}); ok {
		return w.ReadWindow(b.Name, level, rect)
	}
	g, err := b.Level(level)
	if err != nil {
		return nil, err
	}
	return g.Crop(rect), nil
}

// TiePointBand is a sun or viewing angle raster.
type TiePointBand struct {
	tiepoint.Info
	GeoCoding GeoCoding

	rec *tiepoint.Reconstructor
}

// NumLevels is the pyramid depth.
func (t *TiePointBand) NumLevels() int {
	return t.rec.NumLevels()
}

// Level builds, or returns the cached, raster at level. Missing samples are
// NaN.
func (t *TiePointBand) Level(level int) (*raster.Grid[float32], error) {
	return t.rec.BuildLevel(t.Name, level)
}

// Product is the in-memory Model.
type Product struct {
	ID              string
	ProcessingLevel masks.Level
	// Resolution is the pixel size of GeoCoding: the target resolution or
	// the finest band resolution.
	Resolution layout.Resolution
	GeoCoding  GeoCoding

	logger      *slog.Logger
	bands       *orderedmap.OrderedMap[string, *Band]
	vectorMasks *orderedmap.OrderedMap[string, masks.VectorMask]
	indexMasks  *orderedmap.OrderedMap[string, *masks.IndexMask]
	tiePoints   *orderedmap.OrderedMap[string, *TiePointBand]
}

// New returns an empty product.
func New(id string, level masks.Level) *Product {
	return &Product{
		ID:              id,
		ProcessingLevel: level,
		logger:          slog.Default(),
		bands:           orderedmap.New[string, *Band](),
		vectorMasks:     orderedmap.New[string, masks.VectorMask](),
		indexMasks:      orderedmap.New[string, *masks.IndexMask](),
		tiePoints:       orderedmap.New[string, *TiePointBand](),
	}
}

func addUnique[V any](m *orderedmap.OrderedMap[string, V], name string, v V) error {
	if _, present := m.Get(name); present {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	m.Set(name, v)
	return nil
}

func values[V any](m *orderedmap.OrderedMap[string, V]) []V {
	out := make([]V, 0, m.Len())
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

func (p *Product) AddBand(b *Band) error {
	return addUnique(p.bands, b.Name, b)
}

func (p *Product) AddVectorMask(m masks.VectorMask) error {
	return addUnique(p.vectorMasks, m.Name, m)
}

func (p *Product) AddIndexMask(m *masks.IndexMask) error {
	return addUnique(p.indexMasks, m.Name, m)
}

func (p *Product) AddTiePointBand(t *TiePointBand) error {
	return addUnique(p.tiePoints, t.Name, t)
}

// Bands returns the bands in manifest order.
func (p *Product) Bands() []*Band { return values(p.bands) }

func (p *Product) Band(name string) (*Band, bool) { return p.bands.Get(name) }

// VectorMasks returns the polygon masks in catalog order.
func (p *Product) VectorMasks() []masks.VectorMask { return values(p.vectorMasks) }

func (p *Product) VectorMask(name string) (masks.VectorMask, bool) { return p.vectorMasks.Get(name) }

// IndexMasks returns the index masks in band then coding order.
func (p *Product) IndexMasks() []*masks.IndexMask { return values(p.indexMasks) }

func (p *Product) IndexMask(name string) (*masks.IndexMask, bool) { return p.indexMasks.Get(name) }

func (p *Product) TiePointBands() []*TiePointBand { return values(p.tiePoints) }

func (p *Product) TiePointBand(name string) (*TiePointBand, bool) { return p.tiePoints.Get(name) }

// Close discards every raster built so far. A level read after Close is
// built again.
func (p *Product) Close() error {
	seen := make(map[any]bool)
	released := 0
	reset := func(v any) {
		r, ok := v.(interface{ Reset() int })
		if !ok || seen[v] {
			return
		}
		seen[v] = true
		released += r.Reset()
	}
	for _, b := range p.Bands() {
		reset(b.src)
	}
	for _, m := range p.IndexMasks() {
		reset(m)
	}
	for _, t := range p.TiePointBands() {
		reset(t.rec)
	}
	p.logger.Debug("product closed", "product", p.ID, "rasters_released", released)
	return nil
}

// Options configures Open.
type Options struct {
	// Decoder decodes granule sub-tiles.
	Decoder mosaic.Decoder
	// Exists reports whether a band file is present. Defaults to a local
	// file system check.
	Exists func(ctx context.Context, name string) (bool, error)
	// PolygonSource parses mask files. Without one, no vector mask is built.
	PolygonSource masks.PolygonSource
	// VerifyGeoreference compares the georeferencing stored in each band
	// file with the manifest geoposition, when Decoder is a Georeferencer.
	// Mismatches are logged.
	VerifyGeoreference bool
	Workers            int
	Logger             *slog.Logger
	Metrics            *mosaic.Metrics
}

// Georeferencer reads the model-space upper-left corner of a band file.
type Georeferencer interface {
	UpperLeft(file string) (x, y float64, err error)
}

func (o Options) withLogger(logger *slog.Logger) Options {
	o.Logger = logger
	return o
}

func (o *Options) setDefaults() {
	if o.Exists == nil {
		o.Exists = LocalExists
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = mosaic.NewMetrics(nil)
	}
}

// LocalExists reports whether name is present on the local file system.
func LocalExists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
