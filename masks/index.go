package masks

import (
	"fmt"
	"image/color"
	"strings"
	"sync"
	"time"

	"github.com/iancoleman/strcase"

	"github.com/akhenakh/s2mosaic/mosaic"
	"github.com/akhenakh/s2mosaic/raster"
)

// IndexEntry is one coded value of a categorical band.
type IndexEntry struct {
	Name        string `json:"name" validate:"required"`
	Value       int    `json:"value" validate:"min=0,max=65535"`
	Description string `json:"description"`
}

// IndexCoding maps the raw values of a categorical band to labels.
type IndexCoding struct {
	Name    string       `json:"name" validate:"required"`
	Entries []IndexEntry `json:"entries" validate:"required,min=1,dive"`
}

// IndexTransparency is the transparency of every index mask.
const IndexTransparency = 0.5

// Palette hands out colors from a fixed list, in order, wrapping around at
// the end. It is safe for concurrent use.
type Palette struct {
	mu     sync.Mutex
	colors []color.RGBA
	next   int
}

// DefaultColors are the index mask colors.
var DefaultColors = []color.RGBA{
	{R: 255, A: 255},
	{G: 255, A: 255},
	{B: 255, A: 255},
	{R: 255, G: 255, A: 255},
	{R: 255, B: 255, A: 255},
	{G: 255, B: 255, A: 255},
	{R: 128, A: 255},
	{G: 128, A: 255},
	{B: 128, A: 255},
	{R: 128, G: 128, A: 255},
	{R: 128, B: 128, A: 255},
	{G: 128, B: 128, A: 255},
	{R: 255, G: 128, A: 255},
	{R: 255, B: 128, A: 255},
	{R: 128, G: 255, A: 255},
	{G: 255, B: 128, A: 255},
	{R: 128, B: 255, A: 255},
	{G: 128, B: 255, A: 255},
	{R: 192, G: 192, B: 192, A: 255},
	{R: 64, G: 64, B: 64, A: 255},
}

// NewPalette returns a palette over colors, DefaultColors when empty.
func NewPalette(colors ...color.RGBA) *Palette {
	if len(colors) == 0 {
		colors = DefaultColors
	}
	return &Palette{colors: colors}
}

// Next returns the next color. Successive calls return distinct colors until
// the palette wraps.
func (p *Palette) Next() color.RGBA {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.colors[p.next%len(p.colors)]
	p.next++
	return c
}

// LevelSource builds band rasters; *mosaic.Engine and *rescale.Rescaler
// implement it.
type LevelSource interface {
	BuildLevel(band string, level int) (*raster.Grid[uint16], error)
}

// IndexMask is true where the raw value of Band equals Value.
type IndexMask struct {
	Name         string
	Description  string
	Expression   string
	Band         string
	Value        int
	Color        color.RGBA
	Transparency float64

	src     LevelSource
	metrics *mosaic.Metrics
	levels  mosaic.Memo[int, *raster.Grid[bool]]
}

// Build evaluates the mask on the band raster at level.
func (m *IndexMask) Build(level int) (*raster.Grid[bool], error) {
	return m.levels.Get(level, func() (*raster.Grid[bool], error) {
		start := time.Now()
		src, err := m.src.BuildLevel(m.Band, level)
		if err != nil {
			return nil, fmt.Errorf("mask %s: %w", m.Name, err)
		}
		g := &raster.Grid[bool]{Width: src.Width, Height: src.Height, Pix: make([]bool, len(src.Pix))}
		want := uint16(m.Value)
		for i, v := range src.Pix {
			g.Pix[i] = v == want
		}
		if m.metrics != nil {
			m.metrics.ObserveBuild("index_mask", time.Since(start).Seconds())
		}
		return g, nil
	})
}

// Reset drops the built levels and returns how many there were.
func (m *IndexMask) Reset() int {
	n := m.levels.Len()
	m.levels.Reset()
	return n
}

// IndexSink receives derived index masks.
type IndexSink interface {
	AddIndexMask(*IndexMask) error
}

// IndexCompositor derives one mask per coded value of categorical bands.
// One compositor, and its palette, is shared by all bands of a product.
type IndexCompositor struct {
	Source  LevelSource
	Palette *Palette
	Metrics *mosaic.Metrics
}

// MaskName is the name of the mask of entry in band.
func MaskName(band string, entry IndexEntry) string {
	return strings.ToLower(band) + "_" + strcase.ToSnake(entry.Name)
}

// Compose emits the masks of band in coding order and returns how many were
// emitted.
func (c *IndexCompositor) Compose(band string, coding IndexCoding, sink IndexSink) (int, error) {
	if c.Palette == nil {
		c.Palette = NewPalette()
	}
	for i, e := range coding.Entries {
		m := &IndexMask{
			Name:         MaskName(band, e),
			Description:  e.Description,
			Expression:   fmt.Sprintf("%s.raw == %d", band, e.Value),
			Band:         band,
			Value:        e.Value,
			Color:        c.Palette.Next(),
			Transparency: IndexTransparency,
			src:          c.Source,
			metrics:      c.Metrics,
		}
		if err := sink.AddIndexMask(m); err != nil {
			return i, fmt.Errorf("adding mask %s: %w", m.Name, err)
		}
	}
	return len(coding.Entries), nil
}
