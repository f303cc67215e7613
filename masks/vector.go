package masks

import (
	"fmt"
	"image/color"
	"log/slog"
	"sort"

	"github.com/go-spatial/geom"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/mosaic"
)

// Polygon is one mask geometry with its sub type.
type Polygon struct {
	Geometry geom.Polygon
	SubType  string
}

// PolygonSource parses a granule mask file.
type PolygonSource interface {
	Parse(path string) ([]Polygon, error)
}

// MaskFile is a mask file referenced by a granule.
type MaskFile struct {
	Type string `json:"type" validate:"required"`
	// BandID is set for band-specific mask files.
	BandID string `json:"bandId,omitempty"`
	Path   string `json:"path" validate:"required"`
}

// TileMasks lists the mask files of one granule.
type TileMasks struct {
	TileID string
	Files  []MaskFile
}

// Band is what the compositors need to know about a product band.
type Band struct {
	Name       string
	BandID     string
	Resolution layout.Resolution
	// Spectral bands get their own instance of per-band kinds.
	Spectral bool
}

// Feature is one polygon of a vector mask.
type Feature struct {
	ID      string
	Name    string
	Polygon geom.Polygon
}

// VectorMask is a named polygon overlay bound to a reference band.
type VectorMask struct {
	Name          string
	Description   string
	Kind          MaskKind
	Features      []Feature
	Color         color.RGBA
	Transparency  float64
	ReferenceBand string
}

// Extent is the bounding box of all features, nil when there are none.
func (m VectorMask) Extent() *geom.Extent {
	var ext *geom.Extent
	for _, f := range m.Features {
		if ext == nil {
			e, err := geom.NewExtentFromGeometry(f.Polygon)
			if err != nil {
				continue
			}
			ext = e
			continue
		}
		ext.AddGeometry(f.Polygon)
	}
	return ext
}

// VectorSink receives instantiated vector masks.
type VectorSink interface {
	AddVectorMask(VectorMask) error
}

// VectorCompositor gathers mask polygons across granules and instantiates
// one mask per reference raster.
type VectorCompositor struct {
	Source PolygonSource
	// Kinds defaults to the MSI catalog.
	Kinds  []MaskKind
	Logger *slog.Logger

	parsed mosaic.Memo[string, []Polygon]
}

func (c *VectorCompositor) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Compose emits every mask present at level to sink and returns how many
// were emitted. Mask files that fail to parse are skipped with a warning.
func (c *VectorCompositor) Compose(level Level, tiles []TileMasks, bands []Band, sink VectorSink) (int, error) {
	kinds := c.Kinds
	if kinds == nil {
		kinds = Kinds
	}

	emitted := 0
	for _, kind := range kinds {
		if !kind.PresentAt(level) {
			continue
		}
		if !kind.PerBand {
			features := c.gather(kind, tiles, "")
			for _, res := range resolutions(bands) {
				ref := firstAt(bands, res)
				m := VectorMask{
					Name:          kind.NameForResolution(int(res)),
					Description:   kind.Description,
					Kind:          kind,
					Features:      features,
					Color:         kind.Color,
					Transparency:  kind.Transparency,
					ReferenceBand: ref.Name,
				}
				if err := sink.AddVectorMask(m); err != nil {
					return emitted, fmt.Errorf("adding mask %s: %w", m.Name, err)
				}
				emitted++
			}
			continue
		}

		for _, b := range bands {
			if !b.Spectral {
				continue
			}
			m := VectorMask{
				Name:          kind.NameForBand(b.Name),
				Description:   kind.DescriptionForBand(b.Name),
				Kind:          kind,
				Features:      c.gather(kind, tiles, b.BandID),
				Color:         kind.Color,
				Transparency:  kind.Transparency,
				ReferenceBand: b.Name,
			}
			if err := sink.AddVectorMask(m); err != nil {
				return emitted, fmt.Errorf("adding mask %s: %w", m.Name, err)
			}
			emitted++
		}
	}
	return emitted, nil
}

// gather merges, in tile order, the polygons of kind found in the tiles'
// mask files. A non-empty bandID restricts files to that band.
func (c *VectorCompositor) gather(kind MaskKind, tiles []TileMasks, bandID string) []Feature {
	var features []Feature
	for _, t := range tiles {
		for _, f := range t.Files {
			if f.Type != kind.MainType {
				continue
			}
			if bandID != "" && f.BandID != bandID {
				continue
			}
			polygons, err := c.parsed.Get(f.Path, func() ([]Polygon, error) {
				return c.Source.Parse(f.Path)
			})
			if err != nil {
				c.logger().Warn("cannot parse mask file", "tile", t.TileID, "path", f.Path, "error", err)
				continue
			}
			for _, p := range polygons {
				if p.SubType != kind.SubType {
					continue
				}
				i := len(features)
				features = append(features, Feature{
					ID:      fmt.Sprintf("F-%d", i),
					Name:    fmt.Sprintf("Polygon-%d", i),
					Polygon: p.Geometry,
				})
			}
		}
	}
	return features
}

func resolutions(bands []Band) []layout.Resolution {
	seen := make(map[layout.Resolution]bool)
	var out []layout.Resolution
	for _, b := range bands {
		if !seen[b.Resolution] {
			seen[b.Resolution] = true
			out = append(out, b.Resolution)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func firstAt(bands []Band, res layout.Resolution) Band {
	for _, b := range bands {
		if b.Resolution == res {
			return b
		}
	}
	return Band{}
}
