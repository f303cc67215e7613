// Package manifest reads the JSON description of a product: geocoding, tile
// layouts, granules with their angle grids and mask files, and bands.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/perimeterx/marshmallow"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/masks"
	"github.com/akhenakh/s2mosaic/tiepoint"
)

const (
	ProductFile = "product.json"
	GranuleFile = "granule.json"
	granuleDir  = "GRANULE"

	// MetadataBrief manifests carry no angle grids worth exposing.
	MetadataBrief = "Brief"
)

// File template placeholders.
const (
	PlaceholderTileID     = "{{TILE_ID}}"
	PlaceholderResolution = "{{RESOLUTION}}"
	PlaceholderBand       = "{{BAND}}"
)

// ErrNoParentProduct is returned when a granule manifest is not nested in a
// product directory holding a product manifest.
var ErrNoParentProduct = errors.New("granule manifest has no parent product manifest")

// Manifest describes one product.
type Manifest struct {
	ProductID       string `json:"productId" validate:"required"`
	ProcessingLevel string `json:"processingLevel" validate:"required"`
	MetadataLevel   string `json:"metadataLevel" default:"Standard" validate:"oneof=Brief Standard Expertise"`
	CRS             string `json:"crs" validate:"required"`
	// TargetResolution is 0 for a multi-resolution product.
	TargetResolution int `json:"targetResolution" validate:"omitempty,oneof=10 20 60"`
	// Granule restricts the product to a single tile.
	Granule      string `json:"granule,omitempty"`
	FileTemplate string `json:"fileTemplate" default:"GRANULE/{{TILE_ID}}/IMG_DATA/{{TILE_ID}}_{{BAND}}.tif" validate:"required"`
	// Background is the value of pixels no granule covers.
	Background uint16 `json:"background"`

	TileLayouts []TileLayout `json:"tileLayouts" validate:"required,min=1,dive"`
	Granules    []Granule    `json:"granules" validate:"required,min=1,dive"`
	Bands       []Band       `json:"bands" validate:"required,min=1,dive"`

	// Dir is the directory relative file names are resolved against.
	Dir string `json:"-"`
	// Unknown lists the top-level keys that were ignored.
	Unknown []string `json:"-"`
}

// TileLayout is the granule image geometry at one resolution.
type TileLayout struct {
	Resolution     int `json:"resolution" validate:"oneof=10 20 60"`
	Width          int `json:"width" validate:"min=1"`
	Height         int `json:"height" validate:"min=1"`
	TileWidth      int `json:"tileWidth" validate:"min=1"`
	TileHeight     int `json:"tileHeight" validate:"min=1"`
	NumResolutions int `json:"numResolutions" default:"1" validate:"min=1,max=16"`
}

// Layout derives the sub-tile grid.
func (t TileLayout) Layout() layout.TileLayout {
	return layout.NewTileLayout(t.Width, t.Height, t.TileWidth, t.TileHeight, t.NumResolutions)
}

// Granule is one tile of the product.
type Granule struct {
	TileID    string           `json:"tileId" validate:"required"`
	Positions []Position       `json:"positions" validate:"required,min=1,dive"`
	Angles    *Angles          `json:"angles,omitempty"`
	Masks     []masks.MaskFile `json:"masks,omitempty" validate:"dive"`
}

// Position places a granule image in the CRS at one resolution.
type Position struct {
	Resolution int     `json:"resolution" validate:"oneof=10 20 60"`
	ULX        float64 `json:"ulx"`
	ULY        float64 `json:"uly"`
	Width      int     `json:"width" validate:"min=1"`
	Height     int     `json:"height" validate:"min=1"`
}

// AngleGrid is a zenith/azimuth sample grid; null samples are missing.
type AngleGrid struct {
	Step    float64      `json:"step" default:"5000"`
	Zenith  [][]*float64 `json:"zenith" validate:"required"`
	Azimuth [][]*float64 `json:"azimuth" validate:"required"`
}

// Angles holds the sun grid and the viewing grids of one granule.
type Angles struct {
	Sun     AngleGrid   `json:"sun"`
	Viewing []AngleGrid `json:"viewing,omitempty"`
}

// Band is one raster of the product.
type Band struct {
	Name       string `json:"name" validate:"required"`
	BandID     string `json:"bandId"`
	Resolution int    `json:"resolution" validate:"oneof=10 20 60"`
	// FileTemplate overrides the product template.
	FileTemplate string             `json:"fileTemplate,omitempty"`
	Description  string             `json:"description"`
	Unit         string             `json:"unit"`
	Wavelength   float64            `json:"wavelength,omitempty" validate:"min=0"`
	IndexCoding  *masks.IndexCoding `json:"indexCoding,omitempty"`
}

// Spectral reports whether the band holds measurements rather than codes.
func (b Band) Spectral() bool {
	return b.IndexCoding == nil
}

// Parse decodes and validates a manifest.
func Parse(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m := &Manifest{}
	if err := defaults.Set(m); err != nil {
		return nil, err
	}
	unknown, err := marshmallow.Unmarshal(data, m, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	for k := range unknown {
		m.Unknown = append(m.Unknown, k)
	}
	sort.Strings(m.Unknown)

	// slice elements only exist once decoded
	if err := defaults.Set(m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks field constraints and cross references.
func (m *Manifest) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	if _, err := masks.ParseLevel(m.ProcessingLevel); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Bands))
	for _, b := range m.Bands {
		if seen[b.Name] {
			return fmt.Errorf("invalid manifest: duplicate band %q", b.Name)
		}
		seen[b.Name] = true
		if _, ok := m.TileLayout(layout.Resolution(b.Resolution)); !ok {
			return fmt.Errorf("invalid manifest: no tile layout at %dm for band %s", b.Resolution, b.Name)
		}
	}
	return nil
}

// Load reads a manifest file. A granule manifest loads its parent product
// restricted to that granule.
func Load(path string) (*Manifest, error) {
	if filepath.Base(path) != GranuleFile {
		return loadFile(path)
	}
	productPath, tileID, err := ResolveGranule(path)
	if err != nil {
		return nil, err
	}
	m, err := loadFile(productPath)
	if err != nil {
		return nil, err
	}
	m.Granule = tileID
	return m, nil
}

func loadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

type granuleRef struct {
	TileID string `json:"tileId"`
}

// ResolveGranule finds the product manifest of a granule manifest stored at
// <product>/GRANULE/<tile>/granule.json and returns it with the tile
// identifier. The identifier is read from the granule manifest, falling
// back to the directory name.
func ResolveGranule(path string) (productPath, tileID string, err error) {
	tileDir := filepath.Dir(path)
	granules := filepath.Dir(tileDir)
	if filepath.Base(granules) != granuleDir {
		return "", "", fmt.Errorf("%w: %s is not in a %s directory", ErrNoParentProduct, path, granuleDir)
	}
	productPath = filepath.Join(filepath.Dir(granules), ProductFile)
	if _, err := os.Stat(productPath); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrNoParentProduct, productPath)
	}

	tileID = filepath.Base(tileDir)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	var ref granuleRef
	if len(bytes.TrimSpace(data)) > 0 {
		if _, err := marshmallow.Unmarshal(data, &ref); err != nil {
			return "", "", fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	if ref.TileID != "" {
		tileID = ref.TileID
	}
	return productPath, tileID, nil
}

// Level is the parsed processing level.
func (m *Manifest) Level() masks.Level {
	l, _ := masks.ParseLevel(m.ProcessingLevel)
	return l
}

// Brief reports whether the metadata level omits angle rasters.
func (m *Manifest) Brief() bool {
	return strings.EqualFold(m.MetadataLevel, MetadataBrief)
}

// TileLayout returns the granule layout at res.
func (m *Manifest) TileLayout(res layout.Resolution) (layout.TileLayout, bool) {
	for _, t := range m.TileLayouts {
		if t.Resolution == int(res) {
			return t.Layout(), true
		}
	}
	return layout.TileLayout{}, false
}

// Placements lists the granule positions in manifest order.
func (m *Manifest) Placements() []layout.GranulePlacement {
	out := make([]layout.GranulePlacement, 0, len(m.Granules))
	for _, g := range m.Granules {
		p := layout.GranulePlacement{TileID: g.TileID, Positions: make(map[layout.Resolution]layout.Geoposition, len(g.Positions))}
		for _, pos := range g.Positions {
			p.Positions[layout.Resolution(pos.Resolution)] = layout.Geoposition{
				ULX:    pos.ULX,
				ULY:    pos.ULY,
				Width:  pos.Width,
				Height: pos.Height,
			}
		}
		out = append(out, p)
	}
	return out
}

// TileAngles returns the angle grids of the granules that have some.
func (m *Manifest) TileAngles() map[string]tiepoint.TileAngles {
	out := make(map[string]tiepoint.TileAngles)
	for _, g := range m.Granules {
		if g.Angles == nil {
			continue
		}
		a := tiepoint.TileAngles{Sun: g.Angles.Sun.grid()}
		for _, v := range g.Angles.Viewing {
			a.Viewing = append(a.Viewing, v.grid())
		}
		out[g.TileID] = a
	}
	return out
}

func (a AngleGrid) grid() tiepoint.AnglesGrid {
	return tiepoint.AnglesGrid{Step: a.Step, Zenith: toFloat32(a.Zenith), Azimuth: toFloat32(a.Azimuth)}
}

func toFloat32(rows [][]*float64) [][]float32 {
	out := make([][]float32, len(rows))
	for i, row := range rows {
		out[i] = make([]float32, len(row))
		for j, v := range row {
			if v == nil {
				out[i][j] = float32(math.NaN())
				continue
			}
			out[i][j] = float32(*v)
		}
	}
	return out
}

// TileMasks lists the mask files of every granule, in manifest order.
func (m *Manifest) TileMasks() []masks.TileMasks {
	out := make([]masks.TileMasks, 0, len(m.Granules))
	for _, g := range m.Granules {
		files := make([]masks.MaskFile, len(g.Masks))
		for i, f := range g.Masks {
			f.Path = m.Resolve(f.Path)
			files[i] = f
		}
		out = append(out, masks.TileMasks{TileID: g.TileID, Files: files})
	}
	return out
}

// BandFile is the image file of band in granule tileID.
func (m *Manifest) BandFile(b Band, tileID string) string {
	tmpl := b.FileTemplate
	if tmpl == "" {
		tmpl = m.FileTemplate
	}
	name := strings.NewReplacer(
		PlaceholderTileID, tileID,
		PlaceholderResolution, strconv.Itoa(b.Resolution),
		PlaceholderBand, b.Name,
	).Replace(tmpl)
	return m.Resolve(name)
}

// Resolve makes a relative file name relative to the manifest directory.
// Absolute paths and URLs are returned unchanged.
func (m *Manifest) Resolve(name string) string {
	if m.Dir == "" || filepath.IsAbs(name) || strings.Contains(name, "://") {
		return name
	}
	return filepath.Join(m.Dir, name)
}
