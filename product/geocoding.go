package product

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/akhenakh/s2mosaic/layout"
)

// ErrUnsupportedCRS is returned for a CRS that cannot be parsed or is not
// one the products are delivered in.
var ErrUnsupportedCRS = errors.New("unsupported CRS")

// crsPattern accepts EPSG:n, OGC URNs and OGC definition URLs.
var crsPattern = regexp.MustCompile(`(?i)^(?:EPSG:(\d+)|urn:ogc:def:crs:EPSG:[^:]*:(\d+)|https?://www\.opengis\.net/def/crs/EPSG/[^/]+/(\d+))$`)

// CRS is an EPSG coordinate reference system.
type CRS struct {
	Code int
}

// ParseCRS parses and checks a CRS identifier. Only projected CRSs in metres
// are supported: web mercator and the WGS84 UTM zones. Scene placement
// divides coordinate offsets by a resolution in metres, so geographic CRSs
// are rejected.
func ParseCRS(s string) (CRS, error) {
	m := crsPattern.FindStringSubmatch(s)
	if m == nil {
		return CRS{}, fmt.Errorf("%w: %q", ErrUnsupportedCRS, s)
	}
	var digits string
	for _, g := range m[1:] {
		if g != "" {
			digits = g
		}
	}
	code, err := strconv.Atoi(digits)
	if err != nil {
		return CRS{}, fmt.Errorf("%w: %q", ErrUnsupportedCRS, s)
	}
	c := CRS{Code: code}
	if !c.supported() {
		return CRS{}, fmt.Errorf("%w: %s", ErrUnsupportedCRS, c)
	}
	return c, nil
}

func (c CRS) supported() bool {
	switch {
	case c.Code == 3857:
		return true
	case c.Code >= 32601 && c.Code <= 32660:
		return true
	case c.Code >= 32701 && c.Code <= 32760:
		return true
	}
	return false
}

// UTMZone returns the zone number and hemisphere of a UTM CRS.
func (c CRS) UTMZone() (zone int, north bool, ok bool) {
	switch {
	case c.Code >= 32601 && c.Code <= 32660:
		return c.Code - 32600, true, true
	case c.Code >= 32701 && c.Code <= 32760:
		return c.Code - 32700, false, true
	}
	return 0, false, false
}

func (c CRS) String() string {
	return fmt.Sprintf("EPSG:%d", c.Code)
}

// GeoCoding maps pixel coordinates of a north-up raster to CRS coordinates.
type GeoCoding struct {
	CRS CRS
	// OriginX and OriginY are the CRS coordinates of the upper-left corner
	// of pixel (0, 0).
	OriginX, OriginY float64
	PixelSize        float64
	Width, Height    int
}

// NewGeoCoding describes the scene at res.
func NewGeoCoding(crs CRS, scene *layout.SceneLayout, res layout.Resolution) GeoCoding {
	x, y := scene.SceneOrigin()
	dim := scene.SceneDimension(res)
	return GeoCoding{CRS: crs, OriginX: x, OriginY: y, PixelSize: float64(res), Width: dim.X, Height: dim.Y}
}

// ImageToModel converts a pixel position to CRS coordinates. Pixel centres
// are at half-integer positions.
func (g GeoCoding) ImageToModel(x, y float64) (float64, float64) {
	return g.OriginX + x*g.PixelSize, g.OriginY - y*g.PixelSize
}

// ModelToImage is the inverse of ImageToModel.
func (g GeoCoding) ModelToImage(x, y float64) (float64, float64) {
	return (x - g.OriginX) / g.PixelSize, (g.OriginY - y) / g.PixelSize
}

// AtLevel is the geocoding of pyramid level.
func (g GeoCoding) AtLevel(level int) GeoCoding {
	out := g
	out.PixelSize = g.PixelSize * math.Exp2(float64(level))
	out.Width = layout.LevelDim(g.Width, level)
	out.Height = layout.LevelDim(g.Height, level)
	return out
}
