package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/karlseguin/ccache/v3"

	"github.com/akhenakh/s2mosaic/masks"
	"github.com/akhenakh/s2mosaic/product"
	"github.com/akhenakh/s2mosaic/raster"
)

// renderTTL is how long an encoded image stays in the render cache.
const renderTTL = 10 * time.Minute

// API serves the bands, masks and angle rasters of one product over HTTP.
type API struct {
	product *product.Product
	renders *ccache.Cache[[]byte]
	logger  *slog.Logger
}

func NewAPI(p *product.Product, renders *ccache.Cache[[]byte], logger *slog.Logger) *API {
	return &API{product: p, renders: renders, logger: logger}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /product", a.productHandler)
	mux.HandleFunc("GET /bands", a.listBandsHandler)
	mux.HandleFunc("GET /bands/{name}/{level}", a.bandImageHandler)
	mux.HandleFunc("GET /masks", a.listMasksHandler)
	mux.HandleFunc("GET /masks/{name}/features", a.maskFeaturesHandler)
	mux.HandleFunc("GET /masks/{name}/{level}", a.maskImageHandler)
	mux.HandleFunc("GET /tiepoints", a.listTiePointsHandler)
	mux.HandleFunc("GET /tiepoints/{name}/{level}", a.tiePointStatsHandler)
	return mux
}

type productResponse struct {
	ID              string            `json:"id"`
	ProcessingLevel string            `json:"processingLevel"`
	CRS             string            `json:"crs"`
	Resolution      int               `json:"resolution"`
	GeoCoding       product.GeoCoding `json:"geoCoding"`
	Bands           int               `json:"bands"`
	Masks           int               `json:"masks"`
	TiePoints       int               `json:"tiePoints"`
}

type levelSize struct {
	Level     int     `json:"level"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	PixelSize float64 `json:"pixelSize"`
}

type bandResponse struct {
	Name        string             `json:"name"`
	BandID      string             `json:"bandId,omitempty"`
	Description string             `json:"description,omitempty"`
	Unit        string             `json:"unit,omitempty"`
	Wavelength  float64            `json:"wavelength,omitempty"`
	Resolution  int                `json:"resolution"`
	Levels      []levelSize        `json:"levels"`
	Tiles       []string           `json:"tiles"`
	IndexCoding *masks.IndexCoding `json:"indexCoding,omitempty"`
}

type maskResponse struct {
	Name          string       `json:"name"`
	Type          string       `json:"type"`
	Description   string       `json:"description,omitempty"`
	Color         string       `json:"color"`
	Transparency  float64      `json:"transparency"`
	ReferenceBand string       `json:"referenceBand,omitempty"`
	Features      int          `json:"features,omitempty"`
	Extent        *geom.Extent `json:"extent,omitempty"`
	Band          string       `json:"band,omitempty"`
	Expression    string       `json:"expression,omitempty"`
}

type tiePointResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Levels      int      `json:"levels"`
	Level       *int     `json:"level,omitempty"`
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Mean        *float64 `json:"mean,omitempty"`
	Valid       int      `json:"valid"`
	NoData      int      `json:"noData"`
}

func (a *API) productHandler(w http.ResponseWriter, r *http.Request) {
	p := a.product
	writeJSON(w, productResponse{
		ID:              p.ID,
		ProcessingLevel: p.ProcessingLevel.String(),
		CRS:             p.GeoCoding.CRS.String(),
		Resolution:      int(p.Resolution),
		GeoCoding:       p.GeoCoding,
		Bands:           len(p.Bands()),
		Masks:           len(p.VectorMasks()) + len(p.IndexMasks()),
		TiePoints:       len(p.TiePointBands()),
	})
}

func (a *API) listBandsHandler(w http.ResponseWriter, r *http.Request) {
	bands := a.product.Bands()
	out := make([]bandResponse, 0, len(bands))
	for _, b := range bands {
		out = append(out, bandSummary(b))
	}
	writeJSON(w, out)
}

func bandSummary(b *product.Band) bandResponse {
	s := bandResponse{
		Name:        b.Name,
		BandID:      b.BandID,
		Description: b.Description,
		Unit:        b.Unit,
		Wavelength:  b.Wavelength,
		Resolution:  int(b.Resolution),
		Tiles:       b.Tiles,
		IndexCoding: b.IndexCoding,
	}
	for level := range b.NumLevels() {
		g := b.GeoCoding.AtLevel(level)
		s.Levels = append(s.Levels, levelSize{Level: level, Width: g.Width, Height: g.Height, PixelSize: g.PixelSize})
	}
	return s
}

func (a *API) bandImageHandler(w http.ResponseWriter, r *http.Request) {
	b, ok := a.product.Band(r.PathValue("name"))
	if !ok {
		http.Error(w, "Unknown band", http.StatusNotFound)
		return
	}
	level, err := parseLevel(r.PathValue("level"), b.NumLevels())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	var rect image.Rectangle
	if bbox := q.Get("bbox"); bbox != "" {
		rect, err = parseBBox(bbox, b.GeoCoding.AtLevel(level))
	} else {
		rect, err = parseWindow(q, b.Dimensions(level))
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stretch, _ := strconv.ParseBool(q.Get("stretch"))

	key := fmt.Sprintf("band/%s/%d/%d,%d,%d,%d/%t", b.Name, level, rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y, stretch)
	item, err := a.renders.Fetch(key, renderTTL, func() ([]byte, error) {
		g, err := b.Window(level, rect)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := encodeBand(&buf, g, stretch); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		a.logger.Error("failed to render band", "band", b.Name, "level", level, "error", err)
		http.Error(w, fmt.Sprintf("Could not render band: %v", err), http.StatusInternalServerError)
		return
	}
	writePNG(w, item.Value())
}

func (a *API) listMasksHandler(w http.ResponseWriter, r *http.Request) {
	var out []maskResponse
	for _, m := range a.product.VectorMasks() {
		out = append(out, maskResponse{
			Name:          m.Name,
			Type:          "vector",
			Description:   m.Description,
			Color:         hexColor(m.Color),
			Transparency:  m.Transparency,
			ReferenceBand: m.ReferenceBand,
			Features:      len(m.Features),
			Extent:        m.Extent(),
		})
	}
	for _, m := range a.product.IndexMasks() {
		out = append(out, maskResponse{
			Name:         m.Name,
			Type:         "index",
			Description:  m.Description,
			Color:        hexColor(m.Color),
			Transparency: m.Transparency,
			Band:         m.Band,
			Expression:   m.Expression,
		})
	}
	writeJSON(w, out)
}

func (a *API) maskFeaturesHandler(w http.ResponseWriter, r *http.Request) {
	m, ok := a.product.VectorMask(r.PathValue("name"))
	if !ok {
		http.Error(w, "Unknown vector mask", http.StatusNotFound)
		return
	}
	fc := geojson.FeatureCollection{Features: make([]geojson.Feature, 0, len(m.Features))}
	for _, f := range m.Features {
		fc.Features = append(fc.Features, geojson.Feature{
			Geometry:   geojson.Geometry{Geometry: f.Polygon},
			Properties: map[string]interface{}{"id": f.ID, "name": f.Name},
		})
	}
	w.Header().Set("Content-Type", "application/geo+json")
	if err := json.NewEncoder(w).Encode(fc); err != nil {
		a.logger.Warn("failed to write features", "mask", m.Name, "error", err)
	}
}

func (a *API) maskImageHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, ok := a.product.IndexMask(name)
	if !ok {
		if _, vector := a.product.VectorMask(name); vector {
			http.Error(w, "Vector masks are served as features", http.StatusNotFound)
			return
		}
		http.Error(w, "Unknown index mask", http.StatusNotFound)
		return
	}
	numLevels := 1
	if b, ok := a.product.Band(m.Band); ok {
		numLevels = b.NumLevels()
	}
	level, err := parseLevel(r.PathValue("level"), numLevels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key := fmt.Sprintf("mask/%s/%d", m.Name, level)
	item, err := a.renders.Fetch(key, renderTTL, func() ([]byte, error) {
		g, err := m.Build(level)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := encodeMask(&buf, g, m.Color, m.Transparency); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	if err != nil {
		a.logger.Error("failed to render mask", "mask", m.Name, "level", level, "error", err)
		http.Error(w, fmt.Sprintf("Could not render mask: %v", err), http.StatusInternalServerError)
		return
	}
	writePNG(w, item.Value())
}

func (a *API) listTiePointsHandler(w http.ResponseWriter, r *http.Request) {
	tps := a.product.TiePointBands()
	out := make([]tiePointResponse, 0, len(tps))
	for _, t := range tps {
		out = append(out, tiePointResponse{Name: t.Name, Description: t.Description, Unit: t.Unit, Levels: t.NumLevels()})
	}
	writeJSON(w, out)
}

func (a *API) tiePointStatsHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := a.product.TiePointBand(r.PathValue("name"))
	if !ok {
		http.Error(w, "Unknown tie-point band", http.StatusNotFound)
		return
	}
	level, err := parseLevel(r.PathValue("level"), t.NumLevels())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g, err := t.Level(level)
	if err != nil {
		a.logger.Error("failed to build tie-point raster", "band", t.Name, "level", level, "error", err)
		http.Error(w, fmt.Sprintf("Could not build raster: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tiePointSummary(t, level, g))
}

func tiePointSummary(t *product.TiePointBand, level int, g *raster.Grid[float32]) tiePointResponse {
	s := raster.ComputeStats(g, func(v float32) bool { return math.IsNaN(float64(v)) })
	out := tiePointResponse{
		Name:        t.Name,
		Description: t.Description,
		Unit:        t.Unit,
		Levels:      t.NumLevels(),
		Level:       &level,
		Width:       g.Width,
		Height:      g.Height,
		Valid:       s.Valid,
		NoData:      s.NoData,
	}
	if s.Valid > 0 {
		out.Min, out.Max, out.Mean = &s.Min, &s.Max, &s.Mean
	}
	return out
}

func parseLevel(s string, numLevels int) (int, error) {
	level, err := strconv.Atoi(s)
	if err != nil || level < 0 || level >= numLevels {
		return 0, fmt.Errorf("invalid level %q, %d levels available", s, numLevels)
	}
	return level, nil
}

// parseWindow reads the optional x, y, w and h query parameters. Missing
// values select the full raster; the window is clipped to dims.
func parseWindow(q url.Values, dims image.Point) (image.Rectangle, error) {
	full := image.Rectangle{Max: dims}
	vals := [4]int{0, 0, dims.X, dims.Y}
	for i, k := range []string{"x", "y", "w", "h"} {
		s := q.Get(k)
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("invalid %s: %q", k, s)
		}
		vals[i] = v
	}
	if vals[2] <= 0 || vals[3] <= 0 {
		return image.Rectangle{}, errors.New("window width and height must be positive")
	}
	r := image.Rect(vals[0], vals[1], vals[0]+vals[2], vals[1]+vals[3]).Intersect(full)
	if r.Empty() {
		return image.Rectangle{}, fmt.Errorf("window outside the %dx%d raster", dims.X, dims.Y)
	}
	return r, nil
}

// parseBBox converts a minx,miny,maxx,maxy CRS bounding box to the pixel
// window of g covering it, clipped to the raster.
func parseBBox(s string, g product.GeoCoding) (image.Rectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("invalid bbox %q, want minx,miny,maxx,maxy", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("invalid bbox %q: %w", s, err)
		}
		v[i] = f
	}
	if v[0] >= v[2] || v[1] >= v[3] {
		return image.Rectangle{}, fmt.Errorf("empty bbox %q", s)
	}
	x0, y0 := g.ModelToImage(v[0], v[3])
	x1, y1 := g.ModelToImage(v[2], v[1])
	r := image.Rect(int(math.Floor(x0)), int(math.Floor(y0)), int(math.Ceil(x1)), int(math.Ceil(y1))).
		Intersect(image.Rect(0, 0, g.Width, g.Height))
	if r.Empty() {
		return image.Rectangle{}, fmt.Errorf("bbox %q outside the raster", s)
	}
	return r, nil
}

func hexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}
