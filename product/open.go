package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/manifest"
	"github.com/akhenakh/s2mosaic/masks"
	"github.com/akhenakh/s2mosaic/mosaic"
	"github.com/akhenakh/s2mosaic/rescale"
	"github.com/akhenakh/s2mosaic/tiepoint"
)

// Open assembles the product described by m.
func Open(ctx context.Context, m *manifest.Manifest, opts Options) (*Product, error) {
	opts.setDefaults()
	p := New(m.ProductID, m.Level())
	p.logger = opts.Logger
	res, gc, err := Populate(ctx, m, p, opts)
	if err != nil {
		return nil, err
	}
	p.Resolution = res
	p.GeoCoding = gc
	return p, nil
}

// Populate attaches the bands, masks and angle rasters of m to model. It
// returns the product resolution and geocoding.
func Populate(ctx context.Context, m *manifest.Manifest, model Model, opts Options) (layout.Resolution, GeoCoding, error) {
	opts.setDefaults()
	if opts.Decoder == nil {
		return 0, GeoCoding{}, errors.New("no tile decoder")
	}
	logger := opts.Logger.With("product", m.ProductID)

	crs, err := ParseCRS(m.CRS)
	if err != nil {
		return 0, GeoCoding{}, err
	}

	sceneOpts := []layout.Option{layout.WithLogger(logger)}
	if m.Granule != "" {
		sceneOpts = append(sceneOpts, layout.WithGranule(m.Granule))
	}
	scene, err := layout.NewSceneLayout(m.Placements(), sceneOpts...)
	if err != nil {
		return 0, GeoCoding{}, err
	}

	infos, kept, err := resolveBands(ctx, m, scene, opts.withLogger(logger))
	if err != nil {
		return 0, GeoCoding{}, err
	}

	engine, err := mosaic.NewEngine(scene, opts.Decoder, infos, mosaic.Options{
		Background: m.Background,
		Workers:    opts.Workers,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return 0, GeoCoding{}, err
	}

	res := layout.Resolution(m.TargetResolution)
	var src levelSource = engine
	var rescaler *rescale.Rescaler
	if res != 0 {
		rescaler, err = rescale.New(engine, res, logger, opts.Metrics)
		if err != nil {
			return 0, GeoCoding{}, err
		}
		res = rescaler.Target()
		src = rescaler
	} else {
		res = infos[0].Resolution
		for _, info := range infos {
			res = min(res, info.Resolution)
		}
	}
	gc := NewGeoCoding(crs, scene, res)

	maskBands := make([]masks.Band, 0, len(kept))
	for i, mb := range kept {
		b := &Band{
			Name:        mb.Name,
			BandID:      mb.BandID,
			Description: mb.Description,
			Unit:        mb.Unit,
			Wavelength:  mb.Wavelength,
			Resolution:  infos[i].Resolution,
			IndexCoding: mb.IndexCoding,
			GeoCoding:   NewGeoCoding(crs, scene, infos[i].Resolution),
			Tiles:       engine.ContributingTiles(mb.Name),
			numLevels:   infos[i].Layout.NumResolutions,
			src:         src,
		}
		if rescaler != nil {
			b.Resolution = res
			b.GeoCoding = gc
			b.numLevels = rescaler.NumLevels()
		}
		if err := model.AddBand(b); err != nil {
			return 0, GeoCoding{}, err
		}
		maskBands = append(maskBands, masks.Band{Name: b.Name, BandID: b.BandID, Resolution: b.Resolution, Spectral: mb.Spectral()})
	}

	if opts.PolygonSource != nil {
		vc := &masks.VectorCompositor{Source: opts.PolygonSource, Logger: logger}
		n, err := vc.Compose(m.Level(), sceneMasks(m, scene), maskBands, model)
		if err != nil {
			return 0, GeoCoding{}, err
		}
		logger.Debug("vector masks attached", "count", n)
	}

	ic := &masks.IndexCompositor{Source: src, Metrics: opts.Metrics}
	for _, mb := range kept {
		if mb.IndexCoding == nil {
			continue
		}
		if _, err := ic.Compose(mb.Name, *mb.IndexCoding, model); err != nil {
			return 0, GeoCoding{}, err
		}
	}

	if m.Brief() {
		logger.Debug("brief metadata, no angle rasters")
		return res, gc, nil
	}
	angles := make(map[string]tiepoint.TileAngles)
	for id, a := range m.TileAngles() {
		if _, ok := scene.TileRect(id, res); ok {
			angles[id] = a
		}
	}
	if len(angles) == 0 {
		logger.Debug("no angle grids for the scene granules")
		return res, gc, nil
	}
	numLevels := 1
	if tl, ok := m.TileLayout(res); ok {
		numLevels = tl.NumResolutions
	}
	if rescaler != nil {
		numLevels = rescaler.NumLevels()
	}
	rec := tiepoint.New(scene, res, numLevels, angles, tiepoint.Options{
		Workers: opts.Workers,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	for _, info := range tiepoint.Rasters {
		if err := model.AddTiePointBand(&TiePointBand{Info: info, GeoCoding: gc, rec: rec}); err != nil {
			return 0, GeoCoding{}, err
		}
	}
	return res, gc, nil
}

// resolveBands maps every band to its granule files and drops the bands
// without any. The two returned slices are parallel.
func resolveBands(ctx context.Context, m *manifest.Manifest, scene *layout.SceneLayout, opts Options) ([]mosaic.BandInfo, []manifest.Band, error) {
	var infos []mosaic.BandInfo
	var kept []manifest.Band
	var georef Georeferencer
	var positions map[string]map[layout.Resolution]layout.Geoposition
	if g, ok := opts.Decoder.(Georeferencer); ok && opts.VerifyGeoreference {
		georef = g
		positions = make(map[string]map[layout.Resolution]layout.Geoposition)
		for _, p := range m.Placements() {
			positions[p.TileID] = p.Positions
		}
	}
	for _, b := range m.Bands {
		res := layout.Resolution(b.Resolution)
		tl, _ := m.TileLayout(res)
		files := make(map[string]string)
		for _, tileID := range scene.TileIDs() {
			if _, ok := scene.TileRect(tileID, res); !ok {
				continue
			}
			name := m.BandFile(b, tileID)
			ok, err := opts.Exists(ctx, name)
			if err != nil {
				opts.Logger.Warn("cannot check band file", "band", b.Name, "tile", tileID, "file", name, "error", err)
				continue
			}
			if !ok {
				opts.Logger.Warn("band file missing", "band", b.Name, "tile", tileID, "file", name)
				continue
			}
			if georef != nil {
				checkGeoreference(georef, name, positions[tileID][res], res, opts.Logger)
			}
			files[tileID] = name
		}
		if len(files) == 0 {
			opts.Logger.Warn("dropping band without files", "band", b.Name)
			continue
		}
		infos = append(infos, mosaic.BandInfo{Name: b.Name, Resolution: res, Files: files, Layout: tl})
		kept = append(kept, b)
	}
	if len(infos) == 0 {
		return nil, nil, fmt.Errorf("product %s: %w", m.ProductID, mosaic.ErrNoTileFiles)
	}
	return infos, kept, nil
}

// checkGeoreference warns when a file's upper-left corner is more than half a
// pixel away from its manifest geoposition.
func checkGeoreference(georef Georeferencer, file string, pos layout.Geoposition, res layout.Resolution, logger *slog.Logger) {
	x, y, err := georef.UpperLeft(file)
	if err != nil {
		logger.Debug("band file has no georeferencing", "file", file, "error", err)
		return
	}
	tolerance := float64(res) / 2
	if math.Abs(x-pos.ULX) > tolerance || math.Abs(y-pos.ULY) > tolerance {
		logger.Warn("band file georeferencing differs from manifest", "file", file,
			"file_ulx", x, "file_uly", y, "manifest_ulx", pos.ULX, "manifest_uly", pos.ULY)
	}
}

// sceneMasks keeps the mask files of the granules in the scene.
func sceneMasks(m *manifest.Manifest, scene *layout.SceneLayout) []masks.TileMasks {
	ids := scene.TileIDs()
	var out []masks.TileMasks
	for _, t := range m.TileMasks() {
		if slices.Contains(ids, t.TileID) {
			out = append(out, t)
		}
	}
	return out
}
