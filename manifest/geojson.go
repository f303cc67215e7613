package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"

	"github.com/akhenakh/s2mosaic/masks"
)

// SubTypeProperty is the feature property holding the mask sub type.
const SubTypeProperty = "type"

// GeoJSONSource reads mask polygons from GeoJSON feature collections.
// Features that are neither polygons nor multi polygons are ignored.
type GeoJSONSource struct {
	// ReadFile defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
}

// Parse implements masks.PolygonSource.
func (s GeoJSONSource) Parse(path string) ([]masks.Polygon, error) {
	read := s.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	data, err := read(path)
	if err != nil {
		return nil, err
	}

	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	var out []masks.Polygon
	for _, f := range fc.Features {
		sub, _ := f.Properties[SubTypeProperty].(string)
		for _, p := range polygons(f.Geometry.Geometry) {
			out = append(out, masks.Polygon{Geometry: p, SubType: sub})
		}
	}
	return out, nil
}

func polygons(g geom.Geometry) []geom.Polygon {
	switch g := g.(type) {
	case geom.Polygon:
		return []geom.Polygon{g}
	case *geom.Polygon:
		if g != nil {
			return []geom.Polygon{*g}
		}
	case geom.MultiPolygon:
		return splitMulti(g)
	case *geom.MultiPolygon:
		if g != nil {
			return splitMulti(*g)
		}
	}
	return nil
}

func splitMulti(mp geom.MultiPolygon) []geom.Polygon {
	out := make([]geom.Polygon, len(mp))
	for i, p := range mp {
		out[i] = geom.Polygon(p)
	}
	return out
}
