package layout

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"

	"github.com/dhconnelly/rtreego"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrUnknownGranule is returned when a single-granule scene is requested for a
// tile identifier absent from the placement list.
var ErrUnknownGranule = errors.New("granule not found in scene")

// Overlap records two tiles claiming the same pixels at one resolution.
// Adjacent granules share a margin, the earlier tile in placement order wins
// there.
type Overlap struct {
	First, Second string
	Resolution    Resolution
	Rect          image.Rectangle
}

// Geoposition is the placement of a granule image at one resolution: the CRS
// coordinates of its upper-left corner and its size in pixels.
type Geoposition struct {
	ULX    float64 `json:"ulx"`
	ULY    float64 `json:"uly"`
	Width  int     `json:"width" validate:"required,min=1"`
	Height int     `json:"height" validate:"required,min=1"`
}

// GranulePlacement is the input the scene layout is built from.
type GranulePlacement struct {
	TileID    string
	Positions map[Resolution]Geoposition
}

// SceneLayout maps tile identifiers to their level-0 rectangles in the scene.
// It is immutable once built.
type SceneLayout struct {
	tiles      *orderedmap.OrderedMap[string, map[Resolution]image.Rectangle]
	dimensions map[Resolution]image.Point
	originX    float64
	originY    float64
	indexes    map[Resolution]*rtreego.Rtree
	overlaps   []Overlap
}

type sceneOptions struct {
	granule string
	logger  *slog.Logger
}

// Option configures NewSceneLayout.
type Option func(*sceneOptions)

// WithGranule restricts the scene to a single granule, placed at (0,0).
func WithGranule(tileID string) Option {
	return func(o *sceneOptions) {
		o.granule = tileID
	}
}

// WithLogger reports overlapping tiles to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *sceneOptions) {
		o.logger = logger
	}
}

// NewSceneLayout builds the scene from granule placements. Tile order is the
// placement order.
func NewSceneLayout(placements []GranulePlacement, opts ...Option) (*SceneLayout, error) {
	var o sceneOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.granule != "" {
		var filtered []GranulePlacement
		for _, p := range placements {
			if p.TileID == o.granule {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownGranule, o.granule)
		}
		placements = filtered
	}
	if len(placements) == 0 {
		return nil, errors.New("scene has no granules")
	}

	s := &SceneLayout{
		tiles:      orderedmap.New[string, map[Resolution]image.Rectangle](),
		dimensions: make(map[Resolution]image.Point),
		originX:    math.Inf(1),
		originY:    math.Inf(-1),
		indexes:    make(map[Resolution]*rtreego.Rtree),
	}

	for _, p := range placements {
		if _, dup := s.tiles.Get(p.TileID); dup {
			return nil, fmt.Errorf("duplicate tile identifier %q", p.TileID)
		}
		s.tiles.Set(p.TileID, nil)
		for res, pos := range p.Positions {
			if res <= 0 {
				return nil, fmt.Errorf("tile %s: invalid resolution %d", p.TileID, res)
			}
			if pos.Width <= 0 || pos.Height <= 0 {
				return nil, fmt.Errorf("tile %s at %v: empty geoposition %dx%d", p.TileID, res, pos.Width, pos.Height)
			}
			s.originX = math.Min(s.originX, pos.ULX)
			s.originY = math.Max(s.originY, pos.ULY)
		}
	}

	for _, p := range placements {
		rects := make(map[Resolution]image.Rectangle, len(p.Positions))
		for res, pos := range p.Positions {
			x := int(math.Round((pos.ULX - s.originX) / float64(res)))
			y := int(math.Round((s.originY - pos.ULY) / float64(res)))
			r := image.Rect(x, y, x+pos.Width, y+pos.Height)
			rects[res] = r

			dim := s.dimensions[res]
			s.dimensions[res] = image.Pt(max(dim.X, r.Max.X), max(dim.Y, r.Max.Y))
		}
		s.tiles.Set(p.TileID, rects)
	}

	s.buildIndexes()
	if o.logger != nil {
		for _, ov := range s.overlaps {
			o.logger.Warn("overlapping tiles", "first", ov.First, "second", ov.Second,
				"resolution", ov.Resolution.String(), "rect", ov.Rect.String())
		}
	}
	return s, nil
}

type indexedTile struct {
	id   string
	rect image.Rectangle
}

// Bounds implements rtreego.Spatial.
func (t *indexedTile) Bounds() rtreego.Rect {
	return toRtreeRect(t.rect)
}

func toRtreeRect(r image.Rectangle) rtreego.Rect {
	point := rtreego.Point{float64(r.Min.X), float64(r.Min.Y)}
	lengths := []float64{math.Max(float64(r.Dx()), 1e-9), math.Max(float64(r.Dy()), 1e-9)}
	rect, _ := rtreego.NewRect(point, lengths)
	return rect
}

func (s *SceneLayout) buildIndexes() {
	for pair := s.tiles.Oldest(); pair != nil; pair = pair.Next() {
		for res, r := range pair.Value {
			tree, ok := s.indexes[res]
			if !ok {
				tree = rtreego.NewTree(2, 25, 50)
				s.indexes[res] = tree
			}
			for _, hit := range tree.SearchIntersect(toRtreeRect(r)) {
				other := hit.(*indexedTile)
				if other.rect.Overlaps(r) {
					s.overlaps = append(s.overlaps, Overlap{
						First:      other.id,
						Second:     pair.Key,
						Resolution: res,
						Rect:       other.rect.Intersect(r),
					})
				}
			}
			tree.Insert(&indexedTile{id: pair.Key, rect: r})
		}
	}
}

// Overlaps lists the pairs of tiles sharing pixels.
func (s *SceneLayout) Overlaps() []Overlap {
	return s.overlaps
}

// TileIDs returns the tile identifiers in placement order.
func (s *SceneLayout) TileIDs() []string {
	ids := make([]string, 0, s.tiles.Len())
	for pair := s.tiles.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// TileRect returns the level-0 rectangle of a tile at res.
func (s *SceneLayout) TileRect(tileID string, res Resolution) (image.Rectangle, bool) {
	rects, ok := s.tiles.Get(tileID)
	if !ok {
		return image.Rectangle{}, false
	}
	r, ok := rects[res]
	return r, ok
}

// SceneDimension is the level-0 scene size at res.
func (s *SceneLayout) SceneDimension(res Resolution) image.Point {
	return s.dimensions[res]
}

// SceneOrigin is the CRS coordinate of the scene's upper-left corner.
func (s *SceneLayout) SceneOrigin() (float64, float64) {
	return s.originX, s.originY
}

// Resolutions lists the resolutions with at least one placed tile, finest first.
func (s *SceneLayout) Resolutions() []Resolution {
	res := make([]Resolution, 0, len(s.dimensions))
	for r := range s.dimensions {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// TilesIntersecting returns, in placement order, the tiles whose level-0
// rectangle at res overlaps rect.
func (s *SceneLayout) TilesIntersecting(res Resolution, rect image.Rectangle) []string {
	tree, ok := s.indexes[res]
	if !ok || rect.Empty() {
		return nil
	}
	hits := make(map[string]struct{})
	for _, hit := range tree.SearchIntersect(toRtreeRect(rect)) {
		t := hit.(*indexedTile)
		if t.rect.Overlaps(rect) {
			hits[t.id] = struct{}{}
		}
	}
	var ids []string
	for pair := s.tiles.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := hits[pair.Key]; ok {
			ids = append(ids, pair.Key)
		}
	}
	return ids
}

func (s *SceneLayout) String() string {
	return fmt.Sprintf("SceneLayout{tiles: %d, origin: (%f, %f), dimensions: %v}", s.tiles.Len(), s.originX, s.originY, s.dimensions)
}
