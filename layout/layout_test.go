package layout

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelDim(t *testing.T) {
	testCases := []struct {
		dim, level, want int
	}{
		{10980, 0, 10980},
		{10980, 1, 5490},
		{10980, 2, 2745},
		{10980, 3, 1373},
		{5490, 5, 172},
		{1, 4, 1},
		{0, 2, 0},
	}
	for _, tc := range testCases {
		require.Equalf(t, tc.want, LevelDim(tc.dim, tc.level), "LevelDim(%d, %d)", tc.dim, tc.level)
	}
}

func TestLevelBounds(t *testing.T) {
	got := LevelBounds(image.Rect(3, 5, 17, 9), 2)
	require.Equal(t, image.Rect(0, 1, 5, 3), got)

	full := LevelBounds(image.Rect(0, 0, 1830, 1830), 3)
	require.Equal(t, image.Pt(LevelDim(1830, 3), LevelDim(1830, 3)), full.Size())
}

func TestTileLayout(t *testing.T) {
	l := NewTileLayout(1000, 700, 256, 256, 4)
	require.NoError(t, l.Validate())
	require.Equal(t, 4, l.NumXTiles)
	require.Equal(t, 3, l.NumYTiles)

	w, h := l.EffectiveTileSize(3, 2)
	require.Equal(t, 1000-3*256, w)
	require.Equal(t, 700-2*256, h)

	// last column only: height keeps the nominal size
	w, h = l.EffectiveTileSize(3, 0)
	require.Equal(t, 232, w)
	require.Equal(t, 256, h)

	sub := l.SubTileLayout(3, 1)
	require.Equal(t, 232, sub.TileWidth)
	require.Equal(t, 256, sub.TileHeight)
	require.Equal(t, l, l.SubTileLayout(1, 1))

	r := l.SubTileRect(image.Pt(1000, 0), 3, 2, 0)
	require.Equal(t, image.Rect(1768, 512, 2000, 700), r)
	r = l.SubTileRect(image.Pt(1000, 0), 1, 0, 1)
	require.Equal(t, image.Rect(628, 0, 756, 128), r)

	bad := TileLayout{Width: 1000, Height: 700, TileWidth: 256, TileHeight: 256, NumXTiles: 3, NumYTiles: 3, NumResolutions: 1}
	require.Error(t, bad.Validate())
}

func TestPixelBounds(t *testing.T) {
	l := NewTileLayout(1000, 700, 256, 256, 4)
	testCases := []struct {
		tx, ty int
		want   image.Rectangle
	}{
		{tx: 0, ty: 0, want: image.Rect(0, 0, 256, 256)},
		{tx: 2, ty: 1, want: image.Rect(512, 256, 768, 512)},
		{tx: 3, ty: 1, want: image.Rect(768, 256, 1000, 512)},
		{tx: 3, ty: 2, want: image.Rect(768, 512, 1000, 700)},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d_%d", tc.tx, tc.ty), func(t *testing.T) {
			require.Equal(t, tc.want, l.PixelBounds(tc.tx, tc.ty))
			require.Equal(t, tc.want, l.SubTileLayout(tc.tx, tc.ty).PixelBounds(tc.tx, tc.ty))
		})
	}
}

func TestExcessTiles(t *testing.T) {
	// three columns where two cover the image
	l := TileLayout{Width: 150, Height: 100, TileWidth: 100, TileHeight: 100, NumXTiles: 3, NumYTiles: 1, NumResolutions: 3}
	require.NoError(t, l.Validate())

	w, h := l.EffectiveTileSize(1, 0)
	require.Equal(t, 50, w)
	require.Equal(t, 100, h)
	w, _ = l.EffectiveTileSize(2, 0)
	require.Zero(t, w)

	require.Equal(t, image.Rect(100, 0, 150, 100), l.PixelBounds(1, 0))
	require.Equal(t, image.Rect(100, 0, 150, 100), l.SubTileLayout(1, 0).PixelBounds(1, 0))
	require.True(t, l.PixelBounds(2, 0).Empty())

	origin := image.Pt(10, 0)
	require.Equal(t, image.Rect(110, 0, 160, 100), l.SubTileRect(origin, 1, 0, 0))
	for level := 0; level < 3; level++ {
		require.True(t, l.SubTileRect(origin, 2, 0, level).Empty(), "level %d", level)
	}
}

func twoTiles() []GranulePlacement {
	return []GranulePlacement{
		{TileID: "A", Positions: map[Resolution]Geoposition{
			10: {ULX: 300000, ULY: 5000000, Width: 100, Height: 100},
			20: {ULX: 300000, ULY: 5000000, Width: 50, Height: 50},
		}},
		{TileID: "B", Positions: map[Resolution]Geoposition{
			10: {ULX: 301000, ULY: 5000000, Width: 100, Height: 100},
			20: {ULX: 301000, ULY: 5000000, Width: 50, Height: 50},
		}},
	}
}

func TestSceneLayout(t *testing.T) {
	s, err := NewSceneLayout(twoTiles())
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, s.TileIDs())

	r, ok := s.TileRect("B", 10)
	require.True(t, ok)
	require.Equal(t, image.Rect(100, 0, 200, 100), r)
	r, ok = s.TileRect("B", 20)
	require.True(t, ok)
	require.Equal(t, image.Rect(50, 0, 100, 50), r)

	require.Equal(t, image.Pt(200, 100), s.SceneDimension(10))
	require.Equal(t, image.Pt(100, 50), s.SceneDimension(20))
	require.Equal(t, []Resolution{10, 20}, s.Resolutions())

	x, y := s.SceneOrigin()
	require.Equal(t, 300000.0, x)
	require.Equal(t, 5000000.0, y)

	require.Equal(t, []string{"A", "B"}, s.TilesIntersecting(10, image.Rect(90, 10, 110, 20)))
	require.Equal(t, []string{"B"}, s.TilesIntersecting(10, image.Rect(100, 0, 101, 1)))
	require.Empty(t, s.TilesIntersecting(10, image.Rect(300, 0, 310, 10)))
}

func TestSceneLayoutSingleGranule(t *testing.T) {
	s, err := NewSceneLayout(twoTiles(), WithGranule("B"))
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, s.TileIDs())
	r, _ := s.TileRect("B", 10)
	require.Equal(t, image.Rect(0, 0, 100, 100), r)

	_, err = NewSceneLayout(twoTiles(), WithGranule("C"))
	require.True(t, errors.Is(err, ErrUnknownGranule), "got %v", err)
}

func TestSceneLayoutOverlap(t *testing.T) {
	p := twoTiles()
	p[1].Positions[10] = Geoposition{ULX: 300500, ULY: 5000000, Width: 100, Height: 100}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	s, err := NewSceneLayout(p, WithLogger(logger))
	require.NoError(t, err)
	require.Equal(t, []Overlap{{First: "A", Second: "B", Resolution: 10, Rect: image.Rect(50, 0, 100, 100)}}, s.Overlaps())
	require.Equal(t, []string{"A", "B"}, s.TilesIntersecting(10, image.Rect(60, 10, 70, 20)))
	require.Contains(t, buf.String(), `"msg":"overlapping tiles"`)
	require.Contains(t, buf.String(), `"level":"WARN"`)

	clean, err := NewSceneLayout(twoTiles())
	require.NoError(t, err)
	require.Empty(t, clean.Overlaps())
}
