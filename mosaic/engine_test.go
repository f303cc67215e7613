package mosaic

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/raster"
)

const background = 7

var fileBase = map[string]uint16{"a.tif": 0, "b.tif": 20000}

// tileValue is the level-0 pixel value of a granule file at local (x, y).
func tileValue(file string, x, y int) uint16 {
	return fileBase[file] + uint16(y*100+x)
}

// syntheticDecoder decodes sub-tiles by sampling tileValue, so every pixel of
// the mosaic can be traced back to its granule.
type syntheticDecoder struct {
	calls atomic.Int64
	fail  map[string]bool
	delay time.Duration
}

func (d *syntheticDecoder) Decode(file string, tx, ty, level int, expected layout.TileLayout) (*raster.Grid[uint16], error) {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail[file] {
		return nil, fmt.Errorf("corrupt codestream in %s", file)
	}
	s := 1 << level
	w := layout.LevelDim(expected.TileWidth, level)
	h := layout.LevelDim(expected.TileHeight, level)
	g := raster.New[uint16](w, h, 0)
	for by := 0; by < h; by++ {
		for bx := 0; bx < w; bx++ {
			g.Set(bx, by, tileValue(file, tx*64+bx*s, ty*64+by*s))
		}
	}
	return g, nil
}

func testScene(t *testing.T) *layout.SceneLayout {
	t.Helper()
	s, err := layout.NewSceneLayout([]layout.GranulePlacement{
		{TileID: "A", Positions: map[layout.Resolution]layout.Geoposition{10: {ULX: 0, ULY: 1000, Width: 100, Height: 100}}},
		{TileID: "B", Positions: map[layout.Resolution]layout.Geoposition{10: {ULX: 1000, ULY: 1000, Width: 100, Height: 100}}},
	})
	require.NoError(t, err)
	return s
}

func testBand(files map[string]string) BandInfo {
	return BandInfo{
		Name:       "B02",
		Resolution: 10,
		Files:      files,
		Layout:     layout.NewTileLayout(100, 100, 64, 64, 4),
	}
}

func newTestEngine(t *testing.T, d Decoder, files map[string]string) (*Engine, *Metrics) {
	t.Helper()
	m := NewMetrics(nil)
	e, err := NewEngine(testScene(t), d, []BandInfo{testBand(files)}, Options{Background: background, Workers: 4, Metrics: m})
	require.NoError(t, err)
	return e, m
}

var bothFiles = map[string]string{"A": "a.tif", "B": "b.tif"}

func TestBuildLevelTiling(t *testing.T) {
	e, _ := newTestEngine(t, &syntheticDecoder{}, bothFiles)

	g, err := e.BuildLevel("B02", 0)
	require.NoError(t, err)
	require.Equal(t, 200, g.Width)
	require.Equal(t, 100, g.Height)

	require.Equal(t, tileValue("b.tif", 50, 50), g.At(150, 50))
	require.Equal(t, tileValue("a.tif", 50, 50), g.At(50, 50))
	// edge sub-tiles of A and first sub-tile of B
	require.Equal(t, tileValue("a.tif", 99, 99), g.At(99, 99))
	require.Equal(t, tileValue("b.tif", 0, 0), g.At(100, 0))
	require.Equal(t, tileValue("b.tif", 70, 80), g.At(170, 80))
}

func TestBuildLevelDecimation(t *testing.T) {
	e, _ := newTestEngine(t, &syntheticDecoder{}, bothFiles)
	for level := 0; level < 4; level++ {
		g, err := e.BuildLevel("B02", level)
		require.NoError(t, err)
		require.Equal(t, layout.LevelDim(200, level), g.Width, "level %d", level)
		require.Equal(t, layout.LevelDim(100, level), g.Height, "level %d", level)

		dim, err := e.Dimensions("B02", level)
		require.NoError(t, err)
		require.Equal(t, image.Pt(g.Width, g.Height), dim)
	}

	g, err := e.BuildLevel("B02", 1)
	require.NoError(t, err)
	require.Equal(t, tileValue("b.tif", 20, 40), g.At(60, 20))

	_, err = e.BuildLevel("B02", 4)
	require.ErrorIs(t, err, ErrInvalidLevel)
}

func TestBuildLevelIdempotent(t *testing.T) {
	e1, _ := newTestEngine(t, &syntheticDecoder{}, bothFiles)
	e2, _ := newTestEngine(t, &syntheticDecoder{}, bothFiles)
	for level := 0; level < 3; level++ {
		a, err := e1.BuildLevel("B02", level)
		require.NoError(t, err)
		again, err := e1.BuildLevel("B02", level)
		require.NoError(t, err)
		b, err := e2.BuildLevel("B02", level)
		require.NoError(t, err)
		require.Same(t, a, again)
		require.True(t, raster.Equal(a, b))
	}
}

func TestBuildLevelMissingTile(t *testing.T) {
	d := &syntheticDecoder{}
	e, _ := newTestEngine(t, d, map[string]string{"A": "a.tif"})
	g, err := e.BuildLevel("B02", 0)
	require.NoError(t, err)
	for y := 0; y < 100; y++ {
		for x := 100; x < 200; x++ {
			require.EqualValues(t, background, g.At(x, y))
		}
	}
	require.Equal(t, tileValue("a.tif", 10, 10), g.At(10, 10))
	// only A's four sub-tiles were decoded
	require.EqualValues(t, 4, d.calls.Load())
}

func TestBuildLevelDecodeFailure(t *testing.T) {
	d := &syntheticDecoder{fail: map[string]bool{"b.tif": true}}
	e, m := newTestEngine(t, d, bothFiles)
	g, err := e.BuildLevel("B02", 1)
	require.NoError(t, err)
	for y := 0; y < g.Height; y++ {
		for x := 50; x < 100; x++ {
			require.EqualValues(t, background, g.At(x, y))
		}
	}
	require.Equal(t, tileValue("a.tif", 20, 20), g.At(10, 10))
	require.EqualValues(t, 4, testutil.ToFloat64(m.DecodeFailures))
	require.EqualValues(t, 8, testutil.ToFloat64(m.DecodeCalls))
}

func TestBuildLevelNoFiles(t *testing.T) {
	e, _ := newTestEngine(t, &syntheticDecoder{}, map[string]string{})
	_, err := e.BuildLevel("B02", 0)
	require.True(t, errors.Is(err, ErrNoTileFiles), "got %v", err)

	_, err = e.BuildLevel("B99", 0)
	require.ErrorIs(t, err, ErrUnknownBand)
}

func TestBuildLevelSingleFlight(t *testing.T) {
	d := &syntheticDecoder{delay: 20 * time.Millisecond}
	e, m := newTestEngine(t, d, bothFiles)

	const callers = 16
	results := make([]*raster.Grid[uint16], callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g, err := e.BuildLevel("B02", 2)
			if err != nil {
				t.Errorf("BuildLevel: %v", err)
				return
			}
			results[i] = g
		}()
	}
	close(start)
	wg.Wait()

	// 2 granules x 2x2 sub-tiles, exactly once
	require.EqualValues(t, 8, d.calls.Load())
	require.EqualValues(t, 8, testutil.ToFloat64(m.DecodeCalls))
	require.EqualValues(t, 1, testutil.ToFloat64(m.Builds.WithLabelValues("band")))
	for i := 1; i < callers; i++ {
		require.Same(t, results[0], results[i])
	}
}

func TestReadWindow(t *testing.T) {
	e, _ := newTestEngine(t, &syntheticDecoder{}, bothFiles)
	w, err := e.ReadWindow("B02", 0, image.Rect(95, 10, 105, 12))
	require.NoError(t, err)
	require.Equal(t, 10, w.Width)
	require.Equal(t, 2, w.Height)
	require.Equal(t, tileValue("a.tif", 95, 10), w.At(0, 0))
	require.Equal(t, tileValue("b.tif", 4, 11), w.At(9, 1))
}

func TestReadWindowDecodesOverlappingSubTiles(t *testing.T) {
	testCases := []struct {
		name      string
		level     int
		rect      image.Rectangle
		wantCalls int64
	}{
		{name: "across granules", level: 0, rect: image.Rect(95, 10, 105, 12), wantCalls: 2},
		{name: "inside one sub-tile", level: 0, rect: image.Rect(110, 70, 120, 80), wantCalls: 1},
		{name: "four sub-tiles of A", level: 1, rect: image.Rect(30, 30, 34, 34), wantCalls: 4},
		{name: "clipped at scene border", level: 2, rect: image.Rect(40, 20, 60, 40), wantCalls: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := &syntheticDecoder{}
			e, m := newTestEngine(t, d, bothFiles)
			w, err := e.ReadWindow("B02", tc.level, tc.rect)
			require.NoError(t, err)
			require.Equal(t, tc.wantCalls, d.calls.Load())
			require.EqualValues(t, 1, testutil.ToFloat64(m.Builds.WithLabelValues("window")))
			require.Zero(t, testutil.ToFloat64(m.Builds.WithLabelValues("band")), "no full level built")

			full, err := e.BuildLevel("B02", tc.level)
			require.NoError(t, err)
			require.True(t, raster.Equal(full.Crop(tc.rect), w))

			// a built level is cropped without decoding
			calls := d.calls.Load()
			again, err := e.ReadWindow("B02", tc.level, tc.rect)
			require.NoError(t, err)
			require.Equal(t, calls, d.calls.Load())
			require.True(t, raster.Equal(w, again))
		})
	}
}

func TestReadWindowErrors(t *testing.T) {
	e, _ := newTestEngine(t, &syntheticDecoder{}, map[string]string{})
	_, err := e.ReadWindow("B02", 0, image.Rect(0, 0, 10, 10))
	require.ErrorIs(t, err, ErrNoTileFiles)

	e, _ = newTestEngine(t, &syntheticDecoder{}, bothFiles)
	_, err = e.ReadWindow("B02", 4, image.Rect(0, 0, 10, 10))
	require.ErrorIs(t, err, ErrInvalidLevel)
	_, err = e.ReadWindow("B99", 0, image.Rect(0, 0, 10, 10))
	require.ErrorIs(t, err, ErrUnknownBand)
}

func TestBuildLevelSkipsTilesPastTheBorder(t *testing.T) {
	band := testBand(bothFiles)
	// a third column and row starting past the 100 pixel image
	band.Layout = layout.TileLayout{Width: 100, Height: 100, TileWidth: 64, TileHeight: 64, NumXTiles: 3, NumYTiles: 3, NumResolutions: 4}
	d := &syntheticDecoder{}
	e, err := NewEngine(testScene(t), d, []BandInfo{band}, Options{Background: background, Workers: 4})
	require.NoError(t, err)

	ref, _ := newTestEngine(t, &syntheticDecoder{}, bothFiles)
	for level := 0; level < 4; level++ {
		got, err := e.BuildLevel("B02", level)
		require.NoError(t, err)
		want, err := ref.BuildLevel("B02", level)
		require.NoError(t, err)
		require.True(t, raster.Equal(want, got), "level %d", level)
	}
	// 2 granules x 2x2 real sub-tiles x 4 levels
	require.EqualValues(t, 32, d.calls.Load())
}

func TestBuildLevelOverlappingGranules(t *testing.T) {
	scene, err := layout.NewSceneLayout([]layout.GranulePlacement{
		{TileID: "A", Positions: map[layout.Resolution]layout.Geoposition{10: {ULX: 0, ULY: 1000, Width: 100, Height: 100}}},
		{TileID: "B", Positions: map[layout.Resolution]layout.Geoposition{10: {ULX: 500, ULY: 1000, Width: 100, Height: 100}}},
	})
	require.NoError(t, err)
	require.Len(t, scene.Overlaps(), 1)

	e, err := NewEngine(scene, &syntheticDecoder{}, []BandInfo{testBand(bothFiles)}, Options{Background: background, Workers: 4})
	require.NoError(t, err)
	g, err := e.BuildLevel("B02", 0)
	require.NoError(t, err)
	require.Equal(t, 150, g.Width)

	// the shared margin keeps the earlier granule
	require.Equal(t, tileValue("a.tif", 60, 30), g.At(60, 30))
	require.Equal(t, tileValue("a.tif", 99, 99), g.At(99, 99))
	require.Equal(t, tileValue("b.tif", 50, 30), g.At(100, 30))

	w, err := e.ReadWindow("B02", 0, image.Rect(90, 0, 110, 10))
	require.NoError(t, err)
	require.True(t, raster.Equal(g.Crop(image.Rect(90, 0, 110, 10)), w))
}

func TestEngineReset(t *testing.T) {
	d := &syntheticDecoder{}
	e, _ := newTestEngine(t, d, bothFiles)
	_, err := e.BuildLevel("B02", 1)
	require.NoError(t, err)
	_, err = e.BuildLevel("B02", 2)
	require.NoError(t, err)
	calls := d.calls.Load()

	require.Equal(t, 2, e.Reset())
	require.Zero(t, e.Reset())
	_, err = e.BuildLevel("B02", 1)
	require.NoError(t, err)
	require.Greater(t, d.calls.Load(), calls)
}

func TestComposeFirstWriterWins(t *testing.T) {
	block := func(v uint16) func() (*raster.Grid[uint16], error) {
		return func() (*raster.Grid[uint16], error) { return raster.New[uint16](4, 4, v), nil }
	}
	pieces := []Piece[uint16]{
		{Rect: image.Rect(0, 0, 4, 4), Load: block(1)},
		{Rect: image.Rect(2, 2, 6, 6), Load: block(2)},
		{Rect: image.Rect(4, 0, 8, 4), Load: func() (*raster.Grid[uint16], error) { return nil, errors.New("boom") }},
	}
	var failed []int
	var mu sync.Mutex
	g := Compose(pieces, ComposeOptions[uint16]{
		Size:       image.Pt(5, 5),
		Background: 9,
		Workers:    2,
		OnError: func(i int, err error) {
			mu.Lock()
			failed = append(failed, i)
			mu.Unlock()
		},
	})
	require.Equal(t, []int{2}, failed)
	require.Equal(t, 5, g.Width)
	require.Equal(t, 5, g.Height)
	require.EqualValues(t, 1, g.At(3, 3)) // overlap keeps the first piece
	require.EqualValues(t, 2, g.At(4, 4))
	require.EqualValues(t, 9, g.At(4, 0)) // failed piece filled with background
	require.EqualValues(t, 2, g.At(2, 4))
}
