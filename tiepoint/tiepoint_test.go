package tiepoint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akhenakh/s2mosaic/layout"
	"github.com/akhenakh/s2mosaic/mosaic"
	"github.com/akhenakh/s2mosaic/raster"
)

var nan = float32(math.NaN())

func isNaN(v float32) bool { return math.IsNaN(float64(v)) }

func filled(rows, cols int, v float32) [][]float32 {
	out := make([][]float32, rows)
	for y := range out {
		out[y] = make([]float32, cols)
		for x := range out[y] {
			out[y][x] = v
		}
	}
	return out
}

func TestMergeDetectors(t *testing.T) {
	d1 := AnglesGrid{Step: 5000, Zenith: filled(4, 3, nan), Azimuth: filled(4, 3, nan)}
	d2 := AnglesGrid{Step: 5000, Zenith: filled(4, 3, nan), Azimuth: filled(4, 3, nan)}
	d3 := AnglesGrid{Step: 5000, Zenith: filled(4, 3, nan), Azimuth: filled(4, 3, nan)}

	d2.Zenith[3][2] = 12.5
	d3.Zenith[3][2] = 99

	d1.Zenith[0][0] = 1
	d2.Zenith[0][0] = 2
	d1.Azimuth[0][0] = float32(math.Inf(1))
	d2.Azimuth[0][0] = 120

	got := MergeDetectors([]AnglesGrid{d1, d2, d3})
	require.Equal(t, float64(5000), got.Step)

	testCases := []struct {
		name    string
		x, y    int
		zenith  float32
		azimuth float32
	}{
		{name: "second detector fills first", x: 2, y: 3, zenith: 12.5, azimuth: nan},
		{name: "first finite wins", x: 0, y: 0, zenith: 1, azimuth: 120},
		{name: "all nan", x: 1, y: 1, zenith: nan, azimuth: nan},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			z, a := got.Zenith[tc.y][tc.x], got.Azimuth[tc.y][tc.x]
			if isNaN(tc.zenith) {
				require.True(t, isNaN(z), "zenith %v", z)
			} else {
				require.Equal(t, tc.zenith, z)
			}
			if isNaN(tc.azimuth) {
				require.True(t, isNaN(a), "azimuth %v", a)
			} else {
				require.Equal(t, tc.azimuth, a)
			}
		})
	}
}

func TestMergeDetectorsRagged(t *testing.T) {
	small := AnglesGrid{Zenith: [][]float32{{1}}, Azimuth: [][]float32{{2}}}
	large := AnglesGrid{Zenith: filled(2, 2, 5), Azimuth: filled(2, 2, 6)}
	got := MergeDetectors([]AnglesGrid{small, large})
	require.Len(t, got.Zenith, 2)
	require.Len(t, got.Zenith[1], 2)
	require.Equal(t, float32(1), got.Zenith[0][0])
	require.Equal(t, float32(5), got.Zenith[1][1])
	require.Equal(t, float32(6), got.Azimuth[0][1])

	empty := MergeDetectors(nil)
	require.Empty(t, empty.Zenith)
}

func TestInterpolate(t *testing.T) {
	ramp := [][]float32{{0, 10, 20}, {0, 10, 20}}
	require.InDelta(t, 5, interpolate(ramp, 0.5, 0.5), 1e-6)
	require.InDelta(t, 17.5, interpolate(ramp, 1.75, 1), 1e-6)
	// clamped past the last sample
	require.InDelta(t, 20, interpolate(ramp, 7, 3), 1e-6)

	holes := [][]float32{{1, nan}, {3, 4}}
	require.Equal(t, float32(1), interpolate(holes, 0.2, 0.3))
	require.True(t, isNaN(interpolate(holes, 0.8, 0.1)))
	require.Equal(t, float32(4), interpolate(holes, 0.9, 0.9))
}

func testScene(t *testing.T) *layout.SceneLayout {
	t.Helper()
	s, err := layout.NewSceneLayout([]layout.GranulePlacement{
		{TileID: "A", Positions: map[layout.Resolution]layout.Geoposition{10: {ULX: 0, ULY: 100, Width: 10, Height: 10}}},
		{TileID: "B", Positions: map[layout.Resolution]layout.Geoposition{10: {ULX: 100, ULY: 100, Width: 10, Height: 10}}},
		{TileID: "C", Positions: map[layout.Resolution]layout.Geoposition{10: {ULX: 0, ULY: 0, Width: 10, Height: 10}}},
	})
	require.NoError(t, err)
	return s
}

func TestReconstructor(t *testing.T) {
	angles := map[string]TileAngles{
		"A": {
			Sun: AnglesGrid{Step: 50, Zenith: filled(3, 3, 30), Azimuth: filled(3, 3, 150)},
			Viewing: []AnglesGrid{
				{Step: 50, Zenith: filled(3, 3, nan), Azimuth: filled(3, 3, nan)},
				{Step: 50, Zenith: filled(3, 3, 8), Azimuth: filled(3, 3, 100)},
			},
		},
		"B": {
			Sun: AnglesGrid{Step: 50, Zenith: filled(3, 3, 40), Azimuth: filled(3, 3, 160)},
		},
	}
	m := mosaic.NewMetrics(nil)
	r := New(testScene(t), 10, 3, angles, Options{Workers: 2, Metrics: m})

	g, err := r.BuildLevel(SunZenith, 0)
	require.NoError(t, err)
	require.Equal(t, 20, g.Width)
	require.Equal(t, 20, g.Height)
	require.Equal(t, float32(30), g.At(3, 3))
	require.Equal(t, float32(40), g.At(15, 9))
	// C has no angles
	require.True(t, isNaN(g.At(5, 15)))

	view, err := r.BuildLevel(ViewZenith, 0)
	require.NoError(t, err)
	require.Equal(t, float32(8), view.At(0, 0))
	require.True(t, isNaN(view.At(12, 2)))

	az, err := r.BuildLevel(ViewAzimuth, 1)
	require.NoError(t, err)
	require.Equal(t, 10, az.Width)
	require.Equal(t, 10, az.Height)
	require.Equal(t, float32(100), az.At(2, 2))

	stats := raster.ComputeStats(az, isNaN)
	require.Equal(t, 25, stats.Valid)
	require.Equal(t, 75, stats.NoData)

	again, err := r.BuildLevel(SunZenith, 0)
	require.NoError(t, err)
	require.Same(t, g, again)

	_, err = r.BuildLevel("cloud_fraction", 0)
	require.ErrorIs(t, err, ErrUnknownRaster)
	_, err = r.BuildLevel(SunZenith, 3)
	require.ErrorIs(t, err, mosaic.ErrInvalidLevel)
}

func TestExpandRamp(t *testing.T) {
	// samples every 2 pixels: pixel centre x+0.5 maps to grid (x+0.5)/2
	ramp := [][]float32{{0, 10, 20, 30}}
	g := expand(ramp, 2, 4, 1, 0)
	require.InDelta(t, 2.5, g.At(0, 0), 1e-6)
	require.InDelta(t, 17.5, g.At(3, 0), 1e-6)

	coarse := expand(ramp, 2, 2, 1, 1)
	require.InDelta(t, 5, coarse.At(0, 0), 1e-6)
	require.InDelta(t, 15, coarse.At(1, 0), 1e-6)
}
