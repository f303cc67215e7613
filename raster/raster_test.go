package raster

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrop(t *testing.T) {
	g := FromRows([][]uint16{
		{1, 2, 3},
		{4, 5, 6},
		{7, 8, 9},
	})

	testCases := []struct {
		name string
		rect image.Rectangle
		want [][]uint16
	}{
		{name: "inner", rect: image.Rect(1, 1, 3, 3), want: [][]uint16{{5, 6}, {8, 9}}},
		{name: "clipped", rect: image.Rect(2, 0, 10, 2), want: [][]uint16{{3}, {6}}},
		{name: "whole", rect: image.Rect(0, 0, 3, 3), want: [][]uint16{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := g.Crop(tc.rect)
			require.True(t, Equal(FromRows(tc.want), got), "got %+v", got)
		})
	}
}

func TestNewFill(t *testing.T) {
	g := New[float32](2, 3, float32(math.NaN()))
	require.Len(t, g.Pix, 6)
	for _, v := range g.Pix {
		require.True(t, math.IsNaN(float64(v)))
	}
}

func TestComputeStats(t *testing.T) {
	nan := float32(math.NaN())
	g := FromRows([][]float32{{1, nan}, {3, 5}})
	s := ComputeStats(g, func(v float32) bool { return math.IsNaN(float64(v)) })
	require.Equal(t, 3, s.Valid)
	require.Equal(t, 1, s.NoData)
	require.InDelta(t, 1.0, s.Min, 1e-9)
	require.InDelta(t, 5.0, s.Max, 1e-9)
	require.InDelta(t, 3.0, s.Mean, 1e-9)
}
