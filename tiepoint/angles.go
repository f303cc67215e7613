// Package tiepoint rebuilds full-scene sun and viewing angle rasters from the
// coarse per-granule angle grids.
package tiepoint

import (
	"math"
)

// DefaultStep is the spacing in metres of MSI angle grids.
const DefaultStep = 5000

// AnglesGrid is a sparse zenith/azimuth sample grid of one granule. Sample
// (i, j) sits at the upper-left corner of level-0 pixel
// (j*Step/res, i*Step/res).
type AnglesGrid struct {
	// Step is the sample spacing in metres.
	Step    float64     `json:"step,omitempty"`
	Zenith  [][]float32 `json:"zenith"`
	Azimuth [][]float32 `json:"azimuth"`
}

// TileAngles are the angle grids of one granule: the sun grid and one
// viewing grid per band and detector, in metadata order.
type TileAngles struct {
	Sun     AnglesGrid   `json:"sun"`
	Viewing []AnglesGrid `json:"viewing,omitempty"`
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func sample(rows [][]float32, y, x int) (float32, bool) {
	if y >= len(rows) || x >= len(rows[y]) {
		return 0, false
	}
	v := rows[y][x]
	return v, finite(v)
}

// MergeDetectors folds viewing grids into one. At each coordinate the first
// finite value in grid order wins, zenith and azimuth independently; where
// no grid is finite the merged sample is NaN. The result spans the largest
// grid and takes its step from the first grid with one.
func MergeDetectors(grids []AnglesGrid) AnglesGrid {
	var out AnglesGrid
	rows, cols := 0, 0
	for _, g := range grids {
		if out.Step == 0 {
			out.Step = g.Step
		}
		for _, r := range [][][]float32{g.Zenith, g.Azimuth} {
			rows = max(rows, len(r))
			for _, row := range r {
				cols = max(cols, len(row))
			}
		}
	}

	out.Zenith = nanRows(rows, cols)
	out.Azimuth = nanRows(rows, cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			zDone, aDone := false, false
			for _, g := range grids {
				if !zDone {
					if v, ok := sample(g.Zenith, y, x); ok {
						out.Zenith[y][x], zDone = v, true
					}
				}
				if !aDone {
					if v, ok := sample(g.Azimuth, y, x); ok {
						out.Azimuth[y][x], aDone = v, true
					}
				}
				if zDone && aDone {
					break
				}
			}
		}
	}
	return out
}

func nanRows(rows, cols int) [][]float32 {
	nan := float32(math.NaN())
	out := make([][]float32, rows)
	for y := range out {
		out[y] = make([]float32, cols)
		for x := range out[y] {
			out[y][x] = nan
		}
	}
	return out
}

// interpolate returns the bilinear value of rows at fractional grid
// coordinates (gx, gy), clamped to the grid. When one of the four
// surrounding samples is not finite the nearest sample is used instead.
func interpolate(rows [][]float32, gx, gy float64) float32 {
	h := len(rows)
	if h == 0 || len(rows[0]) == 0 {
		return float32(math.NaN())
	}
	w := len(rows[0])
	gx = math.Min(math.Max(gx, 0), float64(w-1))
	gy = math.Min(math.Max(gy, 0), float64(h-1))

	x0, y0 := int(gx), int(gy)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := gx-float64(x0), gy-float64(y0)

	v00, v10 := rows[y0][x0], rows[y0][x1]
	v01, v11 := rows[y1][x0], rows[y1][x1]
	if !finite(v00) || !finite(v10) || !finite(v01) || !finite(v11) {
		return rows[int(math.Round(gy))][int(math.Round(gx))]
	}
	top := float64(v00)*(1-fx) + float64(v10)*fx
	bottom := float64(v01)*(1-fx) + float64(v11)*fx
	return float32(top*(1-fy) + bottom*fy)
}
