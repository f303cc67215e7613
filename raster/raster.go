// Package raster holds the in-memory pixel grids produced by the mosaic,
// tie-point and mask builders.
package raster

import (
	"fmt"
	"image"

	"golang.org/x/exp/constraints"
)

// Sample is any numeric pixel type a grid can hold.
type Sample interface {
	constraints.Integer | constraints.Float
}

// Grid is a row-major raster of width*height samples with its origin at (0,0).
type Grid[T any] struct {
	Width  int
	Height int
	Pix    []T
}

// New returns a width x height grid filled with fill.
func New[T any](width, height int, fill T) *Grid[T] {
	if width < 0 || height < 0 {
		panic(fmt.Sprintf("raster: negative dimension %dx%d", width, height))
	}
	g := &Grid[T]{Width: width, Height: height, Pix: make([]T, width*height)}
	for i := range g.Pix {
		g.Pix[i] = fill
	}
	return g
}

// FromRows builds a grid from a slice of equally long rows.
func FromRows[T any](rows [][]T) *Grid[T] {
	if len(rows) == 0 {
		return &Grid[T]{}
	}
	g := &Grid[T]{Width: len(rows[0]), Height: len(rows), Pix: make([]T, 0, len(rows)*len(rows[0]))}
	for y, row := range rows {
		if len(row) != g.Width {
			panic(fmt.Sprintf("raster: row %d has %d samples, want %d", y, len(row), g.Width))
		}
		g.Pix = append(g.Pix, row...)
	}
	return g
}

func (g *Grid[T]) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.Width, g.Height)
}

func (g *Grid[T]) At(x, y int) T {
	return g.Pix[y*g.Width+x]
}

func (g *Grid[T]) Set(x, y int, v T) {
	g.Pix[y*g.Width+x] = v
}

// Crop returns a copy of the part of g inside r, clipped to g's bounds.
func (g *Grid[T]) Crop(r image.Rectangle) *Grid[T] {
	r = r.Intersect(g.Bounds())
	out := &Grid[T]{Width: r.Dx(), Height: r.Dy(), Pix: make([]T, r.Dx()*r.Dy())}
	for y := 0; y < out.Height; y++ {
		src := (r.Min.Y+y)*g.Width + r.Min.X
		copy(out.Pix[y*out.Width:(y+1)*out.Width], g.Pix[src:src+out.Width])
	}
	return out
}

// Equal reports whether both grids have the same size and samples.
func Equal[T comparable](a, b *Grid[T]) bool {
	if a.Width != b.Width || a.Height != b.Height || len(a.Pix) != len(b.Pix) {
		return false
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			return false
		}
	}
	return true
}

// Stats summarizes a float grid, skipping NaN samples.
type Stats struct {
	Min, Max, Mean float64
	Valid, NoData  int
}

func ComputeStats[T Sample](g *Grid[T], isNoData func(T) bool) Stats {
	var s Stats
	var sum float64
	for _, v := range g.Pix {
		if isNoData != nil && isNoData(v) {
			s.NoData++
			continue
		}
		f := float64(v)
		if s.Valid == 0 || f < s.Min {
			s.Min = f
		}
		if s.Valid == 0 || f > s.Max {
			s.Max = f
		}
		sum += f
		s.Valid++
	}
	if s.Valid > 0 {
		s.Mean = sum / float64(s.Valid)
	}
	return s
}
