package main

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/akhenakh/s2mosaic/raster"
)

// encodeBand writes g as a 16-bit grayscale PNG. With stretch set the
// samples are scaled linearly from their min..max range to 8 bits.
func encodeBand(w io.Writer, g *raster.Grid[uint16], stretch bool) error {
	r := image.Rect(0, 0, g.Width, g.Height)
	if !stretch {
		img := image.NewGray16(r)
		for y := 0; y < g.Height; y++ {
			for x := 0; x < g.Width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: g.At(x, y)})
			}
		}
		return png.Encode(w, img)
	}

	s := raster.ComputeStats(g, nil)
	span := s.Max - s.Min
	img := image.NewGray(r)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			var v float64
			if span > 0 {
				v = (float64(g.At(x, y)) - s.Min) / span * 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v + 0.5)})
		}
	}
	return png.Encode(w, img)
}

// encodeMask writes g as an RGBA PNG: c where the mask is set, transparent
// elsewhere.
func encodeMask(w io.Writer, g *raster.Grid[bool], c color.RGBA, transparency float64) error {
	alpha := uint8((1-transparency)*255 + 0.5)
	on := color.NRGBA{R: c.R, G: c.G, B: c.B, A: alpha}
	img := image.NewNRGBA(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			if g.At(x, y) {
				img.SetNRGBA(x, y, on)
			}
		}
	}
	return png.Encode(w, img)
}
