package mosaic

import (
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/akhenakh/s2mosaic/raster"
)

// Piece is one block of content positioned in scene coordinates at a level.
type Piece[T any] struct {
	// Rect is the expected target rectangle of the block.
	Rect image.Rectangle
	// Load produces the block. A failing Load is replaced by a background
	// block of Rect's size.
	Load func() (*raster.Grid[T], error)
}

// Provider supplies the positioned pieces of a raster at one level. Pixel
// blocks from the tile decoder and per-tile angle grids are the two
// implementations.
type Provider[T any] interface {
	Pieces(level int) ([]Piece[T], error)
}

// ComposeOptions controls Compose.
type ComposeOptions[T any] struct {
	// Size is the exact output size; the canvas is cropped to it.
	Size image.Point
	// Background fills failed pieces and uncovered pixels.
	Background T
	// Workers bounds the number of concurrent Load calls.
	Workers int
	// OnError is called for every piece whose Load failed.
	OnError func(index int, err error)
}

// Compose loads every piece and paints them onto one canvas. A pixel written
// by an earlier piece is never overwritten by a later one, whatever order the
// loads complete in, so the result only depends on the piece order.
func Compose[T any](pieces []Piece[T], opts ComposeOptions[T]) *raster.Grid[T] {
	blocks := make([]*raster.Grid[T], len(pieces))

	var g errgroup.Group
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for i, p := range pieces {
		g.Go(func() error {
			block, err := p.Load()
			if err != nil || block == nil {
				if opts.OnError != nil {
					opts.OnError(i, err)
				}
				block = raster.New(p.Rect.Dx(), p.Rect.Dy(), opts.Background)
			}
			blocks[i] = block
			return nil
		})
	}
	_ = g.Wait()

	canvasSize := opts.Size
	for _, p := range pieces {
		canvasSize.X = max(canvasSize.X, p.Rect.Max.X)
		canvasSize.Y = max(canvasSize.Y, p.Rect.Max.Y)
	}
	canvas := raster.New(canvasSize.X, canvasSize.Y, opts.Background)
	written := make([]bool, len(canvas.Pix))

	for i, p := range pieces {
		paint(canvas, written, blocks[i], p.Rect)
		blocks[i] = nil
	}

	if canvasSize == opts.Size {
		return canvas
	}
	return canvas.Crop(image.Rectangle{Max: opts.Size})
}

// paint copies block into canvas at r's origin, clipped to r and the canvas,
// skipping pixels already written.
func paint[T any](canvas *raster.Grid[T], written []bool, block *raster.Grid[T], r image.Rectangle) {
	w := min(block.Width, r.Dx())
	h := min(block.Height, r.Dy())
	for by := 0; by < h; by++ {
		cy := r.Min.Y + by
		if cy < 0 || cy >= canvas.Height {
			continue
		}
		for bx := 0; bx < w; bx++ {
			cx := r.Min.X + bx
			if cx < 0 || cx >= canvas.Width {
				continue
			}
			idx := cy*canvas.Width + cx
			if written[idx] {
				continue
			}
			canvas.Pix[idx] = block.Pix[by*block.Width+bx]
			written[idx] = true
		}
	}
}
