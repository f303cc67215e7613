// Package layout describes where pixels live: the internal sub-tiling of one
// granule image across pyramid levels, and the placement of granules in a
// scene.
package layout

import (
	"fmt"
	"image"
)

// Resolution is a ground sampling distance in metres (10, 20, 60 for MSI).
type Resolution int

func (r Resolution) String() string {
	return fmt.Sprintf("%dm", int(r))
}

// TileLayout is the level-0 geometry of one granule image for one band.
type TileLayout struct {
	// Width and Height of the whole granule image in pixels.
	Width  int `json:"width" validate:"required,min=1"`
	Height int `json:"height" validate:"required,min=1"`
	// TileWidth and TileHeight are the nominal internal sub-tile sizes.
	TileWidth  int `json:"tileWidth" validate:"required,min=1"`
	TileHeight int `json:"tileHeight" validate:"required,min=1"`
	// NumXTiles and NumYTiles are the sub-tile grid dimensions.
	NumXTiles int `json:"numXTiles" validate:"required,min=1"`
	NumYTiles int `json:"numYTiles" validate:"required,min=1"`
	// NumResolutions is the number of pyramid levels, level 0 included.
	NumResolutions int `json:"numResolutions" validate:"required,min=1"`
}

// NewTileLayout derives the sub-tile grid from the image and tile sizes.
func NewTileLayout(width, height, tileWidth, tileHeight, numResolutions int) TileLayout {
	return TileLayout{
		Width:          width,
		Height:         height,
		TileWidth:      tileWidth,
		TileHeight:     tileHeight,
		NumXTiles:      ceilDiv(width, tileWidth),
		NumYTiles:      ceilDiv(height, tileHeight),
		NumResolutions: numResolutions,
	}
}

// Validate checks that the sub-tile grid covers the whole image.
func (l TileLayout) Validate() error {
	if l.Width <= 0 || l.Height <= 0 || l.TileWidth <= 0 || l.TileHeight <= 0 {
		return fmt.Errorf("invalid tile layout %v: dimensions must be positive", l)
	}
	if l.NumXTiles*l.TileWidth < l.Width || l.NumYTiles*l.TileHeight < l.Height {
		return fmt.Errorf("invalid tile layout %v: %dx%d tiles of %dx%d do not cover %dx%d",
			l, l.NumXTiles, l.NumYTiles, l.TileWidth, l.TileHeight, l.Width, l.Height)
	}
	if l.NumResolutions < 1 {
		return fmt.Errorf("invalid tile layout %v: at least one resolution level is required", l)
	}
	return nil
}

// EffectiveTileSize returns the level-0 size of sub-tile (tx, ty). Edge
// sub-tiles are cut at the image border; a sub-tile starting past the border,
// as a grid with more tiles than needed has, is 0 wide or high.
func (l TileLayout) EffectiveTileSize(tx, ty int) (int, int) {
	return axisSize(tx, l.TileWidth, l.Width), axisSize(ty, l.TileHeight, l.Height)
}

func axisSize(idx, tile, dim int) int {
	return max(0, min(tile, dim-idx*tile))
}

// SubTileLayout is the layout the decoder should expect for sub-tile (tx, ty):
// identical to l except that the last column and row carry their effective
// size.
func (l TileLayout) SubTileLayout(tx, ty int) TileLayout {
	sub := l
	if tx >= l.NumXTiles-1 {
		sub.TileWidth = axisSize(tx, l.TileWidth, l.Width)
	}
	if ty >= l.NumYTiles-1 {
		sub.TileHeight = axisSize(ty, l.TileHeight, l.Height)
	}
	return sub
}

// PixelBounds is the level-0 rectangle of sub-tile (tx, ty) within the granule
// image. It gives the same answer for the nominal layout and for the layout
// returned by SubTileLayout, whose edge tile size is the effective one.
func (l TileLayout) PixelBounds(tx, ty int) image.Rectangle {
	x, w := axisBounds(tx, l.NumXTiles, l.TileWidth, l.Width)
	y, h := axisBounds(ty, l.NumYTiles, l.TileHeight, l.Height)
	return image.Rect(x, y, x+w, y+h)
}

func axisBounds(idx, count, tile, dim int) (int, int) {
	if idx < count-1 {
		return idx * tile, axisSize(idx, tile, dim)
	}
	// tile is already the effective size in a SubTileLayout
	size := max(0, min(tile, dim-idx*tile))
	return dim - size, size
}

// SubTileRect is the scene rectangle of sub-tile (tx, ty) at the given level,
// for a granule whose level-0 top-left corner sits at origin. It is empty for
// a sub-tile lying past the image border.
func (l TileLayout) SubTileRect(origin image.Point, tx, ty, level int) image.Rectangle {
	w, h := l.EffectiveTileSize(tx, ty)
	if w == 0 || h == 0 {
		return image.Rectangle{}
	}
	x := origin.X + tx*l.TileWidth
	y := origin.Y + ty*l.TileHeight
	return LevelBounds(image.Rect(x, y, x+w, y+h), level)
}

// LevelDim applies the decimation rule: ceil(dim / 2^level).
func LevelDim(dim, level int) int {
	return ceilDiv(dim, 1<<level)
}

// LevelBounds scales a level-0 rectangle down to the given level, flooring
// the min corner and ceiling the max corner.
func LevelBounds(r image.Rectangle, level int) image.Rectangle {
	s := 1 << level
	return image.Rect(floorDiv(r.Min.X, s), floorDiv(r.Min.Y, s), ceilDiv(r.Max.X, s), ceilDiv(r.Max.Y, s))
}

// LevelSize is the decimated size of a level-0 width x height raster.
func LevelSize(width, height, level int) image.Point {
	return image.Pt(LevelDim(width, level), LevelDim(height, level))
}

func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
