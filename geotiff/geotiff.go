// Package geotiff decodes pixel regions from tiled, Cloud Optimized GeoTIFF
// granule images and their power-of-two overviews.
package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/karlseguin/ccache/v3"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/constraints"
	"golang.org/x/sync/singleflight"

	"github.com/akhenakh/s2mosaic/raster"
)

// ErrNoSuchLevel is returned when a level beyond the available overviews is
// requested.
var ErrNoSuchLevel = errors.New("no such overview level")

// head represents the TIFF file header information
type head struct {
	byteOrder binary.ByteOrder // Byte order (little endian or big endian)
	isBigTIFF bool             // Whether this is a BigTIFF file format
	ifdOffset uint64           // Offset to the first Image File Directory (IFD)
}

// iFDEntry represents a single entry in an Image File Directory (IFD)
type iFDEntry struct {
	Tag         Tag       // TIFF tag identifier
	FType       fieldType // Data type of the field
	Count       uint64    // Number of values of the specified type
	ValueOffset uint64    // Offset to the value data, or the value itself if it fits inline
	ValueBytes  []byte    // Inline value data for small values
}

// tagData holds the parsed data for a TIFF tag in various typed formats
type tagData struct {
	fType      fieldType // The field type of this tag data
	length     uint32    // Number of elements in the data
	byteData   []uint8   // Raw byte data (BYTE type)
	asciiData  string    // String data (ASCII type)
	shortData  []uint16  // 16-bit unsigned integer data (SHORT type)
	longData   []uint32  // 32-bit unsigned integer data (LONG type)
	floatData  []float32 // 32-bit floating point data (FLOAT type)
	doubleData []float64 // 64-bit floating point data (DOUBLE type)
	uint64Data []uint64  // 64-bit unsigned integer data (LONG8/IFD8 types)
}

type Tags map[Tag]tagData

// level is one image of the IFD chain: the full resolution image or an
// overview.
type level struct {
	tags Tags

	imageWidth  uint32
	imageLength uint32
	tileWidth   uint32
	tileLength  uint32

	tileOffsets    []uint64
	tileByteCounts []uint64

	bitsPerSample uint16
	compression   uint16
	predictor     uint16

	// tilesAcross is the number of tiles in the horizontal direction, used to
	// compute a tile's index from its X/Y coordinates.
	tilesAcross int
}

// GeoTIFF is a parsed tiled TIFF with its overview pyramid. Level 0 is the
// full resolution image, level n the n-th overview.
type GeoTIFF struct {
	// reader is the underlying source. It must also implement io.ReaderAt
	// for tile fetching, especially for remote files.
	reader io.ReadSeeker

	byteOrder binary.ByteOrder
	isBigTIFF bool

	levels []*level

	// PixelScaleX and PixelScaleY are the georeferenced pixel size of level 0,
	// zero when the file carries no ModelPixelScale. PixelScaleY is negative
	// for north-up images.
	PixelScaleX float64
	PixelScaleY float64

	// tileCache stores decoded tiles as uint16 samples, keyed by cachePrefix,
	// level and tile number. It may be shared between files.
	tileCache   *ccache.Cache[[]uint16]
	cachePrefix string

	// inflightData ensures that for a given tile only one goroutine performs
	// the I/O and decoding while concurrent requests wait for its result.
	inflightData singleflight.Group

	logger *slog.Logger
}

type Point struct{ X, Y float64 }

type CornerCoordinates struct{ UpperLeft, LowerLeft, UpperRight, LowerRight Point }

type Tag uint16

// fieldTypeLen is the length of every field type in bytes
var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte, // 0-3
	fourByte, eightByte, oneByte, oneByte, // 4-7
	twoByte, fourByte, eightByte, fourByte, // 8-11
	eightByte, // 12 (DOUBLE)
	0, 0, 0,   // 13-15 (Reserved)
	eightByte, eightByte, eightByte, // 16-18 (LONG8, SLONG8, IFD8)
}

var fieldTypeToLabel = map[fieldType]string{
	BYTE:      "BYTE",
	ASCII:     "ASCII",
	SHORT:     "SHORT",
	LONG:      "LONG",
	RATIONAL:  "RATIONAL",
	SBYTE:     "SBYTE",
	UNDEFINED: "UNDEFINED",
	SSHORT:    "SSHORT",
	SLONG:     "SLONG",
	SRATIONAL: "SRATIONAL",
	FLOAT:     "FLOAT",
	DOUBLE:    "DOUBLE",
	LONG8:     "LONG8",
	SLONG8:    "SLONG8",
	IFD8:      "IFD8",
}

func (f fieldType) String() string {
	v, ok := fieldTypeToLabel[f]
	if !ok {
		return fmt.Sprintf("unrecognized field type %d", f)
	}
	return v
}

// bytes returns the number of bytes in each data type
//
// returns 0 if unrecognized
func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return fieldTypeLen[0]
	}
	return fieldTypeLen[int(f)]
}

func (t Tag) String() string {
	v, ok := tagToLabel[t]
	if !ok {
		return fmt.Sprintf("%d", t)
	}
	return v
}

// Option configures Open.
type Option func(*GeoTIFF)

// WithTileCache makes the file store decoded tiles in a shared cache, under
// keys starting with prefix.
func WithTileCache(cache *ccache.Cache[[]uint16], prefix string) Option {
	return func(g *GeoTIFF) {
		g.tileCache = cache
		g.cachePrefix = prefix
	}
}

// WithLogger sets the logger used for parsing warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(g *GeoTIFF) {
		g.logger = logger
	}
}

// Open parses every image of the IFD chain of r. Transparency mask IFDs are
// skipped; the remaining images form the pyramid levels in file order.
func Open(r io.ReadSeeker, opts ...Option) (*GeoTIFF, error) {
	g := &GeoTIFF{reader: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	if g.tileCache == nil {
		g.tileCache = ccache.New(ccache.Configure[[]uint16]().MaxSize(256).ItemsToPrune(16))
	}

	ifds, header, err := readIFDs(r, g.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}
	g.byteOrder = header.byteOrder
	g.isBigTIFF = header.isBigTIFF

	for i, tags := range ifds {
		if kind, ok := getUint(tags, NewSubfileType); ok && kind&subfileMask != 0 {
			continue
		}
		l, err := newLevel(tags)
		if err != nil {
			return nil, fmt.Errorf("ifd %d: %w", i, err)
		}
		g.levels = append(g.levels, l)
	}
	if len(g.levels) == 0 {
		return nil, errors.New("file contains no image IFD")
	}

	if pixelScale, ok := g.levels[0].tags[ModelPixelScale]; ok {
		if values, ok := pixelScale.doubleDataValue(); ok && len(values) >= 2 {
			g.PixelScaleX = values[0]
			g.PixelScaleY = values[1]
			// standard GeoTIFF convention for north-up images
			if g.PixelScaleY > 0 {
				g.PixelScaleY = -g.PixelScaleY
			}
		}
	}
	return g, nil
}

func newLevel(tags Tags) (*level, error) {
	l := &level{tags: tags}

	width, ok := getUint(tags, ImageWidth)
	if !ok {
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	l.imageWidth = uint32(width)
	length, ok := getUint(tags, ImageLength)
	if !ok {
		return nil, errors.New("missing or invalid tag: ImageLength")
	}
	l.imageLength = uint32(length)

	tWidth, ok := getUint(tags, TileWidth)
	if !ok || tWidth == 0 {
		return nil, errors.New("missing or invalid tag: TileWidth")
	}
	l.tileWidth = uint32(tWidth)
	tLength, ok := getUint(tags, TileLength)
	if !ok || tLength == 0 {
		return nil, errors.New("missing or invalid tag: TileLength")
	}
	l.tileLength = uint32(tLength)
	l.tilesAcross = int(l.imageWidth+l.tileWidth-1) / int(l.tileWidth)

	if spp, ok := getUint(tags, SamplesPerPixel); ok && spp != 1 {
		return nil, fmt.Errorf("unsupported SamplesPerPixel %d", spp)
	}
	if sf, ok := getUint(tags, SampleFormat); ok && sf != SampleFormatUint {
		return nil, fmt.Errorf("unsupported SampleFormat %d", sf)
	}

	l.bitsPerSample = 16
	if bps, ok := getUint(tags, BitsPerSample); ok {
		l.bitsPerSample = uint16(bps)
	}
	if l.bitsPerSample != 8 && l.bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported BitsPerSample %d", l.bitsPerSample)
	}

	l.compression = Uncompressed
	if comp, ok := getUint(tags, Compression); ok {
		l.compression = uint16(comp)
	}
	l.predictor = PredictorNone
	if pred, ok := getUint(tags, Predictor); ok {
		l.predictor = uint16(pred)
	}

	if l.tileOffsets, ok = get64bitSlice(tags, TileOffsets); !ok {
		return nil, errors.New("missing or invalid tag: TileOffsets")
	}
	if l.tileByteCounts, ok = get64bitSlice(tags, TileByteCounts); !ok {
		return nil, errors.New("missing or invalid tag: TileByteCounts")
	}
	if len(l.tileOffsets) != len(l.tileByteCounts) {
		return nil, fmt.Errorf("%d tile offsets for %d byte counts", len(l.tileOffsets), len(l.tileByteCounts))
	}
	return l, nil
}

// Levels is the number of pyramid levels, full resolution included.
func (g *GeoTIFF) Levels() int {
	return len(g.levels)
}

// Size is the image size at a level.
func (g *GeoTIFF) Size(lvl int) (image.Point, error) {
	l, err := g.level(lvl)
	if err != nil {
		return image.Point{}, err
	}
	return image.Pt(int(l.imageWidth), int(l.imageLength)), nil
}

// TileSize is the TIFF tile size at a level.
func (g *GeoTIFF) TileSize(lvl int) (image.Point, error) {
	l, err := g.level(lvl)
	if err != nil {
		return image.Point{}, err
	}
	return image.Pt(int(l.tileWidth), int(l.tileLength)), nil
}

// Compression is the compression scheme of level 0.
func (g *GeoTIFF) Compression() uint16 {
	return g.levels[0].compression
}

func (g *GeoTIFF) level(lvl int) (*level, error) {
	if lvl < 0 || lvl >= len(g.levels) {
		return nil, fmt.Errorf("%w: %d (file has %d)", ErrNoSuchLevel, lvl, len(g.levels))
	}
	return g.levels[lvl], nil
}

// Bounds returns the corner coordinates of level 0 in model space.
func (g *GeoTIFF) Bounds() (*CornerCoordinates, error) {
	tiePointTag, ok := g.levels[0].tags[ModelTiepoint]
	if !ok {
		return nil, errors.New("missing ModelTiepoint tag")
	}
	tiePointValues, ok := tiePointTag.doubleDataValue()
	if !ok || len(tiePointValues) < 6 {
		return nil, errors.New("invalid ModelTiepoint tag")
	}
	if g.PixelScaleX == 0 {
		return nil, errors.New("missing tag: ModelPixelScale")
	}

	tieI, tieJ := tiePointValues[0], tiePointValues[1]
	tieX, tieY := tiePointValues[3], tiePointValues[4]

	// Calculate the coordinate of the upper-left corner.
	ulX := tieX - (tieI * g.PixelScaleX)
	ulY := tieY - (tieJ * g.PixelScaleY)

	// g.PixelScaleY is negative, so totalHeight is too.
	totalWidth := float64(g.levels[0].imageWidth) * g.PixelScaleX
	totalHeight := float64(g.levels[0].imageLength) * g.PixelScaleY

	cc := &CornerCoordinates{
		UpperLeft:  Point{X: ulX, Y: ulY},
		LowerLeft:  Point{X: ulX, Y: ulY + totalHeight},
		UpperRight: Point{X: ulX + totalWidth, Y: ulY},
		LowerRight: Point{X: ulX + totalWidth, Y: ulY + totalHeight},
	}
	return cc, nil
}

// ReadRegion gathers rect of the image at a level from the TIFF tiles it
// intersects. rect must lie within the level's bounds.
func (g *GeoTIFF) ReadRegion(lvl int, rect image.Rectangle) (*raster.Grid[uint16], error) {
	l, err := g.level(lvl)
	if err != nil {
		return nil, err
	}
	bounds := image.Rect(0, 0, int(l.imageWidth), int(l.imageLength))
	if !rect.In(bounds) {
		return nil, fmt.Errorf("region %v outside level %d bounds %v", rect, lvl, bounds)
	}

	out := raster.New[uint16](rect.Dx(), rect.Dy(), 0)
	if rect.Empty() {
		return out, nil
	}
	tw, th := int(l.tileWidth), int(l.tileLength)
	for ty := rect.Min.Y / th; ty <= (rect.Max.Y-1)/th; ty++ {
		for tx := rect.Min.X / tw; tx <= (rect.Max.X-1)/tw; tx++ {
			tileNum := ty*l.tilesAcross + tx
			tile, err := g.getTileData(lvl, l, tileNum)
			if err != nil {
				return nil, fmt.Errorf("failed to get data for tile %d of level %d: %w", tileNum, lvl, err)
			}
			tileRect := image.Rect(tx*tw, ty*th, (tx+1)*tw, (ty+1)*th).Intersect(rect)
			for y := tileRect.Min.Y; y < tileRect.Max.Y; y++ {
				src := (y-ty*th)*tw + (tileRect.Min.X - tx*tw)
				dst := (y-rect.Min.Y)*out.Width + (tileRect.Min.X - rect.Min.X)
				copy(out.Pix[dst:dst+tileRect.Dx()], tile[src:src+tileRect.Dx()])
			}
		}
	}
	return out, nil
}

// readHeader parses the TIFF file header to determine byte order, file format, and IFD location
func readHeader(r io.Reader) (head, error) {
	var h head

	// Read the first 2 bytes to determine byte order (little or big endian)
	var byteOrderBytes uint16
	if err := binary.Read(r, binary.BigEndian, &byteOrderBytes); err != nil {
		return h, err
	}

	switch byteOrderBytes {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	// Read the TIFF identifier to determine if this is standard TIFF or BigTIFF
	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}

	switch identifier {
	case tiffIdentifier:
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true

		// Read and validate the bytesize field (should be 8 for BigTIFF)
		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// maxIFDs bounds the IFD chain walk so a looping chain cannot hang Open.
const maxIFDs = 64

// readIFDs walks the whole IFD chain: for a COG the full resolution image
// followed by its overviews and their masks.
func readIFDs(r io.ReadSeeker, logger *slog.Logger) ([]Tags, head, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}
	if h.ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}

	var all []Tags
	seen := make(map[uint64]bool)
	for offset := h.ifdOffset; offset != 0; {
		if seen[offset] || len(all) >= maxIFDs {
			return nil, h, fmt.Errorf("invalid IFD chain at offset %d", offset)
		}
		seen[offset] = true

		tags, next, err := readIFD(r, h, offset, logger)
		if err != nil {
			return nil, h, fmt.Errorf("ifd at %d: %w", offset, err)
		}
		all = append(all, tags)
		offset = next
	}
	return all, h, nil
}

func readIFD(r io.ReadSeeker, h head, ifdOffset uint64, logger *slog.Logger) (Tags, uint64, error) {
	tags := make(Tags)
	if _, err := r.Seek(int64(ifdOffset), io.SeekStart); err != nil {
		return nil, 0, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, 0, err
		}
	} else {
		var numEntries16 uint16
		if err := binary.Read(r, h.byteOrder, &numEntries16); err != nil {
			return nil, 0, err
		}
		numEntries = uint64(numEntries16)
	}

	entryLen := 12
	if h.isBigTIFF {
		entryLen = 20
	}
	// the entries are followed by the offset of the next IFD
	nextLen := 4
	if h.isBigTIFF {
		nextLen = 8
	}
	ifdBlock := make([]byte, entryLen*int(numEntries)+nextLen)
	if _, err := io.ReadFull(r, ifdBlock); err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD block: %w", err)
	}
	ifdReader := bytes.NewReader(ifdBlock)

	for i := uint64(0); i < numEntries; i++ {
		var entry iFDEntry
		var tag, ftype uint16
		binary.Read(ifdReader, h.byteOrder, &tag)
		binary.Read(ifdReader, h.byteOrder, &ftype)
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			logger.Warn("skipping tiff tag with unrecognized field type", "tag", entry.Tag, "type", entry.FType)
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			binary.Read(ifdReader, h.byteOrder, &entry.Count)
			ifdReader.Read(offsetBytes)
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			binary.Read(ifdReader, h.byteOrder, &count32)
			binary.Read(ifdReader, h.byteOrder, &offset32)
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
			// For inline data compatibility, put the 4-byte value/offset into the 8-byte slice
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		inlineDataSize := uint64(4)
		if h.isBigTIFF {
			inlineDataSize = 8
		}
		if totalBytes := uint64(entry.FType.bytes()) * entry.Count; totalBytes <= inlineDataSize {
			entry.ValueBytes = offsetBytes[:totalBytes]
		}

		tagvalue, err := entry.value(r, h.byteOrder)
		if errors.Is(err, errUnsupportedType) {
			logger.Debug("skipping tiff tag", "tag", entry.Tag, "type", entry.FType)
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		tags[entry.Tag] = *tagvalue
	}

	var next uint64
	if h.isBigTIFF {
		next = h.byteOrder.Uint64(ifdBlock[len(ifdBlock)-8:])
	} else {
		next = uint64(h.byteOrder.Uint32(ifdBlock[len(ifdBlock)-4:]))
	}
	return tags, next, nil
}

var errUnsupportedType = errors.New("unsupported type for value reading")

func (ifd *iFDEntry) value(r io.ReadSeeker, byteOrder binary.ByteOrder) (*tagData, error) {
	t := tagData{fType: ifd.FType, length: uint32(ifd.Count)}
	var reader io.Reader
	if len(ifd.ValueBytes) > 0 || ifd.Count == 0 {
		reader = bytes.NewReader(ifd.ValueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(ifd.ValueOffset), int64(ifd.FType.bytes())*int64(ifd.Count))
	}
	switch ifd.FType {
	case BYTE, UNDEFINED:
		t.byteData = make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.byteData); err != nil {
			return nil, err
		}
	case ASCII:
		p := make([]uint8, ifd.Count)
		if err := binary.Read(reader, byteOrder, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case FLOAT:
		t.floatData = make([]float32, ifd.Count)
		if err := binary.Read(reader, byteOrder, t.floatData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, ifd.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedType, ifd.FType)
	}
	return &t, nil
}

// getTileData retrieves a tile, decodes it into uint16 samples, and caches the result.
func (g *GeoTIFF) getTileData(lvl int, l *level, tileNum int) ([]uint16, error) {
	key := fmt.Sprintf("%s/%d/%d", g.cachePrefix, lvl, tileNum)
	item := g.tileCache.Get(key)
	if item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := g.inflightData.Do(key, func() (interface{}, error) {
		raw, err := g.fetchAndDecompressTile(l, tileNum)
		if err != nil {
			return nil, err
		}

		n := int(l.tileWidth * l.tileLength)
		samples := make([]uint16, n)
		switch l.bitsPerSample {
		case 8:
			if len(raw) < n {
				return nil, fmt.Errorf("tile %d: %d bytes for %d samples", tileNum, len(raw), n)
			}
			if l.predictor == PredictorHorizontal {
				undoHorizontalPrediction(raw[:n], l.tileWidth, l.tileLength)
			}
			for i := range samples {
				samples[i] = uint16(raw[i])
			}
		case 16:
			if len(raw) < 2*n {
				return nil, fmt.Errorf("tile %d: %d bytes for %d samples", tileNum, len(raw), n)
			}
			for i := range samples {
				samples[i] = g.byteOrder.Uint16(raw[2*i:])
			}
			if l.predictor == PredictorHorizontal {
				undoHorizontalPrediction(samples, l.tileWidth, l.tileLength)
			}
		}

		g.tileCache.Set(key, samples, 10*time.Minute)
		return samples, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]uint16), nil
}

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// fetchAndDecompressTile performs the I/O to read and decompress a single tile.
func (g *GeoTIFF) fetchAndDecompressTile(l *level, tileNum int) ([]byte, error) {
	if tileNum < 0 || tileNum >= len(l.tileOffsets) {
		return nil, fmt.Errorf("tile index %d out of bounds", tileNum)
	}

	offset := l.tileOffsets[tileNum]
	byteCount := l.tileByteCounts[tileNum]
	if byteCount > math.MaxInt32 {
		return nil, fmt.Errorf("tile %d too large: %d bytes", tileNum, byteCount)
	}
	tileBytes := make([]byte, byteCount)

	readerAt, ok := g.reader.(io.ReaderAt)
	if !ok {
		return nil, errors.New("reader does not support ReadAt for tile fetching")
	}
	if _, err := readerAt.ReadAt(tileBytes, int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read tile %d from source: %w", tileNum, err)
	}

	switch l.compression {
	case Uncompressed:
		return tileBytes, nil
	case DEFLATE, AdobeDEFLATE:
		z, err := zlib.NewReader(bytes.NewReader(tileBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for tile: %w", err)
		}
		defer z.Close()
		out, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress tile data: %w", err)
		}
		return out, nil
	case ZSTD:
		out, err := zstdDecoder.DecodeAll(tileBytes, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress zstd tile data: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", l.compression)
	}
}

func getUint(tags Tags, tag Tag) (uint64, bool) {
	t, ok := tags[tag]
	if !ok {
		return 0, false
	}
	if t.fType == SHORT && len(t.shortData) > 0 {
		return uint64(t.shortData[0]), true
	}
	if t.fType == LONG && len(t.longData) > 0 {
		return uint64(t.longData[0]), true
	}
	return 0, false
}

func get64bitSlice(tags Tags, tag Tag) ([]uint64, bool) {
	t, ok := tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case SHORT:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

func (td tagData) doubleDataValue() ([]float64, bool) {
	if td.fType == DOUBLE {
		return td.doubleData, true
	}
	return nil, false
}

func (p Point) String() string { return fmt.Sprintf("(X: %f, Y: %f)", p.X, p.Y) }

func (cc *CornerCoordinates) String() string {
	return fmt.Sprintf("UL: %s, LR: %s", cc.UpperLeft.String(), cc.LowerRight.String())
}

// undoHorizontalPrediction reverses the horizontal differencing predictor.
// It must be called on the samples after decompression.
func undoHorizontalPrediction[T constraints.Unsigned](data []T, tileWidth, tileHeight uint32) {
	if tileWidth == 0 || tileHeight == 0 {
		return
	}
	for y := 0; y < int(tileHeight); y++ {
		rowStart := y * int(tileWidth)
		if rowStart+int(tileWidth) > len(data) {
			break
		}
		for x := 1; x < int(tileWidth); x++ {
			index := rowStart + x
			data[index] += data[index-1]
		}
	}
}
