package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"math"
	"testing"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/exp/constraints"
)

// testImage is one IFD of a generated tiled TIFF.
type testImage struct {
	width, height int
	tile          int
	pix           []uint16
	subfile       uint32
}

type tiffParams struct {
	bits        int
	compression uint16
	predictor   uint16
	// tiepoint and scale are written on the first IFD when scale is not zero.
	tiepoint [6]float64
	scale    float64
}

type testEntry struct {
	tag   Tag
	typ   fieldType
	count uint32
	data  []byte
}

var le = binary.LittleEndian

func shortEntry(tag Tag, v uint16) testEntry {
	return testEntry{tag: tag, typ: SHORT, count: 1, data: le.AppendUint16(nil, v)}
}

func longEntry(tag Tag, vs ...uint32) testEntry {
	var b []byte
	for _, v := range vs {
		b = le.AppendUint32(b, v)
	}
	return testEntry{tag: tag, typ: LONG, count: uint32(len(vs)), data: b}
}

func doubleEntry(tag Tag, vs ...float64) testEntry {
	var b []byte
	for _, v := range vs {
		b = le.AppendUint64(b, math.Float64bits(v))
	}
	return testEntry{tag: tag, typ: DOUBLE, count: uint32(len(vs)), data: b}
}

// pattern fills a width x height image with values derived from the
// position, masked to the sample size.
func pattern(width, height, seed, bits int) []uint16 {
	pix := make([]uint16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := seed + y*97 + x*3
			if bits == 8 {
				v %= 251
			}
			pix[y*width+x] = uint16(v)
		}
	}
	return pix
}

func diffRows[T constraints.Unsigned](data []T, width int) {
	for row := 0; row+width <= len(data); row += width {
		for x := width - 1; x >= 1; x-- {
			data[row+x] -= data[row+x-1]
		}
	}
}

func encodeTile(t testing.TB, img testImage, tx, ty int, p tiffParams) []byte {
	t.Helper()
	samples := make([]uint16, img.tile*img.tile)
	for y := 0; y < img.tile; y++ {
		for x := 0; x < img.tile; x++ {
			px, py := tx*img.tile+x, ty*img.tile+y
			if px < img.width && py < img.height {
				samples[y*img.tile+x] = img.pix[py*img.width+px]
			}
		}
	}

	var raw []byte
	if p.bits == 8 {
		raw = make([]byte, len(samples))
		for i, v := range samples {
			raw[i] = byte(v)
		}
		if p.predictor == PredictorHorizontal {
			diffRows(raw, img.tile)
		}
	} else {
		if p.predictor == PredictorHorizontal {
			diffRows(samples, img.tile)
		}
		for _, v := range samples {
			raw = le.AppendUint16(raw, v)
		}
	}

	switch p.compression {
	case DEFLATE, AdobeDEFLATE:
		var buf bytes.Buffer
		z := zlib.NewWriter(&buf)
		if _, err := z.Write(raw); err != nil {
			t.Fatalf("zlib write: %v", err)
		}
		if err := z.Close(); err != nil {
			t.Fatalf("zlib close: %v", err)
		}
		return buf.Bytes()
	case ZSTD:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil)
	default:
		return raw
	}
}

// buildTIFF writes a classic little endian tiled TIFF holding one IFD per
// image, in order.
func buildTIFF(t testing.TB, p tiffParams, images ...testImage) []byte {
	t.Helper()
	if p.bits == 0 {
		p.bits = 16
	}
	if p.compression == 0 {
		p.compression = Uncompressed
	}

	b := []byte{'I', 'I', tiffIdentifier, 0, 0, 0, 0, 0}
	entries := make([][]testEntry, len(images))
	for i, img := range images {
		across := (img.width + img.tile - 1) / img.tile
		down := (img.height + img.tile - 1) / img.tile
		var offsets, counts []uint32
		for ty := 0; ty < down; ty++ {
			for tx := 0; tx < across; tx++ {
				data := encodeTile(t, img, tx, ty, p)
				offsets = append(offsets, uint32(len(b)))
				counts = append(counts, uint32(len(data)))
				b = append(b, data...)
			}
		}

		e := []testEntry{
			longEntry(NewSubfileType, img.subfile),
			longEntry(ImageWidth, uint32(img.width)),
			longEntry(ImageLength, uint32(img.height)),
			shortEntry(BitsPerSample, uint16(p.bits)),
			shortEntry(Compression, p.compression),
			shortEntry(SamplesPerPixel, 1),
		}
		if p.predictor != 0 {
			e = append(e, shortEntry(Predictor, p.predictor))
		}
		e = append(e,
			shortEntry(TileWidth, uint16(img.tile)),
			shortEntry(TileLength, uint16(img.tile)),
			longEntry(TileOffsets, offsets...),
			longEntry(TileByteCounts, counts...),
			shortEntry(SampleFormat, SampleFormatUint),
		)
		if i == 0 && p.scale != 0 {
			e = append(e,
				doubleEntry(ModelPixelScale, p.scale, p.scale, 0),
				doubleEntry(ModelTiepoint, p.tiepoint[:]...),
			)
		}
		entries[i] = e
	}

	le.PutUint32(b[4:], uint32(len(b)))
	for i, e := range entries {
		b = appendIFD(b, e, i == len(entries)-1)
	}
	return b
}

func appendIFD(b []byte, entries []testEntry, last bool) []byte {
	extra := len(b) + 2 + 12*len(entries) + 4
	var ifd, tail []byte
	ifd = le.AppendUint16(ifd, uint16(len(entries)))
	for _, e := range entries {
		ifd = le.AppendUint16(ifd, uint16(e.tag))
		ifd = le.AppendUint16(ifd, uint16(e.typ))
		ifd = le.AppendUint32(ifd, e.count)
		if len(e.data) <= 4 {
			v := make([]byte, 4)
			copy(v, e.data)
			ifd = append(ifd, v...)
			continue
		}
		ifd = le.AppendUint32(ifd, uint32(extra+len(tail)))
		tail = append(tail, e.data...)
	}
	var next uint32
	if !last {
		next = uint32(extra + len(tail))
	}
	ifd = le.AppendUint32(ifd, next)
	return append(append(b, ifd...), tail...)
}
