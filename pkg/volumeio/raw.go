// Package volumeio reads and writes volumes as headerless raw voxel files or
// as per-slice raster images, locally or in object storage.
package volumeio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"microctsr/internal/models"
)

// BitDepth is the number of bits per stored voxel.
type BitDepth int

const (
	Depth8  BitDepth = 8
	Depth16 BitDepth = 16
)

// Valid reports whether d is 8 or 16.
func (d BitDepth) Valid() bool {
	return d == Depth8 || d == Depth16
}

// Bytes returns the stored size of one voxel.
func (d BitDepth) Bytes() int {
	return int(d) / 8
}

// Max returns the largest storable integer value.
func (d BitDepth) Max() float64 {
	return float64(uint64(1)<<uint(d) - 1)
}

// Compression selects the stream codec wrapped around raw voxel data.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression accepts "", "none" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", s)
}

// RawOptions describes how voxel values map to stored integers.
type RawOptions struct {
	Depth BitDepth

	// DataRange is the intensity that maps to the largest storable value.
	DataRange float64

	Compression Compression
}

func (o RawOptions) validate() error {
	if !o.Depth.Valid() {
		return fmt.Errorf("unsupported bit depth %d (must be 8 or 16)", o.Depth)
	}
	if o.DataRange <= 0 {
		return fmt.Errorf("data range must be positive, got %v", o.DataRange)
	}
	return nil
}

// ReadRaw decodes a headerless little-endian voxel stream of the given shape.
// Stored integers are scaled into [0, DataRange].
func ReadRaw(r io.Reader, shape models.Shape, opts RawOptions) (*models.Volume, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if shape.Empty() {
		return nil, models.ErrEmptyVolume
	}

	if opts.Compression == CompressionZstd {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	buf := make([]byte, shape.Voxels()*opts.Depth.Bytes())
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading %s voxels at %d bits: %w", shape, opts.Depth, err)
	}

	vol := models.NewVolume(shape)
	scale := opts.DataRange / opts.Depth.Max()
	switch opts.Depth {
	case Depth8:
		for i, b := range buf {
			vol.Data[i] = float64(b) * scale
		}
	case Depth16:
		for i := range vol.Data {
			vol.Data[i] = float64(binary.LittleEndian.Uint16(buf[2*i:])) * scale
		}
	}
	return vol, nil
}

// WriteRaw encodes vol as a headerless little-endian voxel stream. Values
// are clamped to [0, DataRange] and rounded to the nearest stored integer.
func WriteRaw(w io.Writer, vol *models.Volume, opts RawOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	if err := vol.Validate(); err != nil {
		return err
	}

	var enc *zstd.Encoder
	if opts.Compression == CompressionZstd {
		var err error
		enc, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("opening zstd stream: %w", err)
		}
		w = enc
	}

	bw := bufio.NewWriter(w)
	maxVal := opts.Depth.Max()
	var word [2]byte
	for _, v := range vol.Data {
		q := quantize(v, opts.DataRange, maxVal)
		var err error
		if opts.Depth == Depth8 {
			err = bw.WriteByte(byte(q))
		} else {
			binary.LittleEndian.PutUint16(word[:], uint16(q))
			_, err = bw.Write(word[:])
		}
		if err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if enc != nil {
		return enc.Close()
	}
	return nil
}

func quantize(v, dataRange, maxVal float64) uint64 {
	if math.IsNaN(v) {
		return 0
	}
	f := math.Round(v / dataRange * maxVal)
	return uint64(min(max(f, 0), maxVal))
}

// RawInfo is the geometry encoded in a raw volume file name.
type RawInfo struct {
	Base  string
	Shape models.Shape
	Depth BitDepth
}

var rawNamePattern = regexp.MustCompile(`^(.*?)_?(\d+)x(\d+)x(\d+)_(8|16)bit$`)

// ParseRawName extracts the shape and bit depth from names such as
// "bone_256x256x128_16bit.raw". Dimensions in the name are ordered
// width x height x depth. A ".zst" suffix is ignored.
func ParseRawName(name string) (RawInfo, error) {
	base := path.Base(name)
	base = strings.TrimSuffix(base, ".zst")
	base = strings.TrimSuffix(base, path.Ext(base))
	m := rawNamePattern.FindStringSubmatch(base)
	if m == nil {
		return RawInfo{}, fmt.Errorf("raw file name %q does not match <name>_<W>x<H>x<D>_<8|16>bit.raw", name)
	}
	dims := make([]int, 3)
	for i := range dims {
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return RawInfo{}, fmt.Errorf("raw file name %q: %v", name, err)
		}
		dims[i] = n
	}
	depth, _ := strconv.Atoi(m[5])
	info := RawInfo{
		Base:  m[1],
		Shape: models.Shape{Depth: dims[2], Height: dims[1], Width: dims[0]},
		Depth: BitDepth(depth),
	}
	if info.Shape.Empty() {
		return RawInfo{}, fmt.Errorf("raw file name %q: %w", name, models.ErrEmptyVolume)
	}
	return info, nil
}

// RawName is the inverse of ParseRawName.
func RawName(base string, shape models.Shape, depth BitDepth, c Compression) string {
	name := fmt.Sprintf("%s_%dx%dx%d_%dbit.raw", base, shape.Width, shape.Height, shape.Depth, depth)
	if c == CompressionZstd {
		name += ".zst"
	}
	return name
}
