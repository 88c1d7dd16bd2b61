package volumeio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"

	"microctsr/internal/models"
)

// Format is the on-disk representation of an output volume.
type Format string

const (
	FormatRaw  Format = "raw"
	FormatPNG  Format = "png"
	FormatTIFF Format = "tiff"
)

// ParseFormat accepts raw, png, tif or tiff.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "raw":
		return FormatRaw, nil
	case "png":
		return FormatPNG, nil
	case "tif", "tiff":
		return FormatTIFF, nil
	}
	return "", fmt.Errorf("unknown output format %q (must be raw, png or tiff)", s)
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string {
	switch f {
	case FormatPNG:
		return ".png"
	case FormatTIFF:
		return ".tif"
	}
	return ".raw"
}

// SliceImage converts a 2D slice to a grey image. Values are scaled from
// [0, dataRange] and clamped. 8-bit depth yields *image.Gray, 16-bit
// yields *image.Gray16.
func SliceImage(m *mat.Dense, depth BitDepth, dataRange float64) image.Image {
	rows, cols := m.Dims()
	rect := image.Rect(0, 0, cols, rows)
	maxVal := depth.Max()
	if depth == Depth8 {
		img := image.NewGray(rect)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8(quantize(m.At(y, x), dataRange, maxVal))})
			}
		}
		return img
	}
	img := image.NewGray16(rect)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(quantize(m.At(y, x), dataRange, maxVal))})
		}
	}
	return img
}

// ImageSlice converts a decoded image to a 2D slice with values in
// [0, dataRange]. Colour images are reduced to their luminance.
func ImageSlice(img image.Image, dataRange float64) *mat.Dense {
	b := img.Bounds()
	out := mat.NewDense(b.Dy(), b.Dx(), nil)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v float64
			switch src := img.(type) {
			case *image.Gray:
				v = float64(src.GrayAt(x, y).Y) / 255
			case *image.Gray16:
				v = float64(src.Gray16At(x, y).Y) / 65535
			default:
				g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
				v = float64(g.Y) / 65535
			}
			out.Set(y-b.Min.Y, x-b.Min.X, v*dataRange)
		}
	}
	return out
}

// EncodeImage writes img in the given raster format.
func EncodeImage(w io.Writer, img image.Image, f Format) error {
	switch f {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	}
	return fmt.Errorf("format %q is not a raster format", f)
}

// DecodeImage reads a PNG or TIFF image.
func DecodeImage(r io.Reader, f Format) (image.Image, error) {
	switch f {
	case FormatPNG:
		return png.Decode(r)
	case FormatTIFF:
		return tiff.Decode(r)
	}
	return nil, fmt.Errorf("format %q is not a raster format", f)
}

// SliceName is the object name of slice i along axis.
func SliceName(prefix string, axis models.Axis, i int, f Format) string {
	return path.Join(prefix, fmt.Sprintf("slice_%s_%04d%s", axis, i, f.Ext()))
}

// sortSliceNames orders names by the number embedded in their base name,
// falling back to lexical order for equal or missing numbers.
func sortSliceNames(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		ni, nj := sliceNumber(names[i]), sliceNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
}

// sliceNumber returns the last run of digits in the base name, or -1.
func sliceNumber(name string) int {
	base := path.Base(name)
	end := -1
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] >= '0' && base[i] <= '9' {
			if end < 0 {
				end = i + 1
			}
		} else if end >= 0 {
			n, err := strconv.Atoi(base[i+1 : end])
			if err != nil {
				return math.MaxInt
			}
			return n
		}
	}
	if end < 0 {
		return -1
	}
	n, err := strconv.Atoi(base[:end])
	if err != nil {
		return math.MaxInt
	}
	return n
}

// formatOf infers a raster format from a file name.
func formatOf(name string) (Format, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return FormatPNG, true
	case ".tif", ".tiff":
		return FormatTIFF, true
	}
	return "", false
}
