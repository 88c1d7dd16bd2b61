// Package upsampler defines the contract for 2D patch super-resolution
// backends and provides deterministic interpolating backends plus a client
// for a remote inference server.
package upsampler

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/mat"
)

// Upsampler turns a single-channel 2D patch into a patch scaled by scale in
// both dimensions. Implementations must be deterministic for fixed weights
// and safe for concurrent use.
type Upsampler interface {
	Upsample(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error)
}

// Func adapts an ordinary function to the Upsampler interface.
type Func func(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error)

func (f Func) Upsample(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error) {
	return f(ctx, patch, scale)
}

// Interpolator upsamples with an x/image/draw kernel. Intensities are mapped
// onto 16 bits using DataRange, so results are quantised to DataRange/65535.
type Interpolator struct {
	Kernel    draw.Interpolator
	DataRange float64
}

// NewBicubic returns a Catmull-Rom upsampler for intensities in [0, dataRange].
func NewBicubic(dataRange float64) *Interpolator {
	return &Interpolator{Kernel: draw.CatmullRom, DataRange: dataRange}
}

// NewNearest returns a pixel-replicating upsampler for intensities in
// [0, dataRange].
func NewNearest(dataRange float64) *Interpolator {
	return &Interpolator{Kernel: draw.NearestNeighbor, DataRange: dataRange}
}

// NewBilinear returns a bilinear upsampler for intensities in [0, dataRange].
func NewBilinear(dataRange float64) *Interpolator {
	return &Interpolator{Kernel: draw.BiLinear, DataRange: dataRange}
}

// ByName returns the interpolating backend called name.
func ByName(name string, dataRange float64) (*Interpolator, error) {
	switch name {
	case "bicubic", "catmullrom":
		return NewBicubic(dataRange), nil
	case "bilinear":
		return NewBilinear(dataRange), nil
	case "nearest":
		return NewNearest(dataRange), nil
	}
	return nil, fmt.Errorf("unknown interpolating upsampler %q", name)
}

func (u *Interpolator) Upsample(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if scale < 1 {
		return nil, fmt.Errorf("scale factor must be positive, got %d", scale)
	}
	dataRange := u.DataRange
	if dataRange <= 0 {
		dataRange = 1
	}
	rows, cols := patch.Dims()
	src := newGrayView(rows, cols, dataRange)
	for r := 0; r < rows; r++ {
		copy(src.pix[r*cols:(r+1)*cols], patch.RawRowView(r))
	}
	dst := newGrayView(rows*scale, cols*scale, dataRange)
	u.Kernel.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return mat.NewDense(dst.rows, dst.cols, dst.pix), nil
}

// grayView exposes a float64 buffer as a 16-bit grayscale draw.Image.
type grayView struct {
	pix        []float64
	rows, cols int
	dataRange  float64
}

func newGrayView(rows, cols int, dataRange float64) *grayView {
	return &grayView{pix: make([]float64, rows*cols), rows: rows, cols: cols, dataRange: dataRange}
}

func (g *grayView) ColorModel() color.Model { return color.Gray16Model }

func (g *grayView) Bounds() image.Rectangle { return image.Rect(0, 0, g.cols, g.rows) }

func (g *grayView) At(x, y int) color.Color {
	v := g.pix[y*g.cols+x] / g.dataRange * 65535
	v = math.Max(0, math.Min(65535, math.Round(v)))
	return color.Gray16{Y: uint16(v)}
}

func (g *grayView) Set(x, y int, c color.Color) {
	v := color.Gray16Model.Convert(c).(color.Gray16)
	g.pix[y*g.cols+x] = float64(v.Y) / 65535 * g.dataRange
}
