// Package quality scores reconstructed images against ground truth.
//
// SSIM and the structural comparison term follow Wang et al. (2004): an
// 11x11 Gaussian window with sigma 1.5, K1 = 0.01, K2 = 0.03 and
// C3 = C2/2, averaged over every window position that fits entirely inside
// the image.
package quality

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	WindowSize  = 11
	WindowSigma = 1.5
	K1          = 0.01
	K2          = 0.03
)

var (
	// ErrIdenticalImages is returned with +Inf by PSNR when the mean squared
	// error is zero. It is informational, not a failure of the comparison.
	ErrIdenticalImages = errors.New("images are identical; PSNR is infinite")

	// ErrShapeMismatch is returned when the two images differ in shape.
	ErrShapeMismatch = errors.New("images have different shapes")

	// ErrWindowTooLarge is returned with NaN when an image is smaller than
	// the comparison window.
	ErrWindowTooLarge = errors.New("image is smaller than the comparison window")
)

var gaussianWindow = makeGaussianWindow(WindowSize, WindowSigma)

func makeGaussianWindow(size int, sigma float64) []float64 {
	w := make([]float64, size*size)
	c := float64(size-1) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dy, dx := float64(y)-c, float64(x)-c
			w[y*size+x] = math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
		}
	}
	floats.Scale(1/floats.Sum(w), w)
	return w
}

// flatten returns the row-major contents of m without copying when the
// matrix is contiguous.
func flatten(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for r := 0; r < raw.Rows; r++ {
		out = append(out, m.RawRowView(r)...)
	}
	return out
}

func sameShape(a, b *mat.Dense) error {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return fmt.Errorf("%dx%d vs %dx%d: %w", ar, ac, br, bc, ErrShapeMismatch)
	}
	return nil
}

// MSE returns the mean squared difference of two equally long vectors.
func MSE(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	d := floats.Distance(a, b, 2)
	return d * d / float64(len(a))
}

// PSNR returns the peak signal-to-noise ratio in dB of b against a for
// intensities spanning dataRange. Identical images yield +Inf together with
// ErrIdenticalImages.
func PSNR(a, b *mat.Dense, dataRange float64) (float64, error) {
	if err := sameShape(a, b); err != nil {
		return math.NaN(), err
	}
	return psnr(flatten(a), flatten(b), dataRange)
}

func psnr(a, b []float64, dataRange float64) (float64, error) {
	if dataRange <= 0 {
		return math.NaN(), fmt.Errorf("data range must be positive, got %v", dataRange)
	}
	mse := MSE(a, b)
	if mse == 0 {
		return math.Inf(1), ErrIdenticalImages
	}
	return 10 * math.Log10(dataRange*dataRange/mse), nil
}

// windowStats holds the Gaussian-weighted local statistics of one window.
type windowStats struct {
	muX, muY, varX, varY, cov float64
}

// forEachWindow calls fn with the local statistics of every valid window
// position.
func forEachWindow(a, b *mat.Dense, fn func(windowStats)) error {
	if err := sameShape(a, b); err != nil {
		return err
	}
	rows, cols := a.Dims()
	if rows < WindowSize || cols < WindowSize {
		return fmt.Errorf("%dx%d image, %dx%d window: %w", rows, cols, WindowSize, WindowSize, ErrWindowTooLarge)
	}
	x, y := flatten(a), flatten(b)
	for r := 0; r+WindowSize <= rows; r++ {
		for c := 0; c+WindowSize <= cols; c++ {
			var s windowStats
			var exx, eyy, exy float64
			for wy := 0; wy < WindowSize; wy++ {
				base := (r+wy)*cols + c
				for wx := 0; wx < WindowSize; wx++ {
					w := gaussianWindow[wy*WindowSize+wx]
					xv, yv := x[base+wx], y[base+wx]
					s.muX += w * xv
					s.muY += w * yv
					exx += w * xv * xv
					eyy += w * yv * yv
					exy += w * xv * yv
				}
			}
			s.varX = exx - s.muX*s.muX
			s.varY = eyy - s.muY*s.muY
			s.cov = exy - s.muX*s.muY
			fn(s)
		}
	}
	return nil
}

// SSIM returns the mean structural similarity index of a and b.
func SSIM(a, b *mat.Dense, dataRange float64) (float64, error) {
	if dataRange <= 0 {
		return math.NaN(), fmt.Errorf("data range must be positive, got %v", dataRange)
	}
	c1 := (K1 * dataRange) * (K1 * dataRange)
	c2 := (K2 * dataRange) * (K2 * dataRange)

	var sum float64
	var n int
	err := forEachWindow(a, b, func(s windowStats) {
		num := (2*s.muX*s.muY + c1) * (2*s.cov + c2)
		den := (s.muX*s.muX + s.muY*s.muY + c1) * (s.varX + s.varY + c2)
		sum += num / den
		n++
	})
	if err != nil {
		return math.NaN(), err
	}
	return sum / float64(n), nil
}

// StructuralComparison returns the mean of the SSIM structure term
// (cov + C3) / (sigmaX*sigmaY + C3), which ignores luminance and contrast.
func StructuralComparison(a, b *mat.Dense, dataRange float64) (float64, error) {
	if dataRange <= 0 {
		return math.NaN(), fmt.Errorf("data range must be positive, got %v", dataRange)
	}
	c3 := (K2 * dataRange) * (K2 * dataRange) / 2

	var sum float64
	var n int
	err := forEachWindow(a, b, func(s windowStats) {
		sx := math.Sqrt(math.Max(s.varX, 0))
		sy := math.Sqrt(math.Max(s.varY, 0))
		sum += (s.cov + c3) / (sx*sy + c3)
		n++
	})
	if err != nil {
		return math.NaN(), err
	}
	return sum / float64(n), nil
}
