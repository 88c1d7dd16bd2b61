package quality

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// EdgeSigma is the scale in pixels of the Mexican-hat band-pass filter used
// to detect edges.
const EdgeSigma = 1.0

// EdgeMap returns the edge response of m: the magnitude of m filtered with a
// Mexican-hat (Laplacian of Gaussian) kernel. Filtering is done in the
// frequency domain, so the image is treated as periodic.
func EdgeMap(m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	spec := make([]complex128, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			spec[r*cols+c] = complex(m.At(r, c), 0)
		}
	}
	fft2(spec, rows, cols, false)

	for r := 0; r < rows; r++ {
		v := frequency(r, rows)
		for c := 0; c < cols; c++ {
			u := frequency(c, cols)
			spec[r*cols+c] *= complex(mexicanHat(u*u+v*v), 0)
		}
	}
	fft2(spec, rows, cols, true)

	out := mat.NewDense(rows, cols, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out.Set(r, c, cmplx.Abs(spec[r*cols+c]))
		}
	}
	return out
}

// mexicanHat is the frequency response of the Laplacian of Gaussian at
// squared radial frequency f2 in cycles per pixel.
func mexicanHat(f2 float64) float64 {
	return f2 * math.Exp(-2*math.Pi*math.Pi*EdgeSigma*EdgeSigma*f2)
}

// frequency maps DFT bin k of n to cycles per pixel in [-0.5, 0.5).
func frequency(k, n int) float64 {
	if k >= (n+1)/2 {
		k -= n
	}
	return float64(k) / float64(n)
}

// fft2 transforms data in place, rows first then columns. The inverse is
// normalised by rows*cols.
func fft2(data []complex128, rows, cols int, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(cols)
	buf := make([]complex128, cols)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		if inverse {
			rowFFT.Sequence(buf, row)
		} else {
			rowFFT.Coefficients(buf, row)
		}
		copy(row, buf)
	}

	colFFT := fourier.NewCmplxFFT(rows)
	col := make([]complex128, rows)
	out := make([]complex128, rows)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			col[r] = data[r*cols+c]
		}
		if inverse {
			colFFT.Sequence(out, col)
		} else {
			colFFT.Coefficients(out, col)
		}
		for r := 0; r < rows; r++ {
			data[r*cols+c] = out[r]
		}
	}

	if inverse {
		n := complex(float64(rows*cols), 0)
		for i := range data {
			data[i] /= n
		}
	}
}

// EdgePreservation returns the Pearson correlation of the edge maps of a and
// reference. Two edge-free images score 1; an edge-free image against one
// with edges scores 0.
func EdgePreservation(a, reference *mat.Dense) (float64, error) {
	if err := sameShape(a, reference); err != nil {
		return math.NaN(), err
	}
	ea, er := flatten(EdgeMap(a)), flatten(EdgeMap(reference))
	va, vr := stat.Variance(ea, nil), stat.Variance(er, nil)
	const flat = 1e-20
	switch {
	case va < flat && vr < flat:
		return 1, nil
	case va < flat || vr < flat:
		return 0, nil
	}
	return stat.Correlation(ea, er, nil), nil
}
