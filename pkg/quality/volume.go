package quality

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"microctsr/internal/models"
	"microctsr/pkg/slicer"
)

// Metrics summarises how closely a reconstructed volume matches a reference.
type Metrics struct {
	// PSNR over the whole volume in dB; +Inf for identical volumes.
	PSNR float64

	// SSIM is the mean SSIM of the z slices.
	SSIM float64

	// Structural is the mean structure term of the z slices.
	Structural float64

	RMSE float64

	// MI is the mutual information under a joint Gaussian model,
	// -0.5*ln(1-rho^2), in nats.
	MI float64

	// EntropyDiff is the absolute difference of the 256-bin histogram
	// entropies, in bits.
	EntropyDiff float64

	// EdgePreserved is the mean correlation of the z-slice edge maps.
	EdgePreserved float64
}

// Evaluate computes every metric of result against reference.
func Evaluate(result, reference *models.Volume, dataRange float64) (Metrics, error) {
	var m Metrics
	if err := sameVolumeShape(result, reference); err != nil {
		return m, err
	}

	var err error
	m.PSNR, err = VolumePSNR(result, reference, dataRange)
	if err != nil && !errors.Is(err, ErrIdenticalImages) {
		return m, err
	}
	m.SSIM, err = VolumeSSIM(result, reference, dataRange)
	if err != nil {
		return m, err
	}
	m.Structural, err = VolumeStructural(result, reference, dataRange)
	if err != nil {
		return m, err
	}
	m.EdgePreserved, err = VolumeEdgePreservation(result, reference)
	if err != nil {
		return m, err
	}
	m.RMSE = RMSE(result.Data, reference.Data)
	m.MI = MutualInformation(result.Data, reference.Data)
	m.EntropyDiff = EntropyDifference(result.Data, reference.Data)
	return m, nil
}

func sameVolumeShape(a, b *models.Volume) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if a.Shape != b.Shape {
		return fmt.Errorf("%s vs %s: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	return nil
}

// VolumePSNR computes PSNR over every voxel of two volumes.
func VolumePSNR(a, b *models.Volume, dataRange float64) (float64, error) {
	if err := sameVolumeShape(a, b); err != nil {
		return math.NaN(), err
	}
	return psnr(a.Data, b.Data, dataRange)
}

// VolumeSSIM averages SSIM over the z slices of two volumes.
func VolumeSSIM(a, b *models.Volume, dataRange float64) (float64, error) {
	return meanOverSlices(a, b, dataRange, SSIM)
}

// VolumeStructural averages the structure term over the z slices.
func VolumeStructural(a, b *models.Volume, dataRange float64) (float64, error) {
	return meanOverSlices(a, b, dataRange, StructuralComparison)
}

// VolumeEdgePreservation averages EdgePreservation over the z slices.
func VolumeEdgePreservation(a, b *models.Volume) (float64, error) {
	return meanOverSlices(a, b, 0, func(sa, sb *mat.Dense, _ float64) (float64, error) {
		return EdgePreservation(sa, sb)
	})
}

type sliceMetric func(a, b *mat.Dense, dataRange float64) (float64, error)

func meanOverSlices(a, b *models.Volume, dataRange float64, metric sliceMetric) (float64, error) {
	if err := sameVolumeShape(a, b); err != nil {
		return math.NaN(), err
	}
	sa, err := slicer.Slice(a, models.Z)
	if err != nil {
		return math.NaN(), err
	}
	sb, err := slicer.Slice(b, models.Z)
	if err != nil {
		return math.NaN(), err
	}
	scores := make([]float64, sa.Len())
	for i := range sa.Slices {
		scores[i], err = metric(sa.Slices[i], sb.Slices[i], dataRange)
		if err != nil {
			return math.NaN(), fmt.Errorf("z slice %d: %w", i, err)
		}
	}
	return stat.Mean(scores, nil), nil
}

// RMSE returns the root mean squared error.
func RMSE(a, b []float64) float64 {
	return math.Sqrt(MSE(a, b))
}

// MutualInformation estimates the mutual information of two signals
// assuming they are jointly Gaussian. Perfectly correlated signals give +Inf;
// constant signals give 0.
func MutualInformation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) < 2 {
		return 0
	}
	if stat.Variance(a, nil) == 0 || stat.Variance(b, nil) == 0 {
		return 0
	}
	rho := stat.Correlation(a, b, nil)
	r2 := rho * rho
	if r2 >= 1 {
		return math.Inf(1)
	}
	return -0.5 * math.Log(1-r2)
}

// EntropyDifference returns |H(a) - H(b)| of 256-bin histograms in bits.
func EntropyDifference(a, b []float64) float64 {
	return math.Abs(Entropy(a) - Entropy(b))
}

// Entropy returns the Shannon entropy in bits of a 256-bin histogram of
// data spanning its own min..max.
func Entropy(data []float64) float64 {
	const numBins = 256
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi <= lo {
		return 0
	}

	dividers := floats.Span(make([]float64, numBins+1), lo, hi)
	dividers[numBins] = math.Nextafter(hi, math.Inf(1))
	counts := stat.Histogram(nil, dividers, sorted, nil)
	floats.Scale(1/float64(len(data)), counts)
	return stat.Entropy(counts) / math.Ln2
}
