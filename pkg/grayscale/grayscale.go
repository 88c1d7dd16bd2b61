// Package grayscale adjusts the intensity distribution of volumes so that
// reconstructions can be compared against references acquired with a
// different grey-level calibration.
package grayscale

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"microctsr/internal/models"
)

// Normalize linearly maps the intensity range of vol onto [lo, hi]. A
// constant volume maps to lo. The input is not modified.
func Normalize(vol *models.Volume, lo, hi float64) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if hi <= lo {
		return nil, fmt.Errorf("invalid output range [%v, %v]", lo, hi)
	}

	out := vol.Clone()
	vmin, vmax := floats.Min(vol.Data), floats.Max(vol.Data)
	if vmax == vmin {
		for i := range out.Data {
			out.Data[i] = lo
		}
		return out, nil
	}
	floats.AddConst(-vmin, out.Data)
	floats.Scale((hi-lo)/(vmax-vmin), out.Data)
	floats.AddConst(lo, out.Data)
	return out, nil
}

// Clamp limits every voxel of vol to [lo, hi] in place.
func Clamp(vol *models.Volume, lo, hi float64) {
	for i, v := range vol.Data {
		vol.Data[i] = min(max(v, lo), hi)
	}
}

// MatchHistogram remaps the intensities of src so that their distribution
// follows that of ref. Each voxel is assigned the reference quantile at its
// own rank in src; tied voxels share the rank at the middle of their run.
// The two volumes need not have the same shape.
func MatchHistogram(src, ref *models.Volume) (*models.Volume, error) {
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	sortedSrc := sortedCopy(src.Data)
	sortedRef := sortedCopy(ref.Data)
	n := float64(len(sortedSrc))

	out := src.Clone()
	cache := make(map[float64]float64)
	for i, v := range src.Data {
		if mapped, ok := cache[v]; ok {
			out.Data[i] = mapped
			continue
		}
		first := sort.SearchFloat64s(sortedSrc, v)
		last := sort.Search(len(sortedSrc), func(j int) bool { return sortedSrc[j] > v }) - 1
		rank := float64(first+last) / 2
		p := (rank + 0.5) / n
		mapped := stat.Quantile(p, stat.Empirical, sortedRef, nil)
		cache[v] = mapped
		out.Data[i] = mapped
	}
	return out, nil
}

func sortedCopy(data []float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	sort.Float64s(out)
	return out
}
