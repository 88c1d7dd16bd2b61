package reconstruction

import (
	"errors"
	"fmt"
	"math"

	"microctsr/internal/models"
)

// DefaultAspectTolerance is the relative deviation from the expected
// per-axis scale ratio accepted when resizing a directional volume.
const DefaultAspectTolerance = 0.05

// FuseOptions controls the resize-then-average step.
type FuseOptions struct {
	Method          Method
	AspectTolerance float64
}

// Fuse resizes the three directional volumes to target and returns their
// voxelwise mean. The three values of each voxel are sorted before
// summation, so the result does not depend on argument order.
func Fuse(dirX, dirY, dirZ *models.DirectionalVolume, target models.Shape, opts FuseOptions) (*models.Volume, error) {
	dirs := [3]*models.DirectionalVolume{dirX, dirY, dirZ}
	seen := map[models.Axis]bool{}
	for _, d := range dirs {
		if d == nil || d.Volume == nil {
			return nil, errors.New("fuse requires three directional volumes")
		}
		if seen[d.Axis] {
			return nil, fmt.Errorf("fuse received two %s directional volumes", d.Axis)
		}
		seen[d.Axis] = true
	}
	if target.Empty() {
		return nil, models.ErrEmptyVolume
	}
	tol := opts.AspectTolerance
	if tol <= 0 {
		tol = DefaultAspectTolerance
	}

	var resized [3]*models.Volume
	for i, d := range dirs {
		if err := checkAspect(d, target, tol); err != nil {
			return nil, err
		}
		r, err := Resample(d.Volume, target, opts.Method)
		if err != nil {
			return nil, fmt.Errorf("resampling %s volume: %w", d.Axis, err)
		}
		resized[i] = r
	}

	out := models.NewVolume(target)
	a, b, c := resized[0].Data, resized[1].Data, resized[2].Data
	for i := range out.Data {
		out.Data[i] = mean3(a[i], b[i], c[i])
	}
	out.VoxelSize = resized[0].VoxelSize
	return out, nil
}

// mean3 averages three values in a fixed summation order.
func mean3(a, b, c float64) float64 {
	if a > b {
		a, b = b, a
	}
	if b > c {
		b, c = c, b
	}
	if a > b {
		a, b = b, a
	}
	return (a + b + c) / 3
}

// checkAspect verifies that going from d's shape to target scales the
// through-axis by d.ScaleFactor and leaves the in-plane axes alone, within
// tol.
func checkAspect(d *models.DirectionalVolume, target models.Shape, tol float64) error {
	worst := 0.0
	for _, axis := range models.Axes {
		from := d.Shape.Dim(axis)
		if from <= 0 {
			return models.ErrEmptyVolume
		}
		expected := 1.0
		if axis == d.Axis && d.ScaleFactor > 0 {
			expected = float64(d.ScaleFactor)
		}
		ratio := float64(target.Dim(axis)) / float64(from)
		worst = math.Max(worst, math.Abs(ratio/expected-1))
	}
	if worst > tol {
		return &ShapeMismatchError{Axis: d.Axis, From: d.Shape, To: target, Distortion: worst}
	}
	return nil
}
