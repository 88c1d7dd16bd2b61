package reconstruction

import (
	"fmt"
	"math"

	"microctsr/internal/models"
)

// Method selects the volumetric resampling kernel.
type Method int

const (
	// Trilinear interpolates with half-pixel centres and clamps at the
	// borders. Output values are convex combinations of input values, so
	// intensity ordering is preserved.
	Trilinear Method = iota

	// Nearest picks the voxel whose centre is closest. At integer scale
	// factors this replicates voxels.
	Nearest
)

func (m Method) String() string {
	switch m {
	case Trilinear:
		return "trilinear"
	case Nearest:
		return "nearest"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod converts "trilinear" or "nearest" to a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "trilinear", "linear", "":
		return Trilinear, nil
	case "nearest":
		return Nearest, nil
	}
	return Trilinear, fmt.Errorf("unknown resample method %q", s)
}

// Resample resizes vol to target. Axes whose extent already matches are
// left untouched, so values along them are copied exactly. The input is
// never modified.
func Resample(vol *models.Volume, target models.Shape, method Method) (*models.Volume, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if target.Empty() {
		return nil, models.ErrEmptyVolume
	}
	if method != Trilinear && method != Nearest {
		return nil, fmt.Errorf("unsupported resample method %s", method)
	}

	out := vol
	for _, axis := range []models.Axis{models.Z, models.Y, models.X} {
		if out.Shape.Dim(axis) == target.Dim(axis) {
			continue
		}
		out = resampleAxis(out, axis, target.Dim(axis), method)
	}
	if out == vol {
		out = vol.Clone()
	}
	out.VoxelSize = vol.VoxelSize
	return out, nil
}

// resampleAxis resizes along a single axis. Applying it along each axis in
// turn is equivalent to trilinear interpolation since the kernel is
// separable.
func resampleAxis(vol *models.Volume, axis models.Axis, n int, method Method) *models.Volume {
	in := vol.Shape.Dim(axis)
	shape := vol.Shape.WithDim(axis, n)
	out := models.NewVolume(shape)

	lo := make([]int, n)
	hi := make([]int, n)
	frac := make([]float64, n)
	ratio := float64(in) / float64(n)
	for o := 0; o < n; o++ {
		src := (float64(o)+0.5)*ratio - 0.5
		if method == Nearest {
			i := int(math.Floor((float64(o) + 0.5) * ratio))
			i = min(max(i, 0), in-1)
			lo[o], hi[o] = i, i
			continue
		}
		src = math.Max(0, math.Min(float64(in-1), src))
		i0 := int(math.Floor(src))
		i1 := min(i0+1, in-1)
		lo[o], hi[o], frac[o] = i0, i1, src-float64(i0)
	}

	lerp := func(a, b, t float64) float64 {
		if t == 0 {
			return a
		}
		return a + (b-a)*t
	}

	d, h, w := shape.Depth, shape.Height, shape.Width
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var a, b float64
				var t float64
				switch axis {
				case models.Z:
					a, b, t = vol.At(lo[z], y, x), vol.At(hi[z], y, x), frac[z]
				case models.Y:
					a, b, t = vol.At(z, lo[y], x), vol.At(z, hi[y], x), frac[y]
				default:
					a, b, t = vol.At(z, y, lo[x]), vol.At(z, y, hi[x]), frac[x]
				}
				out.Data[out.Index(z, y, x)] = lerp(a, b, t)
			}
		}
	}
	return out
}
