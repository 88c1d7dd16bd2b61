package reconstruction

import (
	"errors"
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/stat/distuv"

	"microctsr/internal/models"
)

func randomVolume(shape models.Shape) *models.Volume {
	vol := models.NewVolume(shape)
	u := distuv.Uniform{Min: 0, Max: 1}
	for i := range vol.Data {
		vol.Data[i] = u.Rand()
	}
	return vol
}

// directionalSet returns consistent x, y and z directional volumes for an
// original shape of n^3 at scale 2.
func directionalSet(n int) (x, y, z *models.DirectionalVolume) {
	m := 2 * n
	x = &models.DirectionalVolume{Volume: randomVolume(models.Shape{Depth: m, Height: m, Width: n}), Axis: models.X, ScaleFactor: 2}
	y = &models.DirectionalVolume{Volume: randomVolume(models.Shape{Depth: m, Height: n, Width: m}), Axis: models.Y, ScaleFactor: 2}
	z = &models.DirectionalVolume{Volume: randomVolume(models.Shape{Depth: n, Height: m, Width: m}), Axis: models.Z, ScaleFactor: 2}
	return x, y, z
}

func TestFuseOrderIndependent(t *testing.T) {
	x, y, z := directionalSet(4)
	target := models.Shape{Depth: 8, Height: 8, Width: 8}

	for _, method := range []Method{Trilinear, Nearest} {
		opts := FuseOptions{Method: method}
		base, err := Fuse(x, y, z, target, opts)
		if err != nil {
			t.Fatalf("%s: Fuse failed: %v", method, err)
		}
		perms := [][3]*models.DirectionalVolume{
			{x, z, y}, {y, x, z}, {y, z, x}, {z, x, y}, {z, y, x},
		}
		for _, p := range perms {
			got, err := Fuse(p[0], p[1], p[2], target, opts)
			if err != nil {
				t.Fatalf("%s: Fuse failed for permutation: %v", method, err)
			}
			for i := range base.Data {
				if got.Data[i] != base.Data[i] {
					t.Fatalf("%s: voxel %d differs between argument orders: %v vs %v", method, i, got.Data[i], base.Data[i])
				}
			}
		}
	}
}

func TestFuseIsMean(t *testing.T) {
	x, y, z := directionalSet(3)
	target := models.Shape{Depth: 6, Height: 6, Width: 6}
	out, err := Fuse(x, y, z, target, FuseOptions{Method: Nearest})
	if err != nil {
		t.Fatal(err)
	}
	rx, _ := Resample(x.Volume, target, Nearest)
	ry, _ := Resample(y.Volume, target, Nearest)
	rz, _ := Resample(z.Volume, target, Nearest)
	for i := range out.Data {
		want := (rx.Data[i] + ry.Data[i] + rz.Data[i]) / 3
		if math.Abs(out.Data[i]-want) > 1e-15 {
			t.Fatalf("voxel %d: expected %v, got %v", i, want, out.Data[i])
		}
	}
}

func TestFuseShapeMismatch(t *testing.T) {
	x, y, z := directionalSet(4)
	x.Volume = randomVolume(models.Shape{Depth: 8, Height: 5, Width: 4})

	_, err := Fuse(x, y, z, models.Shape{Depth: 8, Height: 8, Width: 8}, FuseOptions{})
	var sme *ShapeMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("expected ShapeMismatchError, got %v", err)
	}
	if sme.Axis != models.X || sme.Distortion < 0.5 {
		t.Errorf("unexpected error fields: %+v", sme)
	}
	if IsRecoverable(err) {
		t.Error("shape mismatch should not be recoverable")
	}
}

func TestFuseToleratesSmallDistortion(t *testing.T) {
	// 40 -> 41 along one in-plane axis is a 2.5% distortion.
	x := &models.DirectionalVolume{Volume: randomVolume(models.Shape{Depth: 2, Height: 40, Width: 1}), Axis: models.X, ScaleFactor: 2}
	y := &models.DirectionalVolume{Volume: randomVolume(models.Shape{Depth: 2, Height: 41, Width: 2}), Axis: models.Y, ScaleFactor: 1}
	z := &models.DirectionalVolume{Volume: randomVolume(models.Shape{Depth: 2, Height: 41, Width: 2}), Axis: models.Z, ScaleFactor: 1}
	target := models.Shape{Depth: 2, Height: 41, Width: 2}

	if _, err := Fuse(x, y, z, target, FuseOptions{}); err != nil {
		t.Errorf("expected default tolerance to accept 2.5%% distortion, got %v", err)
	}
	if _, err := Fuse(x, y, z, target, FuseOptions{AspectTolerance: 0.01}); err == nil {
		t.Error("expected 1% tolerance to reject 2.5% distortion")
	}
}

func TestFuseRejectsDuplicateAxes(t *testing.T) {
	x, y, _ := directionalSet(2)
	if _, err := Fuse(x, y, x, models.Shape{Depth: 4, Height: 4, Width: 4}, FuseOptions{}); err == nil {
		t.Error("expected error for duplicate axis")
	}
	if _, err := Fuse(x, y, nil, models.Shape{Depth: 4, Height: 4, Width: 4}, FuseOptions{}); err == nil {
		t.Error("expected error for missing volume")
	}
}

func TestMean3(t *testing.T) {
	vals := []float64{0.1, 0.7, 1e-17}
	want := mean3(vals[0], vals[1], vals[2])
	perms := [][3]int{{0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, p := range perms {
		if got := mean3(vals[p[0]], vals[p[1]], vals[p[2]]); got != want {
			t.Errorf("mean3 order %v: %v != %v", p, got, want)
		}
	}
}

func TestResampleIdentity(t *testing.T) {
	vol := randomVolume(models.Shape{Depth: 3, Height: 4, Width: 5})
	for _, m := range []Method{Trilinear, Nearest} {
		out, err := Resample(vol, vol.Shape, m)
		if err != nil {
			t.Fatal(err)
		}
		if &out.Data[0] == &vol.Data[0] {
			t.Fatalf("%s: identity resample must copy", m)
		}
		for i := range vol.Data {
			if out.Data[i] != vol.Data[i] {
				t.Fatalf("%s: voxel %d changed", m, i)
			}
		}
	}
}

func TestResampleNearestReplicates(t *testing.T) {
	vol := randomVolume(models.Shape{Depth: 2, Height: 3, Width: 4})
	out, err := Resample(vol, vol.Shape.Scale(2), Nearest)
	if err != nil {
		t.Fatal(err)
	}
	for z := 0; z < 4; z++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 8; x++ {
				if out.At(z, y, x) != vol.At(z/2, y/2, x/2) {
					t.Fatalf("voxel (%d,%d,%d) not replicated", z, y, x)
				}
			}
		}
	}
}

func TestResampleTrilinearMonotonic(t *testing.T) {
	vol := models.NewVolume(models.Shape{Depth: 2, Height: 2, Width: 6})
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 6; x++ {
				vol.Set(z, y, x, float64(x*x))
			}
		}
	}
	target := models.Shape{Depth: 3, Height: 5, Width: 17}
	out, err := Resample(vol, target, Trilinear)
	if err != nil {
		t.Fatal(err)
	}
	if out.Shape != target {
		t.Fatalf("expected %s, got %s", target, out.Shape)
	}
	for z := 0; z < target.Depth; z++ {
		for y := 0; y < target.Height; y++ {
			prev := math.Inf(-1)
			for x := 0; x < target.Width; x++ {
				v := out.At(z, y, x)
				if v < prev {
					t.Fatalf("not monotonic at (%d,%d,%d): %v < %v", z, y, x, v, prev)
				}
				if v < 0 || v > 25 {
					t.Fatalf("value %v outside input range", v)
				}
				prev = v
			}
		}
	}
	// Edges clamp to the outermost samples.
	if out.At(0, 0, 0) != 0 || out.At(0, 0, target.Width-1) != 25 {
		t.Errorf("edge values %v, %v", out.At(0, 0, 0), out.At(0, 0, target.Width-1))
	}
}

func TestResampleErrors(t *testing.T) {
	vol := randomVolume(models.Shape{Depth: 2, Height: 2, Width: 2})
	if _, err := Resample(vol, models.Shape{}, Trilinear); !errors.Is(err, models.ErrEmptyVolume) {
		t.Errorf("expected ErrEmptyVolume, got %v", err)
	}
	if _, err := Resample(vol, vol.Shape, Method(7)); err == nil {
		t.Error("expected error for unknown method")
	}
}

func TestParseMethod(t *testing.T) {
	for in, want := range map[string]Method{"": Trilinear, "trilinear": Trilinear, "linear": Trilinear, "nearest": Nearest} {
		if got, err := ParseMethod(in); err != nil || got != want {
			t.Errorf("ParseMethod(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMethod("cubic"); err == nil {
		t.Error("expected error for cubic")
	}
}

func TestErrorMessages(t *testing.T) {
	re := &ResourceError{Estimated: 3 << 30, Threshold: 2 << 30, CubeSize: 128}
	if msg := re.Error(); !strings.Contains(msg, "3.0 GiB") || !strings.Contains(msg, "128") {
		t.Errorf("unexpected message %q", msg)
	}
	axis := models.Y
	off := models.Point3d{Z: 4, Y: 0, X: 8}
	se := &StageError{Stage: "upsample", Cube: &off, Axis: &axis, Err: errors.New("boom")}
	if msg := se.Error(); msg != "upsample cube (4,0,8) axis y: boom" {
		t.Errorf("unexpected message %q", msg)
	}
}
