package reconstruction

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"microctsr/internal/models"
	"microctsr/pkg/superres"
	"microctsr/pkg/upsampler"
)

// replicate is an exact pixel-replicating upsampler with no quantisation
var replicate = upsampler.Func(func(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error) {
	rows, cols := patch.Dims()
	out := mat.NewDense(rows*scale, cols*scale, nil)
	for r := 0; r < rows*scale; r++ {
		for c := 0; c < cols*scale; c++ {
			out.Set(r, c, patch.At(r/scale, c/scale))
		}
	}
	return out, nil
})

// createTestVolume fills a volume with a smooth pattern in [0,1]
func createTestVolume(d, h, w int) *models.Volume {
	vol := models.NewVolume(models.Shape{Depth: d, Height: h, Width: w})
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				vol.Set(z, y, x, 0.5+0.4*math.Sin(float64(x)/2+float64(y)/3)*math.Cos(float64(z)/4))
			}
		}
	}
	return vol
}

func constantVolume(d, h, w int, v float64) *models.Volume {
	vol := models.NewVolume(models.Shape{Depth: d, Height: h, Width: w})
	for i := range vol.Data {
		vol.Data[i] = v
	}
	return vol
}

// cubeThreshold returns a memory threshold that admits one cube of edge n
// but nothing larger.
func cubeThreshold(n, scale int) uint64 {
	return EstimateFootprint(models.NewVolume(models.Shape{Depth: n, Height: n, Width: n}), scale)
}

func TestNewReconstructorDefaults(t *testing.T) {
	r := NewReconstructor(Params{ScaleFactor: 2}, replicate)
	p := r.Params()
	if p.Workers < 1 || p.CubeWorkers != 1 || p.DataRange != 1 {
		t.Errorf("unexpected defaults: %+v", p)
	}
}

func TestProcessEndToEnd(t *testing.T) {
	vol := createTestVolume(8, 8, 8)
	vol.VoxelSize = 1.0

	params := DefaultParams()
	params.Resample = Nearest
	r := NewReconstructor(params, replicate)

	res, err := r.Process(context.Background(), vol)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Tiled {
		t.Error("expected untiled run without a memory threshold")
	}
	want := models.Shape{Depth: 16, Height: 16, Width: 16}
	if res.Volume.Shape != want {
		t.Fatalf("expected shape %s, got %s", want, res.Volume.Shape)
	}
	if res.Volume.VoxelSize != 0.5 {
		t.Errorf("expected voxel size 0.5, got %v", res.Volume.VoxelSize)
	}

	// Every directional volume degenerates to the same replicated volume,
	// so the fused result is that volume.
	for z := 0; z < 16; z++ {
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				got, exp := res.Volume.At(z, y, x), vol.At(z/2, y/2, x/2)
				if math.Abs(got-exp) > 1e-12 {
					t.Fatalf("voxel (%d,%d,%d): expected %v, got %v", z, y, x, exp, got)
				}
			}
		}
	}
}

func TestProcessBicubicConstant(t *testing.T) {
	vol := constantVolume(8, 8, 8, 0.25)
	r := NewReconstructor(DefaultParams(), upsampler.NewBicubic(1))

	res, err := r.Process(context.Background(), vol)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Volume.Shape != vol.Shape.Scale(2) {
		t.Fatalf("unexpected shape %s", res.Volume.Shape)
	}
	for i, v := range res.Volume.Data {
		if math.Abs(v-0.25) > 1e-4 {
			t.Fatalf("voxel %d: expected 0.25, got %v", i, v)
		}
	}
}

func TestTiledMatchesUntiled(t *testing.T) {
	for _, shape := range []models.Shape{
		{Depth: 8, Height: 8, Width: 8},
		{Depth: 6, Height: 8, Width: 10},
	} {
		vol := createTestVolume(shape.Depth, shape.Height, shape.Width)

		params := DefaultParams()
		params.Resample = Nearest
		whole, err := NewReconstructor(params, replicate).Process(context.Background(), vol)
		if err != nil {
			t.Fatalf("%s: untiled Process failed: %v", shape, err)
		}

		params.CubeSize = 4
		params.CubeWorkers = 3
		params.MemoryThreshold = cubeThreshold(4, 2)
		tiled, err := NewReconstructor(params, replicate).Process(context.Background(), vol)
		if err != nil {
			t.Fatalf("%s: tiled Process failed: %v", shape, err)
		}
		if !tiled.Tiled {
			t.Fatalf("%s: expected tiled run", shape)
		}
		nz, ny, nx := (shape.Depth+3)/4, (shape.Height+3)/4, (shape.Width+3)/4
		if len(tiled.Cubes) != nz*ny*nx {
			t.Errorf("%s: expected %d cubes, got %d", shape, nz*ny*nx, len(tiled.Cubes))
		}
		if tiled.Volume.Shape != whole.Volume.Shape {
			t.Fatalf("%s: shape %s vs %s", shape, tiled.Volume.Shape, whole.Volume.Shape)
		}
		for i := range whole.Volume.Data {
			if tiled.Volume.Data[i] != whole.Volume.Data[i] {
				t.Fatalf("%s: voxel %d differs: %v vs %v", shape, i, tiled.Volume.Data[i], whole.Volume.Data[i])
			}
		}
	}
}

func TestTiledTrilinearConstant(t *testing.T) {
	vol := constantVolume(6, 6, 6, 0.75)
	params := DefaultParams()
	params.CubeSize = 4
	params.MemoryThreshold = cubeThreshold(4, 2)

	res, err := NewReconstructor(params, replicate).Process(context.Background(), vol)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !res.Tiled {
		t.Fatal("expected tiled run")
	}
	for i, v := range res.Volume.Data {
		if math.Abs(v-0.75) > 1e-12 {
			t.Fatalf("voxel %d: expected 0.75, got %v", i, v)
		}
	}
}

func TestResourceError(t *testing.T) {
	vol := createTestVolume(8, 8, 8)

	params := DefaultParams()
	params.MemoryThreshold = 1
	_, err := NewReconstructor(params, replicate).Process(context.Background(), vol)
	var re *ResourceError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
	if re.CubeSize != 0 || re.Estimated != EstimateFootprint(vol, 2) {
		t.Errorf("unexpected error fields: %+v", re)
	}
	if !IsRecoverable(err) {
		t.Error("ResourceError should be recoverable")
	}

	// A cube that still exceeds the threshold is reported, not shrunk.
	params.CubeSize = 4
	res, err := NewReconstructor(params, replicate).Process(context.Background(), vol)
	if !errors.As(err, &re) || re.CubeSize != 4 {
		t.Fatalf("expected ResourceError for cube size 4, got %v", err)
	}
	if res == nil || res.Volume != nil || len(res.Cubes) != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestPartialResultsSurviveCubeFailure(t *testing.T) {
	vol := createTestVolume(8, 8, 8)
	// Mark a voxel in the last cube so only that cube fails.
	vol.Set(7, 7, 7, -1)

	boom := errors.New("inference failed")
	up := upsampler.Func(func(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error) {
		if mat.Min(patch) < 0 {
			return nil, boom
		}
		return replicate(ctx, patch, scale)
	})

	params := DefaultParams()
	params.CubeSize = 4
	params.CubeWorkers = 1
	params.MemoryThreshold = cubeThreshold(4, 2)
	res, err := NewReconstructor(params, up).Process(context.Background(), vol)
	if !errors.Is(err, boom) {
		t.Fatalf("expected adapter failure, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if se.Cube == nil || *se.Cube != (models.Point3d{Z: 4, Y: 4, X: 4}) {
		t.Errorf("expected failing cube (4,4,4), got %v", se.Cube)
	}
	if IsRecoverable(err) {
		t.Error("adapter failure should not be recoverable")
	}
	if res == nil || res.Volume != nil {
		t.Fatal("expected partial result without a volume")
	}
	if len(res.Cubes) != 7 {
		t.Errorf("expected 7 completed cubes, got %d", len(res.Cubes))
	}
	for off, c := range res.Cubes {
		if c.Shape != (models.Shape{Depth: 8, Height: 8, Width: 8}) {
			t.Errorf("cube %s has shape %s", off, c.Shape)
		}
	}
}

func TestStageErrorOnAdapterFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	up := upsampler.Func(func(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error) {
		return nil, boom
	})

	_, err := NewReconstructor(DefaultParams(), up).Process(context.Background(), createTestVolume(4, 4, 4))
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped adapter error, got %v", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "upsample" || se.Cube != nil || se.Axis == nil {
		t.Errorf("unexpected stage error: %#v", se)
	}
	var sliceErr *superres.SliceError
	if !errors.As(err, &sliceErr) {
		t.Error("expected SliceError in chain")
	}
}

func TestAdapterShapeMismatchIsFatal(t *testing.T) {
	up := upsampler.Func(func(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error) {
		rows, cols := patch.Dims()
		return mat.NewDense(rows*scale, cols*scale+1, nil), nil
	})

	_, err := NewReconstructor(DefaultParams(), up).Process(context.Background(), createTestVolume(4, 4, 4))
	var mismatch *superres.AdapterShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected AdapterShapeMismatchError, got %v", err)
	}
	if IsRecoverable(err) {
		t.Error("shape mismatch should not be recoverable")
	}
}

func TestCubeTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timeout test in short mode")
	}
	slow := upsampler.Func(func(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	params := DefaultParams()
	params.CubeSize = 4
	params.MemoryThreshold = cubeThreshold(4, 2)
	params.CubeTimeout = 20 * time.Millisecond

	start := time.Now()
	_, err := NewReconstructor(params, slow).Process(context.Background(), createTestVolume(8, 8, 8))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not stop the run promptly")
	}
}

func TestProgressCallback(t *testing.T) {
	params := DefaultParams()
	params.CubeSize = 4
	params.CubeWorkers = 4
	params.MemoryThreshold = cubeThreshold(4, 2)
	r := NewReconstructor(params, replicate)

	var calls, last, total int
	r.SetProgressCallback(func(done, n int) {
		calls++
		last, total = done, n
	})
	if _, err := r.Process(context.Background(), createTestVolume(8, 8, 8)); err != nil {
		t.Fatal(err)
	}
	if calls != 8 || last != 8 || total != 8 {
		t.Errorf("expected 8 progress calls ending at 8/8, got %d calls, last %d/%d", calls, last, total)
	}
}

func TestEvaluate(t *testing.T) {
	ref := createTestVolume(4, 16, 16)
	params := DefaultParams()
	r := NewReconstructor(params, replicate)

	m, err := r.Evaluate(ref, ref)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !math.IsInf(m.PSNR, 1) || math.Abs(m.SSIM-1) > 1e-6 {
		t.Errorf("unexpected self metrics: %+v", m)
	}
	if r.GetMetrics() != m {
		t.Error("GetMetrics does not return the last evaluation")
	}

	// A monotone grey-level distortion is undone by histogram matching.
	distorted := ref.Clone()
	for i, v := range distorted.Data {
		distorted.Data[i] = v * v
	}
	params.MatchHistogram = true
	m, err = NewReconstructor(params, replicate).Evaluate(distorted, ref)
	if err != nil {
		t.Fatal(err)
	}
	if m.RMSE > 1e-12 {
		t.Errorf("expected matched RMSE 0, got %v", m.RMSE)
	}
}

func TestProcessRejectsBadInput(t *testing.T) {
	r := NewReconstructor(Params{ScaleFactor: 0}, replicate)
	if _, err := r.Process(context.Background(), createTestVolume(2, 2, 2)); err == nil {
		t.Error("expected error for zero scale factor")
	}
	r = NewReconstructor(DefaultParams(), replicate)
	if _, err := r.Process(context.Background(), models.NewVolume(models.Shape{})); !errors.Is(err, models.ErrEmptyVolume) {
		t.Errorf("expected ErrEmptyVolume, got %v", err)
	}
}
