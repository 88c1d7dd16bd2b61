// Package reconstruction fuses per-axis super-resolved volumes into a single
// isotropic volume, tiling the input when it would not fit in memory.
package reconstruction

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"microctsr/internal/models"
	"microctsr/pkg/grayscale"
	"microctsr/pkg/logging"
	"microctsr/pkg/quality"
	"microctsr/pkg/slicer"
	"microctsr/pkg/superres"
	"microctsr/pkg/tiling"
	"microctsr/pkg/upsampler"
)

// workingVolumes is the number of output-sized volumes alive at once while
// fusing: three directional volumes and the fused result.
const workingVolumes = 4

// Params holds the reconstruction parameters.
type Params struct {
	// ScaleFactor is the isotropic upscaling factor applied along every axis.
	ScaleFactor int

	// CubeSize is the tile edge length in input voxels used once the
	// estimated footprint exceeds MemoryThreshold. Zero disables tiling.
	CubeSize int

	// MemoryThreshold is the largest estimated footprint in bytes processed
	// as a single volume. Zero means no limit.
	MemoryThreshold uint64

	// Workers bounds concurrent upsampler calls within one slice stack.
	Workers int

	// CubeWorkers bounds how many cubes are processed at once.
	CubeWorkers int

	// SliceTimeout bounds each upsampler call, CubeTimeout each cube. Zero
	// disables the limit.
	SliceTimeout time.Duration
	CubeTimeout  time.Duration

	// Resample is the kernel used to bring directional volumes to the
	// target shape before averaging.
	Resample Method

	// AspectTolerance is passed to Fuse; zero selects the default.
	AspectTolerance float64

	// DataRange is the intensity span used by the quality metrics.
	DataRange float64

	// MatchHistogram remaps the result onto the reference grey-level
	// distribution before computing metrics.
	MatchHistogram bool
}

// DefaultParams returns parameters for a 2x run without tiling.
func DefaultParams() Params {
	return Params{
		ScaleFactor:     2,
		Workers:         runtime.NumCPU(),
		CubeWorkers:     1,
		Resample:        Trilinear,
		AspectTolerance: DefaultAspectTolerance,
		DataRange:       1,
	}
}

// ProgressCallback is called after each cube completes with the number of
// cubes done so far and the total. An untiled run counts as one cube.
type ProgressCallback func(done, total int)

// Result is the outcome of Process.
type Result struct {
	// Volume is the fused output; nil when the run failed.
	Volume *models.Volume

	// Tiled reports whether the input was split into cubes.
	Tiled bool

	// Cubes holds every cube that finished, keyed by its offset in the
	// input. After a failed tiled run these are still valid and can be
	// reused.
	Cubes tiling.Index

	// Footprint is the estimated memory footprint of the untiled run.
	Footprint uint64
}

// Reconstructor orchestrates one volume through the pipeline:
//
//  1. Slice the volume along x, y and z
//  2. Upsample every slice of the three stacks concurrently
//  3. Stack each axis back into a directional volume
//  4. Resize the three directional volumes to the target shape and average
//     them voxel by voxel
//
// When the estimated footprint exceeds the memory threshold the input is
// split into cubes, each cube runs the steps above independently, and the
// results are recombined.
type Reconstructor struct {
	params   Params
	runner   *superres.Runner
	progress ProgressCallback

	// metrics stores the quality assessment metrics after Evaluate
	metrics quality.Metrics
}

// NewReconstructor creates a new reconstructor that upsamples slices with up.
func NewReconstructor(params Params, up upsampler.Upsampler) *Reconstructor {
	if params.Workers <= 0 {
		params.Workers = runtime.NumCPU()
	}
	if params.CubeWorkers <= 0 {
		params.CubeWorkers = 1
	}
	if params.DataRange <= 0 {
		params.DataRange = 1
	}
	return &Reconstructor{
		params: params,
		runner: &superres.Runner{
			Upsampler:    up,
			Workers:      params.Workers,
			SliceTimeout: params.SliceTimeout,
		},
	}
}

// SetProgressCallback installs cb. It may be called from several goroutines
// but never concurrently.
func (r *Reconstructor) SetProgressCallback(cb ProgressCallback) {
	r.progress = cb
}

// Params returns the effective parameters.
func (r *Reconstructor) Params() Params {
	return r.params
}

// EstimateFootprint returns the approximate peak memory in bytes needed to
// super-resolve vol as a single piece.
func EstimateFootprint(vol *models.Volume, scale int) uint64 {
	s := uint64(scale)
	return uint64(size.Of(vol)) * s * s * s * workingVolumes
}

// Process super-resolves vol. The returned Result is non-nil whenever the
// input was valid, including after a failed tiled run, so that completed
// cubes remain available.
func (r *Reconstructor) Process(ctx context.Context, vol *models.Volume) (*Result, error) {
	scale := r.params.ScaleFactor
	if scale < 1 {
		return nil, fmt.Errorf("scale factor must be positive, got %d", scale)
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	res := &Result{Cubes: tiling.Index{}, Footprint: EstimateFootprint(vol, scale)}
	threshold := r.params.MemoryThreshold
	logging.Infof("Processing %s volume at %dx, estimated footprint %s\n",
		vol.Shape, scale, humanize.IBytes(res.Footprint))

	if threshold == 0 || res.Footprint <= threshold {
		tlog := logging.NewTimeLog()
		out, err := r.processVolume(ctx, vol, nil)
		if err != nil {
			return res, err
		}
		r.reportProgress(1, 1)
		res.Volume = out
		tlog.Infof("Fused %s volume", out.Shape)
		return res, nil
	}

	if r.params.CubeSize <= 0 {
		return res, &ResourceError{Estimated: res.Footprint, Threshold: threshold}
	}
	res.Tiled = true
	return res, r.processTiled(ctx, vol, res)
}

func (r *Reconstructor) processTiled(ctx context.Context, vol *models.Volume, res *Result) error {
	scale := r.params.ScaleFactor
	threshold := r.params.MemoryThreshold

	cubes, err := tiling.Split(vol, r.params.CubeSize)
	if err != nil {
		return &StageError{Stage: "split", Err: err}
	}
	// The first cube is never smaller than any other.
	if est := EstimateFootprint(cubes[0].Volume, scale); est > threshold {
		return &ResourceError{Estimated: est, Threshold: threshold, CubeSize: r.params.CubeSize}
	}

	nz, ny, nx := tiling.Grid(vol.Shape, r.params.CubeSize)
	logging.Infof("Tiling %s volume into %d cubes (%dx%dx%d) of edge %d\n",
		vol.Shape, len(cubes), nz, ny, nx, r.params.CubeSize)
	tlog := logging.NewTimeLog()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		firstErr error
		done     int
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
		cancel()
	}

	workers := int64(r.params.CubeWorkers)
	sem := semaphore.NewWeighted(workers)
	for _, cube := range cubes {
		if err := sem.Acquire(ctx, 1); err != nil {
			fail(err)
			break
		}
		go func(cube models.Cube) {
			defer sem.Release(1)

			cctx := ctx
			if r.params.CubeTimeout > 0 {
				var cancelCube context.CancelFunc
				cctx, cancelCube = context.WithTimeout(ctx, r.params.CubeTimeout)
				defer cancelCube()
			}
			off := cube.Offset
			out, err := r.processVolume(cctx, cube.Volume, &off)
			if err != nil {
				fail(err)
				return
			}

			mu.Lock()
			err = res.Cubes.Put(models.Cube{Offset: off, Volume: out})
			done++
			n := done
			if err == nil {
				r.reportProgress(n, len(cubes))
			}
			mu.Unlock()
			if err != nil {
				fail(err)
			}
		}(cube)
	}
	// Wait for every in-flight cube.
	if err := sem.Acquire(context.Background(), workers); err != nil {
		return err
	}

	if firstErr != nil {
		logging.Warningf("Tiled run stopped after %d of %d cubes: %v\n", len(res.Cubes), len(cubes), firstErr)
		return firstErr
	}

	out, err := tiling.Recombine(res.Cubes.Cubes(), vol.Shape, scale)
	if err != nil {
		return &StageError{Stage: "recombine", Err: err}
	}
	res.Volume = out
	tlog.Infof("Recombined %d cubes into %s volume", len(cubes), out.Shape)
	return nil
}

func (r *Reconstructor) reportProgress(done, total int) {
	if r.progress != nil {
		r.progress(done, total)
	}
}

// processVolume runs slice, upsample and fuse on a single untiled volume.
// cube is the offset of vol in its parent, or nil.
func (r *Reconstructor) processVolume(ctx context.Context, vol *models.Volume, cube *models.Point3d) (*models.Volume, error) {
	scale := r.params.ScaleFactor
	target := vol.Shape.Scale(scale)

	var dirs [3]*models.DirectionalVolume
	g, gctx := errgroup.WithContext(ctx)
	for i, axis := range models.Axes {
		i, axis := i, axis
		g.Go(func() error {
			stack, err := slicer.Slice(vol, axis)
			if err != nil {
				return &StageError{Stage: "slice", Cube: cube, Axis: &axis, Err: err}
			}
			d, err := r.runner.Run(gctx, stack, scale)
			if err != nil {
				return &StageError{Stage: "upsample", Cube: cube, Axis: &axis, Err: err}
			}
			dirs[i] = d
			return nil
		})
	}
	// All three directional volumes must exist before fusion starts.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused, err := Fuse(dirs[0], dirs[1], dirs[2], target, FuseOptions{
		Method:          r.params.Resample,
		AspectTolerance: r.params.AspectTolerance,
	})
	if err != nil {
		return nil, &StageError{Stage: "fuse", Cube: cube, Err: err}
	}
	if vol.VoxelSize > 0 {
		fused.VoxelSize = vol.VoxelSize / float64(scale)
	}
	return fused, nil
}

// Evaluate scores result against a reference volume of the same shape and
// stores the metrics for GetMetrics.
func (r *Reconstructor) Evaluate(result, reference *models.Volume) (quality.Metrics, error) {
	if r.params.MatchHistogram {
		matched, err := grayscale.MatchHistogram(result, reference)
		if err != nil {
			return quality.Metrics{}, fmt.Errorf("matching histogram: %w", err)
		}
		result = matched
	}
	m, err := quality.Evaluate(result, reference, r.params.DataRange)
	if err != nil {
		return m, err
	}
	r.metrics = m
	logging.Infof("PSNR %.2f dB, SSIM %.4f, structural %.4f, RMSE %.5f\n", m.PSNR, m.SSIM, m.Structural, m.RMSE)
	return m, nil
}

// GetMetrics returns the metrics of the last successful Evaluate.
func (r *Reconstructor) GetMetrics() quality.Metrics {
	return r.metrics
}
