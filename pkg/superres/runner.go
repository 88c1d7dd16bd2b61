// Package superres runs a 2D upsampler over every slice of a slice stack
// and reassembles the results into a directional volume.
package superres

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"microctsr/internal/models"
	"microctsr/pkg/logging"
	"microctsr/pkg/slicer"
	"microctsr/pkg/upsampler"
)

// AdapterShapeMismatchError reports an upsampled slice whose size differs
// from rows*scale x cols*scale. It indicates a model or configuration
// mismatch and is never retried.
type AdapterShapeMismatchError struct {
	Axis     models.Axis
	Index    int
	WantRows int
	WantCols int
	GotRows  int
	GotCols  int
}

func (e *AdapterShapeMismatchError) Error() string {
	return fmt.Sprintf("upsampler returned %dx%d for %s slice %d, expected %dx%d",
		e.GotRows, e.GotCols, e.Axis, e.Index, e.WantRows, e.WantCols)
}

// SliceError wraps an upsampler failure with the slice it happened on.
type SliceError struct {
	Axis  models.Axis
	Index int
	Err   error
}

func (e *SliceError) Error() string {
	return fmt.Sprintf("%s slice %d: %v", e.Axis, e.Index, e.Err)
}

func (e *SliceError) Unwrap() error { return e.Err }

// Runner drives an Upsampler over slice stacks.
type Runner struct {
	Upsampler upsampler.Upsampler

	// Workers bounds the number of in-flight upsampler calls. Zero means
	// runtime.NumCPU().
	Workers int

	// SliceTimeout bounds each upsampler call. Zero disables the timeout.
	SliceTimeout time.Duration
}

// NewRunner returns a Runner using every CPU and no timeout.
func NewRunner(up upsampler.Upsampler) *Runner {
	return &Runner{Upsampler: up, Workers: runtime.NumCPU()}
}

// Run upsamples every slice of stack by scale. Slices are processed
// independently and reassembled in index order. The first failure cancels
// the remaining slices.
func (r *Runner) Run(ctx context.Context, stack models.SliceStack, scale int) (*models.DirectionalVolume, error) {
	if scale < 1 {
		return nil, fmt.Errorf("scale factor must be positive, got %d", scale)
	}
	if stack.Len() == 0 {
		return nil, models.ErrEmptyVolume
	}

	workers := r.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	out := make([]*mat.Dense, stack.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, s := range stack.Slices {
		if gctx.Err() != nil {
			break
		}
		i, s := i, s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			up, err := r.upsampleSlice(gctx, stack.Axis, i, s, scale)
			if err != nil {
				return err
			}
			out[i] = up
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vol, err := slicer.Stack(models.SliceStack{Axis: stack.Axis, Slices: out})
	if err != nil {
		return nil, fmt.Errorf("reassembling %s stack: %w", stack.Axis, err)
	}
	logging.Debugf("upsampled %d %s slices to %s", stack.Len(), stack.Axis, vol.Shape)
	return &models.DirectionalVolume{Volume: vol, Axis: stack.Axis, ScaleFactor: scale}, nil
}

func (r *Runner) upsampleSlice(ctx context.Context, axis models.Axis, index int, s *mat.Dense, scale int) (*mat.Dense, error) {
	if r.SliceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.SliceTimeout)
		defer cancel()
	}
	up, err := r.Upsampler.Upsample(ctx, s, scale)
	if err != nil {
		return nil, &SliceError{Axis: axis, Index: index, Err: err}
	}
	rows, cols := s.Dims()
	gotRows, gotCols := 0, 0
	if up != nil {
		gotRows, gotCols = up.Dims()
	}
	if gotRows != rows*scale || gotCols != cols*scale {
		return nil, &AdapterShapeMismatchError{
			Axis:     axis,
			Index:    index,
			WantRows: rows * scale,
			WantCols: cols * scale,
			GotRows:  gotRows,
			GotCols:  gotCols,
		}
	}
	return up, nil
}
