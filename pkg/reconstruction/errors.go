package reconstruction

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"microctsr/internal/models"
)

// ShapeMismatchError reports a directional volume that cannot reach the
// target shape without distorting its aspect ratio.
type ShapeMismatchError struct {
	Axis       models.Axis
	From, To   models.Shape
	Distortion float64
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s directional volume %s cannot be resized to %s (aspect distortion %.3f)",
		e.Axis, e.From, e.To, e.Distortion)
}

// ResourceError reports that a run would exceed the memory threshold. It is
// recoverable: the caller may retry with a smaller cube size or fewer
// concurrent cubes.
type ResourceError struct {
	Estimated uint64
	Threshold uint64
	CubeSize  int
}

func (e *ResourceError) Error() string {
	if e.CubeSize <= 0 {
		return fmt.Sprintf("estimated footprint %s exceeds memory threshold %s; enable tiling with a cube size",
			humanize.IBytes(e.Estimated), humanize.IBytes(e.Threshold))
	}
	return fmt.Sprintf("estimated footprint %s for cube size %d exceeds memory threshold %s; retry with a smaller cube size",
		humanize.IBytes(e.Estimated), e.CubeSize, humanize.IBytes(e.Threshold))
}

// StageError identifies the cube and axis a pipeline failure came from.
type StageError struct {
	Stage string
	Cube  *models.Point3d // nil when the volume was not tiled
	Axis  *models.Axis    // nil for stages that span all axes
	Err   error
}

func (e *StageError) Error() string {
	msg := e.Stage
	if e.Cube != nil {
		msg += fmt.Sprintf(" cube %s", e.Cube)
	}
	if e.Axis != nil {
		msg += fmt.Sprintf(" axis %s", e.Axis)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err describes a condition the caller can
// fix by adjusting resources and retrying. Geometry and tiling failures are
// not recoverable: retrying with the same inputs reproduces them.
func IsRecoverable(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}
