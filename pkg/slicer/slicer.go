// Package slicer cuts volumes into 2D slice stacks along one axis and
// stacks them back.
//
// Slice orientation is fixed per axis:
//
//	z slice: rows = height, cols = width
//	y slice: rows = depth,  cols = width
//	x slice: rows = depth,  cols = height
package slicer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"microctsr/internal/models"
)

// Slice extracts one cross-section per index along axis. The volume is
// not modified.
func Slice(vol *models.Volume, axis models.Axis) (models.SliceStack, error) {
	if !axis.Valid() {
		return models.SliceStack{}, fmt.Errorf("slice along %s: %w", axis, models.ErrInvalidAxis)
	}
	if err := vol.Validate(); err != nil {
		return models.SliceStack{}, err
	}

	n := vol.Shape.Dim(axis)
	stack := models.SliceStack{
		Axis:   axis,
		Slices: make([]*mat.Dense, n),
		Source: vol.Shape,
	}
	for i := 0; i < n; i++ {
		stack.Slices[i] = extract(vol, axis, i)
	}
	return stack, nil
}

// Extract returns the single cross-section at position along axis.
func Extract(vol *models.Volume, axis models.Axis, position int) (*mat.Dense, error) {
	if !axis.Valid() {
		return nil, fmt.Errorf("extract along %s: %w", axis, models.ErrInvalidAxis)
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	if position < 0 || position >= vol.Shape.Dim(axis) {
		return nil, fmt.Errorf("position %d outside [0,%d) along %s", position, vol.Shape.Dim(axis), axis)
	}
	return extract(vol, axis, position), nil
}

func extract(vol *models.Volume, axis models.Axis, pos int) *mat.Dense {
	d, h, w := vol.Shape.Depth, vol.Shape.Height, vol.Shape.Width
	switch axis {
	case models.Z:
		data := make([]float64, h*w)
		copy(data, vol.Data[pos*h*w:(pos+1)*h*w])
		return mat.NewDense(h, w, data)
	case models.Y:
		data := make([]float64, d*w)
		for z := 0; z < d; z++ {
			src := vol.Index(z, pos, 0)
			copy(data[z*w:(z+1)*w], vol.Data[src:src+w])
		}
		return mat.NewDense(d, w, data)
	default:
		data := make([]float64, d*h)
		for z := 0; z < d; z++ {
			for y := 0; y < h; y++ {
				data[z*h+y] = vol.Data[vol.Index(z, y, pos)]
			}
		}
		return mat.NewDense(d, h, data)
	}
}

// Stack rebuilds a volume from a slice stack. Every slice must have the
// same dimensions; the through-axis extent is the number of slices.
func Stack(stack models.SliceStack) (*models.Volume, error) {
	if !stack.Axis.Valid() {
		return nil, fmt.Errorf("stack along %s: %w", stack.Axis, models.ErrInvalidAxis)
	}
	n := len(stack.Slices)
	if n == 0 {
		return nil, models.ErrEmptyVolume
	}
	rows, cols := stack.Slices[0].Dims()
	if rows == 0 || cols == 0 {
		return nil, models.ErrEmptyVolume
	}
	for i, s := range stack.Slices {
		r, c := s.Dims()
		if r != rows || c != cols {
			return nil, fmt.Errorf("slice %d along %s is %dx%d, expected %dx%d", i, stack.Axis, r, c, rows, cols)
		}
	}

	var shape models.Shape
	switch stack.Axis {
	case models.Z:
		shape = models.Shape{Depth: n, Height: rows, Width: cols}
	case models.Y:
		shape = models.Shape{Depth: rows, Height: n, Width: cols}
	default:
		shape = models.Shape{Depth: rows, Height: cols, Width: n}
	}

	vol := models.NewVolume(shape)
	for i, s := range stack.Slices {
		for r := 0; r < rows; r++ {
			row := s.RawRowView(r)
			switch stack.Axis {
			case models.Z:
				dst := vol.Index(i, r, 0)
				copy(vol.Data[dst:dst+cols], row)
			case models.Y:
				dst := vol.Index(r, i, 0)
				copy(vol.Data[dst:dst+cols], row)
			default:
				for c := 0; c < cols; c++ {
					vol.Data[vol.Index(r, c, i)] = row[c]
				}
			}
		}
	}
	return vol, nil
}
