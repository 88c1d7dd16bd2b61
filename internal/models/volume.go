// Package models holds the volumetric data types shared by the
// super-resolution pipeline stages.
package models

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidAxis is returned when an axis is not one of x, y or z.
	ErrInvalidAxis = errors.New("invalid axis (must be x, y, or z)")

	// ErrEmptyVolume is returned when a volume has a zero-length dimension.
	ErrEmptyVolume = errors.New("volume has an empty dimension")
)

// Axis identifies one of the three orthogonal volume axes.
type Axis int

const (
	X Axis = iota
	Y
	Z
)

// Axes lists every axis in the order the pipeline processes them.
var Axes = [3]Axis{X, Y, Z}

func (a Axis) String() string {
	switch a {
	case X:
		return "x"
	case Y:
		return "y"
	case Z:
		return "z"
	}
	return fmt.Sprintf("axis(%d)", int(a))
}

// Valid reports whether a is X, Y or Z.
func (a Axis) Valid() bool {
	return a == X || a == Y || a == Z
}

// ParseAxis converts "x", "y" or "z" (any case) into an Axis.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x":
		return X, nil
	case "y":
		return Y, nil
	case "z":
		return Z, nil
	}
	return 0, fmt.Errorf("%q: %w", s, ErrInvalidAxis)
}

// Shape is the extent of a volume in voxels, slowest-varying first.
type Shape struct {
	Depth, Height, Width int
}

// Voxels returns the number of voxels covered by the shape.
func (s Shape) Voxels() int {
	return s.Depth * s.Height * s.Width
}

// Empty reports whether any dimension is zero or negative.
func (s Shape) Empty() bool {
	return s.Depth <= 0 || s.Height <= 0 || s.Width <= 0
}

// Scale multiplies every dimension by f.
func (s Shape) Scale(f int) Shape {
	return Shape{Depth: s.Depth * f, Height: s.Height * f, Width: s.Width * f}
}

// Dim returns the extent along the given axis.
func (s Shape) Dim(a Axis) int {
	switch a {
	case X:
		return s.Width
	case Y:
		return s.Height
	default:
		return s.Depth
	}
}

// WithDim returns a copy of s with the extent along a replaced by n.
func (s Shape) WithDim(a Axis, n int) Shape {
	switch a {
	case X:
		s.Width = n
	case Y:
		s.Height = n
	default:
		s.Depth = n
	}
	return s
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Depth, s.Height, s.Width)
}

// Point3d is an integer voxel coordinate.
type Point3d struct {
	Z, Y, X int
}

// Scale multiplies every coordinate by f.
func (p Point3d) Scale(f int) Point3d {
	return Point3d{Z: p.Z * f, Y: p.Y * f, X: p.X * f}
}

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.Z, p.Y, p.X)
}

// Volume is a dense 3D intensity array stored as a 1D slice in row-major
// order: index = z*Height*Width + y*Width + x.
type Volume struct {
	Data  []float64
	Shape Shape

	// VoxelSize is the physical edge length of one voxel.
	VoxelSize float64
}

// NewVolume allocates a zero-filled volume of the given shape.
func NewVolume(shape Shape) *Volume {
	if shape.Empty() {
		return &Volume{Shape: shape}
	}
	return &Volume{Data: make([]float64, shape.Voxels()), Shape: shape}
}

// NewVolumeFrom wraps data without copying. len(data) must match shape.
func NewVolumeFrom(data []float64, shape Shape) (*Volume, error) {
	if len(data) != shape.Voxels() {
		return nil, fmt.Errorf("data length %d does not match shape %s", len(data), shape)
	}
	return &Volume{Data: data, Shape: shape}, nil
}

// Index returns the flat offset of voxel (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Shape.Height+y)*v.Shape.Width + x
}

func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

func (v *Volume) Set(z, y, x int, val float64) {
	v.Data[v.Index(z, y, x)] = val
}

// Validate returns ErrEmptyVolume if any dimension is zero and an error if
// the backing slice does not match the shape.
func (v *Volume) Validate() error {
	if v == nil || v.Shape.Empty() {
		return ErrEmptyVolume
	}
	if len(v.Data) != v.Shape.Voxels() {
		return fmt.Errorf("volume data length %d does not match shape %s", len(v.Data), v.Shape)
	}
	return nil
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := &Volume{Data: make([]float64, len(v.Data)), Shape: v.Shape, VoxelSize: v.VoxelSize}
	copy(out.Data, v.Data)
	return out
}

// Region copies the sub-block starting at off with the given shape.
func (v *Volume) Region(off Point3d, shape Shape) (*Volume, error) {
	if off.Z < 0 || off.Y < 0 || off.X < 0 {
		return nil, fmt.Errorf("region offset %s must be non-negative", off)
	}
	if shape.Empty() {
		return nil, ErrEmptyVolume
	}
	if off.Z+shape.Depth > v.Shape.Depth || off.Y+shape.Height > v.Shape.Height || off.X+shape.Width > v.Shape.Width {
		return nil, fmt.Errorf("region %s+%s extends beyond volume %s", off, shape, v.Shape)
	}
	out := NewVolume(shape)
	out.VoxelSize = v.VoxelSize
	for z := 0; z < shape.Depth; z++ {
		for y := 0; y < shape.Height; y++ {
			src := v.Index(off.Z+z, off.Y+y, off.X)
			dst := out.Index(z, y, 0)
			copy(out.Data[dst:dst+shape.Width], v.Data[src:src+shape.Width])
		}
	}
	return out, nil
}

// SliceStack is the ordered sequence of 2D cross-sections of one volume
// taken orthogonal to Axis. Slices[i] is the cross-section at index i.
type SliceStack struct {
	Axis   Axis
	Slices []*mat.Dense

	// Source is the shape of the volume the stack was taken from.
	Source Shape
}

// Len returns the number of slices.
func (s SliceStack) Len() int {
	return len(s.Slices)
}

// DirectionalVolume is a volume rebuilt from an upsampled slice stack.
type DirectionalVolume struct {
	*Volume
	Axis        Axis
	ScaleFactor int
}

// Cube is an axis-aligned sub-block of a parent volume. Offset is expressed
// in the parent's original, pre-scaling coordinates.
type Cube struct {
	Offset Point3d
	*Volume
}
