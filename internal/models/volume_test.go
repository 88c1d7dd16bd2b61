package models

import (
	"errors"
	"testing"
)

func TestParseAxis(t *testing.T) {
	tests := []struct {
		in   string
		want Axis
	}{
		{"x", X},
		{"Y", Y},
		{" z ", Z},
	}
	for _, tt := range tests {
		got, err := ParseAxis(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseAxis(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
		if got.String() != tt.want.String() {
			t.Errorf("round trip of %q gave %s", tt.in, got)
		}
	}
	if _, err := ParseAxis("w"); !errors.Is(err, ErrInvalidAxis) {
		t.Errorf("expected ErrInvalidAxis, got %v", err)
	}
	if Axis(7).Valid() {
		t.Error("axis 7 reported valid")
	}
}

func TestShapeHelpers(t *testing.T) {
	s := Shape{Depth: 2, Height: 3, Width: 4}
	if s.Voxels() != 24 {
		t.Errorf("Voxels = %d, want 24", s.Voxels())
	}
	if s.Dim(X) != 4 || s.Dim(Y) != 3 || s.Dim(Z) != 2 {
		t.Errorf("Dim mismatch for %s", s)
	}
	if got := s.WithDim(Y, 9); got != (Shape{Depth: 2, Height: 9, Width: 4}) {
		t.Errorf("WithDim = %s", got)
	}
	if got := s.Scale(2); got != (Shape{Depth: 4, Height: 6, Width: 8}) {
		t.Errorf("Scale = %s", got)
	}
	if s.String() != "2x3x4" {
		t.Errorf("String = %q", s.String())
	}
	if !(Shape{Depth: 1, Height: 0, Width: 1}).Empty() {
		t.Error("zero height not reported empty")
	}
}

func TestVolumeIndexing(t *testing.T) {
	v := NewVolume(Shape{Depth: 2, Height: 3, Width: 4})
	v.Set(1, 2, 3, 5)
	if v.Data[23] != 5 || v.At(1, 2, 3) != 5 {
		t.Errorf("voxel (1,2,3) not stored at offset 23")
	}
	if err := v.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	c := v.Clone()
	c.Set(0, 0, 0, 1)
	if v.At(0, 0, 0) != 0 {
		t.Error("Clone shares data with the original")
	}

	if err := NewVolume(Shape{}).Validate(); !errors.Is(err, ErrEmptyVolume) {
		t.Errorf("expected ErrEmptyVolume, got %v", err)
	}
	var nilVol *Volume
	if err := nilVol.Validate(); !errors.Is(err, ErrEmptyVolume) {
		t.Errorf("expected ErrEmptyVolume for nil volume, got %v", err)
	}
}

func TestNewVolumeFrom(t *testing.T) {
	data := make([]float64, 6)
	v, err := NewVolumeFrom(data, Shape{Depth: 1, Height: 2, Width: 3})
	if err != nil {
		t.Fatal(err)
	}
	v.Set(0, 1, 2, 3)
	if data[5] != 3 {
		t.Error("NewVolumeFrom copied its input")
	}
	if _, err := NewVolumeFrom(data, Shape{Depth: 2, Height: 2, Width: 2}); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestRegion(t *testing.T) {
	v := NewVolume(Shape{Depth: 4, Height: 4, Width: 4})
	v.VoxelSize = 0.5
	for i := range v.Data {
		v.Data[i] = float64(i)
	}

	r, err := v.Region(Point3d{Z: 1, Y: 2, X: 1}, Shape{Depth: 2, Height: 2, Width: 3})
	if err != nil {
		t.Fatal(err)
	}
	if r.VoxelSize != 0.5 {
		t.Errorf("VoxelSize = %g, want 0.5", r.VoxelSize)
	}
	for z := 0; z < 2; z++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 3; x++ {
				if r.At(z, y, x) != v.At(z+1, y+2, x+1) {
					t.Fatalf("region voxel (%d,%d,%d) = %g, want %g", z, y, x, r.At(z, y, x), v.At(z+1, y+2, x+1))
				}
			}
		}
	}

	bad := []struct {
		off   Point3d
		shape Shape
	}{
		{Point3d{Z: -1}, Shape{Depth: 1, Height: 1, Width: 1}},
		{Point3d{}, Shape{}},
		{Point3d{X: 3}, Shape{Depth: 1, Height: 1, Width: 2}},
	}
	for _, tt := range bad {
		if _, err := v.Region(tt.off, tt.shape); err == nil {
			t.Errorf("Region(%s, %s) should fail", tt.off, tt.shape)
		}
	}
}

func TestPointScale(t *testing.T) {
	p := Point3d{Z: 1, Y: 2, X: 3}
	if got := p.Scale(4); got != (Point3d{Z: 4, Y: 8, X: 12}) {
		t.Errorf("Scale = %s", got)
	}
	if p.String() != "(1,2,3)" {
		t.Errorf("String = %q", p.String())
	}
}
