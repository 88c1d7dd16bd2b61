// Package tiling partitions volumes into cubes and reassembles processed
// cubes into a full volume, checking that every output voxel is written
// exactly once.
package tiling

import (
	"fmt"

	"microctsr/internal/models"
)

// OverlapError reports an output voxel written by more than one cube.
type OverlapError struct {
	Cube  models.Point3d // original offset of the cube that hit the voxel
	Voxel models.Point3d // output coordinate written twice
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("cube at %s overlaps previously written voxel %s", e.Cube, e.Voxel)
}

// IncompleteCoverageError reports output voxels no cube wrote.
type IncompleteCoverageError struct {
	Missing int
	First   models.Point3d
}

func (e *IncompleteCoverageError) Error() string {
	return fmt.Sprintf("%d output voxels were never written (first at %s)", e.Missing, e.First)
}

// Grid returns how many cubes of edge cubeSize cover shape along each axis.
func Grid(shape models.Shape, cubeSize int) (nz, ny, nx int) {
	return ceilDiv(shape.Depth, cubeSize), ceilDiv(shape.Height, cubeSize), ceilDiv(shape.Width, cubeSize)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Split partitions vol into non-overlapping axis-aligned cubes of edge
// cubeSize. Trailing cubes along an axis are smaller when the dimension is
// not a multiple of cubeSize. Cubes are ordered z-major.
func Split(vol *models.Volume, cubeSize int) ([]models.Cube, error) {
	if cubeSize <= 0 {
		return nil, fmt.Errorf("cube size must be positive, got %d", cubeSize)
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	nz, ny, nx := Grid(vol.Shape, cubeSize)
	cubes := make([]models.Cube, 0, nz*ny*nx)
	for z := 0; z < vol.Shape.Depth; z += cubeSize {
		for y := 0; y < vol.Shape.Height; y += cubeSize {
			for x := 0; x < vol.Shape.Width; x += cubeSize {
				off := models.Point3d{Z: z, Y: y, X: x}
				shape := models.Shape{
					Depth:  min(cubeSize, vol.Shape.Depth-z),
					Height: min(cubeSize, vol.Shape.Height-y),
					Width:  min(cubeSize, vol.Shape.Width-x),
				}
				region, err := vol.Region(off, shape)
				if err != nil {
					return nil, err
				}
				cubes = append(cubes, models.Cube{Offset: off, Volume: region})
			}
		}
	}
	return cubes, nil
}

// Recombine places every processed cube at Offset*scale in a new volume of
// shape originalShape*scale. Cubes may be given in any order.
func Recombine(cubes []models.Cube, originalShape models.Shape, scale int) (*models.Volume, error) {
	if scale < 1 {
		return nil, fmt.Errorf("scale factor must be positive, got %d", scale)
	}
	if originalShape.Empty() {
		return nil, models.ErrEmptyVolume
	}
	out := models.NewVolume(originalShape.Scale(scale))
	written := newBitset(len(out.Data))

	for _, c := range cubes {
		if err := c.Volume.Validate(); err != nil {
			return nil, fmt.Errorf("cube at %s: %w", c.Offset, err)
		}
		dst := c.Offset.Scale(scale)
		cs := c.Shape
		if dst.Z < 0 || dst.Y < 0 || dst.X < 0 ||
			dst.Z+cs.Depth > out.Shape.Depth || dst.Y+cs.Height > out.Shape.Height || dst.X+cs.Width > out.Shape.Width {
			return nil, fmt.Errorf("cube at %s with shape %s does not fit output %s", c.Offset, cs, out.Shape)
		}
		for z := 0; z < cs.Depth; z++ {
			for y := 0; y < cs.Height; y++ {
				base := out.Index(dst.Z+z, dst.Y+y, dst.X)
				for x := 0; x < cs.Width; x++ {
					if written.testAndSet(base + x) {
						return nil, &OverlapError{
							Cube:  c.Offset,
							Voxel: models.Point3d{Z: dst.Z + z, Y: dst.Y + y, X: dst.X + x},
						}
					}
				}
				src := c.Volume.Index(z, y, 0)
				copy(out.Data[base:base+cs.Width], c.Data[src:src+cs.Width])
			}
		}
		if out.VoxelSize == 0 {
			out.VoxelSize = c.VoxelSize
		}
	}

	if missing, first := written.unset(); missing > 0 {
		hw := out.Shape.Height * out.Shape.Width
		return nil, &IncompleteCoverageError{
			Missing: missing,
			First:   models.Point3d{Z: first / hw, Y: (first % hw) / out.Shape.Width, X: first % out.Shape.Width},
		}
	}
	return out, nil
}

// Index keys cubes by their original offset so processed results can be
// merged write-once regardless of completion order.
type Index map[models.Point3d]models.Cube

// Put stores c and fails if a cube with the same offset was already stored.
func (idx Index) Put(c models.Cube) error {
	if _, ok := idx[c.Offset]; ok {
		return fmt.Errorf("cube at %s already stored", c.Offset)
	}
	idx[c.Offset] = c
	return nil
}

// Cubes returns the stored cubes in no particular order.
func (idx Index) Cubes() []models.Cube {
	cubes := make([]models.Cube, 0, len(idx))
	for _, c := range idx {
		cubes = append(cubes, c)
	}
	return cubes
}

type bitset struct {
	words []uint64
	n     int
}

func newBitset(n int) *bitset {
	return &bitset{words: make([]uint64, (n+63)/64), n: n}
}

// testAndSet sets bit i and reports whether it was already set.
func (b *bitset) testAndSet(i int) bool {
	w, m := i/64, uint64(1)<<(uint(i)%64)
	was := b.words[w]&m != 0
	b.words[w] |= m
	return was
}

// unset counts clear bits and returns the index of the first one.
func (b *bitset) unset() (count, first int) {
	first = -1
	for w, word := range b.words {
		if word == ^uint64(0) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			i := w*64 + bit
			if i >= b.n {
				break
			}
			if word&(uint64(1)<<uint(bit)) == 0 {
				if first < 0 {
					first = i
				}
				count++
			}
		}
	}
	return count, first
}
