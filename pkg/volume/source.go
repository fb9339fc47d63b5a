// Package volume provides access to the remote chunked image volume and the
// cache that downloads the sub-volumes named by the slicing bounding boxes.
package volume

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/errs"
	"curveslicer/internal/models"
	"curveslicer/pkg/bbox"
)

// Region is an axis-aligned voxel region with inclusive bounds.
type Region struct {
	Min, Max [3]int
}

// RegionOf returns the approximate integer bounds of a box.
func RegionOf(b bbox.BoundingBox) Region {
	lo, hi := b.Approx()
	return Region{Min: lo, Max: hi}
}

// Shape returns the number of voxels along each axis.
func (r Region) Shape() [3]int {
	return [3]int{r.Max[0] - r.Min[0] + 1, r.Max[1] - r.Min[1] + 1, r.Max[2] - r.Min[2] + 1}
}

func (r Region) String() string {
	return fmt.Sprintf("%d-%d_%d-%d_%d-%d", r.Min[0], r.Max[0], r.Min[1], r.Max[1], r.Min[2], r.Max[2])
}

// Source is a remote chunk-addressable volume available at one or more
// resolution levels ("mips"), mip 0 being the finest by convention.
//
// Download returns a dense volume with the exact shape of the region.
// Voxels outside the volume bounds are zero.
type Source interface {
	Download(ctx context.Context, region Region, mip int) (*models.Volume, error)
	AvailableMips() []int
	Shape(mip int) (models.Shape, error)
	VoxelSize(mip int) (r3.Vec, error)
	DataType() models.DataType
}

// Flusher is implemented by sources that keep a local cache of fetched data.
type Flusher interface {
	Flush()
}

// FinestMip returns the smallest available resolution level.
func FinestMip(s Source) (int, error) {
	mips := s.AvailableMips()
	if len(mips) == 0 {
		return 0, errs.Invalidf("volume source has no resolution levels")
	}
	finest := mips[0]
	for _, m := range mips[1:] {
		finest = min(finest, m)
	}
	return finest, nil
}

// CheckMip verifies that mip is one of the source's resolution levels.
func CheckMip(s Source, mip int) error {
	for _, m := range s.AvailableMips() {
		if m == mip {
			return nil
		}
	}
	return errs.Invalidf("resolution level %d is not available (have %v)", mip, s.AvailableMips())
}

// ConvertPoints rescales points given in the voxel space of one resolution
// level into the voxel space of another, by the ratio of the level shapes.
func ConvertPoints(points []r3.Vec, from, to models.Shape) []r3.Vec {
	scale := r3.Vec{
		X: float64(to.X) / float64(from.X),
		Y: float64(to.Y) / float64(from.Y),
		Z: float64(to.Z) / float64(from.Z),
	}
	out := make([]r3.Vec, len(points))
	for i, p := range points {
		out[i] = r3.Vec{X: p.X * scale.X, Y: p.Y * scale.Y, Z: p.Z * scale.Z}
	}
	return out
}

// MemorySource serves volumes held in memory, one per resolution level.
type MemorySource struct {
	levels    map[int]*models.Volume
	dataType  models.DataType
	downloads atomic.Int64
}

// NewMemorySource returns a source with the given volumes keyed by mip.
// All volumes must share a data type and channel count.
func NewMemorySource(levels map[int]*models.Volume) (*MemorySource, error) {
	if len(levels) == 0 {
		return nil, errs.Invalidf("memory source needs at least one volume")
	}
	var dataType models.DataType
	channels := -1
	for mip, vol := range levels {
		if channels >= 0 && (vol.Channels != channels || vol.DataType != dataType) {
			return nil, errs.Invalidf("volume for mip %d does not match the other levels", mip)
		}
		channels, dataType = vol.Channels, vol.DataType
	}
	return &MemorySource{levels: levels, dataType: dataType}, nil
}

// Downloads returns the number of Download calls served so far.
func (m *MemorySource) Downloads() int64 {
	return m.downloads.Load()
}

func (m *MemorySource) AvailableMips() []int {
	mips := make([]int, 0, len(m.levels))
	for mip := range m.levels {
		mips = append(mips, mip)
	}
	sort.Ints(mips)
	return mips
}

func (m *MemorySource) DataType() models.DataType { return m.dataType }

func (m *MemorySource) Shape(mip int) (models.Shape, error) {
	vol, ok := m.levels[mip]
	if !ok {
		return models.Shape{}, errs.Invalidf("resolution level %d is not available", mip)
	}
	return vol.Shape(), nil
}

func (m *MemorySource) VoxelSize(mip int) (r3.Vec, error) {
	vol, ok := m.levels[mip]
	if !ok {
		return r3.Vec{}, errs.Invalidf("resolution level %d is not available", mip)
	}
	return r3.Vec{X: vol.VoxelSize.X, Y: vol.VoxelSize.Y, Z: vol.VoxelSize.Z}, nil
}

func (m *MemorySource) Download(ctx context.Context, region Region, mip int) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, ok := m.levels[mip]
	if !ok {
		return nil, errs.Invalidf("resolution level %d is not available", mip)
	}
	m.downloads.Add(1)

	shape := region.Shape()
	dst := models.NewVolume(shape[0], shape[1], shape[2], src.Channels, src.DataType)
	dst.VoxelSize = src.VoxelSize
	copyOverlap(dst, region.Min, src, [3]int{})
	return dst, nil
}

// copyOverlap copies the voxels of src, whose first voxel sits at srcOrigin,
// into dst, whose first voxel sits at dstOrigin, where the two overlap.
func copyOverlap(dst *models.Volume, dstOrigin [3]int, src *models.Volume, srcOrigin [3]int) {
	var lo, hi [3]int
	dstShape := [3]int{dst.Width, dst.Height, dst.Depth}
	srcShape := [3]int{src.Width, src.Height, src.Depth}
	for i := 0; i < 3; i++ {
		lo[i] = max(dstOrigin[i], srcOrigin[i])
		hi[i] = min(dstOrigin[i]+dstShape[i], srcOrigin[i]+srcShape[i])
		if lo[i] >= hi[i] {
			return
		}
	}

	channels := dst.Channels
	run := (hi[0] - lo[0]) * channels
	for z := lo[2]; z < hi[2]; z++ {
		for y := lo[1]; y < hi[1]; y++ {
			d := dst.Index(lo[0]-dstOrigin[0], y-dstOrigin[1], z-dstOrigin[2], 0)
			s := src.Index(lo[0]-srcOrigin[0], y-srcOrigin[1], z-srcOrigin[2], 0)
			copy(dst.Data[d:d+run], src.Data[s:s+run])
		}
	}
}
