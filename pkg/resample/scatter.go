package resample

import (
	"math"

	"curveslicer/internal/models"
	"curveslicer/pkg/bbox"
	"curveslicer/pkg/slice"
)

// Splatter accumulates slice pixels into the voxels of a box. Each pixel
// contributes to the 8 voxels around its coordinate with trilinear weights;
// the final value of a voxel is its weighted sum divided by its total
// weight, so overlapping slices blend instead of overwriting each other.
//
// A Splatter is not safe for concurrent use.
type Splatter struct {
	box      bbox.BoundingBox
	shape    [3]int
	channels int
	sum      []float32
	weight   []float32
}

// NewSplatter allocates the accumulation buffers covering box.
func NewSplatter(box bbox.BoundingBox, channels int) *Splatter {
	if channels < 1 {
		channels = 1
	}
	shape := box.Shape()
	n := shape[0] * shape[1] * shape[2]
	return &Splatter{
		box:      box,
		shape:    shape,
		channels: channels,
		sum:      make([]float32, n*channels),
		weight:   make([]float32, n),
	}
}

// Box returns the box the splatter covers.
func (s *Splatter) Box() bbox.BoundingBox { return s.box }

// Splat scatters the pixels of frame at the volume coordinates of grid.
// Neighbors falling outside the box are skipped.
func (s *Splatter) Splat(grid *slice.Grid, frame *models.Frame) {
	origin := s.box.Origin()
	channels := min(s.channels, frame.Channels)
	for i, p := range grid.Points {
		px, py, pz := p.X-origin.X, p.Y-origin.Y, p.Z-origin.Z
		x0, y0, z0 := math.Floor(px), math.Floor(py), math.Floor(pz)
		fx, fy, fz := px-x0, py-y0, pz-z0

		for corner := 0; corner < 8; corner++ {
			x, wx := int(x0), 1-fx
			if corner&1 != 0 {
				x, wx = int(math.Ceil(px)), fx
			}
			y, wy := int(y0), 1-fy
			if corner&2 != 0 {
				y, wy = int(math.Ceil(py)), fy
			}
			z, wz := int(z0), 1-fz
			if corner&4 != 0 {
				z, wz = int(math.Ceil(pz)), fz
			}
			w := float32(wx * wy * wz)
			if w == 0 || x < 0 || y < 0 || z < 0 || x >= s.shape[0] || y >= s.shape[1] || z >= s.shape[2] {
				continue
			}

			v := (z*s.shape[1]+y)*s.shape[0] + x
			s.weight[v] += w
			for c := 0; c < channels; c++ {
				s.sum[v*s.channels+c] += w * frame.Data[i*frame.Channels+c]
			}
		}
	}
}

// Volume normalizes the accumulated values into a volume of the given data
// type. Voxels no pixel reached stay zero.
func (s *Splatter) Volume(dataType models.DataType) *models.Volume {
	vol := models.NewVolume(s.shape[0], s.shape[1], s.shape[2], s.channels, dataType)
	for v, w := range s.weight {
		if w == 0 {
			continue
		}
		for c := 0; c < s.channels; c++ {
			i := v*s.channels + c
			vol.Data[i] = dataType.Clamp(s.sum[i] / w)
		}
	}
	return vol
}

// SplatIntoVolume scatters one slice into a fresh volume covering box.
func SplatIntoVolume(box bbox.BoundingBox, grid *slice.Grid, frame *models.Frame) *models.Volume {
	s := NewSplatter(box, frame.Channels)
	s.Splat(grid, frame)
	return s.Volume(frame.DataType)
}

// MakeBinary returns a uint8 volume holding 1 where vol is positive and 0 elsewhere.
func MakeBinary(vol *models.Volume) *models.Volume {
	out := models.NewVolume(vol.Width, vol.Height, vol.Depth, vol.Channels, models.Uint8)
	out.VoxelSize = vol.VoxelSize
	for i, v := range vol.Data {
		if v > 0 {
			out.Data[i] = 1
		}
	}
	return out
}
