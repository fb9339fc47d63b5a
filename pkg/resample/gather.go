// Package resample moves intensities between a box's sub-volume and the
// pixel grids of the slices cut from it: Gather samples a slice out of the
// volume, Splatter writes slices back into a volume.
package resample

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/models"
	"curveslicer/pkg/bbox"
	"curveslicer/pkg/slice"
)

// Method selects how Gather samples between voxel centers.
type Method int

const (
	// Linear interpolates trilinearly between the 8 surrounding voxels.
	Linear Method = iota
	// Nearest takes the value of the closest voxel.
	Nearest
)

// ParseMethod accepts "linear" (or "") and "nearest".
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "linear":
		return Linear, nil
	case "nearest":
		return Nearest, nil
	}
	return Linear, fmt.Errorf("unknown interpolation %q (must be linear or nearest)", s)
}

func (m Method) String() string {
	if m == Nearest {
		return "nearest"
	}
	return "linear"
}

// Gather samples vol at every point of grid and returns the slice image.
// vol is the sub-volume downloaded for box, so grid coordinates are shifted
// by the box's floored minimum corner first. Coordinates outside the
// sub-volume are clamped to its nearest edge voxel. Samples are rounded to
// the volume's data type.
func Gather(vol *models.Volume, box bbox.BoundingBox, grid *slice.Grid, method Method) *models.Frame {
	frame := models.NewFrame(grid.Width, grid.Height, vol.Channels, vol.DataType)
	if len(vol.Data) == 0 {
		return frame
	}
	origin := box.Origin()
	for i, p := range grid.Points {
		local := r3.Sub(p, origin)
		for c := 0; c < vol.Channels; c++ {
			var v float32
			if method == Nearest {
				v = nearest(vol, local, c)
			} else {
				v = trilinear(vol, local, c)
			}
			frame.Data[i*vol.Channels+c] = vol.DataType.Clamp(v)
		}
	}
	return frame
}

func clampIndex(v float64, n int) float64 {
	return math.Max(0, math.Min(float64(n-1), v))
}

func nearest(vol *models.Volume, p r3.Vec, c int) float32 {
	x := int(math.Round(clampIndex(p.X, vol.Width)))
	y := int(math.Round(clampIndex(p.Y, vol.Height)))
	z := int(math.Round(clampIndex(p.Z, vol.Depth)))
	return vol.At(x, y, z, c)
}

func trilinear(vol *models.Volume, p r3.Vec, c int) float32 {
	px, py, pz := clampIndex(p.X, vol.Width), clampIndex(p.Y, vol.Height), clampIndex(p.Z, vol.Depth)
	x0, y0, z0 := int(px), int(py), int(pz)
	x1, y1, z1 := min(x0+1, vol.Width-1), min(y0+1, vol.Height-1), min(z0+1, vol.Depth-1)
	fx, fy, fz := px-float64(x0), py-float64(y0), pz-float64(z0)

	c00 := lerp(vol.At(x0, y0, z0, c), vol.At(x1, y0, z0, c), fx)
	c10 := lerp(vol.At(x0, y1, z0, c), vol.At(x1, y1, z0, c), fx)
	c01 := lerp(vol.At(x0, y0, z1, c), vol.At(x1, y0, z1, c), fx)
	c11 := lerp(vol.At(x0, y1, z1, c), vol.At(x1, y1, z1, c), fx)
	return float32(lerp32(lerp32(c00, c10, fy), lerp32(c01, c11, fy), fz))
}

func lerp(a, b float32, f float64) float64 {
	return float64(a)*(1-f) + float64(b)*f
}

func lerp32(a, b, f float64) float64 {
	return a*(1-f) + b*f
}
