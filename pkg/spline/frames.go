package spline

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// parallelEps is the cross product magnitude below which two unit vectors
// are treated as parallel.
const parallelEps = 1e-6

// Frame is an orthonormal, right-handed frame at a curve sample:
// Binormal = Tangent × Normal.
type Frame struct {
	Tangent  r3.Vec
	Normal   r3.Vec
	Binormal r3.Vec
}

var (
	worldX = r3.Vec{X: 1}
	worldY = r3.Vec{Y: 1}
)

// RotationMinimizingFrames computes frames at ts that rotate as little as
// possible between consecutive samples.
//
// The first normal is seeded from world Y, or world X when the first tangent
// is nearly parallel to Y. Each following frame is the previous one rotated
// by the angle between consecutive tangents about their common normal
// (Rodrigues' formula). When consecutive tangents are parallel the previous
// frame is carried forward unchanged.
func RotationMinimizingFrames(c *Curve, ts []float64) []Frame {
	if len(ts) == 0 {
		return nil
	}

	d1 := c.Derivative(ts, 1)
	tangents := make([]r3.Vec, len(d1))
	for i, d := range d1 {
		if r3.Norm(d) == 0 {
			// Zero speed only happens at degenerate parameters; reuse the neighbor.
			if i > 0 {
				tangents[i] = tangents[i-1]
			} else {
				tangents[i] = r3.Vec{Z: 1}
			}
			continue
		}
		tangents[i] = r3.Unit(d)
	}

	frames := make([]Frame, len(ts))
	frames[0] = seedFrame(tangents[0])

	for i := 1; i < len(ts); i++ {
		prev := frames[i-1]
		cur := tangents[i]

		axis := r3.Cross(prev.Tangent, cur)
		if r3.Norm(axis) < parallelEps {
			frames[i] = prev
			continue
		}
		axis = r3.Unit(axis)
		angle := math.Acos(clamp(r3.Dot(prev.Tangent, cur), -1, 1))
		rot := rodrigues(axis, angle)

		frames[i] = Frame{
			Tangent:  cur,
			Normal:   rot.MulVec(prev.Normal),
			Binormal: rot.MulVec(prev.Binormal),
		}
	}

	for i := range frames {
		frames[i].Normal = r3.Unit(frames[i].Normal)
		frames[i].Binormal = r3.Unit(frames[i].Binormal)
	}
	return frames
}

// seedFrame builds an orthonormal frame around tangent.
func seedFrame(tangent r3.Vec) Frame {
	seed := worldY
	if r3.Norm(r3.Cross(tangent, worldY)) < parallelEps {
		seed = worldX
	}
	binormal := r3.Unit(r3.Cross(tangent, seed))
	normal := r3.Cross(binormal, tangent)
	return Frame{Tangent: tangent, Normal: r3.Unit(normal), Binormal: binormal}
}

// rodrigues returns I + sin(θ)K + (1-cos(θ))K² for the unit axis k.
func rodrigues(axis r3.Vec, angle float64) *r3.Mat {
	k := r3.NewMat(nil)
	k.Skew(axis)

	k2 := r3.NewMat(nil)
	k2.Mul(k, k)

	sinK := r3.NewMat(nil)
	sinK.Scale(math.Sin(angle), k)
	cosK2 := r3.NewMat(nil)
	cosK2.Scale(1-math.Cos(angle), k2)

	rot := r3.Eye()
	rot.Add(rot, sinK)
	rot.Add(rot, cosK2)
	return rot
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
