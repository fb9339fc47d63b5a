// Package bbox implements axis-aligned bounding boxes over slice rectangles
// and the binary space partitioner that groups slices into boxes which the
// volume cache downloads one at a time.
package bbox

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/pkg/slice"
)

// SplitThreshold is the fraction of a box that may be unused before
// ShouldBeDivided reports that the box is worth splitting.
const SplitThreshold = 0.9

// BoundingBox is an axis-aligned box with float bounds. Its approximate
// bounds, floor(min) and ceil(max), are the integer voxel bounds used for
// downloads and intersections. Boxes are immutable.
type BoundingBox struct {
	min, max r3.Vec
	lo, hi   [3]int
}

// New returns the box spanning a and b, in any corner order.
func New(a, b r3.Vec) BoundingBox {
	box := BoundingBox{
		min: r3.Vec{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)},
		max: r3.Vec{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)},
	}
	box.lo = [3]int{floor(box.min.X), floor(box.min.Y), floor(box.min.Z)}
	box.hi = [3]int{ceil(box.max.X), ceil(box.max.Y), ceil(box.max.Z)}
	return box
}

// FromBounds returns the box with integer corners lo and hi.
func FromBounds(lo, hi [3]int) BoundingBox {
	return New(
		r3.Vec{X: float64(lo[0]), Y: float64(lo[1]), Z: float64(lo[2])},
		r3.Vec{X: float64(hi[0]), Y: float64(hi[1]), Z: float64(hi[2])},
	)
}

// FromRects returns the envelope of every corner of rects.
func FromRects(rects []slice.Rect) BoundingBox {
	if len(rects) == 0 {
		return BoundingBox{}
	}
	lo, hi := rects[0][0], rects[0][0]
	for _, r := range rects {
		for _, p := range r {
			lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
			hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
		}
	}
	return New(lo, hi)
}

// Union returns the smallest box containing every box.
func Union(boxes ...BoundingBox) BoundingBox {
	if len(boxes) == 0 {
		return BoundingBox{}
	}
	lo, hi := boxes[0].min, boxes[0].max
	for _, b := range boxes[1:] {
		lo = r3.Vec{X: math.Min(lo.X, b.min.X), Y: math.Min(lo.Y, b.min.Y), Z: math.Min(lo.Z, b.min.Z)}
		hi = r3.Vec{X: math.Max(hi.X, b.max.X), Y: math.Max(hi.Y, b.max.Y), Z: math.Max(hi.Z, b.max.Z)}
	}
	return New(lo, hi)
}

// Min returns the minimum corner.
func (b BoundingBox) Min() r3.Vec { return b.min }

// Max returns the maximum corner.
func (b BoundingBox) Max() r3.Vec { return b.max }

// Approx returns the integer bounds floor(min) and ceil(max). Both are inclusive.
func (b BoundingBox) Approx() (lo, hi [3]int) { return b.lo, b.hi }

// Origin returns the approximate minimum corner as a vector.
func (b BoundingBox) Origin() r3.Vec {
	return r3.Vec{X: float64(b.lo[0]), Y: float64(b.lo[1]), Z: float64(b.lo[2])}
}

// Shape returns the number of voxels along each axis covered by the approximate bounds.
func (b BoundingBox) Shape() [3]int {
	return [3]int{b.hi[0] - b.lo[0] + 1, b.hi[1] - b.lo[1] + 1, b.hi[2] - b.lo[2] + 1}
}

// Volume returns the number of voxels covered by the approximate bounds.
func (b BoundingBox) Volume() int64 {
	s := b.Shape()
	return int64(s[0]) * int64(s[1]) * int64(s[2])
}

// LongestDimension returns the axis (0 x, 1 y, 2 z) with the largest float
// extent. Ties resolve to the lower axis.
func (b BoundingBox) LongestDimension() int {
	ext := r3.Sub(b.max, b.min)
	axis, best := 0, ext.X
	if ext.Y > best {
		axis, best = 1, ext.Y
	}
	if ext.Z > best {
		axis = 2
	}
	return axis
}

// Intersects reports whether the approximate bounds of b and o overlap,
// touching faces included.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	for i := 0; i < 3; i++ {
		if b.hi[i] < o.lo[i] || o.hi[i] < b.lo[i] {
			return false
		}
	}
	return true
}

// Intersection returns the overlap of the approximate bounds of b and o.
// The boolean is false when they do not intersect.
func (b BoundingBox) Intersection(o BoundingBox) (BoundingBox, bool) {
	if !b.Intersects(o) {
		return BoundingBox{}, false
	}
	var lo, hi [3]int
	for i := 0; i < 3; i++ {
		lo[i] = max(b.lo[i], o.lo[i])
		hi[i] = min(b.hi[i], o.hi[i])
	}
	return FromBounds(lo, hi), true
}

// ContainsRect reports whether every corner of r lies within the approximate bounds.
func (b BoundingBox) ContainsRect(r slice.Rect) bool {
	for _, p := range r {
		if p.X < float64(b.lo[0]) || p.X > float64(b.hi[0]) ||
			p.Y < float64(b.lo[1]) || p.Y > float64(b.hi[1]) ||
			p.Z < float64(b.lo[2]) || p.Z > float64(b.hi[2]) {
			return false
		}
	}
	return true
}

// ShouldBeDivided reports whether less than 1-SplitThreshold of the box
// volume is utilized.
func (b BoundingBox) ShouldBeDivided(utilized float64) bool {
	return utilized < (1-SplitThreshold)*float64(b.Volume())
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%d..%d, %d..%d, %d..%d]", b.lo[0], b.hi[0], b.lo[1], b.hi[1], b.lo[2], b.hi[2])
}

// DimRange returns the half-open range of voxel indices along axis covered
// by the approximate bounds of the boxes.
func DimRange(boxes []BoundingBox, axis int) (start, end int) {
	if len(boxes) == 0 {
		return 0, 0
	}
	start, end = math.MaxInt, math.MinInt
	for _, b := range boxes {
		start = min(start, b.lo[axis])
		end = max(end, b.hi[axis]+1)
	}
	return start, end
}

func floor(v float64) int { return int(math.Floor(v)) }
func ceil(v float64) int  { return int(math.Ceil(v)) }
