// Package slice turns curve samples into the planar cross-sections that are
// cut from the volume: a rectangle per sample and the 3D coordinate of every
// pixel inside it.
package slice

import (
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/pkg/spline"
)

// Corner indices of a Rect.
const (
	TopLeft = iota
	TopRight
	BottomRight
	BottomLeft
)

// Rect is a planar quadrilateral given by its corners in the order
// top-left, top-right, bottom-right, bottom-left.
type Rect [4]r3.Vec

// NewRect returns the width×height rectangle centered on point and spanned
// by normal (width) and binormal (height). Odd sizes give the extra unit to
// the right and bottom halves.
func NewRect(point, normal, binormal r3.Vec, width, height int) Rect {
	left := float64(width / 2)
	right := float64(width/2 + width%2)
	top := float64(height / 2)
	bottom := float64(height/2 + height%2)

	return Rect{
		TopLeft:     r3.Add(r3.Sub(point, r3.Scale(left, normal)), r3.Scale(top, binormal)),
		TopRight:    r3.Add(r3.Add(point, r3.Scale(right, normal)), r3.Scale(top, binormal)),
		BottomRight: r3.Sub(r3.Add(point, r3.Scale(right, normal)), r3.Scale(bottom, binormal)),
		BottomLeft:  r3.Sub(r3.Sub(point, r3.Scale(left, normal)), r3.Scale(bottom, binormal)),
	}
}

// Rects returns one rectangle per parameter in ts, oriented by the
// rotation-minimizing frames of the curve.
func Rects(c *spline.Curve, ts []float64, width, height int) []Rect {
	points := c.Evaluate(ts)
	frames := spline.RotationMinimizingFrames(c, ts)

	rects := make([]Rect, len(ts))
	for i := range ts {
		rects[i] = NewRect(points[i], frames[i].Normal, frames[i].Binormal, width, height)
	}
	return rects
}

// Center returns the mean of the four corners.
func (r Rect) Center() r3.Vec {
	var c r3.Vec
	for _, p := range r {
		c = r3.Add(c, p)
	}
	return r3.Scale(0.25, c)
}

// Mean returns the mean of the corner coordinates along axis 0 (x), 1 (y) or 2 (z).
func (r Rect) Mean(axis int) float64 {
	var sum float64
	for _, p := range r {
		sum += component(p, axis)
	}
	return sum / 4
}

func component(p r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}
