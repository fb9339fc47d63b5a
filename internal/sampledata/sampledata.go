// Package sampledata generates synthetic centerlines and volumes for tests
// and demonstrations.
package sampledata

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/models"
)

// Helix returns num points on a helix winding around the z axis, with the
// angle equal to z: (cos(z)*radius, sin(z)*radius, z) for z spanning
// [startZ, endZ].
func Helix(startZ, endZ float64, num int, radius float64) []r3.Vec {
	if num < 2 {
		return []r3.Vec{{X: math.Cos(startZ) * radius, Y: math.Sin(startZ) * radius, Z: startZ}}
	}
	points := make([]r3.Vec, num)
	for i, t := range floats.Span(make([]float64, num), startZ, endZ) {
		points[i] = r3.Vec{X: math.Cos(t) * radius, Y: math.Sin(t) * radius, Z: t}
	}
	return points
}

// Circle returns num points on a circle of the given radius in the z=center.Z
// plane, starting on the +x side and covering the given angle in radians.
func Circle(center r3.Vec, radius, angle float64, num int) []r3.Vec {
	points := make([]r3.Vec, num)
	for i, a := range floats.Span(make([]float64, num), 0, angle) {
		points[i] = r3.Add(center, r3.Vec{X: math.Cos(a) * radius, Y: math.Sin(a) * radius})
	}
	return points
}

// Line returns num evenly spaced points from a to b.
func Line(a, b r3.Vec, num int) []r3.Vec {
	points := make([]r3.Vec, num)
	for i, s := range floats.Span(make([]float64, num), 0, 1) {
		points[i] = r3.Add(a, r3.Scale(s, r3.Sub(b, a)))
	}
	return points
}

// GradientVolume returns a single-channel volume whose voxel value is
// x + width*y + width*height*z, which makes every voxel distinguishable.
func GradientVolume(width, height, depth int, dataType models.DataType) *models.Volume {
	vol := models.NewVolume(width, height, depth, 1, dataType)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Set(x, y, z, 0, float32(x+width*y+width*height*z))
			}
		}
	}
	return vol
}

// ConstantVolume returns a volume filled with value in every channel.
func ConstantVolume(width, height, depth, channels int, value float32, dataType models.DataType) *models.Volume {
	vol := models.NewVolume(width, height, depth, channels, dataType)
	for i := range vol.Data {
		vol.Data[i] = value
	}
	return vol
}
