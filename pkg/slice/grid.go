package slice

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Grid holds the volume coordinate of every pixel of a slice, row by row.
type Grid struct {
	Width, Height int
	Points        []r3.Vec
}

// At returns the coordinate of pixel (x, y).
func (g *Grid) At(x, y int) r3.Vec {
	return g.Points[y*g.Width+x]
}

// CoordinateGrid bilinearly blends the corners of rect into a width×height
// grid. u runs from the left to the right edge across columns and v from
// the top to the bottom edge across rows, both over [0, 1].
func CoordinateGrid(rect Rect, width, height int) *Grid {
	g := &Grid{
		Width:  width,
		Height: height,
		Points: make([]r3.Vec, width*height),
	}
	tl, tr, br, bl := rect[TopLeft], rect[TopRight], rect[BottomRight], rect[BottomLeft]
	for y := 0; y < height; y++ {
		v := fraction(y, height)
		left := lerp(tl, bl, v)
		right := lerp(tr, br, v)
		for x := 0; x < width; x++ {
			g.Points[y*width+x] = lerp(left, right, fraction(x, width))
		}
	}
	return g
}

// Offset returns a copy of the grid translated by -origin.
func (g *Grid) Offset(origin r3.Vec) *Grid {
	out := &Grid{
		Width:  g.Width,
		Height: g.Height,
		Points: make([]r3.Vec, len(g.Points)),
	}
	for i, p := range g.Points {
		out.Points[i] = r3.Sub(p, origin)
	}
	return out
}

func fraction(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return float64(i) / float64(n-1)
}

func lerp(a, b r3.Vec, s float64) r3.Vec {
	return r3.Add(r3.Scale(1-s, a), r3.Scale(s, b))
}
