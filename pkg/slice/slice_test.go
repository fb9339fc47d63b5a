package slice

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/sampledata"
	"curveslicer/pkg/spline"
)

func near(a, b r3.Vec) bool {
	return r3.Norm(r3.Sub(a, b)) < 1e-9
}

func TestNewRectOddSizes(t *testing.T) {
	normal := r3.Vec{X: 1}
	binormal := r3.Vec{Y: 1}
	rect := NewRect(r3.Vec{Z: 5}, normal, binormal, 5, 3)

	want := Rect{
		{X: -2, Y: 1, Z: 5},
		{X: 3, Y: 1, Z: 5},
		{X: 3, Y: -2, Z: 5},
		{X: -2, Y: -2, Z: 5},
	}
	for i := range want {
		if !near(rect[i], want[i]) {
			t.Errorf("Corner %d: expected %v, got %v", i, want[i], rect[i])
		}
	}
	if !near(rect.Center(), r3.Vec{X: 0.5, Y: -0.5, Z: 5}) {
		t.Errorf("Unexpected center %v", rect.Center())
	}
	if rect.Mean(0) != 0.5 || rect.Mean(2) != 5 {
		t.Errorf("Unexpected means %v %v", rect.Mean(0), rect.Mean(2))
	}
}

// TestRectsAlongHelix checks the shape of every rectangle generated along a curve
func TestRectsAlongHelix(t *testing.T) {
	curve, err := spline.Fit(sampledata.Helix(-10, 10, 100, 1), 3)
	if err != nil {
		t.Fatalf("Failed to fit curve: %v", err)
	}
	ts, err := spline.EquidistantParameters(curve, 1)
	if err != nil {
		t.Fatalf("Failed to compute parameters: %v", err)
	}

	const width, height = 100, 100
	rects := Rects(curve, ts, width, height)
	if len(rects) != len(ts) {
		t.Fatalf("Expected %d rects, got %d", len(ts), len(rects))
	}

	for i, r := range rects {
		// diagonals share a midpoint
		if !near(r3.Add(r[TopLeft], r[BottomRight]), r3.Add(r[TopRight], r[BottomLeft])) {
			t.Fatalf("Rect %d is not a parallelogram", i)
		}
		if w := r3.Norm(r3.Sub(r[TopLeft], r[TopRight])); math.Abs(w-width) > 1e-6 {
			t.Fatalf("Rect %d: width %v, expected %d", i, w, width)
		}
		if h := r3.Norm(r3.Sub(r[TopLeft], r[BottomLeft])); math.Abs(h-height) > 1e-6 {
			t.Fatalf("Rect %d: height %v, expected %d", i, h, height)
		}
	}
}

func TestCoordinateGrid(t *testing.T) {
	rect := Rect{{Z: 1}, {X: 1, Z: 1}, {X: 1}, {}}
	const width, height = 100, 80

	grid := CoordinateGrid(rect, width, height)
	if grid.Width != width || grid.Height != height || len(grid.Points) != width*height {
		t.Fatalf("Unexpected grid dimensions %dx%d (%d points)", grid.Width, grid.Height, len(grid.Points))
	}

	if !near(grid.At(0, 0), rect[TopLeft]) {
		t.Errorf("First point should be the top-left corner, got %v", grid.At(0, 0))
	}
	if !near(grid.At(width-1, 0), rect[TopRight]) {
		t.Errorf("Last column of the first row should be the top-right corner, got %v", grid.At(width-1, 0))
	}
	if !near(grid.At(width-1, height-1), rect[BottomRight]) {
		t.Errorf("Last point should be the bottom-right corner, got %v", grid.At(width-1, height-1))
	}
	if !near(grid.At(0, height-1), rect[BottomLeft]) {
		t.Errorf("First column of the last row should be the bottom-left corner, got %v", grid.At(0, height-1))
	}

	mid := grid.At(33, 20)
	want := r3.Vec{X: 33.0 / 99, Z: 1 - 20.0/79}
	if !near(mid, want) {
		t.Errorf("Expected %v, got %v", want, mid)
	}

	shifted := grid.Offset(r3.Vec{X: 1, Y: 1, Z: 1})
	if !near(shifted.At(0, 0), r3.Vec{X: -1, Y: -1}) {
		t.Errorf("Unexpected offset point %v", shifted.At(0, 0))
	}
	if !near(grid.At(0, 0), rect[TopLeft]) {
		t.Errorf("Offset must not modify the original grid")
	}
}

func TestCoordinateGridSinglePixel(t *testing.T) {
	rect := NewRect(r3.Vec{X: 4, Y: 4, Z: 4}, r3.Vec{X: 1}, r3.Vec{Y: 1}, 1, 1)
	grid := CoordinateGrid(rect, 1, 1)
	if !near(grid.At(0, 0), rect[TopLeft]) {
		t.Errorf("Expected the top-left corner, got %v", grid.At(0, 0))
	}
}
