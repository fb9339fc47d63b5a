package resample

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/models"
	"curveslicer/internal/sampledata"
	"curveslicer/pkg/bbox"
	"curveslicer/pkg/slice"
)

func gridOf(points ...r3.Vec) *slice.Grid {
	return &slice.Grid{Width: len(points), Height: 1, Points: points}
}

func TestGatherLinearOnGradient(t *testing.T) {
	vol := sampledata.GradientVolume(8, 8, 8, models.Float32)
	box := bbox.FromBounds([3]int{10, 20, 30}, [3]int{17, 27, 37})

	// a gradient is linear in every axis, so trilinear sampling is exact
	p := r3.Vec{X: 12.5, Y: 23.25, Z: 31.75}
	frame := Gather(vol, box, gridOf(p), Linear)

	want := 2.5 + 8*3.25 + 64*1.75
	if got := float64(frame.Data[0]); math.Abs(got-want) > 1e-3 {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestGatherNearestAndClamp(t *testing.T) {
	vol := sampledata.GradientVolume(4, 4, 4, models.Uint16)
	box := bbox.FromBounds([3]int{0, 0, 0}, [3]int{3, 3, 3})

	frame := Gather(vol, box, gridOf(
		r3.Vec{X: 1.4, Y: 1.6, Z: 0},
		r3.Vec{X: -5, Y: -5, Z: -5},
		r3.Vec{X: 10, Y: 10, Z: 10},
	), Nearest)

	if frame.Data[0] != vol.At(1, 2, 0, 0) {
		t.Errorf("Expected nearest voxel value %v, got %v", vol.At(1, 2, 0, 0), frame.Data[0])
	}
	if frame.Data[1] != vol.At(0, 0, 0, 0) {
		t.Errorf("Expected clamping to the low corner, got %v", frame.Data[1])
	}
	if frame.Data[2] != vol.At(3, 3, 3, 0) {
		t.Errorf("Expected clamping to the high corner, got %v", frame.Data[2])
	}
	if frame.DataType != models.Uint16 {
		t.Errorf("Expected the frame to keep the volume data type, got %s", frame.DataType)
	}

	linear := Gather(vol, box, gridOf(r3.Vec{X: 10, Y: 10, Z: 10}), Linear)
	if linear.Data[0] != vol.At(3, 3, 3, 0) {
		t.Errorf("Expected linear sampling to clamp as well, got %v", linear.Data[0])
	}
}

func TestGatherChannels(t *testing.T) {
	vol := models.NewVolume(2, 2, 2, 3, models.Uint8)
	for i := 0; i < 8; i++ {
		for c := 0; c < 3; c++ {
			vol.Data[i*3+c] = float32(10 * (c + 1))
		}
	}
	box := bbox.FromBounds([3]int{0, 0, 0}, [3]int{1, 1, 1})

	frame := Gather(vol, box, gridOf(r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}), Linear)
	if frame.Channels != 3 {
		t.Fatalf("Expected 3 channels, got %d", frame.Channels)
	}
	for c := 0; c < 3; c++ {
		if got := frame.At(0, 0, c); got != float32(10*(c+1)) {
			t.Errorf("Channel %d: expected %d, got %v", c, 10*(c+1), got)
		}
	}
}

// TestGatherScatterRoundTrip gathers a uniform slice and splats it back into an empty volume
func TestGatherScatterRoundTrip(t *testing.T) {
	const value = 7
	vol := sampledata.ConstantVolume(20, 20, 20, 1, value, models.Uint8)
	box := bbox.FromBounds([3]int{100, 100, 100}, [3]int{119, 119, 119})

	rect := slice.NewRect(r3.Vec{X: 110.3, Y: 109.7, Z: 110.2},
		r3.Unit(r3.Vec{X: 1, Y: 1}), r3.Unit(r3.Vec{X: 1, Y: -1, Z: 1}), 10, 8)
	grid := slice.CoordinateGrid(rect, 10, 8)

	frame := Gather(vol, box, grid, Linear)
	for i, v := range frame.Data {
		if v != value {
			t.Fatalf("Pixel %d: expected %d, got %v", i, value, v)
		}
	}

	out := SplatIntoVolume(box, grid, frame)
	if out.Width != 20 || out.Height != 20 || out.Depth != 20 {
		t.Fatalf("Unexpected volume shape %v", out.Shape())
	}
	touched := 0
	for i, v := range out.Data {
		if v == 0 {
			continue
		}
		touched++
		if v != value {
			t.Fatalf("Voxel %d: expected %d, got %v", i, value, v)
		}
	}
	if touched == 0 {
		t.Errorf("Expected the slice to touch some voxels")
	}
}

func TestSplatBlendsOverlaps(t *testing.T) {
	box := bbox.FromBounds([3]int{0, 0, 0}, [3]int{2, 2, 2})
	s := NewSplatter(box, 1)

	p := gridOf(r3.Vec{X: 1, Y: 1, Z: 1})
	low := models.NewFrame(1, 1, 1, models.Float32)
	low.Data[0] = 10
	high := models.NewFrame(1, 1, 1, models.Float32)
	high.Data[0] = 30
	s.Splat(p, low)
	s.Splat(p, high)

	vol := s.Volume(models.Float32)
	if got := vol.At(1, 1, 1, 0); got != 20 {
		t.Errorf("Expected overlapping writes to average to 20, got %v", got)
	}
	if vol.At(0, 0, 0, 0) != 0 {
		t.Errorf("Expected untouched voxels to stay zero")
	}
}

func TestSplatWeights(t *testing.T) {
	box := bbox.FromBounds([3]int{0, 0, 0}, [3]int{1, 1, 1})
	s := NewSplatter(box, 1)

	frame := models.NewFrame(1, 1, 1, models.Float32)
	frame.Data[0] = 8
	s.Splat(gridOf(r3.Vec{X: 0.25, Y: 0, Z: 0}), frame)

	if math.Abs(float64(s.weight[0])-0.75) > 1e-6 || math.Abs(float64(s.weight[1])-0.25) > 1e-6 {
		t.Errorf("Unexpected weights %v", s.weight[:2])
	}
	// out of box contributions are dropped
	s.Splat(gridOf(r3.Vec{X: -3, Y: 0, Z: 0}), frame)
	if s.weight[0] > 0.76 {
		t.Errorf("Expected out of range pixels to be skipped, weight %v", s.weight[0])
	}
}

func TestMakeBinary(t *testing.T) {
	vol := models.NewVolume(2, 1, 1, 1, models.Float32)
	vol.Data = []float32{-3, 0.5}

	bin := MakeBinary(vol)
	if bin.DataType != models.Uint8 {
		t.Errorf("Expected uint8 output, got %s", bin.DataType)
	}
	if bin.Data[0] != 0 || bin.Data[1] != 1 {
		t.Errorf("Unexpected binary data %v", bin.Data)
	}
}

func TestParseMethod(t *testing.T) {
	if m, err := ParseMethod("nearest"); err != nil || m != Nearest {
		t.Errorf("Expected nearest, got %v %v", m, err)
	}
	if m, err := ParseMethod(""); err != nil || m != Linear {
		t.Errorf("Expected linear default, got %v %v", m, err)
	}
	if _, err := ParseMethod("cubic"); err == nil {
		t.Errorf("Expected an error for an unknown method")
	}
}
