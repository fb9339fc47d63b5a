package visualization

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"

	"curveslicer/internal/models"
	"curveslicer/pkg/output"
)

// testStack builds a stack where every frame along Z has a unique value.
func testStack(t *testing.T, width, height, depth, channels int) *output.MemorySink {
	t.Helper()
	sink := output.NewMemorySink()
	for z := 0; z < depth; z++ {
		f := models.NewFrame(width, height, channels, models.Uint16)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				for c := 0; c < channels; c++ {
					f.Set(x, y, c, float32(x+10*z))
				}
			}
		}
		if err := sink.WriteFrame(z, f); err != nil {
			t.Fatal(err)
		}
	}
	return sink
}

// TestNewViewer verifies that a new viewer reads the stack dimensions
func TestNewViewer(t *testing.T) {
	viewer, err := NewViewer(testStack(t, 10, 8, 5, 1))
	if err != nil {
		t.Fatalf("NewViewer failed: %v", err)
	}
	w, h, d := viewer.Dims()
	if w != 10 || h != 8 || d != 5 {
		t.Errorf("Expected dims 10x8x5, got %dx%dx%d", w, h, d)
	}

	if _, err := NewViewer(output.NewMemorySink()); err == nil {
		t.Error("Expected error for empty stack, got nil")
	}
}

// TestExtractFrame verifies that views are correctly extracted along every axis
func TestExtractFrame(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer, err := NewViewer(testStack(t, width, height, depth, 1))
	if err != nil {
		t.Fatal(err)
	}

	frameX, err := viewer.ExtractFrame("x", 3)
	if err != nil {
		t.Fatalf("Failed to extract X frame: %v", err)
	}
	if frameX.Width != depth || frameX.Height != height {
		t.Errorf("Expected X frame dimensions %dx%d, got %dx%d", depth, height, frameX.Width, frameX.Height)
	}
	if got := frameX.At(2, 4, 0); got != float32(3+10*2) {
		t.Errorf("Expected X frame value %d, got %v", 3+10*2, got)
	}

	frameY, err := viewer.ExtractFrame("y", 7)
	if err != nil {
		t.Fatalf("Failed to extract Y frame: %v", err)
	}
	if frameY.Width != width || frameY.Height != depth {
		t.Errorf("Expected Y frame dimensions %dx%d, got %dx%d", width, depth, frameY.Width, frameY.Height)
	}
	if got := frameY.At(6, 4, 0); got != float32(6+10*4) {
		t.Errorf("Expected Y frame value %d, got %v", 6+10*4, got)
	}

	// Test invalid axis
	if _, err := viewer.ExtractFrame("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}

	// Test out of bounds positions
	for _, axis := range []string{"x", "y", "z"} {
		if _, err := viewer.ExtractFrame(axis, 11); err == nil {
			t.Errorf("Expected error for out of bounds %s position, got nil", axis)
		}
	}
	if _, err := viewer.ExtractFrame("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

// TestExtractSlice verifies the gray level stretching
func TestExtractSlice(t *testing.T) {
	viewer, err := NewViewer(testStack(t, 10, 8, 5, 1))
	if err != nil {
		t.Fatal(err)
	}
	img, err := viewer.ExtractSlice("z", 2)
	if err != nil {
		t.Fatalf("Failed to extract slice: %v", err)
	}
	gray, ok := img.(*image.Gray)
	if !ok {
		t.Fatalf("Expected *image.Gray, got %T", img)
	}
	if gray.GrayAt(0, 0).Y != 0 || gray.GrayAt(9, 0).Y != 255 {
		t.Errorf("Expected the value range stretched to 0-255, got %d-%d", gray.GrayAt(0, 0).Y, gray.GrayAt(9, 0).Y)
	}

	rgb, err := NewViewer(testStack(t, 4, 4, 2, 3))
	if err != nil {
		t.Fatal(err)
	}
	img, err = rgb.ExtractSlice("z", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := img.(*image.RGBA); !ok {
		t.Errorf("Expected *image.RGBA for three channel frames, got %T", img)
	}
}

// TestToImageConstantFrame verifies that a flat frame does not divide by zero
func TestToImageConstantFrame(t *testing.T) {
	f := models.NewFrame(3, 3, 1, models.Uint8)
	for i := range f.Data {
		f.Data[i] = 42
	}
	gray := ToImage(f).(*image.Gray)
	for _, p := range gray.Pix {
		if p != 0 {
			t.Fatalf("Expected a black image, got pixel %d", p)
		}
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	// Skip this test in short mode
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	viewer, err := NewViewer(testStack(t, 5, 5, 6, 1))
	if err != nil {
		t.Fatal(err)
	}

	// Save slice sequence
	outputDir := filepath.Join(t.TempDir(), "slices")
	n, err := viewer.SaveSliceSequence("z", outputDir, 2)
	if err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 images, got %d", n)
	}

	// Verify files exist
	for z := 0; z < 6; z += 2 {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%04d.jpg", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	// Test invalid axis
	if _, err := viewer.SaveSliceSequence("invalid", outputDir, 1); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
