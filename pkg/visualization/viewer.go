// Package visualization renders JPEG previews of frame stacks, such as the
// straightened slices of a curve or a backprojected volume.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"curveslicer/internal/models"
	"curveslicer/pkg/output"
)

// Viewer extracts 2D views of a frame stack along any axis. Frames are the
// XY planes; the stack position is z.
type Viewer struct {
	// frames is the stack being viewed
	frames output.FrameSource

	// dimensions of the stack
	width    int
	height   int
	depth    int
	channels int

	// loaded holds every frame once a non-z view was requested
	loaded []*models.Frame
}

// NewViewer creates a viewer over frames, reading the first frame for the
// stack dimensions.
func NewViewer(frames output.FrameSource) (*Viewer, error) {
	if frames.NumFrames() == 0 {
		return nil, fmt.Errorf("stack has no frames")
	}
	first, err := frames.ReadFrame(0)
	if err != nil {
		return nil, err
	}
	return &Viewer{
		frames:   frames,
		width:    first.Width,
		height:   first.Height,
		depth:    frames.NumFrames(),
		channels: first.Channels,
	}, nil
}

// Dims returns the stack width, height and depth.
func (v *Viewer) Dims() (width, height, depth int) {
	return v.width, v.height, v.depth
}

func (v *Viewer) loadAll() error {
	if v.loaded != nil {
		return nil
	}
	loaded := make([]*models.Frame, v.depth)
	for z := range loaded {
		f, err := v.frames.ReadFrame(z)
		if err != nil {
			return err
		}
		if f.Width != v.width || f.Height != v.height {
			return fmt.Errorf("frame %d is %dx%d, expected %dx%d", z, f.Width, f.Height, v.width, v.height)
		}
		loaded[z] = f
	}
	v.loaded = loaded
	return nil
}

// ExtractFrame extracts a 2D frame from the stack along the specified axis.
// Along x the frame spans (z, y), along y it spans (x, z).
func (v *Viewer) ExtractFrame(axis string, position int) (*models.Frame, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	switch axis {
	case "z", "Z":
		// XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		return v.frames.ReadFrame(position)

	case "x", "X":
		// YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		if err := v.loadAll(); err != nil {
			return nil, err
		}
		out := models.NewFrame(v.depth, v.height, v.channels, v.loaded[0].DataType)
		for z, f := range v.loaded {
			for y := 0; y < v.height; y++ {
				for c := 0; c < v.channels; c++ {
					out.Set(z, y, c, f.At(position, y, c))
				}
			}
		}
		return out, nil

	case "y", "Y":
		// XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		if err := v.loadAll(); err != nil {
			return nil, err
		}
		out := models.NewFrame(v.width, v.depth, v.channels, v.loaded[0].DataType)
		for z, f := range v.loaded {
			for x := 0; x < v.width; x++ {
				for c := 0; c < v.channels; c++ {
					out.Set(x, z, c, f.At(x, position, c))
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts a view along axis as an 8-bit image, stretching
// the frame's value range to the full gray scale.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	frame, err := v.ExtractFrame(axis, position)
	if err != nil {
		return nil, err
	}
	return ToImage(frame), nil
}

// ToImage stretches a frame's values to 8 bits. Three channel frames become
// RGBA images, all others show their first channel in gray.
func ToImage(frame *models.Frame) image.Image {
	lo, hi := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, d := range frame.Data {
		lo = min(lo, d)
		hi = max(hi, d)
	}
	scale := float32(0)
	if hi > lo {
		scale = 255 / (hi - lo)
	}
	level := func(d float32) uint8 {
		return uint8(math.Round(float64((d - lo) * scale)))
	}

	rect := image.Rect(0, 0, frame.Width, frame.Height)
	if frame.Channels == 3 {
		img := image.NewRGBA(rect)
		for y := 0; y < frame.Height; y++ {
			for x := 0; x < frame.Width; x++ {
				img.SetRGBA(x, y, color.RGBA{
					R: level(frame.At(x, y, 0)),
					G: level(frame.At(x, y, 1)),
					B: level(frame.At(x, y, 2)),
					A: 255,
				})
			}
		}
		return img
	}
	img := image.NewGray(rect)
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: level(frame.At(x, y, 0))})
		}
	}
	return img
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every step-th slice along the
// specified axis. It returns the number of images written.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string, step int) (int, error) {
	if step < 1 {
		step = 1
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	n := 0
	for pos := 0; pos < maxPos; pos += step {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return n, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%04d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return n, err
		}
		n++
	}

	return n, nil
}
