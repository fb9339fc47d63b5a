package output

import (
	"context"
	"fmt"

	"curveslicer/internal/logging"
	"curveslicer/internal/models"
	"curveslicer/pkg/bbox"
	"curveslicer/pkg/resample"
)

// BoxLoader returns the volume covering the approximate bounds of a box.
type BoxLoader interface {
	LoadBox(ctx context.Context, boxIndex int) (*models.Volume, error)
}

// BoxLoaderFunc adapts a function to BoxLoader.
type BoxLoaderFunc func(ctx context.Context, boxIndex int) (*models.Volume, error)

func (f BoxLoaderFunc) LoadBox(ctx context.Context, boxIndex int) (*models.Volume, error) {
	return f(ctx, boxIndex)
}

// Writer assembles chunks of the output volume from per-box volumes and
// writes them as frames along Axis. Only one chunk buffer is held at a time.
type Writer struct {
	Sink   Sink
	Loader BoxLoader

	// Boxes are the boxes Overlap.BoxIndex refers to.
	Boxes []bbox.BoundingBox

	Axis     int
	Channels int
	DataType models.DataType

	// Binary writes 1 for every positive voxel and 0 elsewhere.
	Binary bool

	Logger   logging.Logger
	Progress logging.ProgressFunc
}

// Write writes every chunk in order. Frame positions count from the start
// of the first chunk.
func (w *Writer) Write(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	logger, progress := w.Logger, w.Progress
	if logger == nil {
		logger = logging.Nop()
	}
	if progress == nil {
		progress = logging.NopProgress
	}
	channels := max(w.Channels, 1)
	dataType := w.DataType
	if w.Binary {
		dataType = models.Uint8
	}

	first, _ := chunks[0].Box.Approx()
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo, hi := chunk.Box.Approx()
		base := lo[w.Axis] - first[w.Axis]

		if chunk.Empty() {
			shape := chunk.Box.Shape()
			frame := emptyFrame(shape, w.Axis, channels, dataType)
			for p := 0; p <= hi[w.Axis]-lo[w.Axis]; p++ {
				if err := w.Sink.WriteFrame(base+p, frame); err != nil {
					return err
				}
			}
			logger.Debugf("chunk %d %s is empty", i, chunk.Box)
			progress("write chunks", i+1, len(chunks))
			continue
		}

		buf, err := w.assemble(ctx, chunk, channels, dataType)
		if err != nil {
			return err
		}
		if w.Binary {
			buf = resample.MakeBinary(buf)
		}
		for p := 0; p <= hi[w.Axis]-lo[w.Axis]; p++ {
			frame, err := ExtractFrame(buf, w.Axis, p)
			if err != nil {
				return err
			}
			if err := w.Sink.WriteFrame(base+p, frame); err != nil {
				return err
			}
		}
		logger.Debugf("wrote chunk %d %s from %d box(es)", i, chunk.Box, len(chunk.Overlaps))
		progress("write chunks", i+1, len(chunks))
	}
	return nil
}

// assemble copies the non-zero voxels of every overlapping box into a zero
// filled chunk buffer.
func (w *Writer) assemble(ctx context.Context, chunk Chunk, channels int, dataType models.DataType) (*models.Volume, error) {
	shape := chunk.Box.Shape()
	clo, _ := chunk.Box.Approx()
	buf := models.NewVolume(shape[0], shape[1], shape[2], channels, dataType)

	for _, ov := range chunk.Overlaps {
		vol, err := w.Loader.LoadBox(ctx, ov.BoxIndex)
		if err != nil {
			return nil, err
		}
		blo, _ := w.Boxes[ov.BoxIndex].Approx()
		olo, ohi := ov.Box.Approx()
		if vol.Channels != channels {
			return nil, fmt.Errorf("box %d has %d channels, output has %d", ov.BoxIndex, vol.Channels, channels)
		}
		for z := olo[2]; z <= ohi[2]; z++ {
			sz := z - blo[2]
			if sz < 0 || sz >= vol.Depth {
				continue
			}
			for y := olo[1]; y <= ohi[1]; y++ {
				sy := y - blo[1]
				if sy < 0 || sy >= vol.Height {
					continue
				}
				for x := olo[0]; x <= ohi[0]; x++ {
					sx := x - blo[0]
					if sx < 0 || sx >= vol.Width {
						continue
					}
					src := vol.Index(sx, sy, sz, 0)
					dst := buf.Index(x-clo[0], y-clo[1], z-clo[2], 0)
					for c := 0; c < channels; c++ {
						if v := vol.Data[src+c]; v != 0 {
							buf.Data[dst+c] = v
						}
					}
				}
			}
		}
	}
	return buf, nil
}

// frameSize returns the frame dimensions for a volume shape along axis.
func frameSize(shape [3]int, axis int) (width, height int) {
	switch axis {
	case 0:
		// YZ plane
		return shape[2], shape[1]
	case 1:
		// XZ plane
		return shape[0], shape[2]
	default:
		// XY plane
		return shape[0], shape[1]
	}
}

func emptyFrame(shape [3]int, axis, channels int, dataType models.DataType) *models.Frame {
	width, height := frameSize(shape, axis)
	return models.NewFrame(width, height, channels, dataType)
}

// ExtractFrame extracts a 2D frame from vol at position along axis.
func ExtractFrame(vol *models.Volume, axis, position int) (*models.Frame, error) {
	shape := [3]int{vol.Width, vol.Height, vol.Depth}
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("invalid axis: %d", axis)
	}
	if position >= shape[axis] {
		return nil, fmt.Errorf("position %d exceeds %s extent %d", position, AxisName(axis), shape[axis])
	}

	width, height := frameSize(shape, axis)
	frame := models.NewFrame(width, height, vol.Channels, vol.DataType)
	for fy := 0; fy < height; fy++ {
		for fx := 0; fx < width; fx++ {
			var x, y, z int
			switch axis {
			case 0:
				x, y, z = position, fy, fx
			case 1:
				x, y, z = fx, position, fy
			default:
				x, y, z = fx, fy, position
			}
			src := vol.Index(x, y, z, 0)
			copy(frame.Data[frame.Index(fx, fy, 0):frame.Index(fx, fy, 0)+vol.Channels], vol.Data[src:src+vol.Channels])
		}
	}
	return frame, nil
}
