package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"curveslicer/internal/errs"
	"curveslicer/internal/models"
	"curveslicer/pkg/bbox"
	"curveslicer/pkg/output"
	"curveslicer/pkg/resample"
	"curveslicer/pkg/slice"
)

// BackprojectResult describes the output of a backprojection run.
type BackprojectResult struct {
	// Path is the stack file or frame directory written.
	Path string

	// Region is the part of the source volume covered by the output.
	Region    bbox.BoundingBox
	Frames    int
	ChunkSize int
}

// Backproject scatters the frames of a previous slicing run back into the
// coordinate space of the source volume. The frames are read from the
// locations Slice writes to under the same configuration.
func (p *Pipeline) Backproject(ctx context.Context, geom *Geometry) (*BackprojectResult, error) {
	if geom == nil {
		return nil, errs.Invalidf("missing slicing geometry")
	}
	frames, err := p.openFrames()
	if err != nil {
		return nil, &errs.StageError{Stage: StageGeometry, Err: err}
	}
	defer frames.Close()

	dataType := p.source.DataType()
	outType := dataType
	if p.cfg.Backproject.Binary {
		outType = models.Uint8
	}

	var layout *Layout
	if err := p.run(StageGeometry, func() error {
		if err := p.checkTIFFOutput(outType, geom.Mip); err != nil {
			return err
		}
		var err error
		if layout, err = geom.Layout(); err != nil {
			return err
		}
		if frames.NumFrames() != len(layout.Rects) {
			return fmt.Errorf("%w: found %d frames for %d slices", errs.ErrIO, frames.NumFrames(), len(layout.Rects))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var (
		boxes      []bbox.BoundingBox
		sliceToBox []int
	)
	if err := p.run(StagePartition, func() error {
		var err error
		boxes, sliceToBox, err = p.partition(layout.Rects, geom)
		return err
	}); err != nil {
		return nil, err
	}

	shape, err := p.source.Shape(geom.Mip)
	if err != nil {
		return nil, &errs.StageError{Stage: StageSplat, Err: err}
	}

	tmp, err := newTempVolumes(p.path(TempVolumesSuffix), dataType)
	if err != nil {
		return nil, &errs.StageError{Stage: StageSplat, Err: err}
	}
	defer func() {
		if err := tmp.Remove(); err != nil {
			p.logger.Warningf("%v", err)
		}
	}()

	if err := p.run(StageSplat, func() error {
		return p.splatBoxes(ctx, tmp, frames, layout.Rects, boxes, sliceToBox, shape.Channels, geom)
	}); err != nil {
		return nil, err
	}

	var result *BackprojectResult
	if err := p.run(StageWriteVolume, func() error {
		var err error
		result, err = p.writeVolume(ctx, tmp, boxes, shape, geom.Mip)
		return err
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// splatBoxes backprojects the slices of every box into a temporary volume,
// running up to NumProcesses boxes at once.
func (p *Pipeline) splatBoxes(ctx context.Context, tmp *tempVolumes, frames output.FrameSource,
	rects []slice.Rect, boxes []bbox.BoundingBox, sliceToBox []int, channels int, geom *Geometry) error {

	indices := bbox.SliceIndices(sliceToBox, len(boxes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Processing.NumProcesses)

	var done atomic.Int64
	for b := range boxes {
		g.Go(func() error {
			splatter := resample.NewSplatter(boxes[b], channels)
			for _, i := range indices[b] {
				if err := gctx.Err(); err != nil {
					return err
				}
				frame, err := frames.ReadFrame(i)
				if err != nil {
					return err
				}
				if frame.Width != geom.Width || frame.Height != geom.Height {
					return fmt.Errorf("%w: frame %d is %dx%d, slices are %dx%d",
						errs.ErrIO, i, frame.Width, frame.Height, geom.Width, geom.Height)
				}
				splatter.Splat(slice.CoordinateGrid(rects[i], geom.Width, geom.Height), frame)
			}
			if err := tmp.Save(b, splatter.Volume(tmp.dataType)); err != nil {
				return err
			}
			p.progress(StageSplat, int(done.Add(1)), len(boxes))
			return nil
		})
	}
	return g.Wait()
}

// writeVolume assembles the temporary volumes chunk by chunk into the output.
func (p *Pipeline) writeVolume(ctx context.Context, tmp *tempVolumes, boxes []bbox.BoundingBox, shape models.Shape, mip int) (*BackprojectResult, error) {
	cfg := p.cfg.Backproject
	axis, err := output.ParseAxis(cfg.Axis)
	if err != nil {
		return nil, err
	}
	vs, err := p.source.VoxelSize(mip)
	if err != nil {
		return nil, err
	}

	dataType := tmp.dataType
	if cfg.Binary {
		dataType = models.Uint8
	}
	channels := max(shape.Channels, 1)

	region := output.OutputRegion(boxes, shape, cfg.MinBoundingBox)
	rshape := region.Shape()
	width, height := frameShape(rshape, axis)
	frameBytes := int64(width) * int64(height) * int64(channels) * int64(dataType.Size())

	chunkSize, err := output.ChunkSize(cfg.MaxRAMGB, frameBytes)
	if err != nil {
		if !errs.IsWarning(err) {
			return nil, err
		}
		p.logger.Warningf("%v", err)
	}
	chunks := output.Chunks(boxes, shape, chunkSize, cfg.MinBoundingBox, axis)
	p.logger.Infof("writing %s as %d chunk(s) of up to %d frames (%s per frame)",
		region, len(chunks), chunkSize, humanize.Bytes(uint64(frameBytes)))

	lo, _ := region.Approx()
	meta := output.Metadata{
		Width:    width,
		Height:   height,
		Frames:   rshape[axis],
		Channels: channels,
		DataType: dataType,
		Axis:     output.AxisName(axis),
		Spacing:  frameSpacing([3]float64{vs.X, vs.Y, vs.Z}, axis),
		Unit:     "nm",
		Offset:   lo,
	}

	var (
		sink output.Sink
		path string
	)
	if p.cfg.Output.SingleFile {
		path = p.path(BackprojectSuffix + StackSuffix)
		sink, err = output.NewStackSink(path, meta, stackCompression(cfg.Compression))
	} else {
		path = p.path(BackprojectSuffix)
		sink, err = output.NewTIFFDirSink(path, meta, tiffCompression(cfg.Compression))
	}
	if err != nil {
		return nil, err
	}

	w := &output.Writer{
		Sink:     sink,
		Loader:   output.BoxLoaderFunc(tmp.Load),
		Boxes:    boxes,
		Axis:     axis,
		Channels: channels,
		DataType: tmp.dataType,
		Binary:   cfg.Binary,
		Logger:   p.logger,
		Progress: p.progress,
	}
	if err := w.Write(ctx, chunks); err != nil {
		sink.Close()
		return nil, err
	}
	if err := sink.Close(); err != nil {
		return nil, err
	}
	return &BackprojectResult{
		Path:      path,
		Region:    region,
		Frames:    rshape[axis],
		ChunkSize: chunkSize,
	}, nil
}
