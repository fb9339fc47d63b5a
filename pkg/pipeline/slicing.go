package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/errs"
	"curveslicer/internal/logging"
	"curveslicer/internal/models"
	"curveslicer/pkg/bbox"
	"curveslicer/pkg/config"
	"curveslicer/pkg/output"
	"curveslicer/pkg/resample"
	"curveslicer/pkg/slice"
	"curveslicer/pkg/spline"
	"curveslicer/pkg/volume"
)

// SliceResult describes the outputs of a slicing run.
type SliceResult struct {
	Geometry   *Geometry
	Boxes      []bbox.BoundingBox
	SliceToBox []int
	Frames     int

	// Path is the merged stack file, or the frame directory when frames
	// are not merged.
	Path string
}

// Slice runs the slicing stages for the given centerline points, which are
// in voxel coordinates of the annotation resolution level.
func (p *Pipeline) Slice(ctx context.Context, points []r3.Vec) (*SliceResult, error) {
	var (
		geom   *Geometry
		layout *Layout
	)
	if err := p.run(StageGeometry, func() error {
		var err error
		if geom, err = NewGeometry(p.cfg, points, p.source); err != nil {
			return err
		}
		if err := p.checkTIFFOutput(p.source.DataType(), geom.Mip); err != nil {
			return err
		}
		if layout, err = geom.Layout(); err != nil {
			return err
		}
		p.logger.Infof("curve length %.1f voxels, %d slices of %dx%d",
			spline.Length(layout.Curve), len(layout.Rects), geom.Width, geom.Height)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.run(StageSaveConfig, func() error {
		if err := config.SaveConfig(p.cfg, p.path(ConfigSuffix)); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIO, err)
		}
		return SaveGeometry(p.path(GeometrySuffix), geom)
	}); err != nil {
		return nil, err
	}

	var cache *volume.Cache
	if err := p.run(StagePartition, func() error {
		boxes, sliceToBox, err := p.partition(layout.Rects, geom)
		if err != nil {
			return err
		}
		cache, err = volume.NewCache(p.source, boxes, sliceToBox, volume.CacheOptions{
			Mip:        geom.Mip,
			FlushCache: p.cfg.Volume.FlushCache,
			Logger:     p.logger,
		})
		return err
	}); err != nil {
		return nil, err
	}
	result := &SliceResult{
		Geometry:   geom,
		Boxes:      cache.Boxes(),
		SliceToBox: make([]int, cache.NumSlices()),
		Frames:     len(layout.Rects),
		Path:       p.framesDir(),
	}
	for i := range result.SliceToBox {
		result.SliceToBox[i] = cache.BoxOf(i)
	}

	if err := p.run(StageSlicing, func() error {
		defer cache.Flush()
		return p.sliceBoxes(ctx, cache, layout.Rects, geom)
	}); err != nil {
		return nil, err
	}

	if p.cfg.Output.SingleFile {
		if err := p.run(StageMerge, p.mergeFrames); err != nil {
			return nil, err
		}
		result.Path = p.path(StackSuffix)
	}
	return result, nil
}

// partition groups the rects into bounding boxes.
func (p *Pipeline) partition(rects []slice.Rect, geom *Geometry) ([]bbox.BoundingBox, []int, error) {
	params := p.cfg.BoundingBox
	boxes, sliceToBox, err := bbox.Partition(rects, params.TargetSlicesPerBox, params.MaxDepth)
	if err != nil {
		return nil, nil, err
	}
	if len(boxes) == 0 {
		return nil, nil, fmt.Errorf("%w: no slices to partition", errs.ErrDegenerateInput)
	}
	var voxels int64
	sparse := 0
	for b, indices := range bbox.SliceIndices(sliceToBox, len(boxes)) {
		voxels += boxes[b].Volume()
		if boxes[b].ShouldBeDivided(float64(len(indices) * geom.Width * geom.Height)) {
			sparse++
		}
	}
	p.logger.Infof("%d slices in %d bounding boxes covering %s voxels",
		len(rects), len(boxes), humanize.Comma(voxels))
	if sparse > 0 {
		p.logger.Warningf("%d of %d bounding boxes sample less than %.0f%% of their voxels; "+
			"a smaller targetSlicesPerBox or a larger maxDepth downloads less",
			sparse, len(boxes), 100*(1-bbox.SplitThreshold))
	}
	return boxes, sliceToBox, nil
}

// sliceBoxes downloads boxes with NumThreads workers and resamples their
// slices with NumProcesses workers. The first failure cancels the rest.
func (p *Pipeline) sliceBoxes(ctx context.Context, cache *volume.Cache, rects []slice.Rect, geom *Geometry) error {
	method, err := resample.ParseMethod(p.cfg.Slice.Interpolation)
	if err != nil {
		return errs.Invalidf("%v", err)
	}
	shape, err := p.source.Shape(geom.Mip)
	if err != nil {
		return err
	}
	vs, err := p.source.VoxelSize(geom.Mip)
	if err != nil {
		return err
	}

	meta := output.Metadata{
		Width:    geom.Width,
		Height:   geom.Height,
		Frames:   len(rects),
		Channels: shape.Channels,
		DataType: p.source.DataType(),
		Axis:     "z",
		Spacing:  [3]float64{vs.X, vs.Y, geom.Spacing * vs.Z},
		Unit:     "nm",
	}
	var sink output.Sink
	if p.cfg.Output.SingleFile {
		// merged into the stack afterwards
		sink, err = output.NewRawDirSink(p.framesDir(), meta)
	} else {
		sink, err = output.NewTIFFDirSink(p.framesDir(), meta, tiffCompression(p.cfg.Backproject.Compression))
	}
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	boxCh := make(chan int)
	dataCh := make(chan *volume.ProcessingData, p.cfg.Processing.QueueSize)

	g.Go(func() error {
		defer close(boxCh)
		for i := range cache.Boxes() {
			select {
			case boxCh <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	var downloaders sync.WaitGroup
	for w := 0; w < p.cfg.Processing.NumThreads; w++ {
		downloaders.Add(1)
		g.Go(func() error {
			defer downloaders.Done()
			for boxIndex := range boxCh {
				data, err := cache.CreateProcessingData(gctx, boxIndex)
				if err != nil {
					return err
				}
				// the package now owns the sub-volume
				cache.Remove(boxIndex)
				select {
				case dataCh <- data:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		downloaders.Wait()
		close(dataCh)
		return nil
	})

	var done atomic.Int64
	total := len(rects)
	for w := 0; w < p.cfg.Processing.NumProcesses; w++ {
		g.Go(func() error {
			for data := range dataCh {
				if err := gctx.Err(); err != nil {
					return nil
				}
				tlog := logging.NewTimeLog(p.logger)
				for _, i := range data.SliceIndices {
					grid := slice.CoordinateGrid(rects[i], geom.Width, geom.Height)
					frame := resample.Gather(data.Volume, data.Box, grid, method)
					if err := sink.WriteFrame(i, frame); err != nil {
						return err
					}
					p.progress(StageSlicing, int(done.Add(1)), total)
				}
				tlog.Debugf("box %d: %d slices", data.BoxIndex, len(data.SliceIndices))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		sink.Close()
		return err
	}
	if err := ctx.Err(); err != nil {
		sink.Close()
		return err
	}
	return sink.Close()
}

// checkTIFFOutput rejects writing frame directories of a type or channel
// count TIFF images cannot hold, before anything is downloaded.
func (p *Pipeline) checkTIFFOutput(dataType models.DataType, mip int) error {
	if p.cfg.Output.SingleFile {
		return nil
	}
	shape, err := p.source.Shape(mip)
	if err != nil {
		return err
	}
	return output.CheckTIFF(dataType, max(shape.Channels, 1))
}

// mergeFrames copies the frame directory into one stack file and removes
// the directory unless configured to keep it.
func (p *Pipeline) mergeFrames() error {
	dir := p.path(FramesSuffix)
	frames, err := output.OpenRawDir(dir)
	if err != nil {
		return err
	}
	defer frames.Close()
	stack, err := output.NewStackSink(p.path(StackSuffix), frames.Metadata(), stackCompression(p.cfg.Backproject.Compression))
	if err != nil {
		return err
	}
	for i := 0; i < frames.NumFrames(); i++ {
		frame, err := frames.ReadFrame(i)
		if err != nil {
			stack.Close()
			return err
		}
		if err := stack.WriteFrame(i, frame); err != nil {
			stack.Close()
			return err
		}
		p.progress(StageMerge, i+1, frames.NumFrames())
	}
	if err := stack.Close(); err != nil {
		return err
	}
	if !p.cfg.Output.KeepFrames {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warningf("could not remove frame directory %s: %v", dir, err)
		}
	}
	return nil
}
