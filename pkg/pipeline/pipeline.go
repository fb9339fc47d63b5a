// Package pipeline runs the slicing and backprojection stages over a remote
// volume.
//
// Slicing fits a spline through the centerline points, cuts one rectangle
// per sample along it, groups the rectangles into bounding boxes, downloads
// every box once and resamples its slices in parallel. Backprojection
// scatters the straightened frames back into per-box volumes and assembles
// them into the output volume chunk by chunk.
//
// Each stage runs through a runner that records its duration and wraps any
// failure in an errs.StageError naming the stage. A failing stage aborts the
// run; temporary files are removed before returning.
package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"curveslicer/internal/errs"
	"curveslicer/internal/logging"
	"curveslicer/pkg/config"
	"curveslicer/pkg/output"
	"curveslicer/pkg/volume"
)

// Stage names reported in errors and timings.
const (
	StageGeometry    = "slices geometry"
	StageSaveConfig  = "save config"
	StagePartition   = "bounding boxes"
	StageSlicing     = "slicing"
	StageMerge       = "merge frames"
	StageSplat       = "backprojection boxes"
	StageWriteVolume = "write backprojection"
)

// Output name suffixes, relative to the configured folder and name.
const (
	FramesSuffix      = "-frames"
	StackSuffix       = ".zst"
	ConfigSuffix      = "-config.yaml"
	GeometrySuffix    = "-geometry.yaml"
	BackprojectSuffix = "-backprojected"
	TempVolumesSuffix = "-tempvolumes"
)

// StageTiming is the wall time spent in one stage.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// Pipeline runs stages against one volume source with one configuration.
// It is not safe for concurrent use.
type Pipeline struct {
	cfg      *config.Config
	source   volume.Source
	logger   logging.Logger
	progress logging.ProgressFunc
	timings  []StageTiming
	step     int
}

// New validates cfg and returns a pipeline reading from source. A nil
// logger discards messages.
func New(cfg *config.Config, source volume.Source, logger logging.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errs.Invalidf("missing configuration")
	}
	if source == nil {
		return nil, errs.Invalidf("missing volume source")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pipeline{
		cfg:      cfg,
		source:   source,
		logger:   logger,
		progress: logging.LogProgress(logger),
	}, nil
}

// SetProgress replaces the progress callback.
func (p *Pipeline) SetProgress(f logging.ProgressFunc) {
	if f == nil {
		f = logging.NopProgress
	}
	p.progress = f
}

// Timings returns the durations of the stages run so far.
func (p *Pipeline) Timings() []StageTiming {
	return append([]StageTiming(nil), p.timings...)
}

// TimingReport formats the stage timings, one stage per line.
func (p *Pipeline) TimingReport() string {
	var sb strings.Builder
	var total time.Duration
	for _, t := range p.timings {
		fmt.Fprintf(&sb, "%-22s %8.2fs\n", t.Stage, t.Duration.Seconds())
		total += t.Duration
	}
	fmt.Fprintf(&sb, "%-22s %8.2fs\n", "total", total.Seconds())
	return sb.String()
}

// run executes one stage.
func (p *Pipeline) run(stage string, fn func() error) error {
	p.step++
	p.logger.Infof("Step %d: %s...", p.step, stage)
	start := time.Now()
	err := fn()
	p.timings = append(p.timings, StageTiming{Stage: stage, Duration: time.Since(start)})
	if err != nil {
		p.logger.Errorf("%s failed: %v", stage, err)
		return &errs.StageError{Stage: stage, Err: err}
	}
	return nil
}

// path returns an output path derived from the configured folder and name.
func (p *Pipeline) path(suffix string) string {
	return p.cfg.OutputPath(suffix)
}

// framesDir is where slicing writes individual frames.
func (p *Pipeline) framesDir() string {
	if p.cfg.Output.SingleFile {
		return p.path(FramesSuffix)
	}
	return filepath.Join(p.cfg.Output.Folder, p.cfg.Output.Name)
}

// stackCompression maps the configured compression to a stack level.
func stackCompression(c string) string {
	if c == "none" {
		return "none"
	}
	return "default"
}

// tiffCompression maps the configured compression to a TIFF encoding.
func tiffCompression(c string) string {
	if c == "none" {
		return "none"
	}
	return "deflate"
}

// frameSpacing orders the voxel size as frame width, frame height and
// frame distance for frames stacked along axis.
func frameSpacing(vs [3]float64, axis int) [3]float64 {
	switch axis {
	case 0:
		return [3]float64{vs[2], vs[1], vs[0]}
	case 1:
		return [3]float64{vs[0], vs[2], vs[1]}
	}
	return vs
}

// frameShape returns the frame size of a region stacked along axis.
func frameShape(shape [3]int, axis int) (width, height int) {
	switch axis {
	case 0:
		return shape[2], shape[1]
	case 1:
		return shape[0], shape[2]
	}
	return shape[0], shape[1]
}

// openFrames opens the frames written by a slicing run, preferring the
// merged stack.
func (p *Pipeline) openFrames() (output.FrameReader, error) {
	if p.cfg.Output.SingleFile {
		stack, err := output.OpenStack(p.path(StackSuffix))
		if err == nil {
			return stack, nil
		}
		p.logger.Debugf("no merged stack (%v), reading frame directory", err)
	}
	return output.OpenFrames(p.framesDir())
}
