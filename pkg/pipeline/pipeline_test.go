package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/errs"
	"curveslicer/internal/logging"
	"curveslicer/internal/models"
	"curveslicer/internal/sampledata"
	"curveslicer/pkg/bbox"
	"curveslicer/pkg/config"
	"curveslicer/pkg/output"
	"curveslicer/pkg/volume"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Slice.Width = 9
	cfg.Slice.Height = 9
	cfg.Slice.Spacing = 1
	cfg.BoundingBox.TargetSlicesPerBox = 8
	cfg.Processing.NumThreads = 2
	cfg.Processing.NumProcesses = 2
	cfg.Processing.QueueSize = 2
	cfg.Output.Folder = t.TempDir()
	cfg.Output.Name = "run"
	return cfg
}

func constantSource(t *testing.T, value float32) *volume.MemorySource {
	return typedSource(t, models.Uint8, 1, value)
}

func typedSource(t *testing.T, dataType models.DataType, channels int, value float32) *volume.MemorySource {
	t.Helper()
	vol := sampledata.ConstantVolume(48, 48, 64, channels, value, dataType)
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 8, 8, 40
	src, err := volume.NewMemorySource(map[int]*models.Volume{0: vol})
	require.NoError(t, err)
	return src
}

// assertConstant checks every non-zero value of frames and returns how many there are.
func assertConstant(t *testing.T, frames []*models.Frame, dataType models.DataType, channels int, value float32) int {
	t.Helper()
	nonZero := 0
	for i, f := range frames {
		require.Equal(t, dataType, f.DataType, "frame %d", i)
		require.Equal(t, channels, f.Channels, "frame %d", i)
		for _, v := range f.Data {
			if v != 0 {
				require.InDelta(t, value, v, 1e-6, "frame %d", i)
				nonZero++
			}
		}
	}
	return nonZero
}

func centerline() []r3.Vec {
	return sampledata.Line(r3.Vec{X: 20, Y: 24, Z: 12}, r3.Vec{X: 28, Y: 24, Z: 52}, 6)
}

func readAll(t *testing.T, src output.FrameSource) []*models.Frame {
	t.Helper()
	frames := make([]*models.Frame, src.NumFrames())
	for i := range frames {
		f, err := src.ReadFrame(i)
		require.NoError(t, err)
		frames[i] = f
	}
	return frames
}

func TestSliceAndBackproject(t *testing.T) {
	cfg := testConfig(t)
	src := constantSource(t, 7)
	p, err := New(cfg, src, nil)
	require.NoError(t, err)

	res, err := p.Slice(context.Background(), centerline())
	require.NoError(t, err)
	require.Greater(t, res.Frames, 30)
	assert.GreaterOrEqual(t, len(res.Boxes), 2)
	assert.Len(t, res.SliceToBox, res.Frames)
	assert.Equal(t, int64(len(res.Boxes)), src.Downloads())

	// the frame directory is merged and removed
	assert.Equal(t, cfg.OutputPath(StackSuffix), res.Path)
	_, err = os.Stat(cfg.OutputPath(FramesSuffix))
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, cfg.OutputPath(ConfigSuffix))
	assert.FileExists(t, cfg.OutputPath(GeometrySuffix))

	stack, err := output.OpenStack(res.Path)
	require.NoError(t, err)
	frames := readAll(t, stack)
	require.NoError(t, stack.Close())
	require.Len(t, frames, res.Frames)
	for i, f := range frames {
		require.Equal(t, 9, f.Width)
		for _, v := range f.Data {
			require.Equal(t, float32(7), v, "frame %d", i)
		}
	}

	geom, err := LoadGeometry(cfg.OutputPath(GeometrySuffix))
	require.NoError(t, err)
	assert.Equal(t, res.Geometry, geom)

	bp, err := p.Backproject(context.Background(), geom)
	require.NoError(t, err)
	_, err = os.Stat(cfg.OutputPath(TempVolumesSuffix))
	assert.True(t, os.IsNotExist(err), "temporary volumes must be removed")

	out, err := output.OpenStack(bp.Path)
	require.NoError(t, err)
	defer out.Close()
	meta := out.Metadata()
	lo, _ := bp.Region.Approx()
	assert.Equal(t, lo, meta.Offset)
	assert.Equal(t, "z", meta.Axis)
	assert.Equal(t, [3]float64{8, 8, 40}, meta.Spacing)
	assert.Equal(t, bp.Frames, out.NumFrames())

	nonZero := 0
	for _, f := range readAll(t, out) {
		for _, v := range f.Data {
			if v != 0 {
				require.Equal(t, float32(7), v)
				nonZero++
			}
		}
	}
	assert.Greater(t, nonZero, res.Frames*9*9/2)

	names := []string{}
	for _, timing := range p.Timings() {
		names = append(names, timing.Stage)
	}
	assert.Equal(t, []string{
		StageGeometry, StageSaveConfig, StagePartition, StageSlicing, StageMerge,
		StageGeometry, StagePartition, StageSplat, StageWriteVolume,
	}, names)
	assert.Contains(t, p.TimingReport(), "total")
}

func TestBackprojectFrameDirectoryAlongX(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.SingleFile = false
	cfg.Backproject.Axis = "x"
	cfg.Backproject.Binary = true
	cfg.Backproject.MaxRAMGB = 1e-9
	p, err := New(cfg, constantSource(t, 200), nil)
	require.NoError(t, err)

	res, err := p.Slice(context.Background(), centerline())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Output.Folder, cfg.Output.Name), res.Path)

	frames, err := output.OpenTIFFDir(res.Path)
	require.NoError(t, err)
	assert.Equal(t, res.Frames, frames.NumFrames())

	bp, err := p.Backproject(context.Background(), res.Geometry)
	require.NoError(t, err)
	assert.Equal(t, 1, bp.ChunkSize)

	meta, err := output.LoadMetadata(filepath.Join(bp.Path, output.MetadataFile))
	require.NoError(t, err)
	shape := bp.Region.Shape()
	assert.Equal(t, shape[0], meta.Frames)
	assert.Equal(t, shape[2], meta.Width)
	assert.Equal(t, shape[1], meta.Height)
	assert.Equal(t, models.Uint8, meta.DataType)

	out, err := output.OpenTIFFDir(bp.Path)
	require.NoError(t, err)
	for _, f := range readAll(t, out) {
		for _, v := range f.Data {
			require.Contains(t, []float32{0, 1}, v)
		}
	}
}

func TestSliceAndBackprojectDataTypes(t *testing.T) {
	tests := []struct {
		dataType models.DataType
		value    float32
	}{
		{models.Uint8, 7},
		{models.Uint16, 60000},
		{models.Uint32, 100000},
		{models.Float32, 0.25},
	}
	for _, tt := range tests {
		t.Run(string(tt.dataType), func(t *testing.T) {
			p, err := New(testConfig(t), typedSource(t, tt.dataType, 1, tt.value), nil)
			require.NoError(t, err)

			res, err := p.Slice(context.Background(), centerline())
			require.NoError(t, err)
			stack, err := output.OpenStack(res.Path)
			require.NoError(t, err)
			assert.Equal(t, tt.dataType, stack.Metadata().DataType)
			frames := readAll(t, stack)
			require.NoError(t, stack.Close())
			assert.Equal(t, res.Frames*9*9, assertConstant(t, frames, tt.dataType, 1, tt.value),
				"every slice pixel lies inside the volume")

			bp, err := p.Backproject(context.Background(), res.Geometry)
			require.NoError(t, err)
			out, err := output.OpenStack(bp.Path)
			require.NoError(t, err)
			defer out.Close()
			assert.Equal(t, tt.dataType, out.Metadata().DataType)
			nonZero := assertConstant(t, readAll(t, out), tt.dataType, 1, tt.value)
			assert.Greater(t, nonZero, res.Frames*9*9/2)
		})
	}
}

func TestSliceAndBackprojectColor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.KeepFrames = true
	p, err := New(cfg, typedSource(t, models.Uint8, 3, 90), nil)
	require.NoError(t, err)

	res, err := p.Slice(context.Background(), centerline())
	require.NoError(t, err)
	stack, err := output.OpenStack(res.Path)
	require.NoError(t, err)
	assert.Equal(t, 3, stack.Metadata().Channels)
	assert.Equal(t, res.Frames*9*9*3, assertConstant(t, readAll(t, stack), models.Uint8, 3, 90))
	require.NoError(t, stack.Close())

	// kept frames read back like the stack
	kept, err := output.OpenFrames(cfg.OutputPath(FramesSuffix))
	require.NoError(t, err)
	assert.Equal(t, res.Frames, kept.NumFrames())
	assert.Equal(t, res.Frames*9*9*3, assertConstant(t, readAll(t, kept), models.Uint8, 3, 90))
	require.NoError(t, kept.Close())

	bp, err := p.Backproject(context.Background(), res.Geometry)
	require.NoError(t, err)
	out, err := output.OpenStack(bp.Path)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, 3, out.Metadata().Channels)
	assert.Greater(t, assertConstant(t, readAll(t, out), models.Uint8, 3, 90), res.Frames*9*9*3/2)
}

func TestSliceRejectsFramesTIFFCannotHold(t *testing.T) {
	tests := []struct {
		dataType models.DataType
		channels int
	}{
		{models.Uint32, 1},
		{models.Float32, 1},
		{models.Uint8, 2},
	}
	for _, tt := range tests {
		cfg := testConfig(t)
		cfg.Output.SingleFile = false
		src := typedSource(t, tt.dataType, tt.channels, 5)
		p, err := New(cfg, src, nil)
		require.NoError(t, err)

		_, err = p.Slice(context.Background(), centerline())
		assert.True(t, errors.Is(err, errs.ErrInvalidParameter), "%s x%d", tt.dataType, tt.channels)
		var stageErr *errs.StageError
		require.True(t, errors.As(err, &stageErr))
		assert.Equal(t, StageGeometry, stageErr.Stage)
		assert.Zero(t, src.Downloads(), "nothing is downloaded before the check")
		_, err = os.Stat(filepath.Join(cfg.Output.Folder, cfg.Output.Name))
		assert.True(t, os.IsNotExist(err))
	}
}

func TestPartitionWarnsAboutSparseBoxes(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(t)
	cfg.BoundingBox.MaxDepth = 0
	p, err := New(cfg, constantSource(t, 1), logging.NewWriter(&buf, logging.WarningLevel))
	require.NoError(t, err)

	// one box around a diagonal curve is mostly empty
	diagonal := sampledata.Line(r3.Vec{X: 4, Y: 4, Z: 4}, r3.Vec{X: 40, Y: 40, Z: 60}, 6)
	geom, err := NewGeometry(cfg, diagonal, p.source)
	require.NoError(t, err)
	layout, err := geom.Layout()
	require.NoError(t, err)
	boxes, _, err := p.partition(layout.Rects, geom)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Contains(t, buf.String(), "1 of 1 bounding boxes sample less than 10% of their voxels")

	buf.Reset()
	cfg.BoundingBox.MaxDepth = bbox.DefaultMaxDepth
	geom, err = NewGeometry(cfg, centerline(), p.source)
	require.NoError(t, err)
	layout, err = geom.Layout()
	require.NoError(t, err)
	_, _, err = p.partition(layout.Rects, geom)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "bounding boxes sample")
}

type failingSource struct {
	*volume.MemorySource
}

func (failingSource) Download(context.Context, volume.Region, int) (*models.Volume, error) {
	return nil, errors.New("connection reset")
}

func TestSliceFailsFast(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, failingSource{constantSource(t, 1)}, nil)
	require.NoError(t, err)

	_, err = p.Slice(context.Background(), centerline())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDownload))
	var stageErr *errs.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageSlicing, stageErr.Stage)
}

func TestSliceCancelled(t *testing.T) {
	p, err := New(testConfig(t), constantSource(t, 1), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Slice(ctx, centerline())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackprojectRemovesTempVolumesOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Output.SingleFile = false
	p, err := New(cfg, constantSource(t, 3), nil)
	require.NoError(t, err)
	res, err := p.Slice(context.Background(), centerline())
	require.NoError(t, err)

	frames, err := output.OpenTIFFDir(res.Path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(frames.Files()[3], []byte("not a tiff"), 0644))

	_, err = p.Backproject(context.Background(), res.Geometry)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIO))
	var stageErr *errs.StageError
	require.True(t, errors.As(err, &stageErr))
	assert.Equal(t, StageSplat, stageErr.Stage)

	_, err = os.Stat(cfg.OutputPath(TempVolumesSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestBackprojectFrameCountMismatch(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, constantSource(t, 3), nil)
	require.NoError(t, err)
	res, err := p.Slice(context.Background(), centerline())
	require.NoError(t, err)

	geom := *res.Geometry
	geom.Spacing = 0.5
	_, err = p.Backproject(context.Background(), &geom)
	assert.True(t, errors.Is(err, errs.ErrIO))
}

func TestNewRejectsInvalidSpacing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Slice.Spacing = 0
	_, err := New(cfg, constantSource(t, 1), nil)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))

	g := &Geometry{Width: 4, Height: 4, Spacing: -1, SplineDegree: 3}
	for _, p := range centerline() {
		g.Points = append(g.Points, [3]float64{p.X, p.Y, p.Z})
	}
	_, err = g.Layout()
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestNewGeometry(t *testing.T) {
	src, err := volume.NewMemorySource(map[int]*models.Volume{
		0: models.NewVolume(64, 64, 32, 1, models.Uint8),
		1: models.NewVolume(32, 32, 16, 1, models.Uint8),
	})
	require.NoError(t, err)
	points := []r3.Vec{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}, {X: 7, Y: 9, Z: 8}, {X: 10, Y: 10, Z: 10}}

	cfg := config.DefaultConfig()
	cfg.Volume.AnnotationMip = 1
	g, err := NewGeometry(cfg, points, src)
	require.NoError(t, err)
	assert.Equal(t, 0, g.Mip)
	assert.Equal(t, [3]float64{2, 4, 6}, g.Points[0])

	cfg.Volume.Mip = 1
	cfg.Volume.AnnotationMip = -1
	cfg.Slice.ConnectStartAndEnd = true
	g, err = NewGeometry(cfg, points, src)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Mip)
	require.Len(t, g.Points, len(points)+1)
	assert.Equal(t, g.Points[0], g.Points[len(points)])
	assert.Len(t, points, 4, "input points must not be modified")

	cfg.Volume.Mip = 3
	_, err = NewGeometry(cfg, points, src)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestGeometryRoundTrip(t *testing.T) {
	g := &Geometry{
		Mip: 2, Width: 10, Height: 12, Spacing: 1.5, SplineDegree: 3,
		Adaptive: true, AdaptiveRatio: 0.5,
		Points: [][3]float64{{1, 2, 3}, {4.25, 5, 6}},
	}
	path := filepath.Join(t.TempDir(), "geom", "geometry.yaml")
	require.NoError(t, SaveGeometry(path, g))
	loaded, err := LoadGeometry(path)
	require.NoError(t, err)
	assert.Equal(t, g, loaded)

	_, err = LoadGeometry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, errs.ErrIO))
}

func TestTempVolumes(t *testing.T) {
	tmp, err := newTempVolumes(filepath.Join(t.TempDir(), "tmp"), models.Uint16)
	require.NoError(t, err)
	vol := sampledata.GradientVolume(3, 4, 5, models.Uint16)
	require.NoError(t, tmp.Save(2, vol))

	loaded, err := tmp.Load(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, vol.Shape(), loaded.Shape())
	assert.Equal(t, vol.Data, loaded.Data)

	_, err = tmp.Load(context.Background(), 5)
	assert.True(t, errors.Is(err, errs.ErrIO))

	require.NoError(t, tmp.Remove())
	_, err = os.Stat(tmp.dir)
	assert.True(t, os.IsNotExist(err))
}
