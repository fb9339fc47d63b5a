package output

import (
	"fmt"
	"math"

	"curveslicer/internal/errs"
	"curveslicer/internal/models"
	"curveslicer/pkg/bbox"
)

// DefaultChunkSize is the number of frames per chunk when no RAM budget is set.
const DefaultChunkSize = 128

const bytesPerGB = 1 << 30

// ChunkSize returns how many frames of frameBytes each fit into maxRAMGB.
// A budget of 0 means DefaultChunkSize. When the budget cannot hold a single
// frame the size is floored at 1 and an ErrMemoryBudget warning is returned
// alongside it.
func ChunkSize(maxRAMGB float64, frameBytes int64) (int, error) {
	if maxRAMGB < 0 {
		return 0, errs.Invalidf("RAM budget must be non-negative, got %v", maxRAMGB)
	}
	if maxRAMGB == 0 || frameBytes <= 0 {
		return DefaultChunkSize, nil
	}
	n := math.Floor(maxRAMGB * bytesPerGB / float64(frameBytes))
	if n < 1 {
		return 1, fmt.Errorf("%w: %v GB holds less than one %d byte frame, writing frame by frame",
			errs.ErrMemoryBudget, maxRAMGB, frameBytes)
	}
	return int(n), nil
}

// Overlap is the part of a cached box that falls into a chunk.
type Overlap struct {
	BoxIndex int
	Box      bbox.BoundingBox
}

// Chunk is a span of output frames along one axis together with the boxes
// contributing voxels to it.
type Chunk struct {
	Box      bbox.BoundingBox
	Overlaps []Overlap
}

// Empty reports whether no box touches the chunk.
func (c Chunk) Empty() bool { return len(c.Overlaps) == 0 }

// OutputRegion returns the voxel bounds of the output volume: the union of
// the boxes' approximate bounds when restricted to the minimum bounding box,
// otherwise the whole source volume. The result is clipped to the volume.
func OutputRegion(boxes []bbox.BoundingBox, shape models.Shape, restrictToMinBox bool) bbox.BoundingBox {
	hi := [3]int{shape.X - 1, shape.Y - 1, shape.Z - 1}
	if !restrictToMinBox || len(boxes) == 0 {
		return bbox.FromBounds([3]int{}, hi)
	}
	var lo [3]int
	for i := 0; i < 3; i++ {
		start, end := bbox.DimRange(boxes, i)
		lo[i] = max(start, 0)
		hi[i] = min(end-1, hi[i])
		if lo[i] > hi[i] {
			hi[i] = lo[i]
		}
	}
	return bbox.FromBounds(lo, hi)
}

// Chunks walks the output region along axis in steps of chunkSize frames
// and pairs every step with the boxes intersecting it.
func Chunks(boxes []bbox.BoundingBox, shape models.Shape, chunkSize int, restrictToMinBox bool, axis int) []Chunk {
	if chunkSize < 1 {
		chunkSize = 1
	}
	region := OutputRegion(boxes, shape, restrictToMinBox)
	lo, hi := region.Approx()

	var chunks []Chunk
	for start := lo[axis]; start <= hi[axis]; start += chunkSize {
		clo, chi := lo, hi
		clo[axis] = start
		chi[axis] = min(start+chunkSize-1, hi[axis])
		chunk := Chunk{Box: bbox.FromBounds(clo, chi)}
		for i, b := range boxes {
			if overlap, ok := chunk.Box.Intersection(b); ok {
				chunk.Overlaps = append(chunk.Overlaps, Overlap{BoxIndex: i, Box: overlap})
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
