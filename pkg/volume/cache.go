package volume

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"curveslicer/internal/errs"
	"curveslicer/internal/logging"
	"curveslicer/internal/models"
	"curveslicer/pkg/bbox"
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Mip selects the resolution level. A negative value selects the finest
	// available level.
	Mip int

	// FlushCache clears the source's local chunk cache on Flush.
	FlushCache bool

	Logger logging.Logger
}

type slot struct {
	volume *models.Volume
	retain bool
}

// Cache downloads the sub-volume of each bounding box on first use and
// evicts it once the slices of that box are done.
//
// Two access patterns are supported. Request walks slices in order and
// keeps at most the current box (plus retained ones) resident.
// CreateProcessingData hands a box's sub-volume to a worker, which calls
// Remove once it has consumed it.
type Cache struct {
	source     Source
	boxes      []bbox.BoundingBox
	sliceToBox []int
	indices    [][]int
	mip        int
	opts       CacheOptions

	mu       sync.Mutex
	slots    []slot
	previous int
}

// ProcessingData is a box's sub-volume handed to a processing worker.
// The worker is the sole owner of Volume.
type ProcessingData struct {
	Volume       *models.Volume
	Box          bbox.BoundingBox
	SliceIndices []int
	BoxIndex     int
}

// NewCache returns a cache over boxes of the given source.
func NewCache(source Source, boxes []bbox.BoundingBox, sliceToBox []int, opts CacheOptions) (*Cache, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	mip := opts.Mip
	if mip < 0 {
		finest, err := FinestMip(source)
		if err != nil {
			return nil, err
		}
		mip = finest
	} else if err := CheckMip(source, mip); err != nil {
		return nil, err
	}
	for i, b := range sliceToBox {
		if b < 0 || b >= len(boxes) {
			return nil, fmt.Errorf("%w: slice %d maps to box %d of %d", errs.ErrPartition, i, b, len(boxes))
		}
	}

	c := &Cache{
		source:     source,
		boxes:      boxes,
		sliceToBox: sliceToBox,
		indices:    bbox.SliceIndices(sliceToBox, len(boxes)),
		mip:        mip,
		opts:       opts,
		slots:      make([]slot, len(boxes)),
		previous:   -1,
	}
	if ShouldRetainLast(sliceToBox) {
		c.slots[sliceToBox[len(sliceToBox)-1]].retain = true
	}
	return c, nil
}

// ShouldRetainLast reports whether the first and last slices share a box,
// in which case the curve comes back to it and the box must stay resident.
func ShouldRetainLast(sliceToBox []int) bool {
	return len(sliceToBox) > 1 && sliceToBox[0] == sliceToBox[len(sliceToBox)-1]
}

// Mip returns the resolution level the cache downloads from.
func (c *Cache) Mip() int { return c.mip }

// Boxes returns the bounding boxes in index order.
func (c *Cache) Boxes() []bbox.BoundingBox { return c.boxes }

// NumSlices returns the number of slices mapped to boxes.
func (c *Cache) NumSlices() int { return len(c.sliceToBox) }

// BoxOf returns the box index of a slice.
func (c *Cache) BoxOf(sliceIndex int) int { return c.sliceToBox[sliceIndex] }

// SliceIndices returns the slices of a box in curve order.
func (c *Cache) SliceIndices(boxIndex int) []int { return c.indices[boxIndex] }

// DataType returns the source voxel type.
func (c *Cache) DataType() models.DataType { return c.source.DataType() }

// ResidentCount returns the number of boxes whose sub-volume is in memory.
func (c *Cache) ResidentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.slots {
		if s.volume != nil {
			n++
		}
	}
	return n
}

// Request returns the sub-volume and box of a slice, downloading the box
// if needed. Slices are expected in order; the previously requested box is
// evicted when the request moves to another box.
func (c *Cache) Request(ctx context.Context, sliceIndex int) (*models.Volume, bbox.BoundingBox, error) {
	if sliceIndex < 0 || sliceIndex >= len(c.sliceToBox) {
		return nil, bbox.BoundingBox{}, errs.Invalidf("slice %d out of range [0, %d)", sliceIndex, len(c.sliceToBox))
	}
	boxIndex := c.sliceToBox[sliceIndex]
	vol, err := c.load(ctx, boxIndex)
	if err != nil {
		return nil, bbox.BoundingBox{}, err
	}

	c.mu.Lock()
	if c.previous >= 0 && c.previous != boxIndex {
		c.evictLocked(c.previous)
	}
	c.previous = boxIndex
	c.mu.Unlock()
	return vol, c.boxes[boxIndex], nil
}

// CreateProcessingData downloads a box if needed and packages it for a worker.
func (c *Cache) CreateProcessingData(ctx context.Context, boxIndex int) (*ProcessingData, error) {
	if boxIndex < 0 || boxIndex >= len(c.boxes) {
		return nil, errs.Invalidf("box %d out of range [0, %d)", boxIndex, len(c.boxes))
	}
	vol, err := c.load(ctx, boxIndex)
	if err != nil {
		return nil, err
	}
	return &ProcessingData{
		Volume:       vol,
		Box:          c.boxes[boxIndex],
		SliceIndices: c.indices[boxIndex],
		BoxIndex:     boxIndex,
	}, nil
}

// Remove evicts a box unless it is retained.
func (c *Cache) Remove(boxIndex int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(boxIndex)
}

// Flush clears the source's local chunk cache when configured to.
func (c *Cache) Flush() {
	if !c.opts.FlushCache {
		return
	}
	if f, ok := c.source.(Flusher); ok {
		f.Flush()
		c.opts.Logger.Debugf("flushed source chunk cache")
	}
}

func (c *Cache) evictLocked(boxIndex int) {
	if boxIndex < 0 || boxIndex >= len(c.slots) || c.slots[boxIndex].retain {
		return
	}
	c.slots[boxIndex].volume = nil
}

func (c *Cache) load(ctx context.Context, boxIndex int) (*models.Volume, error) {
	c.mu.Lock()
	vol := c.slots[boxIndex].volume
	c.mu.Unlock()
	if vol != nil {
		return vol, nil
	}

	region := RegionOf(c.boxes[boxIndex])
	tlog := logging.NewTimeLog(c.opts.Logger)
	vol, err := c.source.Download(ctx, region, c.mip)
	if err != nil {
		return nil, fmt.Errorf("%w: box %d %s: %w", errs.ErrDownload, boxIndex, region, err)
	}
	tlog.Debugf("downloaded box %d %s (%s)", boxIndex, region, humanize.Bytes(uint64(vol.Bytes())))

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.slots[boxIndex].volume; existing != nil {
		return existing, nil
	}
	c.slots[boxIndex].volume = vol
	return vol, nil
}
