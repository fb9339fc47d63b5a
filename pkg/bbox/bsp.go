package bbox

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"curveslicer/internal/errs"
	"curveslicer/pkg/slice"
)

// Default partitioning parameters.
const (
	DefaultTargetSlicesPerBox = 128
	DefaultMaxDepth           = 10
)

// Params controls the partitioner.
type Params struct {
	// TargetSlicesPerBox is the group size at or below which a box is not split
	TargetSlicesPerBox int `yaml:"targetSlicesPerBox"`

	// MaxDepth limits the number of successive splits
	MaxDepth int `yaml:"maxDepth"`
}

// DefaultParams returns the default partitioning parameters.
func DefaultParams() Params {
	return Params{
		TargetSlicesPerBox: DefaultTargetSlicesPerBox,
		MaxDepth:           DefaultMaxDepth,
	}
}

type node struct {
	indices []int
	box     BoundingBox
	repeat  bool
	depth   int
}

// Partition groups rects into bounding boxes by binary space partitioning
// and returns the boxes together with the index of the box owning each
// rect.
//
// A group becomes a box once it holds at most targetGroupSize rects, holds
// a single rect, or maxDepth splits have been made. Otherwise it is split
// on the longest axis of its envelope at the median of the rects' mean
// corner coordinate, so a rect always goes to one side as a whole. When a
// split leaves one side empty twice in a row, the group becomes a box.
//
// Boxes may overlap; slices are never split across boxes.
func Partition(rects []slice.Rect, targetGroupSize, maxDepth int) ([]BoundingBox, []int, error) {
	if targetGroupSize < 1 {
		return nil, nil, errs.Invalidf("target slices per box must be at least 1, got %d", targetGroupSize)
	}
	if maxDepth < 0 {
		return nil, nil, errs.Invalidf("max depth must be non-negative, got %d", maxDepth)
	}
	if len(rects) == 0 {
		return nil, nil, nil
	}

	all := make([]int, len(rects))
	for i := range all {
		all[i] = i
	}

	sliceToBox := make([]int, len(rects))
	for i := range sliceToBox {
		sliceToBox[i] = -1
	}

	var boxes []BoundingBox
	emit := func(n node) {
		for _, i := range n.indices {
			sliceToBox[i] = len(boxes)
		}
		boxes = append(boxes, n.box)
	}

	stack := []node{{indices: all, box: FromRects(rects), depth: maxDepth}}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if len(n.indices) <= targetGroupSize || len(n.indices) == 1 || n.depth == 0 {
			emit(n)
			continue
		}

		axis := n.box.LongestDimension()
		means := make([]float64, len(n.indices))
		for j, i := range n.indices {
			means[j] = rects[i].Mean(axis)
		}
		m := median(means)

		var left, right []int
		for j, i := range n.indices {
			if means[j] < m {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}

		if n.repeat && (len(left) == 0 || len(right) == 0) {
			emit(n)
			continue
		}

		for _, side := range [][]int{left, right} {
			if len(side) == 0 {
				continue
			}
			stack = append(stack, node{
				indices: side,
				box:     FromRects(subset(rects, side)),
				repeat:  len(left) == 0 || len(right) == 0,
				depth:   n.depth - 1,
			})
		}
	}

	for i, b := range sliceToBox {
		if b < 0 || b >= len(boxes) {
			return nil, nil, fmt.Errorf("%w: slice %d has no box", errs.ErrPartition, i)
		}
	}
	return boxes, sliceToBox, nil
}

// SliceIndices inverts a slice-to-box map: entry b lists the slices of box b in order.
func SliceIndices(sliceToBox []int, numBoxes int) [][]int {
	out := make([][]int, numBoxes)
	for i, b := range sliceToBox {
		out[b] = append(out[b], i)
	}
	return out
}

func subset(rects []slice.Rect, indices []int) []slice.Rect {
	out := make([]slice.Rect, len(indices))
	for j, i := range indices {
		out[j] = rects[i]
	}
	return out
}

// median calculates the median value of a slice of float64 values.
// An even count averages the two middle values.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	// Create a copy to avoid modifying the original
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	// the empirical quantile is the lower middle value
	m := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if n%2 == 0 {
		m = (m + sorted[n/2]) / 2
	}
	return m
}
