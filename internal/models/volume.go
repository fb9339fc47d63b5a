package models

import (
	"fmt"
	"math"
)

// DataType is the voxel type of a source volume and of the images written for it.
type DataType string

const (
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Float32 DataType = "float32"
)

// ParseDataType validates a data type name.
func ParseDataType(s string) (DataType, error) {
	switch d := DataType(s); d {
	case Uint8, Uint16, Uint32, Float32:
		return d, nil
	}
	return "", fmt.Errorf("unsupported data type %q", s)
}

// MaxExactUint32 is the largest uint32 voxel value. Voxels are stored as
// float32, which holds every integer up to 2^24 exactly.
const MaxExactUint32 = 1 << 24

// Size returns the number of bytes of one voxel of this type.
func (d DataType) Size() int {
	switch d {
	case Uint8:
		return 1
	case Uint16:
		return 2
	default:
		return 4
	}
}

// Clamp converts v to the nearest value representable by the data type.
func (d DataType) Clamp(v float32) float32 {
	var max float64
	switch d {
	case Uint8:
		max = math.MaxUint8
	case Uint16:
		max = math.MaxUint16
	case Uint32:
		max = MaxExactUint32
	default:
		return v
	}
	r := math.Round(float64(v))
	if r < 0 {
		return 0
	}
	if r > max {
		return float32(max)
	}
	return float32(r)
}

// Shape is the extent of a volume in voxels and its channel count.
type Shape struct {
	X, Y, Z  int
	Channels int
}

// Dim returns the extent along axis 0 (x), 1 (y) or 2 (z).
func (s Shape) Dim(axis int) int {
	switch axis {
	case 0:
		return s.X
	case 1:
		return s.Y
	default:
		return s.Z
	}
}

// Voxels returns the number of spatial voxels.
func (s Shape) Voxels() int64 {
	return int64(s.X) * int64(s.Y) * int64(s.Z)
}

// Volume represents a dense region of a 3D (optionally multi-channel) image
type Volume struct {
	// Data holds the voxels as a 1D array, x fastest, then y, z.
	// Channels are interleaved per voxel.
	Data []float32

	// Width, Height and Depth are the extents along x, y and z
	Width, Height, Depth int

	// Channels is the number of values per voxel
	Channels int

	// DataType is the voxel type of the source the data came from
	DataType DataType

	// VoxelSize is the physical size of each voxel
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume allocates a zero-filled volume.
func NewVolume(width, height, depth, channels int, dataType DataType) *Volume {
	if channels < 1 {
		channels = 1
	}
	return &Volume{
		Data:     make([]float32, width*height*depth*channels),
		Width:    width,
		Height:   height,
		Depth:    depth,
		Channels: channels,
		DataType: dataType,
	}
}

// Shape returns the extents and channel count.
func (v *Volume) Shape() Shape {
	return Shape{X: v.Width, Y: v.Height, Z: v.Depth, Channels: v.Channels}
}

// Index returns the offset of (x, y, z, c) in Data.
func (v *Volume) Index(x, y, z, c int) int {
	return ((z*v.Height+y)*v.Width+x)*v.Channels + c
}

// At returns the value at (x, y, z, c).
func (v *Volume) At(x, y, z, c int) float32 {
	return v.Data[v.Index(x, y, z, c)]
}

// Set stores a value at (x, y, z, c).
func (v *Volume) Set(x, y, z, c int, value float32) {
	v.Data[v.Index(x, y, z, c)] = value
}

// Bytes returns the size the volume occupies in its source data type.
func (v *Volume) Bytes() int64 {
	return int64(len(v.Data)) * int64(v.DataType.Size())
}

// IsZero reports whether every voxel is zero.
func (v *Volume) IsZero() bool {
	for _, d := range v.Data {
		if d != 0 {
			return false
		}
	}
	return true
}
