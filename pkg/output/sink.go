// Package output writes straightened and backprojected volumes as ordered
// sequences of 2D frames, either as a directory of TIFF images or as a
// single zstd compressed stack, and assembles backprojected volumes chunk
// by chunk under a memory budget.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"curveslicer/internal/errs"
	"curveslicer/internal/models"
)

// Sink receives the frames of one output stream.
type Sink interface {
	// WriteFrame stores frame at position along the stream.
	WriteFrame(position int, frame *models.Frame) error

	// Close finishes the stream and writes its metadata.
	Close() error
}

// FrameSource gives random access to previously written frames.
type FrameSource interface {
	NumFrames() int
	ReadFrame(position int) (*models.Frame, error)
}

// Metadata describes an output stream. It is saved as YAML next to the frames.
type Metadata struct {
	Width    int             `yaml:"width"`
	Height   int             `yaml:"height"`
	Frames   int             `yaml:"frames"`
	Channels int             `yaml:"channels"`
	DataType models.DataType `yaml:"dataType"`

	// Axis is the axis frames are stacked along: x, y or z.
	Axis string `yaml:"axis,omitempty"`

	// Spacing is the physical pixel size and frame distance.
	Spacing [3]float64 `yaml:"spacing"`
	Unit    string     `yaml:"unit,omitempty"`

	// Offset is the position of the first voxel in the source volume.
	Offset [3]int `yaml:"offset"`

	Compression string `yaml:"compression,omitempty"`

	// FrameOffsets holds the byte offset of every frame in a stack file,
	// followed by the file length.
	FrameOffsets []int64 `yaml:"frameOffsets,omitempty"`
}

// SaveMetadata writes metadata as YAML to path.
func SaveMetadata(path string, meta Metadata) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: error marshaling metadata: %v", errs.ErrIO, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: error writing metadata file: %v", errs.ErrIO, err)
	}
	return nil
}

// LoadMetadata reads a metadata YAML file.
func LoadMetadata(path string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("%w: error reading metadata file: %v", errs.ErrIO, err)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("%w: error parsing metadata file: %v", errs.ErrIO, err)
	}
	return meta, nil
}

// ParseAxis converts "x", "y" or "z" to 0, 1 or 2.
func ParseAxis(s string) (int, error) {
	switch strings.ToLower(s) {
	case "x":
		return 0, nil
	case "y":
		return 1, nil
	case "z", "":
		return 2, nil
	}
	return 0, errs.Invalidf("invalid axis: %s (must be x, y, or z)", s)
}

// AxisName is the inverse of ParseAxis.
func AxisName(axis int) string {
	return [...]string{"x", "y", "z"}[axis]
}

// MemorySink keeps frames in memory.
type MemorySink struct {
	mu     sync.Mutex
	frames map[int]*models.Frame
	closed bool
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{frames: make(map[int]*models.Frame)}
}

func (m *MemorySink) WriteFrame(position int, frame *models.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: write to closed sink", errs.ErrIO)
	}
	m.frames[position] = frame
	return nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Positions returns the written positions in increasing order.
func (m *MemorySink) Positions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.frames))
	for p := range m.frames {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (m *MemorySink) NumFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func (m *MemorySink) ReadFrame(position int) (*models.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[position]
	if !ok {
		return nil, fmt.Errorf("%w: no frame at position %d", errs.ErrIO, position)
	}
	return f, nil
}
