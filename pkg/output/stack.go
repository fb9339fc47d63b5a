package output

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"curveslicer/internal/errs"
	"curveslicer/internal/models"
)

// StackSink writes all frames into one file. Each frame is encoded as
// little-endian voxels of the stream's data type and, unless compression is
// "none", compressed as an independent zstd frame so frames can be read
// back individually. Positions must be written in increasing order
// starting at 0.
type StackSink struct {
	path    string
	file    *os.File
	buf     *bufio.Writer
	enc     *zstd.Encoder
	meta    Metadata
	offset  int64
	next    int
	scratch []byte
}

// SidecarPath returns the metadata file written next to a stack file.
func SidecarPath(stackPath string) string {
	return strings.TrimSuffix(stackPath, filepath.Ext(stackPath)) + ".yaml"
}

// NewStackSink creates the stack file at path. compression is "none" or a
// zstd level name ("fastest", "default", "better", "best"); any other value
// selects the default level.
func NewStackSink(path string, meta Metadata, compression string) (*StackSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: error creating stack file: %v", errs.ErrIO, err)
	}
	s := &StackSink{path: path, file: f, buf: bufio.NewWriter(f), meta: meta}
	s.meta.FrameOffsets = []int64{0}
	s.meta.Compression = "none"
	if compression != "none" {
		level := zstd.SpeedDefault
		if ok, l := zstd.EncoderLevelFromString(compression); ok {
			level = l
		}
		s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
		}
		s.meta.Compression = "zstd"
	}
	return s, nil
}

func (s *StackSink) WriteFrame(position int, frame *models.Frame) error {
	if position != s.next {
		return fmt.Errorf("%w: stack frames must be written in order, got %d, expected %d", errs.ErrIO, position, s.next)
	}
	if s.next == 0 {
		s.meta.Width, s.meta.Height = frame.Width, frame.Height
		s.meta.Channels, s.meta.DataType = frame.Channels, frame.DataType
	} else if frame.Width != s.meta.Width || frame.Height != s.meta.Height || frame.Channels != s.meta.Channels {
		return errs.Invalidf("frame %d is %dx%dx%d, stack frames are %dx%dx%d", position,
			frame.Width, frame.Height, frame.Channels, s.meta.Width, s.meta.Height, s.meta.Channels)
	}

	s.scratch = encodeFrame(s.scratch[:0], frame, s.meta.DataType)
	data := s.scratch
	if s.enc != nil {
		data = s.enc.EncodeAll(s.scratch, nil)
	}
	if _, err := s.buf.Write(data); err != nil {
		return fmt.Errorf("%w: error writing frame %d: %v", errs.ErrIO, position, err)
	}
	s.offset += int64(len(data))
	s.meta.FrameOffsets = append(s.meta.FrameOffsets, s.offset)
	s.next++
	return nil
}

// Close flushes the stack file and writes its sidecar.
func (s *StackSink) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	if err := s.buf.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	s.meta.Frames = s.next
	return SaveMetadata(SidecarPath(s.path), s.meta)
}

func encodeFrame(dst []byte, frame *models.Frame, dt models.DataType) []byte {
	var b [4]byte
	for _, v := range frame.Data {
		switch dt {
		case models.Uint8:
			dst = append(dst, uint8(dt.Clamp(v)))
		case models.Uint16:
			binary.LittleEndian.PutUint16(b[:], uint16(dt.Clamp(v)))
			dst = append(dst, b[:2]...)
		case models.Uint32:
			binary.LittleEndian.PutUint32(b[:], uint32(dt.Clamp(v)))
			dst = append(dst, b[:]...)
		default:
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			dst = append(dst, b[:]...)
		}
	}
	return dst
}

func decodeFrame(data []byte, meta Metadata) (*models.Frame, error) {
	frame := models.NewFrame(meta.Width, meta.Height, meta.Channels, meta.DataType)
	size := meta.DataType.Size()
	if len(data) != len(frame.Data)*size {
		return nil, fmt.Errorf("%w: frame has %d bytes, expected %d", errs.ErrIO, len(data), len(frame.Data)*size)
	}
	for i := range frame.Data {
		off := i * size
		switch meta.DataType {
		case models.Uint8:
			frame.Data[i] = float32(data[off])
		case models.Uint16:
			frame.Data[i] = float32(binary.LittleEndian.Uint16(data[off:]))
		case models.Uint32:
			frame.Data[i] = float32(binary.LittleEndian.Uint32(data[off:]))
		default:
			frame.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		}
	}
	return frame, nil
}

// StackReader reads individual frames of a stack file.
type StackReader struct {
	file *os.File
	meta Metadata
	dec  *zstd.Decoder
}

// OpenStack opens a stack file and its sidecar.
func OpenStack(path string) (*StackReader, error) {
	meta, err := LoadMetadata(SidecarPath(path))
	if err != nil {
		return nil, err
	}
	if len(meta.FrameOffsets) != meta.Frames+1 {
		return nil, fmt.Errorf("%w: stack metadata lists %d offsets for %d frames", errs.ErrIO, len(meta.FrameOffsets), meta.Frames)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	r := &StackReader{file: f, meta: meta}
	if meta.Compression == "zstd" {
		if r.dec, err = zstd.NewReader(nil); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
		}
	}
	return r, nil
}

// Metadata returns the stack's sidecar contents.
func (r *StackReader) Metadata() Metadata { return r.meta }

func (r *StackReader) NumFrames() int { return r.meta.Frames }

func (r *StackReader) ReadFrame(position int) (*models.Frame, error) {
	if position < 0 || position >= r.meta.Frames {
		return nil, fmt.Errorf("%w: frame %d out of range [0, %d)", errs.ErrIO, position, r.meta.Frames)
	}
	start, end := r.meta.FrameOffsets[position], r.meta.FrameOffsets[position+1]
	data := make([]byte, end-start)
	if _, err := r.file.ReadAt(data, start); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: error reading frame %d: %v", errs.ErrIO, position, err)
	}
	if r.dec != nil {
		raw, err := r.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: error decompressing frame %d: %v", errs.ErrIO, position, err)
		}
		data = raw
	}
	return decodeFrame(data, r.meta)
}

// Close releases the file and decoder.
func (r *StackReader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return r.file.Close()
}
