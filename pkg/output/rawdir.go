package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"curveslicer/internal/errs"
	"curveslicer/internal/models"
)

// RawDirSink writes every frame as its own zstd compressed file of
// little-endian voxels in the stream's data type, so any type is stored
// without loss. Frames may be written in any order and from several
// goroutines.
type RawDirSink struct {
	dir    string
	digits int
	meta   Metadata
	enc    *zstd.Encoder
}

// NewRawDirSink creates dir and returns a sink for meta.Frames frames of
// meta.Width x meta.Height x meta.Channels voxels.
func NewRawDirSink(dir string, meta Metadata) (*RawDirSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: error creating frame directory: %v", errs.ErrIO, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	meta.Channels = max(meta.Channels, 1)
	meta.Compression = "zstd"
	return &RawDirSink{
		dir:    dir,
		digits: len(strconv.Itoa(max(meta.Frames-1, 0))),
		meta:   meta,
		enc:    enc,
	}, nil
}

// FramePath returns the file name used for a position.
func (s *RawDirSink) FramePath(position int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%0*d.zst", s.digits, position))
}

func (s *RawDirSink) WriteFrame(position int, frame *models.Frame) error {
	if position < 0 || position >= s.meta.Frames {
		return fmt.Errorf("%w: frame %d out of range [0, %d)", errs.ErrIO, position, s.meta.Frames)
	}
	if frame.Width != s.meta.Width || frame.Height != s.meta.Height || frame.Channels != s.meta.Channels {
		return errs.Invalidf("frame %d is %dx%dx%d, directory frames are %dx%dx%d", position,
			frame.Width, frame.Height, frame.Channels, s.meta.Width, s.meta.Height, s.meta.Channels)
	}
	data := s.enc.EncodeAll(encodeFrame(nil, frame, s.meta.DataType), nil)
	if err := os.WriteFile(s.FramePath(position), data, 0644); err != nil {
		return fmt.Errorf("%w: error writing frame %d: %v", errs.ErrIO, position, err)
	}
	return nil
}

// Close releases the encoder and writes the metadata sidecar.
func (s *RawDirSink) Close() error {
	s.enc.Close()
	return SaveMetadata(filepath.Join(s.dir, MetadataFile), s.meta)
}

// RawDirReader reads the frames of a directory written by RawDirSink.
type RawDirReader struct {
	files []string
	meta  Metadata
	dec   *zstd.Decoder
}

// OpenRawDir opens a frame directory and checks that every frame listed in
// its metadata is present.
func OpenRawDir(dir string) (*RawDirReader, error) {
	meta, err := LoadMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.zst"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if len(files) != meta.Frames {
		return nil, fmt.Errorf("%w: %s holds %d frames, metadata lists %d", errs.ErrIO, dir, len(files), meta.Frames)
	}
	sort.Strings(files)
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return &RawDirReader{files: files, meta: meta, dec: dec}, nil
}

// Metadata returns the directory's sidecar contents.
func (r *RawDirReader) Metadata() Metadata { return r.meta }

func (r *RawDirReader) NumFrames() int { return len(r.files) }

func (r *RawDirReader) ReadFrame(position int) (*models.Frame, error) {
	if position < 0 || position >= len(r.files) {
		return nil, fmt.Errorf("%w: frame %d out of range [0, %d)", errs.ErrIO, position, len(r.files))
	}
	data, err := os.ReadFile(r.files[position])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	raw, err := r.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: error decompressing %s: %v", errs.ErrIO, r.files[position], err)
	}
	return decodeFrame(raw, r.meta)
}

// Close releases the decoder.
func (r *RawDirReader) Close() error {
	r.dec.Close()
	return nil
}

// FrameReader is a FrameSource holding resources until closed.
type FrameReader interface {
	FrameSource
	Close() error
}

// OpenFrames opens a stack file, a raw frame directory or a TIFF frame
// directory, whichever path holds.
func OpenFrames(path string) (FrameReader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if !info.IsDir() {
		return OpenStack(path)
	}
	if raw, _ := filepath.Glob(filepath.Join(path, "*.zst")); len(raw) > 0 {
		return OpenRawDir(path)
	}
	return OpenTIFFDir(path)
}
