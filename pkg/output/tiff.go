package output

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/image/tiff"

	"curveslicer/internal/errs"
	"curveslicer/internal/models"
)

// MetadataFile is the name of the sidecar written into frame directories.
const MetadataFile = "metadata.yaml"

// TIFFDirSink writes every frame as a numbered TIFF image in one directory.
// Frames may be written in any order and from several goroutines. Only
// uint8 and uint16 frames with one or three channels can be written.
type TIFFDirSink struct {
	dir     string
	digits  int
	meta    Metadata
	options *tiff.Options
}

// CheckTIFF reports whether frames of the given type and channel count can
// be stored as TIFF images without loss.
func CheckTIFF(dataType models.DataType, channels int) error {
	switch dataType {
	case models.Uint8, models.Uint16:
	default:
		return errs.Invalidf("%s frames cannot be written as TIFF images; write a single stack file instead", dataType)
	}
	if channels != 1 && channels != 3 {
		return errs.Invalidf("frames with %d channels cannot be written as TIFF images", channels)
	}
	return nil
}

// NewTIFFDirSink creates dir and returns a sink for meta.Frames frames.
// A data type set in meta must pass CheckTIFF. compression is "none" or anything else for deflate, the only compressed
// encoding the TIFF writer supports.
func NewTIFFDirSink(dir string, meta Metadata, compression string) (*TIFFDirSink, error) {
	if meta.DataType != "" {
		if err := CheckTIFF(meta.DataType, max(meta.Channels, 1)); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: error creating frame directory: %v", errs.ErrIO, err)
	}
	opts := &tiff.Options{Compression: tiff.Deflate}
	meta.Compression = "deflate"
	if compression == "none" {
		opts.Compression = tiff.Uncompressed
		meta.Compression = "none"
	}
	return &TIFFDirSink{
		dir:     dir,
		digits:  len(strconv.Itoa(max(meta.Frames-1, 0))),
		meta:    meta,
		options: opts,
	}, nil
}

// FramePath returns the file name used for a position.
func (s *TIFFDirSink) FramePath(position int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%0*d.tif", s.digits, position))
}

func (s *TIFFDirSink) WriteFrame(position int, frame *models.Frame) error {
	img, err := toImage(frame)
	if err != nil {
		return err
	}

	f, err := os.Create(s.FramePath(position))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	w := bufio.NewWriter(f)
	if err := tiff.Encode(w, img, s.options); err != nil {
		f.Close()
		return fmt.Errorf("%w: error encoding frame %d: %v", errs.ErrIO, position, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return nil
}

// Close writes the metadata sidecar.
func (s *TIFFDirSink) Close() error {
	return SaveMetadata(filepath.Join(s.dir, MetadataFile), s.meta)
}

// toImage converts a frame to the smallest standard image type holding it.
func toImage(frame *models.Frame) (image.Image, error) {
	if err := CheckTIFF(frame.DataType, frame.Channels); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, frame.Width, frame.Height)
	dt := frame.DataType

	if frame.Channels == 1 {
		if dt == models.Uint8 {
			img := image.NewGray(rect)
			for i, v := range frame.Data {
				img.Pix[i] = uint8(dt.Clamp(v))
			}
			return img, nil
		}
		img := image.NewGray16(rect)
		for y := 0; y < frame.Height; y++ {
			for x := 0; x < frame.Width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: uint16(dt.Clamp(frame.At(x, y, 0)))})
			}
		}
		return img, nil
	}

	if dt == models.Uint8 {
		img := image.NewRGBA(rect)
		for y := 0; y < frame.Height; y++ {
			for x := 0; x < frame.Width; x++ {
				img.SetRGBA(x, y, color.RGBA{
					R: uint8(dt.Clamp(frame.At(x, y, 0))),
					G: uint8(dt.Clamp(frame.At(x, y, 1))),
					B: uint8(dt.Clamp(frame.At(x, y, 2))),
					A: 255,
				})
			}
		}
		return img, nil
	}
	img := image.NewRGBA64(rect)
	for y := 0; y < frame.Height; y++ {
		for x := 0; x < frame.Width; x++ {
			img.SetRGBA64(x, y, color.RGBA64{
				R: uint16(dt.Clamp(frame.At(x, y, 0))),
				G: uint16(dt.Clamp(frame.At(x, y, 1))),
				B: uint16(dt.Clamp(frame.At(x, y, 2))),
				A: 65535,
			})
		}
	}
	return img, nil
}

// fromImage converts a decoded image back into a frame.
func fromImage(img image.Image) *models.Frame {
	b := img.Bounds()
	switch m := img.(type) {
	case *image.Gray:
		f := models.NewFrame(b.Dx(), b.Dy(), 1, models.Uint8)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				f.Set(x, y, 0, float32(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
		return f
	case *image.RGBA:
		f := models.NewFrame(b.Dx(), b.Dy(), 3, models.Uint8)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := m.RGBAAt(b.Min.X+x, b.Min.Y+y)
				f.Set(x, y, 0, float32(c.R))
				f.Set(x, y, 1, float32(c.G))
				f.Set(x, y, 2, float32(c.B))
			}
		}
		return f
	case *image.RGBA64:
		f := models.NewFrame(b.Dx(), b.Dy(), 3, models.Uint16)
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := m.RGBA64At(b.Min.X+x, b.Min.Y+y)
				f.Set(x, y, 0, float32(c.R))
				f.Set(x, y, 1, float32(c.G))
				f.Set(x, y, 2, float32(c.B))
			}
		}
		return f
	}

	f := models.NewFrame(b.Dx(), b.Dy(), 1, models.Uint16)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			f.Set(x, y, 0, float32(c.Y))
		}
	}
	return f
}

// TIFFDirReader reads the frames of a directory written by TIFFDirSink.
type TIFFDirReader struct {
	dir   string
	files []string
}

// OpenTIFFDir lists the frames of dir in position order.
func OpenTIFFDir(dir string) (*TIFFDirReader, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.tif"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no TIFF frames in %s", errs.ErrIO, dir)
	}
	// names are zero padded, so lexical order is position order
	sort.Strings(files)
	return &TIFFDirReader{dir: dir, files: files}, nil
}

func (r *TIFFDirReader) NumFrames() int { return len(r.files) }

func (r *TIFFDirReader) ReadFrame(position int) (*models.Frame, error) {
	if position < 0 || position >= len(r.files) {
		return nil, fmt.Errorf("%w: frame %d out of range [0, %d)", errs.ErrIO, position, len(r.files))
	}
	f, err := os.Open(r.files[position])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	defer f.Close()
	img, err := tiff.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: error decoding %s: %v", errs.ErrIO, r.files[position], err)
	}
	return fromImage(img), nil
}

// Close is a no-op; frames are opened per read.
func (r *TIFFDirReader) Close() error { return nil }

// Files returns the frame file names in position order.
func (r *TIFFDirReader) Files() []string { return r.files }
