package models

// Frame represents a single 2D image of a straightened stack or of a
// backprojected volume written along one axis
type Frame struct {
	// Data holds the pixels in row-major order, channels interleaved
	Data []float32

	// Width and Height are the frame dimensions in pixels
	Width, Height int

	// Channels is the number of values per pixel
	Channels int

	// DataType is the pixel type used when the frame is encoded
	DataType DataType
}

// NewFrame allocates a zero-filled frame.
func NewFrame(width, height, channels int, dataType DataType) *Frame {
	if channels < 1 {
		channels = 1
	}
	return &Frame{
		Data:     make([]float32, width*height*channels),
		Width:    width,
		Height:   height,
		Channels: channels,
		DataType: dataType,
	}
}

// Index returns the offset of (x, y, c) in Data.
func (f *Frame) Index(x, y, c int) int {
	return (y*f.Width+x)*f.Channels + c
}

// At returns the value at (x, y, c).
func (f *Frame) At(x, y, c int) float32 {
	return f.Data[f.Index(x, y, c)]
}

// Set stores a value at (x, y, c).
func (f *Frame) Set(x, y, c int, value float32) {
	f.Data[f.Index(x, y, c)] = value
}

// Bytes returns the encoded size of the frame in its data type.
func (f *Frame) Bytes() int64 {
	return int64(len(f.Data)) * int64(f.DataType.Size())
}
