package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"curveslicer/internal/errs"
	"curveslicer/internal/models"
)

const tempHeaderSize = 16

// tempVolumes keeps the backprojected volume of every box on disk between
// the splat and write stages. Files hold a width, height, depth, channels
// header followed by float32 voxels, compressed as one zstd frame.
// Save and Load may be called concurrently.
type tempVolumes struct {
	dir      string
	dataType models.DataType
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

func newTempVolumes(dir string, dataType models.DataType) (*tempVolumes, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: error creating temporary volume directory: %v", errs.ErrIO, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return &tempVolumes{dir: dir, dataType: dataType, enc: enc, dec: dec}, nil
}

func (t *tempVolumes) path(boxIndex int) string {
	return filepath.Join(t.dir, fmt.Sprintf("box_%05d.zst", boxIndex))
}

// Save writes the volume of a box.
func (t *tempVolumes) Save(boxIndex int, vol *models.Volume) error {
	raw := make([]byte, tempHeaderSize+4*len(vol.Data))
	binary.LittleEndian.PutUint32(raw[0:], uint32(vol.Width))
	binary.LittleEndian.PutUint32(raw[4:], uint32(vol.Height))
	binary.LittleEndian.PutUint32(raw[8:], uint32(vol.Depth))
	binary.LittleEndian.PutUint32(raw[12:], uint32(vol.Channels))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint32(raw[tempHeaderSize+4*i:], math.Float32bits(v))
	}
	if err := os.WriteFile(t.path(boxIndex), t.enc.EncodeAll(raw, nil), 0644); err != nil {
		return fmt.Errorf("%w: error writing temporary volume %d: %v", errs.ErrIO, boxIndex, err)
	}
	return nil
}

// Load reads the volume of a box back.
func (t *tempVolumes) Load(ctx context.Context, boxIndex int) (*models.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(t.path(boxIndex))
	if err != nil {
		return nil, fmt.Errorf("%w: error reading temporary volume %d: %v", errs.ErrIO, boxIndex, err)
	}
	raw, err := t.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: error decompressing temporary volume %d: %v", errs.ErrIO, boxIndex, err)
	}
	if len(raw) < tempHeaderSize {
		return nil, fmt.Errorf("%w: temporary volume %d is truncated", errs.ErrIO, boxIndex)
	}
	w := int(binary.LittleEndian.Uint32(raw[0:]))
	h := int(binary.LittleEndian.Uint32(raw[4:]))
	d := int(binary.LittleEndian.Uint32(raw[8:]))
	c := int(binary.LittleEndian.Uint32(raw[12:]))
	vol := models.NewVolume(w, h, d, c, t.dataType)
	if len(raw)-tempHeaderSize != 4*len(vol.Data) {
		return nil, fmt.Errorf("%w: temporary volume %d has %d bytes, expected %d",
			errs.ErrIO, boxIndex, len(raw)-tempHeaderSize, 4*len(vol.Data))
	}
	for i := range vol.Data {
		vol.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[tempHeaderSize+4*i:]))
	}
	return vol, nil
}

// Remove deletes the directory and releases the codecs.
func (t *tempVolumes) Remove() error {
	t.enc.Close()
	t.dec.Close()
	if err := os.RemoveAll(t.dir); err != nil {
		return fmt.Errorf("%w: error removing temporary volumes: %v", errs.ErrIO, err)
	}
	return nil
}
