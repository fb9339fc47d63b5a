package volume

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/coocood/freecache"
	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/errs"
	"curveslicer/internal/logging"
	"curveslicer/internal/models"
)

// Description of neuroglancer precomputed info file at
// https://github.com/google/neuroglancer/blob/master/src/datasource/precomputed/volume.md

type ngScale struct {
	ChunkSizes  [][3]int   `json:"chunk_sizes"`
	Encoding    string     `json:"encoding"`
	Key         string     `json:"key"`
	Resolution  [3]float64 `json:"resolution"`
	Size        [3]int     `json:"size"`
	VoxelOffset [3]int     `json:"voxel_offset"`
	Sharding    *struct {
		FormatType string `json:"@type"`
	} `json:"sharding,omitempty"`
}

type ngVolume struct {
	StoreType   string    `json:"@type"`     // must be "neuroglancer_multiscale_volume"
	VolumeType  string    `json:"type"`      // "image" or "segmentation"
	DataType    string    `json:"data_type"` // "uint8", ... "float32"
	NumChannels int       `json:"num_channels"`
	Scales      []ngScale `json:"scales"`
}

// fetcher retrieves a named object below the volume root.
// A missing object returns errNotFound.
type fetcher interface {
	fetch(ctx context.Context, key string) ([]byte, error)
	close() error
}

var errNotFound = errors.New("object not found")

type bucketFetcher struct {
	bucket *blob.Bucket
}

func (b bucketFetcher) fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, errNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b bucketFetcher) close() error { return b.bucket.Close() }

type httpFetcher struct {
	client *http.Client
	base   string
}

func (h httpFetcher) fetch(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/"+key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		return nil, errNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s/%s: %s", h.base, key, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (h httpFetcher) close() error { return nil }

// PrecomputedOptions configures a precomputed volume source.
type PrecomputedOptions struct {
	// CacheBytes is the size of the in-memory cache of fetched chunks. Zero disables it.
	CacheBytes int

	// Parallelism bounds concurrent chunk fetches within one download.
	Parallelism int

	Logger logging.Logger
}

// Precomputed reads a neuroglancer precomputed volume from cloud storage,
// a local directory, or an HTTP server.
type Precomputed struct {
	fetcher fetcher
	info    ngVolume
	dtype   models.DataType
	cache   *freecache.Cache
	opts    PrecomputedOptions

	mu     sync.Mutex
	closed bool
}

// OpenPrecomputed opens the volume at url. Neuroglancer style
// "precomputed://" prefixes and "|" key-value store suffixes are accepted.
// http and https URLs are read directly; every other scheme
// (gs://, s3://, file://, mem://) goes through a gocloud bucket.
func OpenPrecomputed(ctx context.Context, url string, opts PrecomputedOptions) (*Precomputed, error) {
	url = CleanURL(url)
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return newPrecomputed(ctx, httpFetcher{client: http.DefaultClient, base: strings.TrimSuffix(url, "/")}, opts)
	}

	bucketURL, prefix := splitBucketURL(url)
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("%w: can't open bucket %q: %v", errs.ErrDownload, bucketURL, err)
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return newPrecomputed(ctx, bucketFetcher{bucket}, opts)
}

// NewPrecomputed reads a volume whose info file sits at the root of bucket.
func NewPrecomputed(ctx context.Context, bucket *blob.Bucket, opts PrecomputedOptions) (*Precomputed, error) {
	return newPrecomputed(ctx, bucketFetcher{bucket}, opts)
}

// CleanURL strips the neuroglancer data source decorations from a URL.
func CleanURL(url string) string {
	url = strings.TrimPrefix(url, "precomputed://")
	if i := strings.Index(url, "|"); i >= 0 {
		url = url[:i]
	}
	return strings.TrimSuffix(url, "/")
}

// splitBucketURL separates "gs://bucket/path/to/vol" into the bucket URL and
// the object prefix. file:// URLs name a directory and are opened as is.
func splitBucketURL(url string) (bucketURL, prefix string) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok || scheme == "file" {
		return url, ""
	}
	host, path, _ := strings.Cut(rest, "/")
	if path == "" {
		return url, ""
	}
	query := ""
	if i := strings.Index(path, "?"); i >= 0 {
		path, query = path[:i], path[i:]
	}
	return scheme + "://" + host + query, strings.TrimSuffix(path, "/") + "/"
}

func newPrecomputed(ctx context.Context, f fetcher, opts PrecomputedOptions) (*Precomputed, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 8
	}

	data, err := f.fetch(ctx, "info")
	if err != nil {
		f.close()
		return nil, fmt.Errorf("%w: can't read info file: %v", errs.ErrDownload, err)
	}
	p := &Precomputed{fetcher: f, opts: opts}
	if err := json.Unmarshal(data, &p.info); err != nil {
		f.close()
		return nil, fmt.Errorf("%w: can't parse info file: %v", errs.ErrDownload, err)
	}
	if err := p.checkInfo(); err != nil {
		f.close()
		return nil, err
	}
	if opts.CacheBytes > 0 {
		p.cache = freecache.NewCache(opts.CacheBytes)
	}
	opts.Logger.Infof("opened precomputed %s volume: %s, %d channel(s), %d scale(s)",
		p.info.VolumeType, p.info.DataType, p.info.NumChannels, len(p.info.Scales))
	return p, nil
}

func (p *Precomputed) checkInfo() error {
	if p.info.StoreType != "" && p.info.StoreType != "neuroglancer_multiscale_volume" {
		return errs.Invalidf("unsupported precomputed store type %q", p.info.StoreType)
	}
	dt, err := models.ParseDataType(p.info.DataType)
	if err != nil {
		return errs.Invalidf("%v", err)
	}
	p.dtype = dt
	if p.info.NumChannels < 1 {
		p.info.NumChannels = 1
	}
	if len(p.info.Scales) == 0 {
		return errs.Invalidf("precomputed volume has no scales")
	}
	for i, s := range p.info.Scales {
		if len(s.ChunkSizes) == 0 {
			return errs.Invalidf("scale %d has no chunk sizes", i)
		}
		if s.Sharding != nil {
			return errs.Invalidf("scale %d is sharded, which is not supported", i)
		}
		switch s.Encoding {
		case "raw", "jpeg":
		default:
			return errs.Invalidf("scale %d uses unsupported encoding %q", i, s.Encoding)
		}
	}
	return nil
}

// Close releases the underlying bucket.
func (p *Precomputed) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.fetcher.close()
}

// Flush drops every cached chunk.
func (p *Precomputed) Flush() {
	if p.cache != nil {
		p.cache.Clear()
	}
}

func (p *Precomputed) AvailableMips() []int {
	mips := make([]int, len(p.info.Scales))
	for i := range mips {
		mips[i] = i
	}
	return mips
}

func (p *Precomputed) DataType() models.DataType { return p.dtype }

func (p *Precomputed) scale(mip int) (*ngScale, error) {
	if mip < 0 || mip >= len(p.info.Scales) {
		return nil, errs.Invalidf("resolution level %d is not available (have 0..%d)", mip, len(p.info.Scales)-1)
	}
	return &p.info.Scales[mip], nil
}

func (p *Precomputed) Shape(mip int) (models.Shape, error) {
	s, err := p.scale(mip)
	if err != nil {
		return models.Shape{}, err
	}
	return models.Shape{X: s.Size[0], Y: s.Size[1], Z: s.Size[2], Channels: p.info.NumChannels}, nil
}

func (p *Precomputed) VoxelSize(mip int) (r3.Vec, error) {
	s, err := p.scale(mip)
	if err != nil {
		return r3.Vec{}, err
	}
	return r3.Vec{X: s.Resolution[0], Y: s.Resolution[1], Z: s.Resolution[2]}, nil
}

// Download assembles region from every chunk it touches. Region coordinates
// are relative to the scale's voxel offset.
func (p *Precomputed) Download(ctx context.Context, region Region, mip int) (*models.Volume, error) {
	s, err := p.scale(mip)
	if err != nil {
		return nil, err
	}
	shape := region.Shape()
	dst := models.NewVolume(shape[0], shape[1], shape[2], p.info.NumChannels, p.dtype)
	dst.VoxelSize.X, dst.VoxelSize.Y, dst.VoxelSize.Z = s.Resolution[0], s.Resolution[1], s.Resolution[2]

	chunk := s.ChunkSizes[0]
	var lo, hi [3]int
	for i := 0; i < 3; i++ {
		lo[i] = max(region.Min[i], 0) / chunk[i]
		last := min(region.Max[i], s.Size[i]-1)
		if last < 0 || region.Min[i] >= s.Size[i] {
			return dst, nil
		}
		hi[i] = last / chunk[i]
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)
	for cz := lo[2]; cz <= hi[2]; cz++ {
		for cy := lo[1]; cy <= hi[1]; cy++ {
			for cx := lo[0]; cx <= hi[0]; cx++ {
				origin := [3]int{cx * chunk[0], cy * chunk[1], cz * chunk[2]}
				g.Go(func() error {
					vol, err := p.readChunk(gctx, s, origin)
					if err != nil || vol == nil {
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					copyOverlap(dst, region.Min, vol, origin)
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: region %s at mip %d: %w", errs.ErrDownload, region, mip, err)
	}
	return dst, nil
}

// readChunk fetches and decodes the chunk whose first voxel is origin.
// A chunk missing from storage is returned as nil.
func (p *Precomputed) readChunk(ctx context.Context, s *ngScale, origin [3]int) (*models.Volume, error) {
	var shape [3]int
	for i := 0; i < 3; i++ {
		shape[i] = min(s.ChunkSizes[0][i], s.Size[i]-origin[i])
	}
	key := fmt.Sprintf("%s/%d-%d_%d-%d_%d-%d", s.Key,
		origin[0]+s.VoxelOffset[0], origin[0]+shape[0]+s.VoxelOffset[0],
		origin[1]+s.VoxelOffset[1], origin[1]+shape[1]+s.VoxelOffset[1],
		origin[2]+s.VoxelOffset[2], origin[2]+shape[2]+s.VoxelOffset[2])

	data, err := p.fetchCached(ctx, key)
	if err == errNotFound {
		data, err = p.fetchCached(ctx, key+".gz")
	}
	if err == errNotFound {
		p.opts.Logger.Debugf("chunk %s not found, treating as empty", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %v", key, err)
	}

	vol, err := p.decode(s.Encoding, data, shape)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", key, err)
	}
	return vol, nil
}

func (p *Precomputed) fetchCached(ctx context.Context, key string) ([]byte, error) {
	if p.cache != nil {
		if data, err := p.cache.Get([]byte(key)); err == nil {
			return data, nil
		}
	}
	data, err := p.fetcher.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		// entries larger than the cache allows are silently skipped
		_ = p.cache.Set([]byte(key), data, 0)
	}
	return data, nil
}

func (p *Precomputed) decode(encoding string, data []byte, shape [3]int) (*models.Volume, error) {
	if isGzip(data) {
		var err error
		if data, err = gzipUncompress(data); err != nil {
			return nil, err
		}
	}
	channels := p.info.NumChannels
	vol := models.NewVolume(shape[0], shape[1], shape[2], channels, p.dtype)

	switch encoding {
	case "jpeg":
		pix, err := jpegUncompress(data)
		if err != nil {
			return nil, err
		}
		if len(pix) != len(vol.Data) {
			return nil, fmt.Errorf("jpeg chunk has %d pixels, expected %d", len(pix), len(vol.Data))
		}
		// jpeg chunks stack z-slices vertically, which matches x-fastest order
		for i, v := range pix {
			vol.Data[i] = float32(v)
		}
		return vol, nil
	}

	n := shape[0] * shape[1] * shape[2]
	size := p.dtype.Size()
	if len(data) != n*channels*size {
		return nil, fmt.Errorf("raw chunk has %d bytes, expected %d", len(data), n*channels*size)
	}
	// raw chunks are channel-major: x fastest, then y, z, channel
	for c := 0; c < channels; c++ {
		for i := 0; i < n; i++ {
			off := (c*n + i) * size
			var v float32
			switch p.dtype {
			case models.Uint8:
				v = float32(data[off])
			case models.Uint16:
				v = float32(binary.LittleEndian.Uint16(data[off:]))
			case models.Uint32:
				u := binary.LittleEndian.Uint32(data[off:])
				if u > models.MaxExactUint32 {
					return nil, fmt.Errorf("%w: uint32 value %d exceeds %d", errs.ErrPrecision, u, models.MaxExactUint32)
				}
				v = float32(u)
			case models.Float32:
				v = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			}
			vol.Data[i*channels+c] = v
		}
	}
	return vol, nil
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

func gzipUncompress(in []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("can't uncompress gzip data: %v", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("can't read gzip data: %v", err)
	}
	return out, nil
}

func jpegUncompress(in []byte) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(in))
	if err != nil {
		return nil, err
	}
	switch t := img.(type) {
	case *image.Gray:
		return t.Pix, nil
	default:
		return nil, fmt.Errorf("unsupported jpeg image type %T", img)
	}
}

// EncodeRawChunk serializes vol in the precomputed raw chunk layout.
// It is the inverse of the raw decoder and is used to publish test volumes.
func EncodeRawChunk(vol *models.Volume) []byte {
	n := vol.Width * vol.Height * vol.Depth
	size := vol.DataType.Size()
	out := make([]byte, n*vol.Channels*size)
	for c := 0; c < vol.Channels; c++ {
		for i := 0; i < n; i++ {
			off := (c*n + i) * size
			v := vol.Data[i*vol.Channels+c]
			switch vol.DataType {
			case models.Uint8:
				out[off] = uint8(vol.DataType.Clamp(v))
			case models.Uint16:
				binary.LittleEndian.PutUint16(out[off:], uint16(vol.DataType.Clamp(v)))
			case models.Uint32:
				binary.LittleEndian.PutUint32(out[off:], uint32(vol.DataType.Clamp(v)))
			case models.Float32:
				binary.LittleEndian.PutUint32(out[off:], math.Float32bits(v))
			}
		}
	}
	return out
}
