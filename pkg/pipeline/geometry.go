package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"curveslicer/internal/errs"
	"curveslicer/pkg/config"
	"curveslicer/pkg/slice"
	"curveslicer/pkg/spline"
	"curveslicer/pkg/volume"
)

// Geometry holds everything needed to rebuild the slice rectangles of a
// slicing run. It is saved next to the outputs so a backprojection can be
// run later without the centerline document.
type Geometry struct {
	// Mip is the resolution level the slices were cut from
	Mip int `yaml:"mip"`

	Width         int     `yaml:"width"`
	Height        int     `yaml:"height"`
	Spacing       float64 `yaml:"spacing"`
	SplineDegree  int     `yaml:"splineDegree"`
	Adaptive      bool    `yaml:"adaptive"`
	AdaptiveRatio float64 `yaml:"adaptiveRatio"`

	// Points are the sample points in voxel coordinates of Mip
	Points [][3]float64 `yaml:"points"`
}

// Layout is the geometry evaluated along the curve.
type Layout struct {
	Curve  *spline.Curve
	Params []float64
	Rects  []slice.Rect
}

// NewGeometry prepares the geometry of a slicing run. Points given at the
// annotation resolution level are rescaled to the slicing level, and the
// curve is closed when configured to.
func NewGeometry(cfg *config.Config, points []r3.Vec, source volume.Source) (*Geometry, error) {
	mip := cfg.Volume.Mip
	if mip < 0 {
		finest, err := volume.FinestMip(source)
		if err != nil {
			return nil, err
		}
		mip = finest
	} else if err := volume.CheckMip(source, mip); err != nil {
		return nil, err
	}

	if annMip := cfg.Volume.AnnotationMip; annMip >= 0 && annMip != mip {
		from, err := source.Shape(annMip)
		if err != nil {
			return nil, err
		}
		to, err := source.Shape(mip)
		if err != nil {
			return nil, err
		}
		points = volume.ConvertPoints(points, from, to)
	}
	if cfg.Slice.ConnectStartAndEnd && len(points) > 0 {
		points = append(append([]r3.Vec(nil), points...), points[0])
	}

	g := &Geometry{
		Mip:           mip,
		Width:         cfg.Slice.Width,
		Height:        cfg.Slice.Height,
		Spacing:       cfg.Slice.Spacing,
		SplineDegree:  cfg.Slice.SplineDegree,
		Adaptive:      cfg.Slice.Adaptive.Enabled,
		AdaptiveRatio: cfg.Slice.Adaptive.Ratio,
		Points:        make([][3]float64, len(points)),
	}
	for i, p := range points {
		g.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	return g, nil
}

// SamplePoints returns the points as vectors.
func (g *Geometry) SamplePoints() []r3.Vec {
	points := make([]r3.Vec, len(g.Points))
	for i, p := range g.Points {
		points[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	return points
}

// Layout fits the curve and places the slice rectangles along it.
func (g *Geometry) Layout() (*Layout, error) {
	if g.Width < 1 || g.Height < 1 {
		return nil, errs.Invalidf("slice size must be positive, got %dx%d", g.Width, g.Height)
	}
	curve, err := spline.Fit(g.SamplePoints(), g.SplineDegree)
	if err != nil {
		return nil, err
	}

	var params []float64
	if g.Adaptive {
		params, err = spline.AdaptiveParameters(curve, g.Spacing, g.AdaptiveRatio)
	} else {
		params, err = spline.EquidistantParameters(curve, g.Spacing)
	}
	if err != nil {
		return nil, err
	}

	return &Layout{
		Curve:  curve,
		Params: params,
		Rects:  slice.Rects(curve, params, g.Width, g.Height),
	}, nil
}

// SaveGeometry writes g as YAML.
func SaveGeometry(path string, g *Geometry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: error creating geometry directory: %v", errs.ErrIO, err)
	}
	data, err := yaml.Marshal(g)
	if err != nil {
		return fmt.Errorf("%w: error marshaling geometry: %v", errs.ErrIO, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: error writing geometry file: %v", errs.ErrIO, err)
	}
	return nil
}

// LoadGeometry reads a geometry file written by SaveGeometry.
func LoadGeometry(path string) (*Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: error reading geometry file: %v", errs.ErrIO, err)
	}
	var g Geometry
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, errs.Invalidf("error parsing geometry file: %v", err)
	}
	return &g, nil
}
