package spline

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/errs"
)

// arcSubdivisions is the number of integration steps per fitting parameter interval.
const arcSubdivisions = 4

// adaptiveOversampling is the ratio between the number of parameters used to
// integrate curvature and the number of requested samples.
const adaptiveOversampling = 10

// ArcLength returns the cumulative arc length at each of ts, computed as
// cumsum(|c'(t)| * Δt) with Δt measured from 0.
func ArcLength(c *Curve, ts []float64) []float64 {
	d1 := c.Derivative(ts, 1)
	lengths := make([]float64, len(ts))
	prev := 0.0
	for i, d := range d1 {
		lengths[i] = r3.Norm(d) * (ts[i] - prev)
		prev = ts[i]
	}
	return floats.CumSum(lengths, lengths)
}

// Length returns the total arc length of the curve.
func Length(c *Curve) float64 {
	ts := integrationParams(c)
	arc := ArcLength(c, ts)
	return arc[len(arc)-1]
}

// Curvature returns |c' × c''| / |c'|³ at each of ts.
func Curvature(c *Curve, ts []float64) []float64 {
	d1 := c.Derivative(ts, 1)
	d2 := c.Derivative(ts, 2)
	out := make([]float64, len(ts))
	for i := range ts {
		speed := r3.Norm(d1[i])
		if speed == 0 {
			continue
		}
		out[i] = r3.Norm(r3.Cross(d1[i], d2[i])) / (speed * speed * speed)
	}
	return out
}

// EquidistantParameters returns curve parameters spaced spacing apart in arc
// length, starting at t=0. The number of samples is floor(L/spacing)+1 for a
// curve of length L.
func EquidistantParameters(c *Curve, spacing float64) ([]float64, error) {
	if err := checkSpacing(spacing); err != nil {
		return nil, err
	}

	ts := integrationParams(c)
	arc := ArcLength(c, ts)
	total := arc[len(arc)-1]
	n := int(math.Floor(total/spacing)) + 1

	xs, ys := increasing(arc, ts)
	if len(xs) < 2 {
		return []float64{0}, nil
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, err
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = pl.Predict(float64(i) * spacing)
	}
	return out, nil
}

// AdaptiveParameters samples the curve with the same number of parameters as
// EquidistantParameters, but places them by a blend of normalized arc length
// and normalized accumulated curvature so that tight bends are sampled more
// densely. ratio weighs curvature against arc length: 0 is pure arc length,
// 1 weighs both equally.
func AdaptiveParameters(c *Curve, spacing, ratio float64) ([]float64, error) {
	if err := checkSpacing(spacing); err != nil {
		return nil, err
	}
	if ratio < 0 || math.IsNaN(ratio) {
		return nil, errs.Invalidf("adaptive ratio must be non-negative, got %v", ratio)
	}

	total := Length(c)
	n := int(math.Floor(total/spacing)) + 1
	if n < 2 {
		return []float64{0}, nil
	}

	calc := floats.Span(make([]float64, adaptiveOversampling*n), 0, 1)

	arc := ArcLength(c, calc)
	d1 := c.Derivative(calc, 1)
	curv := Curvature(c, calc)
	bend := make([]float64, len(calc))
	for i := range calc {
		bend[i] = curv[i] * r3.Norm(d1[i])
	}
	floats.CumSum(bend, bend)

	wc := ratio / (1 + ratio)
	wa := 1 - wc
	arcTotal := arc[len(arc)-1]
	bendTotal := bend[len(bend)-1]
	if bendTotal == 0 {
		// A straight curve has no curvature to follow.
		wc, wa, bendTotal = 0, 1, 1
	}

	hybrid := make([]float64, len(calc))
	for i := range calc {
		hybrid[i] = wa*arc[i]/arcTotal + wc*bend[i]/bendTotal
	}

	xs, ys := increasing(hybrid, calc)
	if len(xs) < 2 {
		return []float64{0}, nil
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, err
	}

	samples := floats.Span(make([]float64, n), 0, 1)
	out := make([]float64, n)
	for i, s := range samples {
		out[i] = pl.Predict(s)
	}
	return out, nil
}

func checkSpacing(spacing float64) error {
	if !(spacing > 0) || math.IsInf(spacing, 0) {
		return errs.Invalidf("spacing between slices must be positive, got %v", spacing)
	}
	return nil
}

// integrationParams refines the fitting parameters with evenly spaced
// intermediate values.
func integrationParams(c *Curve) []float64 {
	ts := make([]float64, 0, (len(c.params)-1)*arcSubdivisions+1)
	for i := 0; i+1 < len(c.params); i++ {
		a, b := c.params[i], c.params[i+1]
		for s := 0; s < arcSubdivisions; s++ {
			ts = append(ts, a+(b-a)*float64(s)/arcSubdivisions)
		}
	}
	return append(ts, c.params[len(c.params)-1])
}

// increasing keeps the (x, y) pairs whose x strictly increases, as required
// by the piecewise linear interpolator.
func increasing(xs, ys []float64) ([]float64, []float64) {
	ox := make([]float64, 0, len(xs))
	oy := make([]float64, 0, len(ys))
	for i := range xs {
		if len(ox) > 0 && xs[i] <= ox[len(ox)-1] {
			continue
		}
		ox = append(ox, xs[i])
		oy = append(oy, ys[i])
	}
	return ox, oy
}
