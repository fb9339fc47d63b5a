// Package spline fits a smooth parametric curve through centerline sample
// points and derives the geometry needed to slice along it: positions,
// derivatives, rotation-minimizing frames and arc-length parameter samples.
//
// The curve is an interpolating B-spline. Sample points are parameterized by
// normalized cumulative chord length, the knot vector is built by averaging
// those parameters, and the control points are found by solving the
// collocation system with an LU factorization.
package spline

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"curveslicer/internal/errs"
)

// MinDegree is the lowest supported spline degree.
const MinDegree = 2

// Curve is a fitted B-spline over t ∈ [0, 1]. It is immutable after Fit and
// safe for concurrent use.
type Curve struct {
	degree int

	// params are the fitting parameters of the distinct sample points.
	params []float64

	// derivs[k] is the k-th derivative as a B-spline of degree-k.
	derivs []bspline
}

// bspline is a clamped B-spline defined by its knots and control points.
type bspline struct {
	degree int
	knots  []float64
	ctrl   []r3.Vec
}

// Fit fits an interpolating B-spline of the given degree through points.
//
// Consecutive duplicate points are ignored. Fit returns an error wrapping
// errs.ErrDegenerateInput when fewer than degree+1 distinct points remain,
// and errs.ErrInvalidParameter when degree is below MinDegree.
func Fit(points []r3.Vec, degree int) (*Curve, error) {
	if degree < MinDegree {
		return nil, errs.Invalidf("spline degree must be at least %d, got %d", MinDegree, degree)
	}

	pts := distinct(points)
	if len(pts) < degree+1 {
		return nil, fmt.Errorf("%w: %d distinct sample points, need at least %d for degree %d",
			errs.ErrDegenerateInput, len(pts), degree+1, degree)
	}

	params := chordParams(pts)
	knots := averagedKnots(params, degree)

	ctrl, err := solveControlPoints(pts, params, knots, degree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrDegenerateInput, err)
	}

	c := &Curve{
		degree: degree,
		params: params,
	}
	c.derivs = append(c.derivs, bspline{degree: degree, knots: knots, ctrl: ctrl})
	for k := 1; k <= degree; k++ {
		c.derivs = append(c.derivs, c.derivs[k-1].derivative())
	}
	return c, nil
}

// Degree returns the spline degree.
func (c *Curve) Degree() int { return c.degree }

// Params returns a copy of the fitting parameters of the distinct sample points.
func (c *Curve) Params() []float64 {
	out := make([]float64, len(c.params))
	copy(out, c.params)
	return out
}

// Position returns the curve point at t.
func (c *Curve) Position(t float64) r3.Vec {
	return c.derivs[0].eval(t)
}

// Evaluate returns the curve points at every t in ts.
func (c *Curve) Evaluate(ts []float64) []r3.Vec {
	return c.Derivative(ts, 0)
}

// Derivative returns the order-th derivative at every t in ts. Order 0 is
// the position. Orders above the degree are identically zero.
func (c *Curve) Derivative(ts []float64, order int) []r3.Vec {
	out := make([]r3.Vec, len(ts))
	if order < 0 || order > c.degree {
		return out
	}
	s := &c.derivs[order]
	for i, t := range ts {
		out[i] = s.eval(t)
	}
	return out
}

// distinct drops points equal to their predecessor.
func distinct(points []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, 0, len(points))
	for i, p := range points {
		if i > 0 && p == out[len(out)-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// chordParams returns the normalized cumulative chord lengths of pts.
func chordParams(pts []r3.Vec) []float64 {
	params := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		params[i] = params[i-1] + r3.Norm(r3.Sub(pts[i], pts[i-1]))
	}
	total := params[len(params)-1]
	for i := range params {
		params[i] /= total
	}
	params[len(params)-1] = 1
	return params
}

// averagedKnots builds a clamped knot vector whose interior knots are the
// moving averages of degree consecutive parameters.
func averagedKnots(params []float64, degree int) []float64 {
	n := len(params) - 1
	m := n + degree + 1
	knots := make([]float64, m+1)
	for i := m - degree; i <= m; i++ {
		knots[i] = 1
	}
	for j := 1; j <= n-degree; j++ {
		var sum float64
		for i := j; i < j+degree; i++ {
			sum += params[i]
		}
		knots[j+degree] = sum / float64(degree)
	}
	return knots
}

// solveControlPoints solves N·C = P where N holds the basis functions
// evaluated at the fitting parameters.
func solveControlPoints(pts []r3.Vec, params, knots []float64, degree int) ([]r3.Vec, error) {
	n := len(pts)
	basis := mat.NewDense(n, n, nil)
	for k, u := range params {
		span := findSpan(knots, degree, n-1, u)
		funcs := basisFuncs(knots, degree, span, u)
		for j, v := range funcs {
			basis.Set(k, span-degree+j, v)
		}
	}

	rhs := mat.NewDense(n, 3, nil)
	for k, p := range pts {
		rhs.Set(k, 0, p.X)
		rhs.Set(k, 1, p.Y)
		rhs.Set(k, 2, p.Z)
	}

	var lu mat.LU
	lu.Factorize(basis)
	var sol mat.Dense
	if err := lu.SolveTo(&sol, false, rhs); err != nil {
		return nil, fmt.Errorf("failed to solve for control points: %v", err)
	}

	ctrl := make([]r3.Vec, n)
	for i := range ctrl {
		ctrl[i] = r3.Vec{X: sol.At(i, 0), Y: sol.At(i, 1), Z: sol.At(i, 2)}
	}
	return ctrl, nil
}

// findSpan returns the knot span index i with knots[i] <= u < knots[i+1],
// clamped to [degree, last] where last is the index of the last control point.
func findSpan(knots []float64, degree, last int, u float64) int {
	if u >= knots[last+1] {
		return last
	}
	if u <= knots[degree] {
		return degree
	}
	// first index in (degree, last+1] whose knot exceeds u, minus one
	i := sort.Search(last+1-degree, func(i int) bool {
		return knots[degree+1+i] > u
	})
	return degree + i
}

// basisFuncs evaluates the degree+1 non-zero basis functions at u.
func basisFuncs(knots []float64, degree, span int, u float64) []float64 {
	funcs := make([]float64, degree+1)
	left := make([]float64, degree+1)
	right := make([]float64, degree+1)
	funcs[0] = 1
	for j := 1; j <= degree; j++ {
		left[j] = u - knots[span+1-j]
		right[j] = knots[span+j] - u
		saved := 0.0
		for r := 0; r < j; r++ {
			den := right[r+1] + left[j-r]
			temp := 0.0
			if den != 0 {
				temp = funcs[r] / den
			}
			funcs[r] = saved + right[r+1]*temp
			saved = left[j-r] * temp
		}
		funcs[j] = saved
	}
	return funcs
}

// eval evaluates the spline at t with de Boor's algorithm.
func (s *bspline) eval(t float64) r3.Vec {
	p := s.degree
	last := len(s.ctrl) - 1
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	k := findSpan(s.knots, p, last, t)

	d := make([]r3.Vec, p+1)
	copy(d, s.ctrl[k-p:k+1])
	for r := 1; r <= p; r++ {
		for j := p; j >= r; j-- {
			lo := s.knots[j+k-p]
			den := s.knots[j+1+k-r] - lo
			alpha := 0.0
			if den != 0 {
				alpha = (t - lo) / den
			}
			d[j] = r3.Add(r3.Scale(1-alpha, d[j-1]), r3.Scale(alpha, d[j]))
		}
	}
	return d[p]
}

// derivative returns the derivative spline, of one degree lower.
func (s *bspline) derivative() bspline {
	p := s.degree
	ctrl := make([]r3.Vec, len(s.ctrl)-1)
	for i := range ctrl {
		den := s.knots[i+p+1] - s.knots[i+1]
		if den == 0 {
			continue
		}
		ctrl[i] = r3.Scale(float64(p)/den, r3.Sub(s.ctrl[i+1], s.ctrl[i]))
	}
	knots := make([]float64, len(s.knots)-2)
	copy(knots, s.knots[1:len(s.knots)-1])
	return bspline{degree: p - 1, knots: knots, ctrl: ctrl}
}
