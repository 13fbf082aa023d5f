// Package rprop minimizes a black-box scalar function over a box using a
// resilient, sign-based adaptive-step search.
//
// The search runs in a normalized [0,1] space per dimension. Gradients are
// estimated by one-sided finite differences, and only their signs are used:
// each dimension keeps its own step size, which grows while the sign of the
// partial derivative holds and shrinks when it flips.
package rprop

import (
	"context"
	"errors"
	"math"
	"runtime"
)

var (
	ErrNoDimensions      = errors.New("rprop: no parameters to optimize")
	ErrDimensionMismatch = errors.New("rprop: initial parameters and bounds differ in length")
)

// Func is the objective. It receives un-normalized parameters.
type Func func(x []float64) float64

// Bound is the engineering-unit range of one dimension.
type Bound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// pinnedRange is the width below which a dimension is held fixed.
const pinnedRange = 1e-9

// Reason explains why a run stopped.
type Reason string

const (
	ReasonMaxIterations      Reason = "max-iterations"
	ReasonObjectiveThreshold Reason = "objective-threshold"
	ReasonConverged          Reason = "converged"
	ReasonCanceled           Reason = "canceled"
)

// Progress is reported after each iteration.
type Progress struct {
	Iteration int // 1-based
	Params    []float64
	Objective float64
	Change    float64
}

type ProgressFunc func(Progress)

type YieldFunc func()

// Result is the outcome of a run.
type Result struct {
	Params     []float64
	Objective  float64
	Iterations int
	Reason     Reason
}

// state is the per-run optimizer memory.
type state struct {
	bounds []Bound
	pinned []bool
	x      []float64 // normalized
	alpha  []float64
	gPrev  []float64
	cfg    Config
}

func newState(initial []float64, bounds []Bound, opts Options) *state {
	n := len(initial)
	s := &state{
		bounds: bounds,
		pinned: make([]bool, n),
		x:      make([]float64, n),
		alpha:  make([]float64, n),
		gPrev:  make([]float64, n),
		cfg:    opts.Config,
	}
	for i := range initial {
		s.alpha[i] = opts.InitialStep
		r := bounds[i].Max - bounds[i].Min
		if math.Abs(r) <= pinnedRange || math.IsNaN(r) {
			s.pinned[i] = true
			s.x[i] = 0.5
			continue
		}
		v := (initial[i] - bounds[i].Min) / r
		if math.IsNaN(v) {
			v = 0.5
		}
		s.x[i] = clip(v)
	}
	return s
}

// unNormalize maps a normalized point back to engineering units.
func (s *state) unNormalize(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		b := s.bounds[i]
		out[i] = b.Min + v*(b.Max-b.Min)
	}
	return out
}

func (s *state) eval(f Func, x []float64) float64 {
	v := f(s.unNormalize(x))
	if math.IsNaN(v) {
		return math.Inf(1)
	}
	return v
}

// gradient estimates the partial derivatives at s.x, where the objective is
// fx. Probes never leave [0,1].
func (s *state) gradient(f Func, fx float64) []float64 {
	eps := s.cfg.GradientEpsilon
	g := make([]float64, len(s.x))
	probe := make([]float64, len(s.x))
	for i := range s.x {
		if s.pinned[i] {
			continue
		}
		copy(probe, s.x)
		var d float64
		if probe[i]+eps > 1 {
			probe[i] -= eps
			d = fx - s.eval(f, probe)
		} else {
			probe[i] += eps
			d = s.eval(f, probe) - fx
		}
		if math.IsNaN(d) {
			// both sides infinite: no usable slope
			d = 0
		}
		g[i] = d / eps
	}
	return g
}

// update applies one adaptive step using the current gradient g.
func (s *state) update(g []float64) {
	for j := range s.x {
		if s.pinned[j] {
			continue
		}
		switch p := sign(s.gPrev[j]) * sign(g[j]); {
		case p > 0:
			s.alpha[j] = math.Min(s.alpha[j]*s.cfg.AccelerationFactor, s.cfg.StepMax)
		case p < 0:
			s.alpha[j] = math.Max(s.alpha[j]*s.cfg.DecelerationFactor, s.cfg.StepMin)
			g[j] = 0
		}
		s.x[j] = clip(s.x[j] - sign(g[j])*s.alpha[j])
	}
	s.gPrev = g
}

// Run minimizes f starting from initial, keeping each dimension within its
// bound. Cancellation is checked once per iteration, at the point where the
// optimizer yields. A canceled run reports its last completed iteration and
// returns the state reached so far together with the context error.
func Run(ctx context.Context, f Func, initial []float64, bounds []Bound, opts Options) (Result, error) {
	if len(initial) == 0 {
		return Result{}, ErrNoDimensions
	}
	if len(initial) != len(bounds) {
		return Result{}, ErrDimensionMismatch
	}
	opts = opts.WithDefaults()
	if opts.Yield == nil {
		opts.Yield = runtime.Gosched
	}

	s := newState(initial, bounds, opts)
	fPrev := s.eval(f, s.x)
	fCur := fPrev

	bestX := append([]float64(nil), s.x...)
	bestF := fCur

	res := Result{Reason: ReasonMaxIterations}
	var err error
	if err = ctx.Err(); err != nil {
		res.Reason = ReasonCanceled
	}

	for res.Reason != ReasonCanceled && res.Iterations < opts.MaxIterations {
		g := s.gradient(f, fPrev)
		s.update(g)

		fCur = s.eval(f, s.x)
		change := math.Abs(fCur - fPrev)
		res.Iterations++

		if fCur < bestF {
			bestF = fCur
			copy(bestX, s.x)
		}

		if opts.Progress != nil {
			opts.Yield()
		}
		// a canceled run still reports the iteration it completed
		err = ctx.Err()
		if opts.Progress != nil {
			opts.Progress(Progress{
				Iteration: res.Iterations,
				Params:    s.unNormalize(s.x),
				Objective: fCur,
				Change:    change,
			})
		}
		if err != nil {
			res.Reason = ReasonCanceled
			break
		}
		fPrev = fCur

		if fCur < opts.MinObjective {
			res.Reason = ReasonObjectiveThreshold
			break
		}
		if res.Iterations > 1 && change < opts.MinObjectiveChange {
			res.Reason = ReasonConverged
			break
		}
	}

	res.Params = s.unNormalize(s.x)
	res.Objective = fCur
	if math.IsInf(fCur, 1) && !math.IsInf(bestF, 1) {
		res.Params = s.unNormalize(bestX)
		res.Objective = bestF
	}
	return res, err
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
