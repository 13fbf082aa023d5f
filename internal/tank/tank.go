// Package tank implements a two-reservoir tank model that turns a rainfall
// series into a simulated runoff series.
//
// The upper tank receives rainfall and drains through a surface outlet above
// H1, an intermediate outlet above H2 and an infiltration orifice at its base.
// Infiltration fills the lower tank, which drains through a sub-surface outlet
// above H3, a baseflow orifice and a deep percolation loss. Runoff is the sum of
// every outlet except percolation, converted from depth over the catchment to
// a flow rate.
package tank

import (
	"math"

	"github.com/lox/tankcal/internal/models"
)

// Step records both tanks over a single interval. Storages are in mm.
type Step struct {
	Rain float64

	UpperStart   float64 // storage carried in from the previous step
	Surface      float64
	Intermediate float64
	Infiltration float64
	UpperEnd     float64

	LowerStart  float64 // storage carried in, before infiltration arrives
	SubSurface  float64
	Baseflow    float64
	Percolation float64
	LowerEnd    float64

	Depth float64 // runoff depth in mm
	Flow  float64 // runoff in m³/s
}

// UpperOutflow is the total water that left the upper tank.
func (s Step) UpperOutflow() float64 {
	return s.Surface + s.Intermediate + s.Infiltration
}

// LowerOutflow is the total water that left the lower tank.
func (s Step) LowerOutflow() float64 {
	return s.SubSurface + s.Baseflow + s.Percolation
}

// Simulate runs the model over rain (mm per interval) and returns runoff in
// m³/s, one value per rainfall value. Storages start from p.HTank1 and
// p.HTank2 on every call.
func Simulate(rain []float64, p models.Params, intervalSeconds float64) []float64 {
	out := make([]float64, len(rain))
	r := newReservoir(p)
	scale := flowScale(p.Area, intervalSeconds)
	for i, v := range rain {
		st := r.step(v, p)
		out[i] = st.Depth * scale
	}
	return out
}

// Trace is Simulate with every intermediate quantity kept.
func Trace(rain []float64, p models.Params, intervalSeconds float64) []Step {
	steps := make([]Step, len(rain))
	r := newReservoir(p)
	scale := flowScale(p.Area, intervalSeconds)
	for i, v := range rain {
		st := r.step(v, p)
		st.Flow = st.Depth * scale
		steps[i] = st
	}
	return steps
}

// reservoir is the mutable (upper, lower) storage pair of one run.
type reservoir struct {
	upper float64
	lower float64
}

func newReservoir(p models.Params) *reservoir {
	return &reservoir{upper: nonNegative(p.HTank1), lower: nonNegative(p.HTank2)}
}

func (r *reservoir) step(rain float64, p models.Params) Step {
	rain = nonNegative(rain)
	st := Step{Rain: rain, UpperStart: r.upper, LowerStart: r.lower}

	r.upper += rain
	var up [3]float64
	if r.upper > p.H1 {
		up[0] = p.A1 * (r.upper - p.H1)
	}
	if r.upper > p.H2 {
		up[1] = p.A2 * (r.upper - p.H2)
	}
	if r.upper > 0 {
		up[2] = p.A3 * r.upper
	}
	r.upper = drain(r.upper, up[:])
	st.Surface, st.Intermediate, st.Infiltration = up[0], up[1], up[2]
	st.UpperEnd = r.upper

	r.lower += st.Infiltration
	var low [3]float64
	if r.lower > p.H3 {
		low[0] = p.B1 * (r.lower - p.H3)
	}
	if r.lower > 0 {
		low[1] = p.B2 * r.lower
		low[2] = p.B3 * r.lower
	}
	r.lower = drain(r.lower, low[:])
	st.SubSurface, st.Baseflow, st.Percolation = low[0], low[1], low[2]
	st.LowerEnd = r.lower

	st.Depth = st.Surface + st.Intermediate + st.SubSurface + st.Baseflow
	return st
}

// drain applies clampOutflows and returns the storage left behind.
func drain(storage float64, q []float64) float64 {
	storage -= clampOutflows(storage, q)
	if storage < 0 {
		storage = 0
	}
	return storage
}

// clampOutflows sanitizes the candidate outflows in q and, if their sum
// exceeds storage, scales them all by the same ratio so the sum equals
// storage. It returns the resulting total. Negative and NaN candidates count
// as zero; infinite candidates share the whole storage.
func clampOutflows(storage float64, q []float64) float64 {
	storage = nonNegative(storage)

	infinite := 0
	for i, v := range q {
		switch {
		case math.IsInf(v, 1):
			infinite++
		case !(v > 0):
			q[i] = 0
		}
	}
	if infinite > 0 {
		share := storage / float64(infinite)
		for i, v := range q {
			if math.IsInf(v, 1) {
				q[i] = share
			} else {
				q[i] = 0
			}
		}
		return storage
	}

	var total float64
	for _, v := range q {
		total += v
	}
	if total <= storage {
		return total
	}

	ratio := 0.0
	if total > 0 {
		ratio = storage / total
	}
	total = 0
	for i := range q {
		q[i] *= ratio
		total += q[i]
	}
	if total > storage {
		// rounding can leave the scaled sum a few ulps above storage
		total = storage
	}
	return total
}

// flowScale converts mm of runoff per interval over areaKm2 to m³/s.
func flowScale(areaKm2, intervalSeconds float64) float64 {
	if !(intervalSeconds > 0) || !(areaKm2 > 0) || math.IsInf(areaKm2, 0) || math.IsInf(intervalSeconds, 0) {
		return 0
	}
	return areaKm2 * 1e6 / 1000 / intervalSeconds
}

func nonNegative(v float64) float64 {
	if !(v > 0) || math.IsInf(v, 1) {
		return 0
	}
	return v
}
