// Package fit computes goodness-of-fit statistics between an observed and a
// simulated runoff series.
//
// Only index positions where the observation is valid (non-negative and
// finite) and the simulation is finite take part. Functions return ok=false
// instead of a value when the statistic is undefined.
package fit

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ValidObservation reports whether v is a usable observed value.
func ValidObservation(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}

// pairs returns the observed and simulated values at valid positions.
func pairs(obs, sim []float64) (o, s []float64, ok bool) {
	if len(obs) != len(sim) {
		return nil, nil, false
	}
	o = make([]float64, 0, len(obs))
	s = make([]float64, 0, len(obs))
	for i := range obs {
		if !ValidObservation(obs[i]) || math.IsNaN(sim[i]) || math.IsInf(sim[i], 0) {
			continue
		}
		o = append(o, obs[i])
		s = append(s, sim[i])
	}
	return o, s, true
}

// ValidPairs counts positions that take part in RMSE and NSE.
func ValidPairs(obs, sim []float64) int {
	o, _, ok := pairs(obs, sim)
	if !ok {
		return 0
	}
	return len(o)
}

// RMSE is the root mean square error over valid pairs. It is undefined for
// mismatched lengths or when no pair is valid.
func RMSE(obs, sim []float64) (float64, bool) {
	o, s, ok := pairs(obs, sim)
	if !ok || len(o) == 0 {
		return 0, false
	}
	diff := floats.SubTo(make([]float64, len(o)), s, o)
	return math.Sqrt(floats.Dot(diff, diff) / float64(len(o))), true
}

// NSE is the Nash-Sutcliffe efficiency over valid pairs. It needs at least two
// valid pairs. A constant observed series yields 1 for a perfect simulation and
// -Inf otherwise.
func NSE(obs, sim []float64) (float64, bool) {
	o, s, ok := pairs(obs, sim)
	if !ok || len(o) < 2 {
		return 0, false
	}

	diff := floats.SubTo(make([]float64, len(o)), o, s)
	numerator := floats.Dot(diff, diff)

	dev := make([]float64, len(o))
	copy(dev, o)
	floats.AddConst(-stat.Mean(o, nil), dev)
	denominator := floats.Dot(dev, dev)

	if denominator == 0 {
		if numerator == 0 {
			return 1, true
		}
		return math.Inf(-1), true
	}
	return 1 - numerator/denominator, true
}

// ObservedPeak is the largest valid observation and its index.
func ObservedPeak(obs []float64) (float64, int, bool) {
	peak, idx := 0.0, -1
	for i, v := range obs {
		if ValidObservation(v) && (idx < 0 || v > peak) {
			peak, idx = v, i
		}
	}
	return peak, idx, idx >= 0
}

// Peak is the largest finite value and its index.
func Peak(values []float64) (float64, int, bool) {
	peak, idx := 0.0, -1
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if idx < 0 || v > peak {
			peak, idx = v, i
		}
	}
	return peak, idx, idx >= 0
}

// PeakFlowError is the relative error of the simulated peak against the
// observed peak, in percent.
func PeakFlowError(obs, sim []float64) (float64, bool) {
	obsPeak, _, ok := ObservedPeak(obs)
	if !ok || obsPeak <= 0 {
		return 0, false
	}
	simPeak, _, ok := Peak(sim)
	if !ok {
		return 0, false
	}
	return (simPeak - obsPeak) / obsPeak * 100, true
}

// TimeToPeakError is the simulated peak time minus the observed peak time, in
// hours.
func TimeToPeakError(obs, sim []float64, intervalSeconds float64) (float64, bool) {
	_, obsIdx, ok := ObservedPeak(obs)
	if !ok {
		return 0, false
	}
	_, simIdx, ok := Peak(sim)
	if !ok {
		return 0, false
	}
	return float64(simIdx-obsIdx) * intervalSeconds / 3600, true
}

// VolumeError is the relative error of total simulated volume against total
// observed volume, in percent. Only positive values count towards a volume.
func VolumeError(obs, sim []float64) (float64, bool) {
	obsVol := floats.Sum(positive(obs))
	if obsVol <= 0 {
		return 0, false
	}
	simVol := floats.Sum(positive(sim))
	return (simVol - obsVol) / obsVol * 100, true
}

// RunoffCoefficient is the ratio of runoff volume to rainfall volume over the
// catchment. Rain is in mm per interval, runoff in m³/s.
func RunoffCoefficient(areaKm2 float64, rain, runoff []float64, intervalSeconds float64) (float64, bool) {
	rainVolume := floats.Sum(positive(rain)) * areaKm2 / 1000 // 10⁶ m³
	if !(rainVolume > 0) {
		return 0, false
	}
	runoffVolume := floats.Sum(positive(runoff)) * intervalSeconds / 1e6 // 10⁶ m³
	return runoffVolume / rainVolume, true
}

func positive(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 && !math.IsInf(v, 1) {
			out = append(out, v)
		}
	}
	return out
}
