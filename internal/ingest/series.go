package ingest

import (
	"cmp"
	"slices"
	"time"

	"github.com/lox/tankcal/internal/metrics"
	"github.com/lox/tankcal/internal/models"
)

// DefaultInterval is assumed when a series has too few readings to infer one.
const DefaultInterval = time.Hour

// missingRunoff marks a rain step with no matching runoff reading.
const missingRunoff = -1

// Align builds a Series on the rainfall time grid. Each rain step takes the
// runoff reading observed at the same instant, or a missing marker.
// Negative rainfall is recorded as zero. Duplicate rain timestamps keep the
// first reading.
func Align(rain, runoff []models.Reading) (models.Series, error) {
	if len(rain) == 0 {
		return models.Series{}, models.ErrEmptySeries
	}

	sorted := slices.Clone(rain)
	slices.SortStableFunc(sorted, func(a, b models.Reading) int {
		return a.ObservedAt.Compare(b.ObservedAt)
	})
	sorted = slices.CompactFunc(sorted, func(a, b models.Reading) bool {
		return a.ObservedAt.Equal(b.ObservedAt)
	})

	flows := make(map[int64]float64, len(runoff))
	for _, r := range runoff {
		key := r.ObservedAt.Unix()
		if _, ok := flows[key]; !ok {
			flows[key] = r.Value
		}
	}

	s := models.Series{
		Start:    sorted[0].ObservedAt,
		Interval: inferInterval(sorted).Seconds(),
		Times:    make([]time.Time, len(sorted)),
		Rain:     make([]float64, len(sorted)),
		Runoff:   make([]float64, len(sorted)),
	}
	for i, r := range sorted {
		s.Times[i] = r.ObservedAt
		if r.Value > 0 {
			s.Rain[i] = r.Value
		}
		q, ok := flows[r.ObservedAt.Unix()]
		if !ok {
			q = missingRunoff
		}
		s.Runoff[i] = q
	}
	return s, nil
}

// inferInterval returns the most common positive spacing between readings.
func inferInterval(sorted []models.Reading) time.Duration {
	counts := make(map[time.Duration]int)
	best, bestN := DefaultInterval, 0
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].ObservedAt.Sub(sorted[i-1].ObservedAt)
		if d <= 0 {
			continue
		}
		counts[d]++
		if n := counts[d]; n > bestN || (n == bestN && d < best) {
			best, bestN = d, n
		}
	}
	return best
}

// Window returns the steps observed in [start, end).
func Window(s models.Series, start, end time.Time) models.Series {
	lo, hi := -1, -1
	for i := 0; i < s.Len(); i++ {
		t := s.TimeAt(i)
		if t.Before(start) || !t.Before(end) {
			continue
		}
		if lo < 0 {
			lo = i
		}
		hi = i + 1
	}

	out := models.Series{Start: start, Interval: s.Interval}
	if lo < 0 {
		out.Rain, out.Runoff = []float64{}, []float64{}
		return out
	}
	out.Start = s.TimeAt(lo)
	out.Rain = slices.Clone(s.Rain[lo:hi])
	out.Runoff = slices.Clone(s.Runoff[lo:hi])
	if s.Times != nil {
		out.Times = slices.Clone(s.Times[lo:hi])
	}
	return out
}

// MissingRunoff counts the steps without a valid runoff observation.
func MissingRunoff(s models.Series) int {
	n := 0
	for _, v := range s.Runoff {
		if !(v >= 0) {
			n++
		}
	}
	return n
}

// InterpolateRunoff fills missing runoff by linear interpolation in time
// between the nearest valid neighbours. A gap touching either end of the
// series takes the nearest valid value, and a series with no valid value at
// all becomes zero. It returns the filled copy and the number of steps filled.
func InterpolateRunoff(s models.Series) (models.Series, int) {
	q := slices.Clone(s.Runoff)
	n := len(q)
	filled := 0

	for i := 0; i < n; {
		if q[i] >= 0 {
			i++
			continue
		}
		start, end := i, i
		for end+1 < n && !(q[end+1] >= 0) {
			end++
		}
		filled += end - start + 1

		prev, next := start-1, end+1
		switch {
		case prev >= 0 && next < n:
			t0, t1 := s.TimeAt(prev), s.TimeAt(next)
			span := t1.Sub(t0).Seconds()
			for k := start; k <= end; k++ {
				if span <= 0 {
					q[k] = q[prev]
					continue
				}
				frac := s.TimeAt(k).Sub(t0).Seconds() / span
				q[k] = q[prev] + frac*(q[next]-q[prev])
			}
		case prev >= 0:
			fill(q[start:end+1], q[prev])
		case next < n:
			fill(q[start:end+1], q[next])
		default:
			fill(q, 0)
		}
		i = end + 1
	}

	if filled > 0 {
		metrics.RunoffInterpolated.Add(float64(filled))
	}
	s.Runoff = q
	return s, filled
}

func fill(dst []float64, v float64) {
	for i := range dst {
		dst[i] = v
	}
}

// FlowEvent is a notable runoff observation.
type FlowEvent struct {
	Index int       `json:"index"`
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// DefaultEventSeparation is the minimum spacing between ranked peak events.
const DefaultEventSeparation = 6 * time.Hour

// TopFlowEvents ranks positive runoff observations by value and returns up
// to n of them, skipping any observation closer than minSep to one already
// chosen. Ties go to the earlier observation.
func TopFlowEvents(s models.Series, n int, minSep time.Duration) []FlowEvent {
	var candidates []FlowEvent
	for i, v := range s.Runoff {
		if v > 0 {
			candidates = append(candidates, FlowEvent{Index: i, Time: s.TimeAt(i), Value: v})
		}
	}
	slices.SortStableFunc(candidates, func(a, b FlowEvent) int {
		return cmp.Compare(b.Value, a.Value)
	})

	var top []FlowEvent
	for _, c := range candidates {
		if len(top) >= n {
			break
		}
		tooClose := false
		for _, e := range top {
			d := c.Time.Sub(e.Time)
			if d < 0 {
				d = -d
			}
			if d < minSep {
				tooClose = true
				break
			}
		}
		if !tooClose {
			top = append(top, c)
		}
	}
	return top
}
