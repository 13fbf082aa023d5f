// Package objective turns a tank model parameter vector into a scalar loss
// against an observed runoff series. Lower is always better.
package objective

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lox/tankcal/internal/fit"
	"github.com/lox/tankcal/internal/models"
	"github.com/lox/tankcal/internal/tank"
)

// Metric selects the goodness-of-fit statistic the loss is built from.
type Metric string

const (
	MetricRMSE          Metric = "RMSE"
	MetricNSE           Metric = "NSE"
	MetricPeakFlowError Metric = "PeakFlowError"
)

// Metrics lists every recognized metric.
var Metrics = []Metric{MetricRMSE, MetricNSE, MetricPeakFlowError}

var ErrUnknownMetric = errors.New("objective: unknown metric")

// peakFloor is the observed peak below which the peak-flow loss falls back to
// a squared absolute error.
const peakFloor = 1e-6

// ParseMetric matches s against the recognized metrics, ignoring case.
func ParseMetric(s string) (Metric, error) {
	for _, m := range Metrics {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// Config is everything an Objective is bound to.
type Config struct {
	Rain     []float64 // mm per interval
	Observed []float64 // m³/s, negative for missing
	Interval float64   // seconds
	Base     models.Params
	Keys     []string // parameters the vector maps onto, in order
	Metric   Metric
}

// Objective evaluates parameter vectors against one observed series.
type Objective struct {
	cfg Config
}

// New validates cfg and returns an Objective bound to it.
func New(cfg Config) (*Objective, error) {
	if len(cfg.Rain) != len(cfg.Observed) {
		return nil, fmt.Errorf("%w: rain %d, observed %d", models.ErrLengthMismatch, len(cfg.Rain), len(cfg.Observed))
	}
	if len(cfg.Rain) == 0 {
		return nil, models.ErrEmptySeries
	}
	if !(cfg.Interval > 0) {
		return nil, models.ErrInvalidInterval
	}
	if _, err := ParseMetric(string(cfg.Metric)); err != nil {
		return nil, err
	}
	if err := models.ValidateKeys(cfg.Keys); err != nil {
		return nil, err
	}
	return &Objective{cfg: cfg}, nil
}

func (o *Objective) Metric() Metric {
	return o.cfg.Metric
}

func (o *Objective) Keys() []string {
	return o.cfg.Keys
}

// Params maps x onto the base parameter set.
func (o *Objective) Params(x []float64) (models.Params, error) {
	return o.cfg.Base.WithVector(o.cfg.Keys, x)
}

// Simulate runs the tank model for x.
func (o *Objective) Simulate(x []float64) ([]float64, error) {
	p, err := o.Params(x)
	if err != nil {
		return nil, err
	}
	return tank.Simulate(o.cfg.Rain, p, o.cfg.Interval), nil
}

// Evaluate returns the loss for x. Any failure, including an undefined
// statistic, yields +Inf.
func (o *Objective) Evaluate(x []float64) float64 {
	sim, err := o.Simulate(x)
	if err != nil {
		return math.Inf(1)
	}
	return o.Loss(sim)
}

// Loss applies the metric transform to a simulated series.
func (o *Objective) Loss(sim []float64) float64 {
	var loss float64
	switch o.cfg.Metric {
	case MetricNSE:
		nse, ok := fit.NSE(o.cfg.Observed, sim)
		if !ok {
			return math.Inf(1)
		}
		loss = (1 - nse) * (1 - nse)
	case MetricPeakFlowError:
		loss = peakLoss(o.cfg.Observed, sim)
	default:
		rmse, ok := fit.RMSE(o.cfg.Observed, sim)
		if !ok {
			return math.Inf(1)
		}
		loss = rmse
	}
	if math.IsNaN(loss) {
		return math.Inf(1)
	}
	return loss
}

func peakLoss(obs, sim []float64) float64 {
	obsPeak, _, ok := fit.ObservedPeak(obs)
	if !ok {
		return math.Inf(1)
	}
	simPeak, _, ok := fit.Peak(sim)
	if !ok {
		return math.Inf(1)
	}
	if obsPeak <= peakFloor {
		d := simPeak - obsPeak
		return d * d
	}
	rel := (simPeak - obsPeak) / obsPeak
	return rel * rel
}
