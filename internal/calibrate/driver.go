// Package calibrate runs the RPROP optimizer over tank model parameters
// against an observed runoff series and records the iteration history.
package calibrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lox/tankcal/internal/fit"
	"github.com/lox/tankcal/internal/metrics"
	"github.com/lox/tankcal/internal/models"
	"github.com/lox/tankcal/internal/objective"
	"github.com/lox/tankcal/internal/rprop"
	"github.com/lox/tankcal/internal/tank"
)

var (
	ErrRunInProgress = errors.New("calibrate: a run is already in progress")
	ErrInvalidBounds = errors.New("calibrate: invalid parameter bounds")
)

// Observer receives each history record as it is appended.
type Observer func(models.CalibrationRecord)

// Config describes one calibration problem.
type Config struct {
	Series models.Series
	// Params supplies the starting values and every non-calibrated field,
	// including the catchment area.
	Params models.Params
	// Specs lists the calibrated parameters and their bounds. Empty means
	// models.DefaultSpecs.
	Specs []models.ParamSpec
	// Metric defaults to RMSE.
	Metric    objective.Metric
	Optimizer rprop.Options
	Observer  Observer
}

// Outcome is the result of a completed or canceled run.
type Outcome struct {
	Params      models.Params
	Result      rprop.Result
	History     []models.CalibrationRecord
	Summary     fit.Summary
	Simulated   []float64
	Evaluations int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the wall time of the run.
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Driver owns one calibration problem. A Driver runs at most one
// calibration at a time.
type Driver struct {
	cfg     Config
	obj     *objective.Objective
	keys    []string
	bounds  []rprop.Bound
	initial []float64

	mu sync.Mutex
}

// New validates cfg and prepares the objective, bounds and starting vector.
func New(cfg Config) (*Driver, error) {
	if err := cfg.Series.Validate(); err != nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}
	if len(cfg.Specs) == 0 {
		cfg.Specs = models.DefaultSpecs
	}
	if cfg.Metric == "" {
		cfg.Metric = objective.MetricRMSE
	}
	metric, err := objective.ParseMetric(string(cfg.Metric))
	if err != nil {
		return nil, err
	}
	cfg.Metric = metric

	keys := models.SpecKeys(cfg.Specs)
	obj, err := objective.New(objective.Config{
		Rain:     cfg.Series.Rain,
		Observed: cfg.Series.Runoff,
		Interval: cfg.Series.Interval,
		Base:     cfg.Params,
		Keys:     keys,
		Metric:   metric,
	})
	if err != nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}

	bounds, err := Bounds(cfg.Specs)
	if err != nil {
		return nil, err
	}
	initial, err := cfg.Params.Vector(keys)
	if err != nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}

	return &Driver{
		cfg:     cfg,
		obj:     obj,
		keys:    keys,
		bounds:  bounds,
		initial: initial,
	}, nil
}

// Bounds converts parameter specs to optimizer bounds.
func Bounds(specs []models.ParamSpec) ([]rprop.Bound, error) {
	bounds := make([]rprop.Bound, len(specs))
	for i, s := range specs {
		if math.IsNaN(s.Min) || math.IsNaN(s.Max) || math.IsInf(s.Min, 0) || math.IsInf(s.Max, 0) || s.Min > s.Max {
			return nil, fmt.Errorf("%w: %s [%v, %v]", ErrInvalidBounds, s.Key, s.Min, s.Max)
		}
		bounds[i] = rprop.Bound{Min: s.Min, Max: s.Max}
	}
	return bounds, nil
}

// OptionsFromSettings maps persisted optimizer settings onto run options.
func OptionsFromSettings(s models.OptimizerSettings) rprop.Options {
	return rprop.Options{
		InitialStep:        s.InitialStep,
		MaxIterations:      s.MaxIterations,
		MinObjective:       s.MinObjective,
		MinObjectiveChange: s.MinObjectiveChange,
	}
}

func (d *Driver) Keys() []string {
	return d.keys
}

func (d *Driver) Metric() objective.Metric {
	return d.cfg.Metric
}

// InitialObjective evaluates the starting parameters.
func (d *Driver) InitialObjective() float64 {
	return d.obj.Evaluate(d.initial)
}

// Run calibrates until the optimizer stops or ctx is canceled. A canceled
// run returns the outcome reached so far together with the context error.
func (d *Driver) Run(ctx context.Context) (*Outcome, error) {
	if !d.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer d.mu.Unlock()

	metric := string(d.cfg.Metric)
	opts := d.cfg.Optimizer.WithDefaults()
	out := &Outcome{StartedAt: time.Now()}

	evaluations := metrics.ObjectiveEvaluationsTotal.WithLabelValues(metric)
	f := func(x []float64) float64 {
		out.Evaluations++
		evaluations.Inc()
		return d.obj.Evaluate(x)
	}

	next := d.cfg.Optimizer.Progress
	opts.Progress = func(p rprop.Progress) {
		rec := d.record(p)
		out.History = append(out.History, rec)
		metrics.CalibrationObjective.WithLabelValues(metric).Set(p.Objective)
		log.Printf("calibrate: iter %d/%d %s=%.6g change=%.3g nse=%s",
			p.Iteration, opts.MaxIterations, metric, p.Objective, p.Change, formatNull(rec.NSE))
		if d.cfg.Observer != nil {
			d.cfg.Observer(rec)
		}
		if next != nil {
			next(p)
		}
	}

	log.Printf("calibrate: starting %s run over %d parameters, %d steps", metric, len(d.keys), d.cfg.Series.Len())
	res, err := rprop.Run(ctx, f, d.initial, d.bounds, opts)
	out.FinishedAt = time.Now()
	if res.Params == nil {
		return nil, fmt.Errorf("calibrate: %w", err)
	}
	out.Result = res

	params, perr := d.obj.Params(res.Params)
	if perr != nil {
		return nil, fmt.Errorf("calibrate: %w", perr)
	}
	out.Params = params
	out.Simulated = tank.Simulate(d.cfg.Series.Rain, params, d.cfg.Series.Interval)
	out.Summary = fit.Evaluate(d.cfg.Series.Runoff, out.Simulated, d.cfg.Series.Rain, d.cfg.Series.Interval, params.Area)

	metrics.CalibrationRunsTotal.WithLabelValues(metric, string(res.Reason)).Inc()
	metrics.CalibrationIterations.WithLabelValues(metric).Observe(float64(res.Iterations))
	metrics.CalibrationDuration.WithLabelValues(metric).Observe(out.Duration().Seconds())
	log.Printf("calibrate: %s after %d iterations (%d evaluations) in %s, %s=%.6g",
		res.Reason, res.Iterations, out.Evaluations, out.Duration().Round(time.Millisecond), metric, res.Objective)

	return out, err
}

// record re-simulates the iterate so every metric reports NSE alongside its
// own objective.
func (d *Driver) record(p rprop.Progress) models.CalibrationRecord {
	rec := models.CalibrationRecord{
		Iteration: p.Iteration,
		Objective: p.Objective,
		Change:    p.Change,
	}
	params, err := d.obj.Params(p.Params)
	if err != nil {
		return rec
	}
	rec.Params = params
	sim := tank.Simulate(d.cfg.Series.Rain, params, d.cfg.Series.Interval)
	if nse, ok := fit.NSE(d.cfg.Series.Runoff, sim); ok {
		rec.NSE.Float64, rec.NSE.Valid = nse, true
	}
	return rec
}

func formatNull(v sql.NullFloat64) string {
	if !v.Valid {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v.Float64)
}

// RunRecord describes an outcome of this driver for persistence.
func (d *Driver) RunRecord(catchmentID string, settings models.OptimizerSettings, o *Outcome) models.CalibrationRun {
	s := d.cfg.Series
	run := models.CalibrationRun{
		CatchmentID:   catchmentID,
		Metric:        string(d.cfg.Metric),
		Reason:        string(o.Result.Reason),
		Iterations:    o.Result.Iterations,
		Evaluations:   o.Evaluations,
		Objective:     sql.NullFloat64{Float64: o.Result.Objective, Valid: !math.IsInf(o.Result.Objective, 0) && !math.IsNaN(o.Result.Objective)},
		NSE:           o.Summary.NSE,
		RMSE:          o.Summary.RMSE,
		InitialParams: d.cfg.Params,
		FinalParams:   o.Params,
		Settings:      settings,
		StartedAt:     o.StartedAt,
		FinishedAt:    o.FinishedAt,
	}
	if n := s.Len(); n > 0 {
		run.WindowStart = s.TimeAt(0)
		run.WindowEnd = s.TimeAt(n - 1).Add(time.Duration(s.Interval * float64(time.Second)))
	}
	return run
}
