package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SimulationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankcal_simulations_total",
			Help: "Total standalone tank model simulations",
		},
		[]string{"catchment"},
	)

	ObjectiveEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankcal_objective_evaluations_total",
			Help: "Total objective function evaluations during calibration",
		},
		[]string{"metric"},
	)

	CalibrationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankcal_calibration_runs_total",
			Help: "Total calibration runs by metric and stop reason",
		},
		[]string{"metric", "reason"},
	)

	CalibrationIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tankcal_calibration_iterations",
			Help:    "Optimizer iterations per calibration run",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"metric"},
	)

	CalibrationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tankcal_calibration_duration_seconds",
			Help:    "Calibration run wall time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"metric"},
	)

	CalibrationObjective = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tankcal_calibration_objective",
			Help: "Objective value of the most recent calibration iteration",
		},
		[]string{"metric"},
	)

	SourceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankcal_source_fetches_total",
			Help: "Total time series fetches by source kind and status",
		},
		[]string{"kind", "status"},
	)

	SourceFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tankcal_source_fetch_latency_seconds",
			Help:    "Time series fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ReadingsParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tankcal_readings_parsed_total",
			Help: "Total time series readings parsed",
		},
		[]string{"station"},
	)

	RunoffInterpolated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tankcal_runoff_interpolated_total",
			Help: "Total missing runoff values filled by interpolation",
		},
	)
)
