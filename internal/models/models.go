package models

import (
	"database/sql"
	"fmt"
	"time"
)

// Catchment identifies a reservoir catchment and the files its series live in.
type Catchment struct {
	ID      string // reservoir ID, names the runoff file
	Name    string
	AreaNo  string // sub-catchment number, names the rainfall file
	AreaKm2 float64
}

var Catchments = map[string]Catchment{
	"RFETS": {ID: "RFETS", Name: "Feitsui Reservoir", AreaNo: "09", AreaKm2: 303},
	"RSHME": {ID: "RSHME", Name: "Shihmen Reservoir", AreaNo: "05", AreaKm2: 756},
}

// Reading is a single line of a station time series file.
type Reading struct {
	StationID  string
	ObservedAt time.Time
	Value      float64
}

// Series holds index-aligned rainfall and runoff at a fixed interval.
// Negative runoff marks a missing observation.
type Series struct {
	Start    time.Time
	Interval float64 // seconds
	Times    []time.Time
	Rain     []float64 // mm per interval
	Runoff   []float64 // m³/s
}

func (s Series) Len() int {
	return len(s.Rain)
}

// Validate checks the shape preconditions the simulator and metrics rely on.
func (s Series) Validate() error {
	if s.Interval <= 0 {
		return ErrInvalidInterval
	}
	if len(s.Rain) == 0 {
		return ErrEmptySeries
	}
	if len(s.Rain) != len(s.Runoff) {
		return fmt.Errorf("%w: rain %d, runoff %d", ErrLengthMismatch, len(s.Rain), len(s.Runoff))
	}
	if s.Times != nil && len(s.Times) != len(s.Rain) {
		return fmt.Errorf("%w: times %d, rain %d", ErrLengthMismatch, len(s.Times), len(s.Rain))
	}
	return nil
}

// TimeAt returns the timestamp of index i.
func (s Series) TimeAt(i int) time.Time {
	if i < len(s.Times) {
		return s.Times[i]
	}
	return s.Start.Add(time.Duration(float64(i) * s.Interval * float64(time.Second)))
}

// CalibrationRecord is one optimizer iteration as reported to the caller.
type CalibrationRecord struct {
	Iteration int
	Objective float64
	NSE       sql.NullFloat64 // invalid when fewer than two valid pairs
	Change    float64
	Params    Params
}

// OptimizerSettings are the user-tunable RPROP run options.
type OptimizerSettings struct {
	MaxIterations      int     `json:"maxIter"`
	InitialStep        float64 `json:"initialStep"`
	MinObjective       float64 `json:"minF"`
	MinObjectiveChange float64 `json:"minFChange"`
}

var DefaultOptimizerSettings = OptimizerSettings{
	MaxIterations:      100,
	InitialStep:        0.1,
	MinObjective:       1e-6,
	MinObjectiveChange: 1e-6,
}

// Merge fills zero fields of s from def.
func (s OptimizerSettings) Merge(def OptimizerSettings) OptimizerSettings {
	if s.MaxIterations == 0 {
		s.MaxIterations = def.MaxIterations
	}
	if s.InitialStep == 0 {
		s.InitialStep = def.InitialStep
	}
	if s.MinObjective == 0 {
		s.MinObjective = def.MinObjective
	}
	if s.MinObjectiveChange == 0 {
		s.MinObjectiveChange = def.MinObjectiveChange
	}
	return s
}

// CalibrationRun is a persisted calibration with its outcome.
type CalibrationRun struct {
	ID            int64
	CatchmentID   string
	Metric        string
	Reason        string
	Iterations    int
	Evaluations   int
	Objective     sql.NullFloat64
	NSE           sql.NullFloat64
	RMSE          sql.NullFloat64
	InitialParams Params
	FinalParams   Params
	Settings      OptimizerSettings
	WindowStart   time.Time
	WindowEnd     time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
	Narrative     sql.NullString
	CreatedAt     time.Time
}
