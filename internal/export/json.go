package export

import (
	"database/sql"
	"encoding/json"
	"io"
	"math"
	"time"

	"github.com/lox/tankcal/internal/calibrate"
	"github.com/lox/tankcal/internal/fit"
	"github.com/lox/tankcal/internal/models"
)

// JSON has no encoding for NaN or infinities, so every float that can be
// undefined is a pointer and encodes as null.

// SummaryJSON is a fit.Summary with undefined statistics as null.
type SummaryJSON struct {
	ValidPairs           int      `json:"validPairs"`
	NSE                  *float64 `json:"nse"`
	RMSE                 *float64 `json:"rmse"`
	PeakFlowError        *float64 `json:"peakFlowErrorPct"`
	VolumeError          *float64 `json:"volumeErrorPct"`
	TimeToPeakError      *float64 `json:"timeToPeakErrorHours"`
	SimulatedRunoffCoeff *float64 `json:"simulatedRunoffCoeff"`
	ObservedRunoffCoeff  *float64 `json:"observedRunoffCoeff"`
}

type RecordJSON struct {
	Iteration int           `json:"iteration"`
	Objective *float64      `json:"objective"`
	NSE       *float64      `json:"nse"`
	Change    *float64      `json:"change"`
	Params    models.Params `json:"params"`
}

type RunJSON struct {
	ID            int64                    `json:"id"`
	CatchmentID   string                   `json:"catchmentId"`
	Metric        string                   `json:"metric"`
	Reason        string                   `json:"reason"`
	Iterations    int                      `json:"iterations"`
	Evaluations   int                      `json:"evaluations"`
	Objective     *float64                 `json:"objective"`
	NSE           *float64                 `json:"nse"`
	RMSE          *float64                 `json:"rmse"`
	InitialParams models.Params            `json:"initialParams"`
	FinalParams   models.Params            `json:"finalParams"`
	Settings      models.OptimizerSettings `json:"settings"`
	WindowStart   *time.Time               `json:"windowStart,omitempty"`
	WindowEnd     *time.Time               `json:"windowEnd,omitempty"`
	StartedAt     *time.Time               `json:"startedAt,omitempty"`
	FinishedAt    *time.Time               `json:"finishedAt,omitempty"`
	Narrative     string                   `json:"narrative,omitempty"`
	History       []RecordJSON             `json:"history,omitempty"`
}

type SimulationJSON struct {
	Times     []time.Time `json:"times"`
	Rain      []*float64  `json:"rain"`
	Observed  []*float64  `json:"observed"`
	Simulated []*float64  `json:"simulated"`
	Summary   SummaryJSON `json:"summary"`
}

type OutcomeJSON struct {
	Metric      string        `json:"metric"`
	Reason      string        `json:"reason"`
	Iterations  int           `json:"iterations"`
	Evaluations int           `json:"evaluations"`
	Objective   *float64      `json:"objective"`
	Params      models.Params `json:"params"`
	DurationMs  int64         `json:"durationMs"`
	Summary     SummaryJSON   `json:"summary"`
	History     []RecordJSON  `json:"history"`
}

func num(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func nullNum(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return num(n.Float64)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nums(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i, v := range values {
		out[i] = num(v)
	}
	return out
}

func Summary(s fit.Summary) SummaryJSON {
	return SummaryJSON{
		ValidPairs:           s.ValidPairs,
		NSE:                  nullNum(s.NSE),
		RMSE:                 nullNum(s.RMSE),
		PeakFlowError:        nullNum(s.PeakFlowError),
		VolumeError:          nullNum(s.VolumeError),
		TimeToPeakError:      nullNum(s.TimeToPeakError),
		SimulatedRunoffCoeff: nullNum(s.SimulatedRunoffCoeff),
		ObservedRunoffCoeff:  nullNum(s.ObservedRunoffCoeff),
	}
}

func Records(history []models.CalibrationRecord) []RecordJSON {
	out := make([]RecordJSON, len(history))
	for i, rec := range history {
		out[i] = RecordJSON{
			Iteration: rec.Iteration,
			Objective: num(rec.Objective),
			NSE:       nullNum(rec.NSE),
			Change:    num(rec.Change),
			Params:    rec.Params,
		}
	}
	return out
}

// Run converts a stored run. history may be nil.
func Run(run models.CalibrationRun, history []models.CalibrationRecord) RunJSON {
	out := RunJSON{
		ID:            run.ID,
		CatchmentID:   run.CatchmentID,
		Metric:        run.Metric,
		Reason:        run.Reason,
		Iterations:    run.Iterations,
		Evaluations:   run.Evaluations,
		Objective:     nullNum(run.Objective),
		NSE:           nullNum(run.NSE),
		RMSE:          nullNum(run.RMSE),
		InitialParams: run.InitialParams,
		FinalParams:   run.FinalParams,
		Settings:      run.Settings,
		WindowStart:   timePtr(run.WindowStart),
		WindowEnd:     timePtr(run.WindowEnd),
		StartedAt:     timePtr(run.StartedAt),
		FinishedAt:    timePtr(run.FinishedAt),
		Narrative:     run.Narrative.String,
	}
	if history != nil {
		out.History = Records(history)
	}
	return out
}

// Simulation converts a simulated hydrograph. Missing observations become null.
func Simulation(s models.Series, sim []float64, summary fit.Summary) SimulationJSON {
	times := make([]time.Time, s.Len())
	observed := make([]*float64, s.Len())
	for i := range s.Len() {
		times[i] = s.TimeAt(i)
		if fit.ValidObservation(s.Runoff[i]) {
			observed[i] = num(s.Runoff[i])
		}
	}
	return SimulationJSON{
		Times:     times,
		Rain:      nums(s.Rain),
		Observed:  observed,
		Simulated: nums(sim),
		Summary:   Summary(summary),
	}
}

func Outcome(metric string, o *calibrate.Outcome) OutcomeJSON {
	return OutcomeJSON{
		Metric:      metric,
		Reason:      string(o.Result.Reason),
		Iterations:  o.Result.Iterations,
		Evaluations: o.Evaluations,
		Objective:   num(o.Result.Objective),
		Params:      o.Params,
		DurationMs:  o.Duration().Milliseconds(),
		Summary:     Summary(o.Summary),
		History:     Records(o.History),
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
