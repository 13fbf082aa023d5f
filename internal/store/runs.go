package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lox/tankcal/internal/models"
)

// SQLite cannot hold NaN and the JSON API cannot carry infinities, so
// non-finite statistics are stored as NULL.
func finite(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func finiteNull(v sql.NullFloat64) sql.NullFloat64 {
	if !v.Valid {
		return v
	}
	return finite(v.Float64)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// InsertRun stores a calibration run and its history in one transaction and
// returns the run ID.
func (s *Store) InsertRun(run models.CalibrationRun, history []models.CalibrationRecord) (int64, error) {
	initial, err := marshalJSON(run.InitialParams)
	if err != nil {
		return 0, fmt.Errorf("marshal initial params: %w", err)
	}
	final, err := marshalJSON(run.FinalParams)
	if err != nil {
		return 0, fmt.Errorf("marshal final params: %w", err)
	}
	settings, err := marshalJSON(run.Settings)
	if err != nil {
		return 0, fmt.Errorf("marshal settings: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO calibration_runs (catchment_id, metric, reason, iterations, evaluations, objective, nse, rmse,
			initial_params_json, final_params_json, settings_json, window_start, window_end, started_at, finished_at, narrative)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.CatchmentID, run.Metric, run.Reason, run.Iterations, run.Evaluations,
		finiteNull(run.Objective), finiteNull(run.NSE), finiteNull(run.RMSE),
		initial, final, settings, nullTime(run.WindowStart), nullTime(run.WindowEnd),
		run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Narrative)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO calibration_history (run_id, iteration, objective, nse, change, params_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare history: %w", err)
	}
	defer stmt.Close()

	for _, rec := range history {
		params, err := marshalJSON(rec.Params)
		if err != nil {
			return 0, fmt.Errorf("marshal iteration %d params: %w", rec.Iteration, err)
		}
		if _, err := stmt.Exec(id, rec.Iteration, finite(rec.Objective), finiteNull(rec.NSE), finite(rec.Change), params); err != nil {
			return 0, fmt.Errorf("insert iteration %d: %w", rec.Iteration, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run: %w", err)
	}
	return id, nil
}

const runColumns = `id, catchment_id, metric, reason, iterations, evaluations, objective, nse, rmse,
	initial_params_json, final_params_json, settings_json, window_start, window_end,
	started_at, finished_at, narrative, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.CalibrationRun, error) {
	var run models.CalibrationRun
	var initial, final, settings string
	var windowStart, windowEnd sql.NullTime
	if err := row.Scan(&run.ID, &run.CatchmentID, &run.Metric, &run.Reason, &run.Iterations, &run.Evaluations,
		&run.Objective, &run.NSE, &run.RMSE, &initial, &final, &settings, &windowStart, &windowEnd,
		&run.StartedAt, &run.FinishedAt, &run.Narrative, &run.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(initial), &run.InitialParams); err != nil {
		return nil, fmt.Errorf("unmarshal initial params: %w", err)
	}
	if err := json.Unmarshal([]byte(final), &run.FinalParams); err != nil {
		return nil, fmt.Errorf("unmarshal final params: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &run.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	run.WindowStart = windowStart.Time
	run.WindowEnd = windowEnd.Time
	return &run, nil
}

// GetRun returns the run with the given ID, or nil if there is none.
func (s *Store) GetRun(id int64) (*models.CalibrationRun, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM calibration_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first, optionally filtered to one
// catchment.
func (s *Store) ListRuns(catchmentID string, limit int) ([]models.CalibrationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+`
		FROM calibration_runs
		WHERE ? = '' OR catchment_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, catchmentID, catchmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.CalibrationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetHistory returns the iterations of a run in order. A NULL objective reads
// back as +Inf.
func (s *Store) GetHistory(runID int64) ([]models.CalibrationRecord, error) {
	rows, err := s.db.Query(`
		SELECT iteration, objective, nse, change, params_json
		FROM calibration_history
		WHERE run_id = ?
		ORDER BY iteration
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.CalibrationRecord
	for rows.Next() {
		var rec models.CalibrationRecord
		var objective, change sql.NullFloat64
		var params string
		if err := rows.Scan(&rec.Iteration, &objective, &rec.NSE, &change, &params); err != nil {
			return nil, err
		}
		rec.Objective = math.Inf(1)
		if objective.Valid {
			rec.Objective = objective.Float64
		}
		rec.Change = math.NaN()
		if change.Valid {
			rec.Change = change.Float64
		}
		if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
			return nil, fmt.Errorf("unmarshal iteration %d params: %w", rec.Iteration, err)
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// SetNarrative attaches a written summary to a run.
func (s *Store) SetNarrative(runID int64, text string) error {
	res, err := s.db.Exec(`UPDATE calibration_runs SET narrative = ? WHERE id = ?`, text, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %d", ErrNotFound, runID)
	}
	return nil
}

// DeleteRun removes a run and its history.
func (s *Store) DeleteRun(runID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM calibration_history WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM calibration_runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %d", ErrNotFound, runID)
	}
	return tx.Commit()
}
