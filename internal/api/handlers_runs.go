package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/lox/tankcal/internal/export"
	"github.com/lox/tankcal/internal/ingest"
	"github.com/lox/tankcal/internal/models"
	"github.com/lox/tankcal/internal/tank"
)

var errNarrativesDisabled = errors.New("api: narratives disabled, set OPENAI_API_KEY")

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.URL.Query().Get("catchment"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]export.RunJSON, len(runs))
	for i, run := range runs {
		out[i] = export.Run(run, nil)
	}
	writeJSON(w, http.StatusOK, out)
}

// loadRun fetches the run named by the path and its history.
func (s *Server) loadRun(r *http.Request) (*models.CalibrationRun, []models.CalibrationRecord, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, nil, err
	}
	run, err := s.store.GetRun(id)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, notFound("run %d not found", id)
	}
	history, err := s.store.GetHistory(id)
	if err != nil {
		return nil, nil, err
	}
	return run, history, nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, history, err := s.loadRun(r)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, export.Run(*run, history))
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	if err := s.store.DeleteRun(id); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunHistoryCSV(w http.ResponseWriter, r *http.Request) {
	run, history, err := s.loadRun(r)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="run-%d-history.csv"`, run.ID))
	if err := export.WriteHistoryCSV(w, history, models.ParamKeys); err != nil {
		writeError(w, http.StatusInternalServerError, err)
	}
}

// handleRunChart renders the convergence chart of a run, or with
// kind=hydrograph the calibrated simulation over the run's window.
func (s *Server) handleRunChart(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = "convergence"
	}
	if kind != "convergence" && kind != "hydrograph" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown chart kind %q", kind))
		return
	}

	key := r.PathValue("id") + "-" + kind
	if data, ok := s.charts.Get(key); ok {
		servePNG(w, data)
		return
	}

	run, history, err := s.loadRun(r)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	var buf bytes.Buffer
	title := fmt.Sprintf("%s run %d (%s)", run.CatchmentID, run.ID, run.Metric)
	if kind == "convergence" {
		err = export.ConvergencePNG(&buf, history, title)
	} else {
		err = s.runHydrograph(r, &buf, run, title)
	}
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	s.charts.Set(key, buf.Bytes())
	servePNG(w, buf.Bytes())
}

func (s *Server) runHydrograph(r *http.Request, buf *bytes.Buffer, run *models.CalibrationRun, title string) error {
	c, ok := models.Catchments[run.CatchmentID]
	if !ok {
		return notFound("run %d has no catchment series", run.ID)
	}
	if s.datasets == nil {
		return ErrNoDataSource
	}
	ds, err := s.datasets.Get(r.Context(), c, run.WindowStart.Year())
	if err != nil {
		return err
	}
	series := ingest.Window(ds.Series, run.WindowStart, run.WindowEnd)
	if series.Len() == 0 {
		return notFound("run %d window has no data", run.ID)
	}
	sim := tank.Simulate(series.Rain, run.FinalParams, series.Interval)
	return export.HydrographPNG(buf, series, sim, title)
}

func servePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=600")
	w.Write(data)
}

func (s *Server) handleRunNarrative(w http.ResponseWriter, r *http.Request) {
	if s.narrator == nil {
		writeError(w, http.StatusServiceUnavailable, errNarrativesDisabled)
		return
	}
	run, _, err := s.loadRun(r)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	c, ok := models.Catchments[run.CatchmentID]
	if !ok {
		c = models.Catchment{ID: run.CatchmentID}
	}
	text, err := s.describe(r, c, *run)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"narrative": text})
}

// describe writes a narrative for run and stores it when the run is saved.
func (s *Server) describe(r *http.Request, c models.Catchment, run models.CalibrationRun) (string, error) {
	text, err := s.narrator.Describe(r.Context(), c, run)
	if err != nil {
		return "", err
	}
	if run.ID != 0 {
		if err := s.store.SetNarrative(run.ID, text); err != nil {
			return "", err
		}
	}
	return text, nil
}
