package api

import (
	"bytes"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/lox/tankcal/internal/calibrate"
	"github.com/lox/tankcal/internal/export"
	"github.com/lox/tankcal/internal/fit"
	"github.com/lox/tankcal/internal/ingest"
	"github.com/lox/tankcal/internal/metrics"
	"github.com/lox/tankcal/internal/models"
	"github.com/lox/tankcal/internal/objective"
	"github.com/lox/tankcal/internal/tank"
)

type CatchmentInfo struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	AreaNo  string  `json:"areaNo"`
	AreaKm2 float64 `json:"areaKm2"`
}

func (s *Server) handleCatchments(w http.ResponseWriter, r *http.Request) {
	list := make([]CatchmentInfo, 0, len(models.Catchments))
	for _, c := range models.Catchments {
		list = append(list, CatchmentInfo{ID: c.ID, Name: c.Name, AreaNo: c.AreaNo, AreaKm2: c.AreaKm2})
	}
	slices.SortFunc(list, func(a, b CatchmentInfo) int { return strings.Compare(a.ID, b.ID) })

	writeJSON(w, http.StatusOK, map[string]any{
		"catchments":    list,
		"specs":         models.DefaultSpecs,
		"defaultParams": models.DefaultParams,
		"metrics":       objective.Metrics,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := models.Catchments[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, notFound("unknown catchment %q", r.PathValue("id")))
		return
	}
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, badRequest(err))
		return
	}
	n := 5
	if v := r.URL.Query().Get("n"); v != "" {
		if n, err = strconv.Atoi(v); err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, badRequest(strconv.ErrSyntax))
			return
		}
	}
	if s.datasets == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoDataSource)
		return
	}

	ds, err := s.datasets.Get(r.Context(), c, year)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"catchment":    c.ID,
		"year":         year,
		"interpolated": ds.Interpolated,
		"flags":        ds.Flags,
		"events":       ingest.TopFlowEvents(ds.Series, n, ingest.DefaultEventSeparation),
	})
}

type simulateResponse struct {
	Catchment string        `json:"catchment"`
	Params    models.Params `json:"params"`
	export.SimulationJSON
}

// handleSimulate runs the tank model once. format=csv or format=png return
// the hydrograph instead of JSON.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req seriesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	in, err := s.resolve(r.Context(), req)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	sim := tank.Simulate(in.series.Rain, in.params, in.series.Interval)
	metrics.SimulationsTotal.WithLabelValues(in.catchment.ID).Inc()

	switch r.URL.Query().Get("format") {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="hydrograph.csv"`)
		if err := export.WriteHydrographCSV(w, in.series, sim); err != nil {
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	case "png":
		var buf bytes.Buffer
		if err := export.HydrographPNG(&buf, in.series, sim, in.catchment.ID+" simulation"); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
		return
	}

	summary := fit.Evaluate(in.series.Runoff, sim, in.series.Rain, in.series.Interval, in.params.Area)
	writeJSON(w, http.StatusOK, simulateResponse{
		Catchment:      in.catchment.ID,
		Params:         in.params,
		SimulationJSON: export.Simulation(in.series, sim, summary),
	})
}

type calibrateRequest struct {
	seriesRequest
	Metric    string                    `json:"metric"`
	Keys      []string                  `json:"keys"`
	Settings  *models.OptimizerSettings `json:"settings"`
	Save      *bool                     `json:"save"` // default true
	Narrative bool                      `json:"narrative"`
}

type calibrateResponse struct {
	RunID     int64              `json:"runId,omitempty"`
	Outcome   export.OutcomeJSON `json:"outcome"`
	Narrative string             `json:"narrative,omitempty"`
}

// handleCalibrate runs a calibration within the request. Only one
// calibration runs at a time; a second request gets 409.
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if !s.calMu.TryLock() {
		writeError(w, http.StatusConflict, calibrate.ErrRunInProgress)
		return
	}
	defer s.calMu.Unlock()

	var req calibrateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	in, err := s.resolve(r.Context(), req.seriesRequest)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	specs, err := specsFor(req.Keys)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	settings, err := s.store.GetSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if req.Settings != nil {
		settings = req.Settings.Merge(settings)
	}

	d, err := calibrate.New(calibrate.Config{
		Series:    in.series,
		Params:    in.params,
		Specs:     specs,
		Metric:    objective.Metric(req.Metric),
		Optimizer: calibrate.OptionsFromSettings(settings),
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	out, runErr := d.Run(r.Context())
	if out == nil {
		writeError(w, statusOf(runErr), runErr)
		return
	}

	run := d.RunRecord(in.catchment.ID, settings, out)
	if req.Save == nil || *req.Save {
		id, err := s.store.InsertRun(run, out.History)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		run.ID = id
	}
	if runErr != nil {
		// The client went away; the partial run is kept.
		return
	}

	resp := calibrateResponse{
		RunID:   run.ID,
		Outcome: export.Outcome(string(d.Metric()), out),
	}
	if req.Narrative && s.narrator != nil {
		text, err := s.describe(r, in.catchment, run)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		resp.Narrative = text
	}
	writeJSON(w, http.StatusOK, resp)
}
