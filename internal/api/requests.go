package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lox/tankcal/internal/calibrate"
	"github.com/lox/tankcal/internal/ingest"
	"github.com/lox/tankcal/internal/models"
	"github.com/lox/tankcal/internal/objective"
	"github.com/lox/tankcal/internal/store"
)

// requestError carries the HTTP status a failure should be reported with.
type requestError struct {
	status int
	err    error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{status: http.StatusBadRequest, err: err}
}

func notFound(format string, args ...any) error {
	return &requestError{status: http.StatusNotFound, err: fmt.Errorf(format, args...)}
}

func statusOf(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.status
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ingest.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calibrate.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrNoDataSource):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrEmptySeries),
		errors.Is(err, models.ErrLengthMismatch),
		errors.Is(err, models.ErrInvalidInterval),
		errors.Is(err, models.ErrUnknownParameter),
		errors.Is(err, objective.ErrUnknownMetric),
		errors.Is(err, calibrate.ErrInvalidBounds):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("decode request: %w", err))
	}
	return nil
}

// inlineSeries is a series supplied in the request body.
type inlineSeries struct {
	Start    time.Time `json:"start"`
	Interval float64   `json:"interval"` // seconds, default one hour
	Rain     []float64 `json:"rain"`
	Runoff   []float64 `json:"runoff"`
}

// seriesRequest selects a series and a parameter set. An inline series takes
// precedence over a catchment year.
type seriesRequest struct {
	Catchment string             `json:"catchment"`
	Year      int                `json:"year"`
	Start     *time.Time         `json:"start"`
	End       *time.Time         `json:"end"`
	Raw       bool               `json:"raw"` // keep missing runoff instead of interpolating
	Series    *inlineSeries      `json:"series"`
	ParamSet  string             `json:"paramSet"`
	Params    map[string]float64 `json:"params"` // overrides applied to the set
}

type resolved struct {
	catchment models.Catchment
	series    models.Series
	params    models.Params
}

func (s *Server) resolve(ctx context.Context, req seriesRequest) (*resolved, error) {
	var out resolved

	if req.Catchment != "" {
		c, ok := models.Catchments[req.Catchment]
		if !ok {
			return nil, notFound("unknown catchment %q", req.Catchment)
		}
		out.catchment = c
	} else {
		out.catchment = models.Catchment{ID: "inline"}
	}

	switch {
	case req.Series != nil:
		interval := req.Series.Interval
		if interval == 0 {
			interval = ingest.DefaultInterval.Seconds()
		}
		out.series = models.Series{
			Start:    req.Series.Start,
			Interval: interval,
			Rain:     req.Series.Rain,
			Runoff:   req.Series.Runoff,
		}
	case req.Catchment == "":
		return nil, badRequest(errors.New("catchment or series required"))
	default:
		series, err := s.loadSeries(ctx, out.catchment, req)
		if err != nil {
			return nil, err
		}
		out.series = series
	}
	if err := out.series.Validate(); err != nil {
		return nil, err
	}

	params, err := s.params(req.ParamSet)
	if err != nil {
		return nil, err
	}
	for key, v := range req.Params {
		if !params.Set(key, v) {
			return nil, badRequest(fmt.Errorf("%w: %q", models.ErrUnknownParameter, key))
		}
	}
	out.params = params
	return &out, nil
}

func (s *Server) loadSeries(ctx context.Context, c models.Catchment, req seriesRequest) (models.Series, error) {
	if s.datasets == nil {
		return models.Series{}, ErrNoDataSource
	}
	year := req.Year
	if year == 0 && req.Start != nil {
		year = req.Start.Year()
	}
	if year == 0 {
		return models.Series{}, badRequest(errors.New("year or start required"))
	}

	ds, err := s.datasets.Get(ctx, c, year)
	if err != nil {
		return models.Series{}, err
	}
	series := ds.Series
	if req.Raw {
		series = ds.Raw
	}
	if req.Start != nil || req.End != nil {
		start, end := series.TimeAt(0), series.TimeAt(series.Len())
		if req.Start != nil {
			start = *req.Start
		}
		if req.End != nil {
			end = *req.End
		}
		series = ingest.Window(series, start, end)
	}
	return series, nil
}

// params returns a stored parameter set. The default set falls back to
// models.DefaultParams when it was never saved.
func (s *Server) params(name string) (models.Params, error) {
	if name == "" {
		name = store.DefaultParamSet
	}
	p, found, err := s.store.GetParams(name)
	if err != nil {
		return p, err
	}
	if !found && name != store.DefaultParamSet {
		return p, notFound("parameter set %q not found", name)
	}
	return p, nil
}

// specsFor returns the default specs of keys in request order.
func specsFor(keys []string) ([]models.ParamSpec, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if err := models.ValidateKeys(keys); err != nil {
		return nil, badRequest(err)
	}
	seen := make(map[string]bool, len(keys))
	specs := make([]models.ParamSpec, 0, len(keys))
	for _, key := range keys {
		if seen[key] {
			return nil, badRequest(fmt.Errorf("duplicate parameter %q", key))
		}
		seen[key] = true
		for _, spec := range models.DefaultSpecs {
			if spec.Key == key {
				specs = append(specs, spec)
			}
		}
	}
	if len(specs) != len(keys) {
		return nil, badRequest(errors.New("area cannot be calibrated"))
	}
	return specs, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(fmt.Errorf("invalid run id %q", r.PathValue("id")))
	}
	return id, nil
}
