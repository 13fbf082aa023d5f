package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lox/tankcal/internal/api"
	"github.com/lox/tankcal/internal/ingest"
	"github.com/lox/tankcal/internal/models"
	"github.com/lox/tankcal/internal/store"
	"github.com/lox/tankcal/internal/tank"

	_ "modernc.org/sqlite"
)

var stormRain = []float64{
	0, 0, 0, 0, 2, 5, 12, 25, 40, 30, 18, 9, 4, 2, 1, 0,
	0, 0, 0, 0, 0, 0, 3, 8, 15, 6, 2, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s
}

// writeDataset writes a 2024 RSHME year whose runoff is the default
// parameter simulation of stormRain.
func writeDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "2024")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	runoff := tank.Simulate(stormRain, models.DefaultParams, 3600)
	var rain, flow strings.Builder
	for i := range stormRain {
		at := t0.Add(time.Duration(i) * time.Hour).Format("2006-01-02T15:04")
		fmt.Fprintf(&rain, "05 %s %g\n", at, stormRain[i])
		fmt.Fprintf(&flow, "RSHME %s %g\n", at, runoff[i])
	}
	if err := os.WriteFile(filepath.Join(dir, "05_TimeSeries.txt"), []byte(rain.String()), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "RSHME_TimeSeries.txt"), []byte(flow.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func setupServer(t *testing.T) (*api.Server, *store.Store) {
	t.Helper()
	st := setupTestStore(t)
	datasets := ingest.NewCache(ingest.NewLoader(ingest.NewFileSource(writeDataset(t)), time.UTC))
	return api.NewServer(st, datasets, "8080", nil), st
}

func do(t *testing.T, srv *api.Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "GET", "/health", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var health api.HealthStatus
	decode(t, w, &health)
	if health.Status != "ok" || health.MigrationVersion != 3 || !health.DataSource || health.Narratives {
		t.Errorf("health = %+v", health)
	}
}

func TestCatchments(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "GET", "/api/catchments", "")
	var body struct {
		Catchments []api.CatchmentInfo `json:"catchments"`
		Specs      []models.ParamSpec  `json:"specs"`
	}
	decode(t, w, &body)
	if len(body.Catchments) != 2 || body.Catchments[0].ID != "RFETS" || body.Catchments[1].ID != "RSHME" {
		t.Errorf("catchments = %+v", body.Catchments)
	}
	if len(body.Specs) != len(models.ParamKeys) {
		t.Errorf("got %d specs", len(body.Specs))
	}
}

type simulateBody struct {
	Catchment string        `json:"catchment"`
	Params    models.Params `json:"params"`
	Observed  []*float64    `json:"observed"`
	Simulated []*float64    `json:"simulated"`
	Summary   struct {
		ValidPairs int      `json:"validPairs"`
		NSE        *float64 `json:"nse"`
	} `json:"summary"`
}

func TestSimulate_Catchment(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "POST", "/api/simulate", `{"catchment":"RSHME","year":2024}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body simulateBody
	decode(t, w, &body)
	if len(body.Simulated) != len(stormRain) || body.Summary.ValidPairs != len(stormRain) {
		t.Fatalf("simulated %d steps, %d valid pairs", len(body.Simulated), body.Summary.ValidPairs)
	}
	if body.Summary.NSE == nil || math.Abs(*body.Summary.NSE-1) > 1e-6 {
		t.Errorf("NSE = %v, want 1 for the generating parameters", body.Summary.NSE)
	}
}

func TestSimulate_Window(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "POST", "/api/simulate",
		`{"catchment":"RSHME","start":"2024-05-01T04:00:00Z","end":"2024-05-01T16:00:00Z"}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body simulateBody
	decode(t, w, &body)
	if len(body.Simulated) != 12 {
		t.Errorf("window has %d steps, want 12", len(body.Simulated))
	}
}

func TestSimulate_InlineWithOverrides(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "POST", "/api/simulate",
		`{"series":{"start":"2024-05-01T00:00:00Z","rain":[0,10,20,0],"runoff":[5,-1,7,6]},"params":{"a1":0.5,"area":100}}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body simulateBody
	decode(t, w, &body)
	if body.Catchment != "inline" || body.Params.A1 != 0.5 || body.Params.Area != 100 || body.Params.H1 != models.DefaultParams.H1 {
		t.Errorf("catchment %q params %+v", body.Catchment, body.Params)
	}
	if body.Observed[1] != nil || body.Summary.ValidPairs != 3 {
		t.Errorf("missing observation not null: %v, pairs %d", body.Observed, body.Summary.ValidPairs)
	}
}

func TestSimulate_CSV(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "POST", "/api/simulate?format=csv", `{"catchment":"RSHME","year":2024}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Errorf("Content-Type = %s", ct)
	}
	if !strings.HasPrefix(w.Body.String(), "\ufefftime,rain_mm,observed_cms,simulated_cms\r\n") {
		t.Errorf("body = %.80q", w.Body.String())
	}
	if n := strings.Count(w.Body.String(), "\r\n"); n != len(stormRain)+1 {
		t.Errorf("got %d lines", n)
	}
}

func TestSimulate_Errors(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, 400},
		{"unknown field", `{"catchment":"RSHME","year":2024,"colour":1}`, 400},
		{"no series", `{}`, 400},
		{"unknown catchment", `{"catchment":"NOPE","year":2024}`, 404},
		{"no year", `{"catchment":"RSHME"}`, 400},
		{"missing year file", `{"catchment":"RSHME","year":2023}`, 404},
		{"unknown param", `{"catchment":"RSHME","year":2024,"params":{"zz":1}}`, 400},
		{"unknown param set", `{"catchment":"RSHME","year":2024,"paramSet":"wet"}`, 404},
		{"length mismatch", `{"series":{"rain":[1,2],"runoff":[1]}}`, 400},
		{"year from start", `{"catchment":"RSHME","start":"2025-01-01T00:00:00Z"}`, 404},
		{"empty window", `{"catchment":"RSHME","start":"2024-06-01T00:00:00Z"}`, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "POST", "/api/simulate", tt.body)
			if w.Code != tt.want {
				t.Errorf("got %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			var body map[string]string
			decode(t, w, &body)
			if body["error"] == "" {
				t.Error("expected error field in JSON response")
			}
		})
	}
}

func TestSimulate_NoDataSource(t *testing.T) {
	t.Parallel()
	srv := api.NewServer(setupTestStore(t), nil, "8080", nil)

	w := do(t, srv, "POST", "/api/simulate", `{"catchment":"RSHME","year":2024}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("got %d, want 503", w.Code)
	}
}

func TestCalibrate_SavesRun(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "POST", "/api/calibrate", `{
		"catchment": "RSHME", "year": 2024,
		"params": {"a1": 0.3, "b2": 0.05},
		"keys": ["a1", "b2"],
		"metric": "rmse",
		"settings": {"maxIter": 25}
	}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		RunID   int64 `json:"runId"`
		Outcome struct {
			Metric     string        `json:"metric"`
			Iterations int           `json:"iterations"`
			Objective  *float64      `json:"objective"`
			Params     models.Params `json:"params"`
			History    []struct {
				Iteration int `json:"iteration"`
			} `json:"history"`
		} `json:"outcome"`
	}
	decode(t, w, &resp)
	if resp.RunID == 0 || resp.Outcome.Metric != "RMSE" {
		t.Fatalf("response = %+v", resp)
	}
	if n := resp.Outcome.Iterations; n == 0 || n > 25 || len(resp.Outcome.History) != n {
		t.Errorf("iterations %d, history %d", n, len(resp.Outcome.History))
	}
	if resp.Outcome.Params.H1 != models.DefaultParams.H1 {
		t.Errorf("uncalibrated h1 changed to %v", resp.Outcome.Params.H1)
	}

	id := fmt.Sprint(resp.RunID)

	w = do(t, srv, "GET", "/api/runs?catchment=RSHME", "")
	var runs []map[string]any
	decode(t, w, &runs)
	if len(runs) != 1 || runs[0]["catchmentId"] != "RSHME" {
		t.Errorf("runs = %v", runs)
	}

	w = do(t, srv, "GET", "/api/runs/"+id, "")
	var run struct {
		Iterations int   `json:"iterations"`
		History    []any `json:"history"`
	}
	decode(t, w, &run)
	if run.Iterations != resp.Outcome.Iterations || len(run.History) != run.Iterations {
		t.Errorf("stored run has %d iterations, %d history records", run.Iterations, len(run.History))
	}

	w = do(t, srv, "GET", "/api/runs/"+id+"/history.csv", "")
	if w.Code != 200 || !strings.HasPrefix(w.Body.String(), "\ufeffiteration,objective,nse,change,h1,") {
		t.Errorf("history.csv: %d %.60q", w.Code, w.Body.String())
	}

	for _, kind := range []string{"convergence", "hydrograph"} {
		w = do(t, srv, "GET", "/api/runs/"+id+"/chart.png?kind="+kind, "")
		if w.Code != 200 || w.Header().Get("Content-Type") != "image/png" {
			t.Fatalf("%s chart: %d %s", kind, w.Code, w.Body.String())
		}
		if _, err := png.Decode(bytes.NewReader(w.Body.Bytes())); err != nil {
			t.Errorf("%s chart: %v", kind, err)
		}
	}

	if w = do(t, srv, "DELETE", "/api/runs/"+id, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete: %d", w.Code)
	}
	if w = do(t, srv, "GET", "/api/runs/"+id, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", w.Code)
	}
}

func TestCalibrate_NoSave(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "POST", "/api/calibrate",
		`{"catchment":"RSHME","year":2024,"keys":["a1"],"settings":{"maxIter":3},"save":false}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	decode(t, w, &resp)
	if _, ok := resp["runId"]; ok {
		t.Error("unsaved run has an id")
	}

	w = do(t, srv, "GET", "/api/runs", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("runs = %s", w.Body.String())
	}
}

func TestCalibrate_Errors(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown key", `{"catchment":"RSHME","year":2024,"keys":["zz"]}`, 400},
		{"area key", `{"catchment":"RSHME","year":2024,"keys":["area"]}`, 400},
		{"duplicate key", `{"catchment":"RSHME","year":2024,"keys":["a1","a1"]}`, 400},
		{"unknown metric", `{"catchment":"RSHME","year":2024,"metric":"MAE"}`, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, srv, "POST", "/api/calibrate", tt.body); w.Code != tt.want {
				t.Errorf("got %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRuns_Errors(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	tests := []struct {
		method, target string
		want           int
	}{
		{"GET", "/api/runs/abc", 400},
		{"GET", "/api/runs/42", 404},
		{"GET", "/api/runs/42/history.csv", 404},
		{"GET", "/api/runs/42/chart.png", 404},
		{"GET", "/api/runs/42/chart.png?kind=pie", 400},
		{"DELETE", "/api/runs/42", 404},
		{"POST", "/api/runs/42/narrative", 503},
		{"GET", "/api/runs?limit=-1", 400},
	}
	for _, tt := range tests {
		if w := do(t, srv, tt.method, tt.target, ""); w.Code != tt.want {
			t.Errorf("%s %s: got %d, want %d", tt.method, tt.target, w.Code, tt.want)
		}
	}
}

func TestParamsEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	var p models.Params
	decode(t, do(t, srv, "GET", "/api/params/default", ""), &p)
	if p != models.DefaultParams {
		t.Errorf("default = %+v", p)
	}

	w := do(t, srv, "PUT", "/api/params/wet", `{"a1":0.3}`)
	if w.Code != 200 {
		t.Fatalf("put: %d %s", w.Code, w.Body.String())
	}
	decode(t, do(t, srv, "GET", "/api/params/wet", ""), &p)
	if p.A1 != 0.3 || p.H1 != models.DefaultParams.H1 {
		t.Errorf("wet = %+v", p)
	}

	var list struct {
		Sets []string `json:"sets"`
	}
	decode(t, do(t, srv, "GET", "/api/params", ""), &list)
	if len(list.Sets) != 1 || list.Sets[0] != "wet" {
		t.Errorf("sets = %v", list.Sets)
	}

	if w := do(t, srv, "GET", "/api/params/dry", ""); w.Code != 404 {
		t.Errorf("unknown set: %d", w.Code)
	}
	if w := do(t, srv, "PUT", "/api/params/wet", `{"a9":1}`); w.Code != 400 {
		t.Errorf("unknown field: %d", w.Code)
	}
	if w := do(t, srv, "DELETE", "/api/params/wet", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete: %d", w.Code)
	}
	if w := do(t, srv, "DELETE", "/api/params/wet", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: %d", w.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	var settings models.OptimizerSettings
	decode(t, do(t, srv, "GET", "/api/settings", ""), &settings)
	if settings != models.DefaultOptimizerSettings {
		t.Errorf("settings = %+v", settings)
	}

	decode(t, do(t, srv, "PUT", "/api/settings", `{"maxIter":20}`), &settings)
	if settings.MaxIterations != 20 || settings.InitialStep != models.DefaultOptimizerSettings.InitialStep {
		t.Errorf("settings = %+v", settings)
	}
	decode(t, do(t, srv, "GET", "/api/settings", ""), &settings)
	if settings.MaxIterations != 20 {
		t.Errorf("stored maxIter = %d", settings.MaxIterations)
	}

	if w := do(t, srv, "PUT", "/api/settings", `{"initialStep":-1}`); w.Code != 400 {
		t.Errorf("negative step: %d", w.Code)
	}
}

func TestEvents(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	w := do(t, srv, "GET", "/api/catchments/RSHME/events?year=2024&n=2", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Events []ingest.FlowEvent `json:"events"`
	}
	decode(t, w, &body)
	if len(body.Events) != 2 {
		t.Fatalf("events = %+v", body.Events)
	}
	if !(body.Events[0].Value >= body.Events[1].Value) {
		t.Errorf("events not ordered by peak: %+v", body.Events)
	}

	if w := do(t, srv, "GET", "/api/catchments/NOPE/events?year=2024", ""); w.Code != 404 {
		t.Errorf("unknown catchment: %d", w.Code)
	}
	if w := do(t, srv, "GET", "/api/catchments/RSHME/events", ""); w.Code != 400 {
		t.Errorf("missing year: %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := setupServer(t)

	do(t, srv, "POST", "/api/simulate", `{"catchment":"RSHME","year":2024}`)
	w := do(t, srv, "GET", "/metrics", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `tankcal_simulations_total{catchment="RSHME"}`) {
		t.Error("expected simulation counter in metrics output")
	}
}
