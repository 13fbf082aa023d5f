package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/tankcal/internal/export"
	"github.com/lox/tankcal/internal/ingest"
	"github.com/lox/tankcal/internal/narrative"
	"github.com/lox/tankcal/internal/store"
)

// ErrNoDataSource is returned when a request names a catchment but the
// server was started without a series source.
var ErrNoDataSource = errors.New("api: no series source configured")

type Server struct {
	store    *store.Store
	datasets *ingest.Cache
	port     string
	narrator *narrative.Generator
	charts   *export.ChartCache
	calMu    sync.Mutex // one calibration at a time
}

// NewServer creates the API server. datasets and narrator are optional.
func NewServer(st *store.Store, datasets *ingest.Cache, port string, narrator *narrative.Generator) *Server {
	if narrator == nil {
		log.Println("api: narratives disabled")
	}
	return &Server{
		store:    st,
		datasets: datasets,
		port:     port,
		narrator: narrator,
		charts:   export.NewChartCache(10 * time.Minute),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/catchments", s.handleCatchments)
	mux.HandleFunc("GET /api/catchments/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/simulate", s.handleSimulate)
	mux.HandleFunc("POST /api/calibrate", s.handleCalibrate)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("GET /api/runs/{id}/history.csv", s.handleRunHistoryCSV)
	mux.HandleFunc("GET /api/runs/{id}/chart.png", s.handleRunChart)
	mux.HandleFunc("POST /api/runs/{id}/narrative", s.handleRunNarrative)
	mux.HandleFunc("GET /api/params", s.handleListParams)
	mux.HandleFunc("GET /api/params/{name}", s.handleGetParams)
	mux.HandleFunc("PUT /api/params/{name}", s.handlePutParams)
	mux.HandleFunc("DELETE /api/params/{name}", s.handleDeleteParams)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status           string `json:"status"`
	MigrationVersion int    `json:"migrationVersion"`
	SeriesFiles      int    `json:"seriesFiles"`
	DataSource       bool   `json:"dataSource"`
	Narratives       bool   `json:"narratives"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.MigrationVersion()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	stats, err := s.store.GetSeriesFileStats()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:           "ok",
		MigrationVersion: version,
		SeriesFiles:      stats.TotalCount,
		DataSource:       s.datasets != nil,
		Narratives:       s.narrator != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Printf("api: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
