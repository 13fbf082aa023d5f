package store

import (
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/tankcal/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// every pooled connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("version = %d, want %d", version, len(migrations))
	}
}

func TestMigrate_SchemaTooNew(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.db.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		len(migrations)+1, "future", time.Now().UTC(),
	); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(); !errors.Is(err, ErrSchemaTooNew) {
		t.Errorf("Migrate err = %v, want ErrSchemaTooNew", err)
	}
}

func TestParams_RoundTrip(t *testing.T) {
	store := setupTestStore(t)

	p, found, err := store.GetParams("RSHME")
	if err != nil {
		t.Fatalf("GetParams: %v", err)
	}
	if found || p != models.DefaultParams {
		t.Errorf("unknown set = %+v (found %v), want defaults", p, found)
	}

	want := models.DefaultParams
	want.H1 = 120
	want.B3 = 0.004
	if err := store.SaveParams("RSHME", want); err != nil {
		t.Fatalf("SaveParams: %v", err)
	}
	got, found, err := store.GetParams("RSHME")
	if err != nil || !found {
		t.Fatalf("GetParams: %v, found %v", err, found)
	}
	if got != want {
		t.Errorf("GetParams = %+v, want %+v", got, want)
	}

	want.H1 = 150
	if err := store.SaveParams("RSHME", want); err != nil {
		t.Fatalf("SaveParams overwrite: %v", err)
	}
	got, _, _ = store.GetParams("RSHME")
	if got.H1 != 150 {
		t.Errorf("H1 after overwrite = %v, want 150", got.H1)
	}

	bad := want
	bad.A1 = math.NaN()
	if err := store.SaveParams("bad", bad); err == nil {
		t.Error("SaveParams accepted a NaN parameter")
	}
}

func TestParams_MergesDefaults(t *testing.T) {
	store := setupTestStore(t)
	if _, err := store.db.Exec(`INSERT INTO parameter_sets (name, params_json, updated_at) VALUES ('old', '{"h1": 70, "b1": 0.3}', ?)`, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	got, found, err := store.GetParams("old")
	if err != nil || !found {
		t.Fatalf("GetParams: %v, found %v", err, found)
	}
	want := models.DefaultParams
	want.H1 = 70
	want.B1 = 0.3
	if got != want {
		t.Errorf("GetParams = %+v, want %+v", got, want)
	}
}

func TestListAndDeleteParams(t *testing.T) {
	store := setupTestStore(t)
	for _, name := range []string{"RSHME", "RFETS", DefaultParamSet} {
		if err := store.SaveParams(name, models.DefaultParams); err != nil {
			t.Fatalf("SaveParams(%s): %v", name, err)
		}
	}
	names, err := store.ListParamSets()
	if err != nil {
		t.Fatalf("ListParamSets: %v", err)
	}
	if len(names) != 3 || names[0] != "RFETS" || names[2] != DefaultParamSet {
		t.Errorf("names = %v", names)
	}

	if err := store.DeleteParams("RFETS"); err != nil {
		t.Fatalf("DeleteParams: %v", err)
	}
	if err := store.DeleteParams("RFETS"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteParams err = %v, want ErrNotFound", err)
	}
}

func TestSettings(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got != models.DefaultOptimizerSettings {
		t.Errorf("GetSettings = %+v, want defaults", got)
	}

	if err := store.SaveSettings(models.OptimizerSettings{MaxIterations: 250, InitialStep: 0.05}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, err = store.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	want := models.OptimizerSettings{MaxIterations: 250, InitialStep: 0.05, MinObjective: 1e-6, MinObjectiveChange: 1e-6}
	if got != want {
		t.Errorf("GetSettings = %+v, want %+v", got, want)
	}
}

func sampleRun(start time.Time) (models.CalibrationRun, []models.CalibrationRecord) {
	final := models.DefaultParams
	final.A1 = 0.2
	run := models.CalibrationRun{
		CatchmentID:   "RSHME",
		Metric:        "NSE",
		Reason:        "converged",
		Iterations:    3,
		Evaluations:   37,
		Objective:     sql.NullFloat64{Float64: 0.01, Valid: true},
		NSE:           sql.NullFloat64{Float64: 0.9, Valid: true},
		RMSE:          sql.NullFloat64{Float64: math.Inf(1), Valid: true},
		InitialParams: models.DefaultParams,
		FinalParams:   final,
		Settings:      models.DefaultOptimizerSettings,
		WindowStart:   time.Date(2013, 7, 12, 0, 0, 0, 0, time.UTC),
		WindowEnd:     time.Date(2013, 7, 15, 0, 0, 0, 0, time.UTC),
		StartedAt:     start,
		FinishedAt:    start.Add(2 * time.Second),
	}
	history := []models.CalibrationRecord{
		{Iteration: 1, Objective: math.Inf(1), Change: math.NaN(), Params: models.DefaultParams},
		{Iteration: 2, Objective: 0.5, NSE: sql.NullFloat64{Float64: 0.3, Valid: true}, Change: 0.2, Params: final},
		{Iteration: 3, Objective: 0.01, NSE: sql.NullFloat64{Float64: math.Inf(-1), Valid: true}, Change: 0.49, Params: final},
	}
	return run, history
}

func TestInsertAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	run, history := sampleRun(start)

	id, err := store.InsertRun(run, history)
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := store.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil")
	}
	if got.ID != id || got.CatchmentID != "RSHME" || got.Metric != "NSE" || got.Reason != "converged" {
		t.Errorf("run = %+v", got)
	}
	if got.Iterations != 3 || got.Evaluations != 37 {
		t.Errorf("Iterations = %d, Evaluations = %d", got.Iterations, got.Evaluations)
	}
	if !got.Objective.Valid || got.Objective.Float64 != 0.01 {
		t.Errorf("Objective = %+v", got.Objective)
	}
	if got.RMSE.Valid {
		t.Errorf("infinite RMSE stored as %+v, want NULL", got.RMSE)
	}
	if got.FinalParams.A1 != 0.2 || got.InitialParams != models.DefaultParams {
		t.Errorf("params = %+v / %+v", got.InitialParams, got.FinalParams)
	}
	if got.Settings != models.DefaultOptimizerSettings {
		t.Errorf("Settings = %+v", got.Settings)
	}
	if !got.StartedAt.Equal(start) || !got.WindowStart.Equal(run.WindowStart) || !got.WindowEnd.Equal(run.WindowEnd) {
		t.Errorf("times = %v, %v, %v", got.StartedAt, got.WindowStart, got.WindowEnd)
	}
	if got.Narrative.Valid {
		t.Errorf("Narrative = %+v, want NULL", got.Narrative)
	}

	missing, err := store.GetRun(id + 100)
	if err != nil || missing != nil {
		t.Errorf("GetRun(missing) = %v, %v", missing, err)
	}
}

func TestGetHistory(t *testing.T) {
	store := setupTestStore(t)
	run, history := sampleRun(time.Now().UTC())
	id, err := store.InsertRun(run, history)
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, err := store.GetHistory(id)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(got))
	}
	if !math.IsInf(got[0].Objective, 1) || !math.IsNaN(got[0].Change) || got[0].NSE.Valid {
		t.Errorf("first record = %+v, want +Inf objective, NaN change, NULL NSE", got[0])
	}
	if got[1].Objective != 0.5 || got[1].NSE.Float64 != 0.3 || got[1].Params.A1 != 0.2 {
		t.Errorf("second record = %+v", got[1])
	}
	if got[2].NSE.Valid {
		t.Errorf("-Inf NSE stored as %+v, want NULL", got[2].NSE)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, catchment := range []string{"RSHME", "RFETS", "RSHME"} {
		run, history := sampleRun(base.Add(time.Duration(i) * time.Hour))
		run.CatchmentID = catchment
		if _, err := store.InsertRun(run, history); err != nil {
			t.Fatalf("InsertRun: %v", err)
		}
	}

	all, err := store.ListRuns("", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if !all[0].StartedAt.After(all[1].StartedAt) {
		t.Errorf("runs not newest first: %v, %v", all[0].StartedAt, all[1].StartedAt)
	}

	rshme, err := store.ListRuns("RSHME", 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(rshme) != 1 || rshme[0].CatchmentID != "RSHME" || !rshme[0].StartedAt.Equal(base.Add(2*time.Hour)) {
		t.Errorf("ListRuns(RSHME, 1) = %+v", rshme)
	}
}

func TestNarrativeAndDelete(t *testing.T) {
	store := setupTestStore(t)
	run, history := sampleRun(time.Now().UTC())
	id, err := store.InsertRun(run, history)
	if err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	if err := store.SetNarrative(id, "The fit improved steadily."); err != nil {
		t.Fatalf("SetNarrative: %v", err)
	}
	got, _ := store.GetRun(id)
	if got.Narrative.String != "The fit improved steadily." {
		t.Errorf("Narrative = %+v", got.Narrative)
	}
	if err := store.SetNarrative(id+1, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetNarrative(missing) err = %v", err)
	}

	if err := store.DeleteRun(id); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if h, _ := store.GetHistory(id); len(h) != 0 {
		t.Errorf("history survived delete: %d records", len(h))
	}
	if err := store.DeleteRun(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRun err = %v", err)
	}
}

func TestSeriesFiles(t *testing.T) {
	store := setupTestStore(t)
	payload := []byte("RSHME 2024-05-01T00:00 43.31\r\nRSHME 2024-05-01T01:00 44.02\r\n")

	changed, err := store.PutSeriesFile("http", "2024/RSHME_TimeSeries.txt", payload)
	if err != nil || !changed {
		t.Fatalf("PutSeriesFile: changed=%v err=%v", changed, err)
	}
	changed, err = store.PutSeriesFile("http", "2024/RSHME_TimeSeries.txt", payload)
	if err != nil || changed {
		t.Errorf("identical PutSeriesFile: changed=%v err=%v", changed, err)
	}

	got, ok, err := store.GetSeriesFile("2024/RSHME_TimeSeries.txt")
	if err != nil || !ok {
		t.Fatalf("GetSeriesFile: ok=%v err=%v", ok, err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %q", got)
	}
	if _, ok, err := store.GetSeriesFile("2024/05_TimeSeries.txt"); ok || err != nil {
		t.Errorf("missing file: ok=%v err=%v", ok, err)
	}

	if _, err := store.PutSeriesFile("ftp", "2024/05_TimeSeries.txt", []byte("05 2024-05-01T00:00 1\r\n")); err != nil {
		t.Fatalf("PutSeriesFile: %v", err)
	}
	stats, err := store.GetSeriesFileStats()
	if err != nil {
		t.Fatalf("GetSeriesFileStats: %v", err)
	}
	if stats.TotalCount != 2 || stats.CountBySource["http"] != 1 || stats.CountBySource["ftp"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.TotalSizeBytes != int64(len(payload)+23) {
		t.Errorf("TotalSizeBytes = %d", stats.TotalSizeBytes)
	}
	if stats.OldestFetchedAt.IsZero() || stats.NewestFetchedAt.Before(stats.OldestFetchedAt) {
		t.Errorf("fetch bounds = %v, %v", stats.OldestFetchedAt, stats.NewestFetchedAt)
	}

	n, err := store.DeleteSeriesFilesBefore(time.Now().Add(time.Hour))
	if err != nil || n != 2 {
		t.Errorf("DeleteSeriesFilesBefore = %d, %v", n, err)
	}
}
