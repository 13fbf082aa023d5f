package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lox/tankcal/internal/api"
	"github.com/lox/tankcal/internal/calibrate"
	"github.com/lox/tankcal/internal/export"
	"github.com/lox/tankcal/internal/fit"
	"github.com/lox/tankcal/internal/ingest"
	"github.com/lox/tankcal/internal/models"
	"github.com/lox/tankcal/internal/narrative"
	"github.com/lox/tankcal/internal/objective"
	"github.com/lox/tankcal/internal/store"
	"github.com/lox/tankcal/internal/tank"
)

// SeriesFlags select a catchment year and an optional window within it.
type SeriesFlags struct {
	Catchment string    `arg:"" help:"Catchment ID (RSHME or RFETS)."`
	Year      int       `required:"" help:"Year of the series files."`
	Start     time.Time `format:"2006-01-02T15:04" help:"Window start (local time of the series)."`
	End       time.Time `format:"2006-01-02T15:04" help:"Window end, exclusive."`
	Raw       bool      `help:"Keep missing runoff instead of interpolating."`
	ParamSet  string    `default:"default" help:"Stored parameter set to start from."`
}

type loaded struct {
	catchment models.Catchment
	series    models.Series
	params    models.Params
	missing   int
}

func (f *SeriesFlags) load(app *App) (*loaded, error) {
	c, ok := models.Catchments[strings.ToUpper(f.Catchment)]
	if !ok {
		return nil, fmt.Errorf("unknown catchment %q", f.Catchment)
	}
	ds, err := app.datasets.Get(app.ctx, c, f.Year)
	if err != nil {
		return nil, err
	}

	series := ds.Series
	if f.Raw {
		series = ds.Raw
	}
	start, end := series.TimeAt(0), series.TimeAt(series.Len())
	if !f.Start.IsZero() {
		start = inLocation(f.Start, app.loc)
	}
	if !f.End.IsZero() {
		end = inLocation(f.End, app.loc)
	}
	series = ingest.Window(series, start, end)
	if err := series.Validate(); err != nil {
		return nil, fmt.Errorf("window %s to %s: %w", start.Format(time.DateTime), end.Format(time.DateTime), err)
	}

	params, found, err := app.store.GetParams(f.ParamSet)
	if err != nil {
		return nil, err
	}
	if !found && f.ParamSet != store.DefaultParamSet {
		return nil, fmt.Errorf("parameter set %q: %w", f.ParamSet, store.ErrNotFound)
	}
	return &loaded{catchment: c, series: series, params: params, missing: ds.MissingIn(start, end)}, nil
}

// inLocation reinterprets a flag time, parsed as UTC, in loc.
func inLocation(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

// create opens path for writing. "-" is standard output.
func create(path string) (io.WriteCloser, error) {
	if path == "-" {
		return nopCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func writeFile(path string, write func(io.Writer) error) error {
	f, err := create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatNull(n sql.NullFloat64) string {
	if !n.Valid {
		return "-"
	}
	return fmt.Sprintf("%.4g", n.Float64)
}

type ServeCmd struct {
	Port      string `default:"8080" env:"TANKCAL_PORT" help:"HTTP server port."`
	NoRefresh bool   `help:"Do not refresh mirrored series files in the background."`
	OpenAIKey string `env:"OPENAI_API_KEY" help:"Enables run narratives."`
}

func (c *ServeCmd) Run(app *App) error {
	var narrator *narrative.Generator
	if gen, err := narrative.NewGenerator(c.OpenAIKey); err != nil {
		log.Printf("Narratives disabled: %v", err)
	} else {
		narrator = gen
	}

	if app.mirrored != nil && !c.NoRefresh {
		catchments := []models.Catchment{models.Catchments["RSHME"], models.Catchments["RFETS"]}
		go ingest.NewScheduler(app.mirrored, app.datasets, catchments, app.loc).Run(app.ctx)
	}

	server := api.NewServer(app.store, app.datasets, c.Port, narrator)
	log.Printf("starting server on :%s", c.Port)
	return server.Run(app.ctx)
}

type SimulateCmd struct {
	SeriesFlags `embed:""`
	CSV   string `help:"Write the hydrograph CSV to this path (- for stdout)."`
	Chart string `help:"Write the hydrograph PNG to this path."`
}

func (c *SimulateCmd) Run(app *App) error {
	in, err := c.load(app)
	if err != nil {
		return err
	}
	sim := tank.Simulate(in.series.Rain, in.params, in.series.Interval)
	summary := fit.Evaluate(in.series.Runoff, sim, in.series.Rain, in.series.Interval, in.params.Area)

	fmt.Printf("%s %d: %d steps, %d runoff values interpolated\n", in.catchment.ID, c.Year, in.series.Len(), in.missing)
	printSummary(summary)

	if c.CSV != "" {
		if err := writeFile(c.CSV, func(w io.Writer) error { return export.WriteHydrographCSV(w, in.series, sim) }); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	if c.Chart != "" {
		title := fmt.Sprintf("%s %d simulation", in.catchment.ID, c.Year)
		if err := writeFile(c.Chart, func(w io.Writer) error { return export.HydrographPNG(w, in.series, sim, title) }); err != nil {
			return fmt.Errorf("write chart: %w", err)
		}
	}
	return nil
}

func printSummary(s fit.Summary) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "valid pairs\t%d\n", s.ValidPairs)
	fmt.Fprintf(tw, "NSE\t%s\n", formatNull(s.NSE))
	fmt.Fprintf(tw, "RMSE (m³/s)\t%s\n", formatNull(s.RMSE))
	fmt.Fprintf(tw, "peak flow error (%%)\t%s\n", formatNull(s.PeakFlowError))
	fmt.Fprintf(tw, "volume error (%%)\t%s\n", formatNull(s.VolumeError))
	fmt.Fprintf(tw, "time to peak error (h)\t%s\n", formatNull(s.TimeToPeakError))
	fmt.Fprintf(tw, "runoff coefficient (sim/obs)\t%s / %s\n", formatNull(s.SimulatedRunoffCoeff), formatNull(s.ObservedRunoffCoeff))
	tw.Flush()
}

type CalibrateCmd struct {
	SeriesFlags `embed:""`
	Metric    string   `default:"RMSE" enum:"RMSE,NSE,PeakFlowError" help:"Objective metric."`
	Keys      []string `help:"Parameters to calibrate (default all)."`
	MaxIter   int      `help:"Iteration limit (default from stored settings)."`
	SaveAs    string   `help:"Store the calibrated parameters under this set name."`
	NoSave    bool     `help:"Do not store the run."`
	History   string   `help:"Write the iteration history CSV to this path."`
	Narrative bool     `help:"Ask for a narrative of the run."`
	OpenAIKey string   `env:"OPENAI_API_KEY" help:"API key used for narratives."`
}

func (c *CalibrateCmd) Run(app *App) error {
	in, err := c.load(app)
	if err != nil {
		return err
	}
	specs, err := specsFor(c.Keys)
	if err != nil {
		return err
	}
	settings, err := app.store.GetSettings()
	if err != nil {
		return err
	}
	if c.MaxIter > 0 {
		settings.MaxIterations = c.MaxIter
	}

	d, err := calibrate.New(calibrate.Config{
		Series:    in.series,
		Params:    in.params,
		Specs:     specs,
		Metric:    objective.Metric(c.Metric),
		Optimizer: calibrate.OptionsFromSettings(settings),
	})
	if err != nil {
		return err
	}
	log.Printf("calibrating %s %d over %d steps, %s initial %.6g", in.catchment.ID, c.Year, in.series.Len(), d.Metric(), d.InitialObjective())

	out, runErr := d.Run(app.ctx)
	if out == nil {
		return runErr
	}
	if runErr != nil {
		log.Printf("calibration canceled after %d iterations, keeping the partial result", out.Result.Iterations)
	}

	run := d.RunRecord(in.catchment.ID, settings, out)
	if !c.NoSave {
		if run.ID, err = app.store.InsertRun(run, out.History); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		log.Printf("saved run %d", run.ID)
	}
	if c.SaveAs != "" {
		if err := app.store.SaveParams(c.SaveAs, out.Params); err != nil {
			return err
		}
		log.Printf("saved parameters as %q", c.SaveAs)
	}

	fmt.Printf("stopped: %s after %d iterations (%d evaluations) in %s\n",
		out.Result.Reason, out.Result.Iterations, out.Evaluations, out.Duration().Round(time.Millisecond))
	printSummary(out.Summary)
	printParams(in.params, out.Params, d.Keys())

	if c.History != "" {
		if err := writeFile(c.History, func(w io.Writer) error { return export.WriteHistoryCSV(w, out.History, models.ParamKeys) }); err != nil {
			return fmt.Errorf("write history: %w", err)
		}
	}
	if c.Narrative && runErr == nil {
		gen, err := narrative.NewGenerator(c.OpenAIKey)
		if err != nil {
			return err
		}
		text, err := gen.Describe(app.ctx, in.catchment, run)
		if err != nil {
			return err
		}
		if run.ID != 0 {
			if err := app.store.SetNarrative(run.ID, text); err != nil {
				return err
			}
		}
		fmt.Println()
		fmt.Println(text)
	}
	return runErr
}

func printParams(before, after models.Params, keys []string) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "parameter\tinitial\tcalibrated")
	for _, key := range keys {
		b, _ := before.Get(key)
		a, _ := after.Get(key)
		fmt.Fprintf(tw, "%s\t%.6g\t%.6g\n", key, b, a)
	}
	tw.Flush()
}

func specsFor(keys []string) ([]models.ParamSpec, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	specs := make([]models.ParamSpec, 0, len(keys))
	for _, key := range keys {
		found := false
		for _, spec := range models.DefaultSpecs {
			if spec.Key == key {
				specs = append(specs, spec)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", models.ErrUnknownParameter, key)
		}
	}
	return specs, nil
}

type RunsCmd struct {
	Catchment string `help:"Only runs of this catchment."`
	Limit     int    `default:"20" help:"Maximum number of runs."`
}

func (c *RunsCmd) Run(app *App) error {
	runs, err := app.store.ListRuns(strings.ToUpper(c.Catchment), c.Limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATCHMENT\tMETRIC\tREASON\tITER\tOBJECTIVE\tNSE\tFINISHED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.CatchmentID, r.Metric, r.Reason, r.Iterations,
			formatNull(r.Objective), formatNull(r.NSE), r.FinishedAt.In(app.loc).Format(time.DateTime))
	}
	return tw.Flush()
}

type ExportCmd struct {
	ID     int64  `arg:"" help:"Run ID."`
	Format string `default:"json" enum:"json,csv,png" help:"Output format: json, csv (history) or png."`
	Kind   string `default:"convergence" enum:"convergence,hydrograph" help:"Chart kind for png."`
	Out    string `short:"o" default:"-" help:"Output path (- for stdout)."`
}

func (c *ExportCmd) Run(app *App) error {
	run, err := app.store.GetRun(c.ID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %d: %w", c.ID, store.ErrNotFound)
	}
	history, err := app.store.GetHistory(c.ID)
	if err != nil {
		return err
	}

	switch c.Format {
	case "csv":
		return writeFile(c.Out, func(w io.Writer) error { return export.WriteHistoryCSV(w, history, models.ParamKeys) })
	case "png":
		title := fmt.Sprintf("%s run %d (%s)", run.CatchmentID, run.ID, run.Metric)
		if c.Kind == "convergence" {
			return writeFile(c.Out, func(w io.Writer) error { return export.ConvergencePNG(w, history, title) })
		}
		return c.hydrograph(app, run, title)
	}
	return writeFile(c.Out, func(w io.Writer) error { return export.WriteJSON(w, export.Run(*run, history)) })
}

func (c *ExportCmd) hydrograph(app *App, run *models.CalibrationRun, title string) error {
	catchment, ok := models.Catchments[run.CatchmentID]
	if !ok {
		return errors.New("run has no catchment series")
	}
	ds, err := app.datasets.Get(app.ctx, catchment, run.WindowStart.In(app.loc).Year())
	if err != nil {
		return err
	}
	series := ingest.Window(ds.Series, run.WindowStart, run.WindowEnd)
	sim := tank.Simulate(series.Rain, run.FinalParams, series.Interval)
	return writeFile(c.Out, func(w io.Writer) error { return export.HydrographPNG(w, series, sim, title) })
}

type EventsCmd struct {
	Catchment string        `arg:"" help:"Catchment ID."`
	Year      int           `required:"" help:"Year of the series files."`
	N         int           `short:"n" default:"5" help:"Number of events."`
	Separate  time.Duration `default:"6h" help:"Minimum time between event peaks."`
}

func (c *EventsCmd) Run(app *App) error {
	catchment, ok := models.Catchments[strings.ToUpper(c.Catchment)]
	if !ok {
		return fmt.Errorf("unknown catchment %q", c.Catchment)
	}
	ds, err := app.datasets.Get(app.ctx, catchment, c.Year)
	if err != nil {
		return err
	}
	if len(ds.Flags) > 0 {
		log.Printf("quality flags: %s", strings.Join(ds.Flags, ", "))
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPEAK TIME\tPEAK (m³/s)")
	for i, ev := range ingest.TopFlowEvents(ds.Series, c.N, c.Separate) {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\n", i+1, ev.Time.In(app.loc).Format("2006-01-02 15:04"), ev.Value)
	}
	return tw.Flush()
}

type MirrorCmd struct {
	Prune time.Duration `help:"Delete mirrored files fetched longer ago than this."`
}

func (c *MirrorCmd) Run(app *App) error {
	if c.Prune > 0 {
		n, err := app.store.DeleteSeriesFilesBefore(time.Now().Add(-c.Prune))
		if err != nil {
			return err
		}
		log.Printf("pruned %d mirrored files", n)
	}

	stats, err := app.store.GetSeriesFileStats()
	if err != nil {
		return err
	}
	fmt.Printf("%d files, %d bytes (%d compressed)\n", stats.TotalCount, stats.TotalSizeBytes, stats.CompressedBytes)
	if stats.TotalCount > 0 {
		fmt.Printf("fetched %s to %s\n", stats.OldestFetchedAt.In(app.loc).Format(time.DateTime), stats.NewestFetchedAt.In(app.loc).Format(time.DateTime))
		for source, n := range stats.CountBySource {
			fmt.Printf("  %s: %d\n", source, n)
		}
	}
	return nil
}
