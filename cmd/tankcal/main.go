package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/tankcal/internal/ingest"
	"github.com/lox/tankcal/internal/store"
)

type CLI struct {
	EnvFile  kongdotenv.ENVFileConfig `kong:"optional,name=env-file,default='.env',help='Path to .env file.'"`
	DB       string                   `default:"data/tankcal.db" env:"TANKCAL_DB" help:"Path to SQLite database."`
	Data     string                   `default:"data/series" env:"TANKCAL_DATA" help:"Series location: a directory, an http(s):// URL or an ftp:// URL."`
	Timezone string                   `default:"Asia/Taipei" env:"TANKCAL_TZ" help:"Time zone the series files are recorded in."`

	Serve     ServeCmd     `cmd:"" help:"Run the HTTP API."`
	Simulate  SimulateCmd  `cmd:"" help:"Simulate a catchment with a parameter set."`
	Calibrate CalibrateCmd `cmd:"" help:"Calibrate parameters against observed runoff."`
	Runs      RunsCmd      `cmd:"" help:"List stored calibration runs."`
	Export    ExportCmd    `cmd:"" help:"Export a stored calibration run."`
	Events    EventsCmd    `cmd:"" help:"List the largest flow events of a catchment year."`
	Mirror    MirrorCmd    `cmd:"" help:"Show or prune mirrored series files."`
}

// App is shared by every command.
type App struct {
	ctx      context.Context
	store    *store.Store
	source   ingest.Source
	mirrored *ingest.MirroredSource // nil for local directories
	datasets *ingest.Cache
	loc      *time.Location
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("tankcal"),
		kong.Description("Tank model rainfall-runoff simulation and calibration."),
		kong.UsageOnError(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, closeDB, err := setup(ctx, &cli)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer closeDB()

	kctx.FatalIfErrorf(kctx.Run(app))
}

func setup(ctx context.Context, cli *CLI) (*App, func(), error) {
	if dir := filepath.Dir(cli.DB); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cli.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	loc, err := time.LoadLocation(cli.Timezone)
	if err != nil {
		log.Printf("Warning: could not load %s timezone, using UTC: %v", cli.Timezone, err)
		loc = time.UTC
	}

	src, err := ingest.NewSource(cli.Data)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("series source: %w", err)
	}
	app := &App{ctx: ctx, store: st, loc: loc, source: src}
	if src.Kind() != "file" {
		app.mirrored = ingest.NewMirroredSource(src, st)
		app.source = app.mirrored
	}
	app.datasets = ingest.NewCache(ingest.NewLoader(app.source, loc))

	return app, func() { db.Close() }, nil
}
