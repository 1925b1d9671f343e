package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/lox/shorecast/internal/accuracy"
	"github.com/lox/shorecast/internal/ingest"
	"github.com/lox/shorecast/internal/models"
	"github.com/lox/shorecast/internal/store"
	"github.com/lox/shorecast/internal/swell"
)

type cli struct {
	DB          string `help:"Path to SQLite database." default:"data/shorecast.db" env:"SHORECAST_DB"`
	MetricsAddr string `help:"Serve prometheus metrics on this address." env:"SHORECAST_METRICS_ADDR"`

	Fuse     fuseCmd     `cmd:"" help:"Fuse a per-source readings payload into a stored forecast."`
	Actuals  actualsCmd  `cmd:"" help:"Load buoy ground-truth observations."`
	Validate validateCmd `cmd:"" help:"Match pending predictions against actuals and refresh source stats."`
	Accuracy accuracyCmd `cmd:"" help:"Show accuracy stats."`
}

type app struct {
	store *store.Store
}

type fuseCmd struct {
	Input        string  `arg:"" help:"Path to readings JSON payload." type:"existingfile"`
	Shore        string  `help:"Shore label for generated predictions." required:""`
	Model        string  `help:"Model tag recorded on the forecast." default:"fusion"`
	ModelVersion string  `help:"Model version tag." default:"1"`
	DirectionTol float64 `help:"Clustering direction tolerance in degrees." default:"15"`
	PeriodTol    float64 `help:"Clustering period tolerance in seconds." default:"2"`
	WindowDays   int     `help:"Accuracy history window in days." default:"30"`
}

func (c *fuseCmd) Run(a *app) error {
	data, err := os.ReadFile(c.Input)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	readings, err := ingest.DecodeReadings(data)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Truncate(time.Second)

	// History lookups are bounded; on timeout fusion falls back to priors.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := a.store.AccuracySnapshot(ctx, c.WindowDays)
	if err != nil {
		log.Printf("fuse: accuracy snapshot unavailable, using static priors: %v", err)
		snapshot = swell.AccuracySnapshot{}
	}

	scorer := swell.NewReliabilityScorer(swell.DefaultReliabilityConfig(), snapshot)
	engine := swell.NewEngine(swell.FusionConfig{
		DirectionToleranceDeg: c.DirectionTol,
		PeriodToleranceSec:    c.PeriodTol,
	}, scorer)

	events, dropped := engine.Fuse(readings, now)
	if len(dropped) > 0 {
		log.Printf("fuse: dropped %d malformed readings", len(dropped))
	}

	expected := make([]string, 0, len(readings))
	for name := range readings {
		expected = append(expected, name)
	}
	sort.Strings(expected)

	confScorer := swell.NewConfidenceScorer(swell.DefaultConfidenceConfig(expected))
	for i := range events {
		events[i].Confidence = confScorer.ScoreEvent(events[i], now).Score
	}
	report := confScorer.ScoreForecast(events, now)
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode confidence report: %w", err)
	}

	forecast := models.Forecast{
		CreatedAt:        now,
		Model:            c.Model,
		ModelVersion:     c.ModelVersion,
		Confidence:       sql.NullFloat64{Float64: report.Score, Valid: true},
		ConfidenceReport: sql.NullString{String: string(reportJSON), Valid: true},
		Sources:          expected,
	}

	var predictions []models.Prediction
	for _, ev := range events {
		var category sql.NullString
		if ev.DominantHeight.Valid {
			category = sql.NullString{String: string(models.HeightCategory(ev.DominantHeight.Float64)), Valid: true}
		}
		predictions = append(predictions, models.Prediction{
			Shore:        c.Shore,
			ForecastTime: now,
			ValidTime:    ev.PeakTime,
			Height:       ev.DominantHeight,
			Period:       ev.DominantPeriod,
			Direction:    ev.DominantDirection,
			Category:     category,
			Confidence:   sql.NullFloat64{Float64: ev.Confidence, Valid: true},
		})
	}

	forecast, predictions, err = a.store.InsertForecast(forecast, predictions)
	if err != nil {
		return fmt.Errorf("persist forecast: %w", err)
	}

	fmt.Printf("forecast %d: %d events, confidence %.2f\n", forecast.ID, len(events), report.Score)
	for _, w := range report.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	for _, p := range predictions {
		fmt.Printf("  prediction %d: %s valid %s height=%s period=%s direction=%s\n",
			p.ID, p.Shore, p.ValidTime.Format(store.TimeLayout),
			nullStr(p.Height, "m"), nullStr(p.Period, "s"), nullStr(p.Direction, "°"))
	}
	return nil
}

type actualsCmd struct {
	Input string `arg:"" help:"Path to actuals JSON payload." type:"existingfile"`
}

func (c *actualsCmd) Run(a *app) error {
	data, err := os.ReadFile(c.Input)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	actuals, err := ingest.DecodeActuals(data)
	if err != nil {
		return err
	}

	stored := 0
	for _, actual := range actuals {
		if _, err := a.store.InsertActual(actual); err != nil {
			return fmt.Errorf("insert actual for %s: %w", actual.BuoyID, err)
		}
		stored++
	}
	fmt.Printf("stored %d actuals\n", stored)
	return nil
}

type validateCmd struct {
	Window     time.Duration `help:"Symmetric match window around each prediction's valid time." default:"3h"`
	WindowDays int           `help:"Rolling window for source accuracy stats, in days." default:"30"`
	Buoys      []string      `help:"Shore to buoy mapping, e.g. north-shore=wr42,wr17. Repeatable." required:""`
}

func (c *validateCmd) Run(a *app) error {
	shoreBuoys := make(map[string][]string)
	for _, entry := range c.Buoys {
		shore, buoys, ok := strings.Cut(entry, "=")
		if !ok {
			return fmt.Errorf("invalid --buoys entry %q, want shore=buoy1,buoy2", entry)
		}
		shoreBuoys[shore] = strings.Split(buoys, ",")
	}

	validator := accuracy.NewValidator(a.store, c.Window, shoreBuoys)
	jobs := accuracy.NewJobs(a.store, validator)

	summary, err := jobs.RunAll(time.Now().UTC().Truncate(time.Second), c.WindowDays)
	if err != nil {
		return err
	}
	fmt.Printf("examined %d, matched %d, %d window misses\n",
		summary.Examined, summary.Matched, summary.WindowMisses)
	return nil
}

type accuracyCmd struct {
	Forecast int64 `help:"Show aggregate error for one forecast id." default:"0"`
}

func (c *accuracyCmd) Run(a *app) error {
	if c.Forecast > 0 {
		acc, err := a.store.ForecastAccuracy(c.Forecast)
		if err != nil {
			return err
		}
		if acc.Matched == 0 {
			fmt.Printf("forecast %d: no matched validations\n", c.Forecast)
			return nil
		}
		fmt.Printf("forecast %d: %d matched, height MAE %.2fm RMSE %.2fm\n",
			c.Forecast, acc.Matched, acc.HeightMAE.Float64, acc.HeightRMSE.Float64)
		return nil
	}

	stats, err := a.store.GetSourceAccuracyStats()
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Println("no source accuracy history yet")
		return nil
	}
	for _, row := range stats {
		fmt.Printf("%-20s samples=%-4d height MAE %.2fm (last %dd)\n",
			row.Source, row.SampleSize, row.HeightMAE, row.WindowDays)
	}
	return nil
}

func nullStr(v sql.NullFloat64, unit string) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf("%.1f%s", v.Float64, unit)
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("shorecast"),
		kong.Description("Swell observation fusion and forecast validation."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	db, err := store.Open(c.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(c.MetricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	ctx.FatalIfErrorf(ctx.Run(&app{store: st}))
}
