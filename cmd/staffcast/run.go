package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/export"
	"github.com/ceapsi/staffcast/internal/ingest"
	"github.com/ceapsi/staffcast/internal/pipeline"
)

var (
	inputPath   string
	dailyInput  bool
	forceTrain  bool
	horizonDays int
	outputDir   string
	formatList  string

	// formats is parsed from formatList before the engine is built.
	formats []export.Format
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input file: transactions CSV/JSON or daily ds,y CSV (default paths.input)")
	cmd.Flags().IntVar(&horizonDays, "horizon", 0, "Business days to forecast (default forecast.horizon_days)")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Results directory (default paths.output_dir)")
	cmd.Flags().StringVar(&formatList, "formats", "json,csv,excel", "Export formats")
}

// runCmd runs the full pipeline
func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: retrain when stale, forecast, alert, recommend, export",
		Long: `Aggregates the input, retrains the ensemble when the model set is stale (older
than retrain.stale_after_days, Monday, failed data check) or --force is given,
then forecasts and exports alerts and staffing recommendations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, pipeline.KindFull)
		},
	}
	addRunFlags(cmd)
	cmd.Flags().BoolVar(&dailyInput, "daily", false, "Input is an already aggregated daily ds,y CSV")
	cmd.Flags().BoolVar(&forceTrain, "force", false, "Retrain even when the model set is fresh")
	return cmd
}

// forecastCmd forecasts with the active model set
func forecastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forecast",
		Short: "Forecast with the active model set, no retraining",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, pipeline.KindForecast)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func execute(cmd *cobra.Command, kind string) error {
	var err error
	if formats, err = export.ParseFormats(formatList); err != nil {
		return err
	}
	ctx := cmd.Context()
	engine, cfg, cleanup, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	path := inputPath
	if path == "" {
		path = cfg.Paths.Input
	}
	if path == "" {
		return fmt.Errorf("no input: pass --input or set paths.input")
	}
	ds, err := loadInput(path, loc)
	if err != nil {
		return err
	}

	rc := pipeline.NewRunContext(time.Now().In(loc), path, horizonDays)
	rc.OutputDir = outputDir
	rc.Force = forceTrain

	var res *pipeline.Result
	if kind == pipeline.KindFull {
		res, err = engine.Runner.RunFull(ctx, rc, ds)
	} else {
		res, err = engine.Runner.RunForecastOnly(ctx, rc, ds)
	}
	printResult(res)
	if err != nil {
		return fmt.Errorf("run %s failed at stage %s: %w", res.RunID, res.Stage, err)
	}
	return nil
}

func loadInput(path string, loc *time.Location) (ingest.Dataset, error) {
	ds, err := ingest.LoadFile(path, loc)
	if err != nil {
		return ds, err
	}
	if dailyInput && !ds.IsDaily() {
		return ds, fmt.Errorf("%s is not a daily ds,y table", path)
	}
	return ds, nil
}

func printResult(res *pipeline.Result) {
	fmt.Printf("=== Run %s (%s) ===\n", res.RunID, res.Kind)
	if !res.Success {
		fmt.Printf("Status: FAILED at %s\n", res.Stage)
		fmt.Printf("Error: %s\n", res.Error)
		return
	}
	fmt.Printf("Status: OK in %s\n", res.Duration.Round(time.Millisecond))
	fmt.Printf("Model version: %s (retrained: %t)\n", res.ModelVersion, res.Retrained)
	if res.Degraded {
		fmt.Printf("Degraded: excluded=%v\n", res.Excluded)
	}
	b := res.Bundle
	fmt.Printf("Period: %s (%d days)\n", b.Metadata.Period, b.Metadata.Horizon)
	fmt.Printf("Ensemble: %d families %v\n", b.Metadata.EnsembleSize, b.Metadata.EnsembleWeights)
	fmt.Printf("Mean demand: %.1fh/day, peak %s with %.1fh\n",
		b.Summary.PromedioHorasDiarias, b.Summary.DiaMayorDemanda, b.Summary.HorasDiaPico)
	fmt.Printf("Alerts: %d (%d %s)\n", b.Summary.TotalAlertas, b.Summary.AlertasCriticas, api.AlertCritical.Label())
	for _, w := range res.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
	if res.OutputDir != "" {
		fmt.Printf("\nResults written to %s (%d files)\n", res.OutputDir, len(res.Paths))
	}
}
