package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ceapsi/staffcast/internal/aggregate"
	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/audit"
	"github.com/ceapsi/staffcast/internal/ingest"
)

// statusCmd shows model freshness and the latest run
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show model freshness, active version and latest run",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			if _, _, err := engine.Freshness.Evaluate(ctx, time.Now().In(loc), true); err != nil {
				return err
			}
			st := engine.Freshness.Status()

			fmt.Printf("=== Model Status ===\n")
			fmt.Printf("Freshness: %s", st.StateName)
			if st.Reason != "" {
				fmt.Printf(" (%s)", st.Reason)
			}
			fmt.Printf("\n")
			if st.LastTraining != nil {
				fmt.Printf("Last training: %s, version %s\n",
					st.LastTraining.TrainedAt.Format(time.RFC3339), st.LastTraining.ModelVersion)
			}

			active, err := engine.Registry.Active()
			switch {
			case errors.Is(err, api.ErrNoActiveModel):
				fmt.Printf("Active version: none\n")
			case err != nil:
				return err
			default:
				md := active.Metadata
				fmt.Printf("Active version: %s (trained on %d days, %s to %s)\n", active.Version,
					md.TrainingPeriod.NDays, md.TrainingPeriod.Start.Format("2006-01-02"), md.TrainingPeriod.End.Format("2006-01-02"))
				for _, name := range md.EnsembleWeights.Families() {
					pm := md.PerFamilyCVMetrics[name]
					fmt.Printf("  %-18s weight=%.3f mae=%.3f rmse=%.3f folds=%d\n",
						name, md.EnsembleWeights[name], pm.MAE, pm.RMSE, pm.Folds)
				}
			}
			if prev := engine.Registry.Previous(); prev != nil {
				fmt.Printf("Fallback version: %s\n", prev.Version)
			}

			run, ok, err := engine.Store.LatestRun(ctx, false)
			if err != nil {
				return err
			}
			if ok {
				status := "ok"
				if !run.Success {
					status = "failed: " + run.Error
				}
				fmt.Printf("\nLatest run: %s (%s) at %s, %s\n", run.RunID, run.Kind,
					run.GeneratedAt.Format(time.RFC3339), status)
				if run.OutputDir != "" {
					fmt.Printf("Results: %s\n", run.OutputDir)
				}
			}
			return nil
		},
	}
}

// validateCmd checks an input file without training
func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Aggregate and validate an input file without training",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			path := inputPath
			if path == "" {
				path = cfg.Paths.Input
			}
			ds, err := loadInput(path, loc)
			if err != nil {
				return err
			}

			opts := aggregate.Options{
				MinDays:         cfg.Data.MinDays,
				MinTransactions: cfg.Data.MinTransactions,
				MinTarget:       cfg.Data.MinTarget,
				MaxTarget:       cfg.Data.MaxTarget,
			}
			days := ds.Daily
			fmt.Printf("=== Validation: %s ===\n", path)
			if !ds.IsDaily() {
				fmt.Printf("Transactions: %d\n", len(ds.Transactions))
				if days, err = aggregate.NewAggregator(opts).Aggregate(ds.Transactions); err != nil {
					return err
				}
			}
			if err := ingest.CheckMinimumDays(days, cfg.Data.MinDays); err != nil {
				return err
			}
			fmt.Printf("Business days: %d (%s to %s)\n", len(days),
				days[0].Date.Format("2006-01-02"), days[len(days)-1].Date.Format("2006-01-02"))

			report := aggregate.Validate(days)
			fmt.Printf("Missing days: %d, null targets: %d\n", report.MissingDays, report.NullTargets)
			for _, msg := range report.Messages {
				fmt.Printf("  - %s\n", msg)
			}
			summary := aggregate.Summary(days)
			for _, name := range aggregate.RegressorNames(days) {
				stats := summary[name]
				fmt.Printf("  %-22s mean=%.3f std=%.3f min=%.3f max=%.3f\n", name, stats.Mean, stats.Std, stats.Min, stats.Max)
			}

			_, prep, err := aggregate.PrepareTrainingSeries(days, opts)
			fmt.Printf("Training series: %d days (%d out of bounds, %d outliers)\n",
				prep.TrainingSeries, prep.OutOfBounds, prep.Outliers)
			if err != nil {
				return err
			}
			if !report.OK {
				fmt.Printf("\nWARNING: data quality checks reported issues\n")
			} else {
				fmt.Printf("\nValidation passed\n")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Input file")
	cmd.Flags().BoolVar(&dailyInput, "daily", false, "Input is an already aggregated daily ds,y CSV")
	return cmd
}

// modelsCmd manages registered model versions
func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List, activate, roll back and verify model versions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered versions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			for _, e := range engine.Registry.List() {
				fmt.Printf("%-20s %-10s %s  %s\n", e.Version, e.Status,
					e.RegisteredAt.Format(time.RFC3339), e.BinaryHash[:12])
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "activate <version>",
		Short: "Serve a registered version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := engine.Registry.Activate(args[0]); err != nil {
				return err
			}
			fmt.Printf("Active version: %s\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Serve the previous version again",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := engine.Registry.Rollback(); err != nil {
				return err
			}
			active, err := engine.Registry.Active()
			if err != nil {
				return err
			}
			fmt.Printf("Rolled back. Active version: %s\n", active.Version)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <version>",
		Short: "Re-hash a version's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := engine.Registry.Verify(args[0]); err != nil {
				return err
			}
			fmt.Printf("Version %s: hash OK\n", args[0])
			return nil
		},
	})
	return cmd
}

// auditCmd verifies audit segments
func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the append-only audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <segment.jsonl>...",
		Short: "Verify entry hashes and the hash chain of segments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				entries, err := audit.ReadSegment(path)
				if err != nil {
					fmt.Printf("%s: FAILED: %v\n", path, err)
					failed++
					continue
				}
				root, err := audit.SegmentRoot(path)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d entries, root %s\n", path, len(entries), root)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d segments failed verification", failed, len(args))
			}
			return nil
		},
	})
	return cmd
}
