package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bunkerconvert/internal/analytics"
	"github.com/lucasnoah/bunkerconvert/internal/db"
	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse past run reports",
	Long: `History reads run reports from the local report directory, or from the
PostgreSQL run-history database when --db is set.`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		useDB, _ := cmd.Flags().GetBool("db")
		format, _ := cmd.Flags().GetString("format")

		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		var rows []db.RunSummary
		if useDB {
			database, err := db.Open(cmd.Context(), settings.DatabaseURL)
			if err != nil {
				return err
			}
			defer database.Close()
			if rows, err = database.ListRuns(cmd.Context(), limit); err != nil {
				return err
			}
		} else {
			reports, err := pipeline.NewStore(settings.ReportDir).List()
			if err != nil {
				return err
			}
			for i, r := range reports {
				if limit > 0 && i >= limit {
					break
				}
				rows = append(rows, summaryOf(r))
			}
		}

		if format == "json" {
			if rows == nil {
				rows = []db.RunSummary{}
			}
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
			return nil
		}
		printRunSummaries(cmd.OutOrStdout(), rows)
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the full report of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		useDB, _ := cmd.Flags().GetBool("db")
		format, _ := cmd.Flags().GetString("format")

		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		var report *pipeline.RunReport
		if useDB {
			database, err := db.Open(cmd.Context(), settings.DatabaseURL)
			if err != nil {
				return err
			}
			defer database.Close()
			report, err = database.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
		} else {
			report, err = pipeline.NewStore(settings.ReportDir).Get(args[0])
			if err != nil {
				return err
			}
		}

		if format == "json" {
			return writeJSON(cmd, report)
		}
		printRunReport(cmd.OutOrStdout(), report)
		return nil
	},
}

var historyInputCmd = &cobra.Command{
	Use:   "input <path>",
	Short: "Show how one input fared across recorded runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		database, err := db.Open(cmd.Context(), settings.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		records, err := database.InputHistory(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no runs recorded for %s\n", args[0])
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tSSIM\tPSNR\tDURATION")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dms\n",
				rec.RunID, rec.StartedAt.Format(time.RFC3339), rec.Status,
				optFloat(rec.SSIM, "%.4f"), optFloat(rec.PSNR, "%.2f"), rec.DurationMS)
		}
		return tw.Flush()
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a stored run report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		useDB, _ := cmd.Flags().GetBool("db")
		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		if useDB {
			database, err := db.Open(cmd.Context(), settings.DatabaseURL)
			if err != nil {
				return err
			}
			defer database.Close()
			if err := database.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
		} else if err := pipeline.NewStore(settings.ReportDir).Delete(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", args[0])
		return nil
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate durations, pass rates and throughput across runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		useDB, _ := cmd.Flags().GetBool("db")
		window, _ := cmd.Flags().GetDuration("since")
		format, _ := cmd.Flags().GetString("format")

		settings, err := loadSettings(cmd)
		if err != nil {
			return err
		}
		var since time.Time
		if window > 0 {
			since = time.Now().Add(-window)
		}

		var samples []analytics.Sample
		if useDB {
			database, err := db.Open(cmd.Context(), settings.DatabaseURL)
			if err != nil {
				return err
			}
			defer database.Close()
			if samples, err = analytics.QuerySamples(cmd.Context(), database, since); err != nil {
				return err
			}
		} else {
			reports, err := pipeline.NewStore(settings.ReportDir).List()
			if err != nil {
				return err
			}
			samples = analytics.SamplesFromReports(reports, since)
		}

		stats := analytics.Compute(samples)
		if format == "json" {
			return writeJSON(cmd, stats)
		}
		printStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

func printStats(w io.Writer, stats analytics.Stats) {
	if len(stats.Durations) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tCOUNT\tAVG\tP50\tP95")
	for _, d := range stats.Durations {
		fmt.Fprintf(tw, "%s\t%d\t%.1fms\t%.1fms\t%.1fms\n", d.Status, d.Count, d.Avg, d.P50, d.P95)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECIPE\tINPUTS\tSUCCESS\tGATE FAILED\tFAILED\tAVG SSIM")
	for _, r := range stats.Recipes {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%s\n",
			short(r.Fingerprint), r.Total, r.Success, r.GateFailed, r.Failed, optFloat(r.AvgSSIM, "%.4f"))
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WEEK\tINPUTS\tOK\tGATE\tFAILED\tAVG")
	for _, t := range stats.Throughput {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.1fms\n", t.Period, t.Inputs, t.Succeeded, t.GateFailed, t.Failed, t.AvgMS)
	}
	tw.Flush()
}

func summaryOf(r pipeline.RunReport) db.RunSummary {
	return db.RunSummary{
		RunID:             r.RunID,
		Label:             r.Label,
		RecipeFingerprint: r.Fingerprint,
		DevicePolicy:      string(r.Policy),
		StartedAt:         r.StartedAt,
		DurationMS:        r.DurationMS,
		Total:             r.Summary.Total,
		Succeeded:         r.Summary.Succeeded,
		Failed:            r.Summary.Failed,
		GateFailed:        r.Summary.GateFailed,
		Cancelled:         r.Summary.Cancelled,
		Downgrades:        r.Summary.Downgrades,
	}
}

func printRunSummaries(w io.Writer, rows []db.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tLABEL\tPOLICY\tOK\tFAILED\tGATE\tDURATION")
	for _, r := range rows {
		label := r.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\t%dms\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), label, r.DevicePolicy,
			r.Succeeded, r.Total, r.Failed, r.GateFailed, r.DurationMS)
	}
	tw.Flush()
}

func optFloat(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "Maximum number of runs to list (0 for all)")
	historyListCmd.Flags().Bool("db", false, "Read from the run-history database")
	historyListCmd.Flags().String("format", "text", "Output format: text or json")

	historyShowCmd.Flags().Bool("db", false, "Read from the run-history database")
	historyShowCmd.Flags().String("format", "text", "Output format: text or json")

	historyInputCmd.Flags().Int("limit", 20, "Maximum number of runs to show")

	historyDeleteCmd.Flags().Bool("db", false, "Delete from the run-history database")

	historyStatsCmd.Flags().Bool("db", false, "Read from the run-history database")
	historyStatsCmd.Flags().Duration("since", 0, "Only include runs started within this window (e.g. 168h)")
	historyStatsCmd.Flags().String("format", "text", "Output format: text or json")

	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyInputCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.AddCommand(historyStatsCmd)
}
