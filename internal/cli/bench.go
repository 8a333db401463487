package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bunkerconvert/internal/bench"
	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
)

var benchCmd = &cobra.Command{
	Use:   "bench <recipe>",
	Short: "Run a recipe over a corpus and compare outputs with a baseline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := policyFlag(cmd)
		if err != nil {
			return err
		}
		inputs, _ := cmd.Flags().GetString("inputs")
		outputDir, _ := cmd.Flags().GetString("output")
		baseline, _ := cmd.Flags().GetString("baseline")
		label, _ := cmd.Flags().GetString("label")
		reportPath, _ := cmd.Flags().GetString("out")
		format, _ := cmd.Flags().GetString("format")

		r, baseDir, err := loadRecipe(args[0])
		if err != nil {
			return err
		}
		s, err := newSession(cmd, sessionOpts{label: label, noStore: true})
		if err != nil {
			return err
		}
		defer s.cleanup()

		report, err := s.orch.Benchmark(cmd.Context(), bench.Options{
			Recipe:      r,
			RecipePath:  args[0],
			Inputs:      inputs,
			OutputDir:   outputDir,
			BaselineDir: baseline,
			Label:       label,
		}, baseDir, policy)
		if err != nil {
			return err
		}

		if reportPath != "" {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal benchmark report: %w", err)
			}
			if err := pipeline.WriteAtomic(reportPath, data); err != nil {
				return err
			}
		}
		if format == "json" {
			return writeJSON(cmd, report)
		}
		printBenchReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func printBenchReport(w io.Writer, r *bench.Report) {
	fmt.Fprintf(w, "Benchmark %s", r.RunID)
	if r.Label != "" {
		fmt.Fprintf(w, " [%s]", r.Label)
	}
	fmt.Fprintf(w, " (%dms)\n\n", r.DurationMS)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INPUT\tSTATUS\tBYTES\tDELTA\tSSIM\tPSNR\tNOTES")
	for _, e := range r.Entries {
		delta, ssim, psnr := "-", "-", "-"
		if e.SizeDelta != nil {
			delta = fmt.Sprintf("%+d", *e.SizeDelta)
		}
		if e.Metrics != nil {
			ssim = fmt.Sprintf("%.4f", float64(e.Metrics.SSIM))
			psnr = fmt.Sprintf("%.2f", float64(e.Metrics.PSNR))
		}
		notes := ""
		if len(e.Notes) > 0 {
			notes = e.Notes[0]
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", e.Input, e.Status, e.SizeBytes, delta, ssim, psnr, notes)
	}
	tw.Flush()

	sum := r.Summary
	fmt.Fprintf(w, "\n%d inputs, %d processed, %d compared", sum.TotalInputs, sum.Processed, sum.Compared)
	if sum.AverageSSIM != nil {
		fmt.Fprintf(w, "; avg SSIM %.4f, avg PSNR %.2f", float64(*sum.AverageSSIM), float64(*sum.AveragePSNR))
	}
	fmt.Fprintf(w, "; size delta %+d bytes\n", sum.TotalSizeDelta)
}

func init() {
	addSettingsFlags(benchCmd)
	f := benchCmd.Flags()
	f.String("inputs", "", "Glob that replaces the recipe's inputs")
	f.String("output", "", "Directory that replaces the recipe's output directory")
	f.String("baseline", "", "Directory of baseline outputs to compare against")
	f.String("label", "", "Label stored with the benchmark report")
	f.String("out", "", "Write the JSON benchmark report to this path")
	f.String("format", "text", "Output format: text or json")
}
