package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bunkerconvert/internal/lockfile"
	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run <recipe>",
	Short: "Run a recipe over its inputs",
	Long: `Run expands the recipe's inputs, drives every input through the stage
pipeline, evaluates the quality gates and promotes passing outputs.

Exit status is 0 when every input succeeded, 2 when the only failures are
quality gate failures, and 1 otherwise.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy, err := policyFlag(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format != "text" && format != "json" {
			return fmt.Errorf("invalid --format %q (want text or json)", format)
		}
		lockPath, _ := cmd.Flags().GetString("lock")
		label, _ := cmd.Flags().GetString("label")
		record, _ := cmd.Flags().GetBool("record")
		publish, _ := cmd.Flags().GetBool("publish")
		metricsFile, _ := cmd.Flags().GetString("metrics-file")
		reportPath, _ := cmd.Flags().GetString("report")

		r, baseDir, err := loadRecipe(args[0])
		if err != nil {
			return err
		}
		var lock *lockfile.Lockfile
		if lockPath != "" {
			if lock, err = lockfile.Load(lockPath); err != nil {
				return err
			}
		}

		s, err := newSession(cmd, sessionOpts{label: label, record: record, publish: publish})
		if err != nil {
			return err
		}
		defer s.cleanup()

		plan, err := s.orch.Plan(r, baseDir)
		if err != nil {
			return err
		}
		report, err := s.orch.RunPipeline(cmd.Context(), plan, policy, lock)
		if err != nil {
			return err
		}

		if metricsFile != "" {
			if err := s.recorder.WriteTextfile(metricsFile); err != nil {
				s.logger.Warn("writing metrics textfile", "path", metricsFile, "error", err)
			}
		}
		if reportPath != "" {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal report: %w", err)
			}
			if err := pipeline.WriteAtomic(reportPath, data); err != nil {
				return err
			}
		}

		if format == "json" {
			if err := writeJSON(cmd, report); err != nil {
				return err
			}
		} else {
			printRunReport(cmd.OutOrStdout(), report)
		}

		if code := report.ExitCode(); code != 0 {
			return &ExitError{Code: code, Err: fmt.Errorf("run %s: %d of %d inputs did not succeed",
				report.RunID, report.Summary.Total-report.Summary.Succeeded, report.Summary.Total)}
		}
		return nil
	},
}

func policyFlag(cmd *cobra.Command) (scheduler.Policy, error) {
	raw, _ := cmd.Flags().GetString("device-policy")
	return scheduler.ParsePolicy(raw)
}

func printRunReport(w io.Writer, r *pipeline.RunReport) {
	fmt.Fprintf(w, "Run %s (%s policy, %dms)\n", r.RunID, r.Policy, r.DurationMS)
	fmt.Fprintf(w, "Recipe: %s\n\n", r.Fingerprint)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INPUT\tSTATUS\tOUTPUT\tDURATION\tDETAIL")
	for _, in := range r.Inputs {
		var detail string
		switch {
		case in.Status == pipeline.StatusGateFailed || in.Error == "":
			detail = gateSummary(in)
		case in.ErrorKind != "":
			detail = in.ErrorKind + ": " + in.Error
		default:
			detail = in.Error
		}
		output := in.Output
		if output == "" {
			output = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n", in.Input, in.Status, output, in.DurationMS, detail)
	}
	tw.Flush()

	sum := r.Summary
	fmt.Fprintf(w, "\n%d inputs: %d succeeded, %d failed, %d gate failed, %d cancelled",
		sum.Total, sum.Succeeded, sum.Failed, sum.GateFailed, sum.Cancelled)
	if sum.Downgrades > 0 {
		fmt.Fprintf(w, ", %d device downgrades", sum.Downgrades)
	}
	fmt.Fprintln(w)
}

func gateSummary(in pipeline.InputReport) string {
	var parts []string
	for i, g := range in.Gates {
		label := g.Label
		if label == "" {
			label = fmt.Sprintf("gate%d", i)
		}
		state := "pass"
		switch {
		case g.Skipped:
			state = "skipped"
		case !g.Passed:
			state = "FAIL"
		}
		parts = append(parts, label+"="+state)
	}
	return strings.Join(parts, " ")
}

func init() {
	addSettingsFlags(runCmd)
	f := runCmd.Flags()
	f.String("lock", "", "Lockfile to verify before running")
	f.String("label", "", "Label stored with the run report")
	f.Bool("record", false, "Record the run in the PostgreSQL history database")
	f.Bool("publish", false, "Mirror promoted outputs to the configured object store")
	f.String("metrics-file", "", "Write Prometheus metrics for the run to this textfile")
	f.String("report", "", "Also write the JSON run report to this path")
	f.String("format", "text", "Output format: text or json")
}
