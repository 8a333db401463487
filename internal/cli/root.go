package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "bunker",
	Short: "Reproducible, quality-gated media conversion",
	Long: `bunker runs declarative recipes that decode, transform and encode media
files through an ordered stage pipeline, checks every output against quality
gates, and pins recipes with lockfiles so a run can be reproduced later.

Run reports are stored as JSON under ~/.bunker/runs/ and can optionally be
recorded in PostgreSQL (--record) and mirrored to an S3-compatible bucket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, which commands observe for
// cancellation.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Settings file (default: ./bunker.yaml, then ~/.bunker/config.yaml)")
	pf.String("log-format", "text", "Log format: text or json")
	pf.String("log-level", "info", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(recipeCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(stagesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(dbCmd)
}
