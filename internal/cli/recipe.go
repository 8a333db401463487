package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/orchestrator"
)

var recipeCmd = &cobra.Command{
	Use:   "recipe",
	Short: "Inspect recipes",
}

var recipeDiffCmd = &cobra.Command{
	Use:   "diff <a> <b>",
	Short: "List field-level differences between two recipes",
	Long: `Diff prints one line per differing field. It exits 0 when the recipes
are identical and 1 when they differ.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		a, err := config.Load(args[0])
		if err != nil {
			return err
		}
		b, err := config.Load(args[1])
		if err != nil {
			return err
		}
		diffs := orchestrator.DiffRecipes(a, b)

		if format == "json" {
			if diffs == nil {
				diffs = []config.Difference{}
			}
			if err := writeJSON(cmd, diffs); err != nil {
				return err
			}
		} else {
			for _, d := range diffs {
				fmt.Fprintln(cmd.OutOrStdout(), d.String())
			}
		}
		if len(diffs) > 0 {
			return fmt.Errorf("recipes differ in %d field(s)", len(diffs))
		}
		return nil
	},
}

var recipeLintCmd = &cobra.Command{
	Use:   "lint <recipe>...",
	Short: "Run structural checks on recipe files",
	Long: `Lint parses each recipe and runs the structural checks that need
neither the stage registry nor the filesystem. Use validate for the full
check.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		bad := 0
		for _, path := range args {
			r, err := config.Load(path)
			if err != nil {
				fmt.Fprintf(out, "%s: %v\n", path, err)
				bad++
				continue
			}
			errs := config.Validate(r)
			if len(errs) == 0 {
				fmt.Fprintf(out, "%s: ok\n", path)
				continue
			}
			bad++
			for _, e := range errs {
				fmt.Fprintf(out, "%s: %s\n", path, e.Error())
			}
		}
		if bad > 0 {
			return fmt.Errorf("%d of %d recipe(s) failed lint", bad, len(args))
		}
		return nil
	},
}

func init() {
	recipeDiffCmd.Flags().String("format", "text", "Output format: text or json")

	recipeCmd.AddCommand(recipeDiffCmd)
	recipeCmd.AddCommand(recipeLintCmd)
}
