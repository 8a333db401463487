package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <recipe>",
	Short: "Validate a recipe without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		s, err := newSession(cmd, sessionOpts{noStore: true})
		if err != nil {
			return err
		}
		defer s.cleanup()

		rep := s.orch.ValidateRecipeFile(args[0])
		if format == "json" {
			if err := writeJSON(cmd, rep); err != nil {
				return err
			}
		} else {
			out := cmd.OutOrStdout()
			if rep.Valid {
				fmt.Fprintf(out, "%s: valid\n", args[0])
				fmt.Fprintf(out, "  fingerprint: %s\n", rep.Fingerprint)
				fmt.Fprintf(out, "  inputs:      %d\n", len(rep.Inputs))
				for _, st := range rep.Stages {
					fmt.Fprintf(out, "  stage %d:     %s (params %s)\n", st.Index, st.Identity, short(st.ParamsHash))
				}
			} else {
				fmt.Fprintf(out, "%s: invalid\n", args[0])
				for _, e := range rep.Errors {
					fmt.Fprintf(out, "  %s\n", e.Error())
				}
			}
		}

		if !rep.Valid {
			return fmt.Errorf("%s: %d validation error(s)", args[0], len(rep.Errors))
		}
		return nil
	},
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	validateCmd.Flags().String("format", "text", "Output format: text or json")
}
