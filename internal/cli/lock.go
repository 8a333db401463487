package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bunkerconvert/internal/lockfile"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Generate and verify recipe lockfiles",
}

var lockGenerateCmd = &cobra.Command{
	Use:   "generate <recipe>",
	Short: "Pin a recipe's stage identities and parameter hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			out = args[0] + ".lock"
		}

		s, err := newSession(cmd, sessionOpts{noStore: true})
		if err != nil {
			return err
		}
		defer s.cleanup()

		r, baseDir, err := loadRecipe(args[0])
		if err != nil {
			return err
		}
		plan, err := s.orch.Plan(r, baseDir)
		if err != nil {
			return err
		}
		lock := s.orch.GenerateLockfile(plan)
		if out == "-" {
			data, err := lock.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := lockfile.Save(out, lock); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d stages, fingerprint %s)\n", out, len(lock.Stages), short(lock.RecipeFingerprint))
		return nil
	},
}

var lockVerifyCmd = &cobra.Command{
	Use:   "verify <recipe>",
	Short: "Check that a recipe still matches its lockfile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lockPath, _ := cmd.Flags().GetString("lock")
		if lockPath == "" {
			lockPath = args[0] + ".lock"
		}

		s, err := newSession(cmd, sessionOpts{noStore: true})
		if err != nil {
			return err
		}
		defer s.cleanup()

		lock, err := lockfile.Load(lockPath)
		if err != nil {
			return err
		}
		r, baseDir, err := loadRecipe(args[0])
		if err != nil {
			return err
		}
		plan, err := s.orch.Plan(r, baseDir)
		if err != nil {
			return err
		}
		if err := s.orch.VerifyLockfile(plan, lock); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s matches %s\n", args[0], lockPath)
		return nil
	},
}

func init() {
	lockGenerateCmd.Flags().StringP("output", "o", "", "Lockfile path (default <recipe>.lock, - for stdout)")
	lockVerifyCmd.Flags().String("lock", "", "Lockfile path (default <recipe>.lock)")

	lockCmd.AddCommand(lockGenerateCmd)
	lockCmd.AddCommand(lockVerifyCmd)
}
