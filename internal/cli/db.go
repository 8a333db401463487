package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bunkerconvert/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run-history database management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the run-history tables (destructive!)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		database, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "run history reset")
		return nil
	},
}

func openDB(cmd *cobra.Command) (*db.DB, error) {
	settings, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	return db.Open(cmd.Context(), settings.DatabaseURL)
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "Confirm dropping all recorded runs")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
