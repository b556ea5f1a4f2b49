package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Cycle archive management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply archive schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the archive migrates it.
		archive, err := openArchive(cmd)
		if err != nil {
			return err
		}
		defer archive.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "Archive schema is up to date.")
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every archived cycle (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset the archive without --yes")
		}
		archive, err := openArchive(cmd)
		if err != nil {
			return err
		}
		defer archive.Close()
		if err := archive.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("reset archive: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Archive reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm deleting all archived cycles")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
