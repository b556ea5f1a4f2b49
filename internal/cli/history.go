package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/atp/internal/analytics"
	"github.com/lucasnoah/atp/internal/cycle"
	"github.com/lucasnoah/atp/internal/db"
	"github.com/lucasnoah/atp/internal/report"
	"github.com/lucasnoah/atp/internal/web"
)

var historyCmd = &cobra.Command{
	Use:   "history [cycle-id]",
	Short: "List archived cycles, or show one in full",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archive, err := openArchive(cmd)
		if err != nil {
			return err
		}
		defer archive.Close()
		format, _ := cmd.Flags().GetString("format")

		if len(args) == 1 {
			st, err := archive.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, st)
			}
			report.PrintCycle(cmd.OutOrStdout(), *st, true)
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		phase, _ := cmd.Flags().GetString("phase")
		records, err := archive.List(cmd.Context(), db.ListOptions{Limit: limit, Phase: cycle.Phase(phase)})
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd, records)
		}
		report.PrintHistory(cmd.OutOrStdout(), records)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate durations, outcomes, and coverage trend of archived cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := db.ListOptions{}
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := web.ParseSince(since)
			if err != nil {
				return err
			}
			opts.Since = t
		}

		archive, err := openArchive(cmd)
		if err != nil {
			return err
		}
		defer archive.Close()

		records, err := archive.List(cmd.Context(), opts)
		if err != nil {
			return err
		}
		stats := analytics.Compute(records)

		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd, stats)
		}
		report.PrintStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

var errNoArchive = errors.New(`archive is disabled (archive.driver: "none")`)

// openArchive opens the configured archive without building an
// orchestrator.
func openArchive(cmd *cobra.Command) (db.Archive, error) {
	cfg, err := loadValidConfig()
	if err != nil {
		return nil, err
	}
	a, err := db.OpenArchive(cmd.Context(), cfg.Archive.Driver, cfg.Archive.DSN)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if a == nil {
		return nil, errNoArchive
	}
	return a, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum cycles to list")
	historyCmd.Flags().String("phase", "", "only cycles that ended in this phase")
	historyCmd.Flags().String("format", "text", "output format: text or json")
	statsCmd.Flags().String("since", "", "only cycles started on or after this date (YYYY-MM-DD)")
	statsCmd.Flags().String("format", "text", "output format: text or json")
}
