package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/atp/internal/cycle"
	"github.com/lucasnoah/atp/internal/report"
)

// errCycleFailed makes `atp run` exit non-zero when the cycle errored.
var errCycleFailed = errors.New("cycle failed")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one test cycle and print its result",
	Long: `Run one cycle through discovery, test execution, coverage analysis,
test generation, and failure analysis, then print the outcome.

Exits non-zero when the cycle ends in error. Interrupting the command
cancels the cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		triggerName, _ := cmd.Flags().GetString("trigger")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		skip, _ := cmd.Flags().GetStringSlice("skip")
		files, _ := cmd.Flags().GetStringSlice("file")
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		verbose, _ := cmd.Flags().GetBool("verbose")

		trigger, ok := cycle.ParseTrigger(triggerName)
		if !ok {
			return fmt.Errorf("unknown trigger %q", triggerName)
		}
		steps, err := parseSteps(skip)
		if err != nil {
			return err
		}
		if format != "text" && format != "json" {
			return fmt.Errorf("unknown format %q: want text or json", format)
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.orch.Start(cycle.StartOptions{
			Trigger:   trigger,
			TimeoutMs: timeout.Milliseconds(),
			SkipSteps: steps,
			Files:     files,
		})
		if err != nil {
			return fmt.Errorf("start cycle: %w", err)
		}

		st, err := a.orch.Wait(ctx, id)
		if err != nil {
			// Interrupted: cancel and collect the canceled cycle.
			a.orch.CancelActiveCycle("interrupted")
			waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if st, err = a.orch.Wait(waitCtx, id); err != nil {
				return fmt.Errorf("wait for cycle: %w", err)
			}
		}

		if out != "" {
			if err := report.WriteCycle(out, st); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
		}

		if format == "json" {
			if err := writeJSON(cmd, st); err != nil {
				return err
			}
		} else {
			report.PrintCycle(cmd.OutOrStdout(), st, verbose)
		}

		if st.Phase == cycle.PhaseError {
			return fmt.Errorf("%w: %s", errCycleFailed, st.ErrorMessage)
		}
		return nil
	},
}

func parseSteps(names []string) ([]cycle.Step, error) {
	var steps []cycle.Step
	for _, n := range names {
		s, ok := cycle.ParseStep(n)
		if !ok {
			return nil, fmt.Errorf("unknown step %q", n)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func init() {
	runCmd.Flags().String("trigger", string(cycle.TriggerManual), "cycle origin: manual, save, commit, or run")
	runCmd.Flags().Duration("timeout", 0, "cycle timeout (default from config)")
	runCmd.Flags().StringSlice("skip", nil, "steps to skip, e.g. generate_tests,analyze_failures")
	runCmd.Flags().StringSlice("file", nil, "focus the cycle on these files instead of git changes")
	runCmd.Flags().String("format", "text", "output format: text or json")
	runCmd.Flags().String("out", "", "also write the finished cycle as JSON to this path")
	runCmd.Flags().BoolP("verbose", "v", false, "include the cycle log")
}
