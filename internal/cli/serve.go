package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/atp/internal/orchestrator"
	"github.com/lucasnoah/atp/internal/report"
	"github.com/lucasnoah/atp/internal/watch"
	"github.com/lucasnoah/atp/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run cycles on save",
	Long: `Start the JSON API and snapshot stream on localhost and, unless --no-watch
is given, watch the configured paths and start a save cycle after each
burst of edits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		port := a.cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		noWatch, _ := cmd.Flags().GetBool("no-watch")

		var w *watch.Watcher
		if !noWatch {
			if w, err = newWatcher(a); err != nil {
				return err
			}
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return web.NewServer(a.orch, a.archive, port, a.logger).Start(ctx)
		})
		if w != nil {
			g.Go(func() error { return w.Run(ctx) })
		}
		return g.Wait()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a cycle after each burst of file saves",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		w, err := newWatcher(a)
		if err != nil {
			return err
		}
		unsubscribe := a.orch.Subscribe(printFinished(cmd))
		defer unsubscribe()

		a.logger.Info("watching for saves", slog.Any("paths", a.cfg.Watch.Paths))
		return w.Run(ctx)
	},
}

// printFinished prints each cycle once it lands in history. Deliveries
// are serialized, so lastID needs no lock.
func printFinished(cmd *cobra.Command) func(orchestrator.Snapshot) {
	var lastID string
	return func(snap orchestrator.Snapshot) {
		if snap.LastSummary == nil || snap.LastSummary.ID == lastID {
			return
		}
		lastID = snap.LastSummary.ID
		for _, st := range snap.History {
			if st.ID == lastID {
				report.PrintCycle(cmd.OutOrStdout(), st, false)
				return
			}
		}
	}
}

func newWatcher(a *app) (*watch.Watcher, error) {
	paths := make([]string, 0, len(a.cfg.Watch.Paths))
	for _, p := range a.cfg.Watch.Paths {
		paths = append(paths, inWorkdir(a.cfg.Runner.Workdir, p))
	}
	w, err := watch.New(a.orch, watch.Options{
		Paths:      paths,
		Extensions: a.cfg.Watch.Extensions,
		Ignore:     a.cfg.Watch.Ignore,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return w, nil
}

func init() {
	serveCmd.Flags().Int("port", 8080, "port to listen on (default from config)")
	serveCmd.Flags().Bool("no-watch", false, "serve the API without starting save cycles")
}
