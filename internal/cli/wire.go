package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/atp/internal/amtg"
	"github.com/lucasnoah/atp/internal/bridge"
	"github.com/lucasnoah/atp/internal/config"
	"github.com/lucasnoah/atp/internal/db"
	"github.com/lucasnoah/atp/internal/orchestrator"
)

// app is everything a long-running command needs, built from one config.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	archive db.Archive

	closeLog func() error
}

func (a *app) Close() {
	a.orch.Close()
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("close archive", slog.String("error", err.Error()))
		}
	}
	a.closeLog()
}

// newApp loads config, opens the archive, and wires the bridges into an
// orchestrator.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadValidConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	archive, err := db.OpenArchive(ctx, cfg.Archive.Driver, cfg.Archive.DSN)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithConfig(cfg.Orchestrator),
		orchestrator.WithLogger(logger),
		orchestrator.WithDeltaOptions(cfg.DeltaOptions()),
		orchestrator.WithSelector(selectorFor(cfg)),
		orchestrator.WithGenerator(generatorFor(cfg)),
	}
	if archive != nil {
		opts = append(opts, orchestrator.WithArchiver(archive))
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		orch:     orchestrator.New(depsFor(cfg, logger), opts...),
		archive:  archive,
		closeLog: closeLog,
	}, nil
}

func depsFor(cfg *config.Config, logger *slog.Logger) orchestrator.Deps {
	workdir := cfg.Runner.Workdir
	deps := orchestrator.Deps{
		Runner: bridge.NewCommandTestRunner(bridge.ShellRunner{}, bridge.CommandTestRunnerOpts{
			Command:     cfg.Runner.Command,
			Dir:         workdir,
			Parser:      cfg.Runner.Parser,
			Timeout:     cfg.RunnerTimeout(),
			AppendFiles: cfg.Runner.AppendFiles,
		}),
		Coverage: &bridge.FileCoverage{
			Path:   inWorkdir(workdir, cfg.Coverage.Path),
			Format: cfg.Coverage.Format,
			Root:   absOrSelf(workdir),
			Risk:   cfg.Coverage.Risk,
		},
		Discoverer: &bridge.GitDiscoverer{
			Git:        bridge.ExecGit{},
			Dir:        workdir,
			Extensions: cfg.Watch.Extensions,
		},
	}
	if cfg.Enrichment.Provider == "openai" {
		deps.Enricher = bridge.NewOpenAIEnricher(bridge.OpenAIConfig{
			APIKey:            cfg.Enrichment.APIKey,
			BaseURL:           cfg.Enrichment.BaseURL,
			Model:             cfg.Enrichment.Model,
			RequestsPerMinute: cfg.Enrichment.RequestsPerMinute,
			MaxFixes:          cfg.Enrichment.MaxFixes,
		}, logger)
	}
	return deps
}

func selectorFor(cfg *config.Config) *amtg.Selector {
	workdir := cfg.Runner.Workdir
	return &amtg.Selector{
		Policy: cfg.Policy(),
		Paths:  cfg.PathPolicy(),
		Exists: func(path string) bool {
			_, err := os.Stat(inWorkdir(workdir, path))
			return err == nil
		},
	}
}

// generatorFor returns nil when generation is turned off.
func generatorFor(cfg *config.Config) *amtg.Generator {
	if !cfg.AMTG.Enabled {
		return nil
	}
	return &amtg.Generator{Framework: cfg.AMTG.Framework, Workdir: cfg.Runner.Workdir}
}

func inWorkdir(workdir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workdir, path)
}

func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
