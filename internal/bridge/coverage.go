package bridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lucasnoah/atp/internal/coverage"
)

// Coverage report formats understood by FileCoverage.
const (
	FormatIstanbul = "istanbul"
	FormatLCOV     = "lcov"
)

// FileCoverage reads a coverage report that the test command writes to
// disk. The baseline is whatever the previous run left behind.
type FileCoverage struct {
	Path   string
	Format string
	// Root makes absolute report paths project-relative.
	Root string
	Risk coverage.RiskMap
}

func (c *FileCoverage) CaptureBaseline(ctx context.Context) (*coverage.Snapshot, error) {
	return c.read()
}

func (c *FileCoverage) CapturePostRun(ctx context.Context) (*coverage.Snapshot, error) {
	return c.read()
}

func (c *FileCoverage) read() (*coverage.Snapshot, error) {
	f, err := os.Open(c.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open coverage report: %w", err)
	}
	defer f.Close()

	var snap *coverage.Snapshot
	switch c.Format {
	case FormatLCOV:
		snap, err = coverage.ReadLCOV(f)
	case FormatIstanbul, "":
		snap, err = coverage.ReadIstanbulSummary(f)
	default:
		return nil, fmt.Errorf("unknown coverage format %q", c.Format)
	}
	if err != nil {
		return nil, err
	}

	root := c.Root
	if root == "" {
		root = filepath.Dir(filepath.Dir(c.Path))
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	snap.Relativize(root)
	c.Risk.Apply(snap)
	return snap, nil
}
