package bridge

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"slices"
	"strings"

	"github.com/lucasnoah/atp/internal/cycle"
)

// GitRunner abstracts git invocations for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit runs the git binary.
type ExecGit struct{}

func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// GitDiscoverer focuses a cycle on files changed on the current branch
// plus uncommitted edits. Explicit files in the start options win.
type GitDiscoverer struct {
	Git        GitRunner
	Dir        string
	Extensions []string
}

func (d *GitDiscoverer) Discover(ctx context.Context, opts cycle.StartOptions) ([]string, error) {
	if len(opts.Files) > 0 {
		return d.filter(opts.Files), nil
	}

	git := d.Git
	if git == nil {
		git = ExecGit{}
	}

	if _, err := git.Run(ctx, d.Dir, "rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, fmt.Errorf("discover: %s is not a git work tree: %w", d.Dir, err)
	}

	var changed []string
	if base, err := mergeBase(ctx, git, d.Dir); err == nil && base != "" {
		out, err := git.Run(ctx, d.Dir, "diff", "--name-only", base+"...HEAD")
		if err != nil {
			return nil, fmt.Errorf("discover: diff against merge-base: %w", err)
		}
		changed = append(changed, splitLines(out)...)
	}

	out, err := git.Run(ctx, d.Dir, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("discover: diff working tree: %w", err)
	}
	changed = append(changed, splitLines(out)...)

	slices.Sort(changed)
	return d.filter(slices.Compact(changed)), nil
}

func (d *GitDiscoverer) filter(files []string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		if len(d.Extensions) == 0 || slices.Contains(d.Extensions, path.Ext(f)) {
			out = append(out, f)
		}
	}
	return out
}

// mergeBase finds the common ancestor with main, then master.
func mergeBase(ctx context.Context, git GitRunner, dir string) (string, error) {
	base, err := git.Run(ctx, dir, "merge-base", "main", "HEAD")
	if err != nil {
		base, err = git.Run(ctx, dir, "merge-base", "master", "HEAD")
	}
	return base, err
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
