package bridge

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrRunnerTimeout is returned when the test command exceeds its timeout.
var ErrRunnerTimeout = errors.New("test command timed out")

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ShellRunner implements CommandRunner with sh -c.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, fmt.Errorf("exec: %w", err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

// CommandTestRunner runs a shell command and parses its report.
type CommandTestRunner struct {
	cmd     CommandRunner
	command string
	dir     string
	root    string
	timeout time.Duration
	parser  ReportParser

	// appendFiles passes discovered files as extra arguments.
	appendFiles bool
}

// CommandTestRunnerOpts configures NewCommandTestRunner.
type CommandTestRunnerOpts struct {
	Command     string
	Dir         string
	Parser      string
	Timeout     time.Duration
	AppendFiles bool
}

// NewCommandTestRunner builds a runner. Unknown parser names fall back
// to the exit-code parser.
func NewCommandTestRunner(cmd CommandRunner, opts CommandTestRunnerOpts) *CommandTestRunner {
	if cmd == nil {
		cmd = ShellRunner{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	root := opts.Dir
	if abs, err := filepath.Abs(opts.Dir); err == nil {
		root = abs
	}
	return &CommandTestRunner{
		cmd:         cmd,
		command:     opts.Command,
		dir:         opts.Dir,
		root:        root,
		timeout:     timeout,
		parser:      ParserFor(opts.Parser),
		appendFiles: opts.AppendFiles,
	}
}

// Run executes the command once within the runner timeout.
func (r *CommandTestRunner) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	command := r.command
	if r.appendFiles && len(opts.Files) > 0 {
		command += " " + shellJoin(opts.Files)
	}

	stdout, stderr, exitCode, err := r.cmd.Run(ctx, r.dir, command)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrRunnerTimeout, r.timeout)
		}
		return nil, fmt.Errorf("run tests: %w", err)
	}

	result, err := r.parser.Parse(stdout, stderr, exitCode)
	if err != nil {
		return nil, fmt.Errorf("parse test report (exit code %d): %w", exitCode, err)
	}
	for i, s := range result.Suites {
		result.Suites[i].ID = relativeTo(r.root, s.ID)
	}
	for i, f := range result.Failures {
		result.Failures[i].SuiteID = relativeTo(r.root, f.SuiteID)
	}
	return result, nil
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func relativeTo(dir, p string) string {
	if dir == "" {
		return p
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	return strings.TrimPrefix(p, prefix)
}
