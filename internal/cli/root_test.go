package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasnoah/atp/internal/analytics"
	"github.com/lucasnoah/atp/internal/cycle"
)

func init() {
	color.NoColor = true
}

// resetFlags restores every flag to its default so state from one
// command invocation does not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	configFile = ""
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

const passingReport = `{"numTotalTests":2,"numPassedTests":1,"numFailedTests":1,"numPendingTests":0,"success":false,
"testResults":[{"name":"tests/math.test.ts","status":"failed","assertionResults":[
{"fullName":"math adds","title":"adds","status":"passed","failureMessages":[]},
{"fullName":"math divides","title":"divides","status":"failed","failureMessages":["AssertionError: expected 2 to be 3\n    at tests/math.test.ts:9:14"]}]}]}`

// writeProject creates a project whose test command prints a canned
// vitest report, plus a config file pointing at it.
func writeProject(t *testing.T, command string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "report.json"), []byte(passingReport), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := `orchestrator:
  enabled: true
  trigger_on_save: true
  trigger_on_commit: true
  trigger_on_run: true
  default_timeout_ms: 30000
  max_history_size: 5
runner:
  command: "` + command + `"
  parser: vitest
  timeout: 30s
  workdir: ` + dir + `
amtg:
  enabled: false
enrichment:
  provider: none
archive:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "atp.db") + `
`
	path := filepath.Join(dir, "atp.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "atp version test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "serve", "watch", "history", "stats", "config", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	for _, args := range [][]string{
		{"run"}, {"serve"}, {"watch"}, {"history"}, {"stats"},
		{"config", "validate"}, {"config", "show"}, {"db", "migrate"}, {"db", "reset"},
	} {
		out, err := executeCommand(append(args, "--help")...)
		if err != nil {
			t.Errorf("%v --help failed: %v", args, err)
		}
		if out == "" {
			t.Errorf("%v --help produced no output", args)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestConfigValidate(t *testing.T) {
	path := writeProject(t, "cat report.json")
	out, err := executeCommand("config", "validate", "-c", path)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("unexpected output: %s", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("runner:\n  parser: mocha\n  timeout: soon\n"), 0o644)
	out, err = executeCommand("config", "validate", "-c", bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "runner.timeout") {
		t.Errorf("expected runner.timeout error, got: %s", out)
	}
}

func TestConfigShowRedactsAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atp.yaml")
	os.WriteFile(path, []byte("enrichment:\n  provider: openai\n  api_key: sk-secret\n"), 0o644)
	out, err := executeCommand("config", "show", "-c", path)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if strings.Contains(out, "sk-secret") {
		t.Error("api key leaked in config show")
	}
	if !strings.Contains(out, "<redacted>") || !strings.Contains(out, "# loaded from "+path) {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestRunHistoryStats(t *testing.T) {
	path := writeProject(t, "cat report.json")
	report := filepath.Join(t.TempDir(), "out", "cycle.json")

	out, err := executeCommand("run", "-c", path, "--file", "src/math.ts", "--out", report)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	for _, want := range []string{"FINISHED", "2 total, 1 passed, 1 failed", "SUGGESTED FIXES", "math divides"} {
		if !strings.Contains(out, want) {
			t.Errorf("run output missing %q:\n%s", want, out)
		}
	}

	data, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	var st cycle.State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if st.Phase != cycle.PhaseFinished || len(st.Metrics.SuggestedFixes) != 1 {
		t.Errorf("report = phase %s, %d fixes", st.Phase, len(st.Metrics.SuggestedFixes))
	}
	if len(st.Metrics.DiscoveredFiles) != 1 || st.Metrics.DiscoveredFiles[0] != "src/math.ts" {
		t.Errorf("discovered = %v", st.Metrics.DiscoveredFiles)
	}

	out, err = executeCommand("history", "-c", path)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, st.ID) || !strings.Contains(out, "finished") {
		t.Errorf("history missing cycle %s:\n%s", st.ID, out)
	}

	out, err = executeCommand("history", st.ID, "-c", path)
	if err != nil {
		t.Fatalf("history <id>: %v", err)
	}
	if !strings.Contains(out, "LOG") || !strings.Contains(out, "cycle finished") {
		t.Errorf("history detail missing log:\n%s", out)
	}

	out, err = executeCommand("stats", "-c", path, "--format", "json")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats analytics.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats %q: %v", out, err)
	}
	if stats.Total != 1 || stats.FailingRunPct != 100 || stats.SuggestedFixes != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRunFailingCommandExitsWithError(t *testing.T) {
	path := writeProject(t, "echo not json; exit 3")
	out, err := executeCommand("run", "-c", path, "--file", "src/math.ts", "--skip", "generate_tests")
	if !errors.Is(err, errCycleFailed) {
		t.Fatalf("expected errCycleFailed, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "step run_tests") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	path := writeProject(t, "cat report.json")
	tests := [][]string{
		{"run", "-c", path, "--trigger", "cron"},
		{"run", "-c", path, "--skip", "deploy"},
		{"run", "-c", path, "--format", "xml"},
	}
	for _, args := range tests {
		if _, err := executeCommand(args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	path := writeProject(t, "cat report.json")
	if _, err := executeCommand("db", "reset", "-c", path); err == nil {
		t.Fatal("expected reset without --yes to fail")
	}
	out, err := executeCommand("db", "reset", "--yes", "-c", path)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(out, "Archive reset.") {
		t.Errorf("unexpected output: %s", out)
	}
	out, err = executeCommand("db", "migrate", "-c", path)
	if err != nil || !strings.Contains(out, "up to date") {
		t.Errorf("migrate: %v %s", err, out)
	}
}

func TestArchiveDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atp.yaml")
	os.WriteFile(path, []byte("archive:\n  driver: none\n"), 0o644)
	t.Setenv("ATP_ARCHIVE_DRIVER", "")
	_, err := executeCommand("history", "-c", path)
	if !errors.Is(err, errNoArchive) {
		t.Errorf("expected errNoArchive, got %v", err)
	}
}
