package loom

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunConfigDefaults(t *testing.T) {
	cfg := RunConfig{}.withDefaults()
	if cfg.MaxSteps != defaultMaxSteps {
		t.Errorf("MaxSteps = %d", cfg.MaxSteps)
	}
	if cfg.MaxNestingDepth != defaultMaxNestingDepth {
		t.Errorf("MaxNestingDepth = %d", cfg.MaxNestingDepth)
	}
	if cfg.WireBuffer != defaultWireBuffer {
		t.Errorf("WireBuffer = %d", cfg.WireBuffer)
	}
	// Set values survive.
	cfg = RunConfig{MaxSteps: 3, MaxNestingDepth: 2, WireBuffer: 8}.withDefaults()
	if cfg.MaxSteps != 3 || cfg.MaxNestingDepth != 2 || cfg.WireBuffer != 8 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadRunConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.toml")
	content := `
max_steps = 7
parallel_tool_calls = true
step_timeout = "30s"
run_timeout = "2m"
max_nesting_depth = 3
termination_summary = true
termination_summary_prompt = "wrap it up"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadRunConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxSteps != 7 || !cfg.ParallelToolCalls || cfg.MaxNestingDepth != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.StepTimeout != 30*time.Second || cfg.RunTimeout != 2*time.Minute {
		t.Errorf("timeouts = %v / %v", cfg.StepTimeout, cfg.RunTimeout)
	}
	if !cfg.TerminationSummary || cfg.TerminationSummaryPrompt != "wrap it up" {
		t.Errorf("summary = %v %q", cfg.TerminationSummary, cfg.TerminationSummaryPrompt)
	}
	// Unset fields pick up defaults.
	if cfg.WireBuffer != defaultWireBuffer {
		t.Errorf("WireBuffer = %d", cfg.WireBuffer)
	}
}

func TestLoadRunConfigErrors(t *testing.T) {
	if _, err := LoadRunConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("want error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte(`step_timeout = "not a duration"`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRunConfig(path); err == nil {
		t.Error("want error for bad duration")
	}
}
