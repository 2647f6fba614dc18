package loom

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// RunConfig holds the execution limits recognized by the core. Zero values
// fall back to defaults where noted.
type RunConfig struct {
	// MaxSteps caps the number of LLM calls in one agent run. Minimum 1.
	MaxSteps int
	// ParallelToolCalls executes a turn's tool calls concurrently when the
	// assistant emits two or more.
	ParallelToolCalls bool
	// StepTimeout bounds a single LLM call. Zero disables.
	StepTimeout time.Duration
	// RunTimeout bounds a whole run. Zero disables.
	RunTimeout time.Duration
	// MaxNestingDepth bounds how deep runnables may nest via tool calls.
	MaxNestingDepth int
	// TerminationSummary requests one final non-tool LLM call when the loop
	// hits MaxSteps, so the run ends with a synthesized answer.
	TerminationSummary bool
	// TerminationSummaryPrompt overrides the built-in synthesis prompt.
	TerminationSummaryPrompt string
	// WireBuffer is the per-subscriber event buffer size.
	WireBuffer int
}

const (
	defaultMaxSteps        = 10
	defaultMaxNestingDepth = 5
)

// DefaultRunConfig returns the built-in limits.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxSteps:        defaultMaxSteps,
		MaxNestingDepth: defaultMaxNestingDepth,
		WireBuffer:      defaultWireBuffer,
	}
}

// withDefaults fills zero fields from the built-in limits.
func (c RunConfig) withDefaults() RunConfig {
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.MaxNestingDepth <= 0 {
		c.MaxNestingDepth = defaultMaxNestingDepth
	}
	if c.WireBuffer <= 0 {
		c.WireBuffer = defaultWireBuffer
	}
	return c
}

// fileConfig is the TOML shape of RunConfig. Durations are strings in Go
// duration syntax ("30s", "2m").
type fileConfig struct {
	MaxSteps                 int      `toml:"max_steps"`
	ParallelToolCalls        bool     `toml:"parallel_tool_calls"`
	StepTimeout              duration `toml:"step_timeout"`
	RunTimeout               duration `toml:"run_timeout"`
	MaxNestingDepth          int      `toml:"max_nesting_depth"`
	TerminationSummary       bool     `toml:"termination_summary"`
	TerminationSummaryPrompt string   `toml:"termination_summary_prompt"`
	WireBuffer               int      `toml:"wire_buffer"`
}

type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// LoadRunConfig reads a RunConfig from a TOML file, applying defaults to
// unset fields.
func LoadRunConfig(path string) (RunConfig, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return RunConfig{}, fmt.Errorf("load run config: %w", err)
	}
	cfg := RunConfig{
		MaxSteps:                 fc.MaxSteps,
		ParallelToolCalls:        fc.ParallelToolCalls,
		StepTimeout:              time.Duration(fc.StepTimeout),
		RunTimeout:               time.Duration(fc.RunTimeout),
		MaxNestingDepth:          fc.MaxNestingDepth,
		TerminationSummary:       fc.TerminationSummary,
		TerminationSummaryPrompt: fc.TerminationSummaryPrompt,
		WireBuffer:               fc.WireBuffer,
	}
	return cfg.withDefaults(), nil
}
