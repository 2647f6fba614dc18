// Package loom is an execution engine for LLM agents. It drives a model
// through multi-step reason/act loops, coordinates tool invocations, composes
// agents into workflows (pipeline, parallel, loop), and streams structured
// execution events to observers over a shared Wire.
//
// The durable unit of history is the Step: every user turn, assistant turn,
// and tool result is appended to a Session, a flat ordered log keyed by
// session id. Context reconstruction, retry, and fork are pure operations
// over that log.
//
// Anything the runtime can execute implements Runnable: an Agent (a single
// LLM tool-calling loop) or a workflow (Pipeline, Parallel, Loop). A Runnable
// can be wrapped as a Tool via AgentTool, so agents may delegate to other
// agents or whole workflows with bounded depth and cycle detection.
//
// # Quick Start
//
//	store := memory.New()
//	agent := loom.NewAgent("assistant", model,
//	    loom.WithPrompt("You are a helpful assistant."),
//	    loom.WithTools(calc, search))
//	rt := loom.New(store)
//	out := rt.Run(ctx, agent, "What is 2+2?")
//
// For streaming, RunStream returns a Stream bound to the run's Wire. The
// stream carries every event from the root run and all nested runs, in
// causal order:
//
//	s := rt.RunStream(ctx, agent, "What is 2+2?")
//	for ev := range s.Events() {
//	    // render ev
//	}
//	out := s.Output()
package loom
