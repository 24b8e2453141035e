// Package antfarm runs multi-agent workflows as a persisted state machine.
//
// A workflow is an ordered list of steps, each owned by an agent. Starting a
// workflow creates a run. Workers living outside the engine claim the next
// unit of work for their agent, do it, and report the output back. The
// engine owns no goroutines: every transition happens inside a Claim,
// Complete or Fail call, made atomic by conditional updates in the database.
//
// # Core Concepts
//
//  1. Engine
//  2. Workflow definitions and FlowBuilder
//  3. Loops and stories
//  4. Workers
//  5. Bundle and LocalRunner
//
// # Engine
//
// The Engine persists runs, steps, stories and an append-only event history.
// It can be backed by:
//
//   - SQLite (embedded durability, also used in-memory for tests)
//   - Postgres
//
// Terminal runs (completed, failed, cancelled) are sticky. No later call
// moves them or their steps.
//
// # Workflow definitions
//
// Definitions are YAML files loaded into a Registry, or built in code:
//
//	antfarm.New("feature-dev").
//	    Step("plan", "planner", "Plan {{task}}").
//	    Loop("implement", "developer", "{{current_story}}", antfarm.VerifyWith("verify")).
//	    Step("verify", "verifier", "Verify {{current_story_title}}")
//
// Step input is a template. {{key}} placeholders resolve against the run
// context, which collects every "KEY: value" line earlier steps returned.
//
// # Loops and stories
//
// A step that returns a STORIES_JSON field seeds stories. A loop step hands
// them out one at a time, each with its own retry budget. With verify-each,
// every finished story is checked by the verify step, which answers
// "STATUS: done" to move on or "STATUS: retry" with ISSUES to send the story
// back with feedback.
//
// # Abandoned work
//
// The reaper resets or fails work whose worker went silent. The medic is a
// coarser auditor: it detects stuck steps, stalled and zombie runs and
// orphaned dispatcher jobs, and keeps a bounded history of its checks.
//
// # Bundle and LocalRunner
//
// Bundle wires the engine, medic, schedules, an in-process cron dispatcher
// and the immediate-handoff listener from a TOML Config; `antfarm serve`
// runs one. LocalRunner is a process-local helper with in-memory storage for
// development and tests.
package antfarm
