// Package worker drives antfarm agents.
//
// A Worker claims work for one agent id, hands the resolved input to a
// Handler and reports the result through Complete, or the error through
// Fail. Workers hold no engine state, so any number of them can run against
// the same database, in-process or as separate programs.
//
// # Handlers
//
// HandlerFunc adapts a Go function. CommandHandler runs an external program
// with the input on stdin and treats its stdout as the step output; lines of
// the form "KEY: value" in that output are merged into the run context by
// the engine.
//
// # Loops
//
// Run polls on an interval. Drain processes work until nothing is claimable
// and suits callers that are themselves triggered, such as a dispatcher job
// woken up by the immediate-handoff listener.
package worker
