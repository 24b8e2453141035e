// Package api contains the core building blocks of the antfarm workflow
// engine: the persisted domain types, result and event types, the error
// taxonomy, and the narrow interfaces the engine uses to talk to the outside
// world.
//
// Most users interact with the higher-level antfarm package, which re-exports
// selected types and helpers from this package. The api package is intended
// for custom integrations (a different dispatcher, notifier or sidecar) and
// for contributors extending the engine itself.
//
// # Runs, Steps and Stories
//
// A Run is one execution of a WorkflowSpec. It owns an ordered list of Steps;
// StepIndex decides which waiting step becomes pending next. A step is either
// single-shot or a loop. Loop steps iterate over Stories, which a prior step
// seeds by emitting a STORIES_JSON field in its output.
//
// Terminal run states (completed, failed, cancelled) are sticky: once a run
// reaches one, no claim, completion, failure or pipeline advance changes the
// run or any of its steps.
//
// # Workers
//
// Workers live out of process. A worker claims work for its agent id,
// executes it, then reports output through Complete or an error through
// Fail. Output is plain text; lines of the form "KEY: value" are merged into
// the run context and become available to later step templates as {{key}}.
//
// # Events and Observers
//
// Every state transition appends an Event to the run history and is then
// passed to the configured Observer. LoggingObserver, BasicMetrics and
// CompositeObserver cover the common cases.
//
// # Collaborators
//
// SpecProvider, Dispatcher, Notifier and Sidecar are the engine's boundary.
// Store errors are always returned to the caller; errors from these
// collaborators are logged and swallowed.
package api
