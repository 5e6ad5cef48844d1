// Package engine executes orchestration logic deterministically against
// per-instance event logs.
//
// Advancing an instance re-runs its workflow function from the top over a
// frozen snapshot of its log. Blocking calls (ExecuteTask, Sleep,
// WaitForSignal, SpawnChild, ...) consult the snapshot first: a recorded
// outcome short-circuits the call, anything else records a command event,
// performs the side effect idempotently, and suspends by returning
// ErrSuspended. Identifiers, timestamps, and timer deadlines are generated
// once and recovered from the log on every subsequent run, so a workflow
// function observes the identical world across crashes and restarts.
//
// Workflow functions must be deterministic: no direct clock or RNG reads,
// no I/O outside ExecuteTask, and errors from blocking calls returned
// unmodified. A function whose command stream stops matching its log is
// flagged as diverged and withheld from automatic resumption.
package engine
