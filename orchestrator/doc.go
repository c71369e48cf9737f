// Package orchestrator implements the top-level workflow scheduler.
//
// One control loop owns every instance state transition (single-writer
// discipline); agent executions run concurrently and report back through
// a channel. On each wake-up the loop recomputes ready frontiers, hands
// ready steps to idle agents round-robin across instances in submission
// order, consults the retry policy on failures, and persists every
// transition before making it visible to Status callers and subscribers.
// Cancellation propagates through per-step contexts; crash recovery
// restores non-terminal instances from the state store without re-running
// succeeded steps.
package orchestrator
