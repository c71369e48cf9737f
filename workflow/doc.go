// Package workflow models workflow definitions as validated DAGs and
// tracks per-instance execution progress.
//
// A Definition is parsed once, validated into a Graph (acyclicity and
// dependency resolution are checked at build time), and then executed by
// any number of Instances. Readiness is recomputed from step statuses
// after every change rather than precomputed, so diamond-shaped graphs
// parallelize naturally and skips propagate transitively through the
// dependents of a failed non-critical step.
package workflow
