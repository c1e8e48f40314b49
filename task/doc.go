// Package task defines the asynchronous unit of work flowing through a
// named queue: the Task entity, its lifecycle states, the processor
// registry, and the broker Store contract.
//
// A Task is distinct from a marketplace Job — a Job may spawn several
// Tasks over its life (analysis, auto-assign, notifications). Each
// queue has exactly one registered processor; a Task's Queue field
// discriminates its payload type.
//
// Tasks are delivered at least once. Processors must tolerate
// redelivery: re-running must not double-apply anything that matters
// (double-notify is a tolerated nuisance; double-earnings is not).
package task
