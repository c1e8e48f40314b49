// Package pipeline implements the marketplace's asynchronous job
// pipeline: the analysis, auto-assign, notification, and webhook
// processors, plus the collaborator interfaces they consume.
//
// Stages chain by explicit re-enqueue, never by nested calls: the
// analysis processor finishes its own write and then appends an
// auto-assign task, so a crash between stages loses nothing and each
// stage retries on its own budget. Every processor is idempotent under
// at-least-once redelivery — re-running a stage rewrites the same
// fields or detects the work is already done.
package pipeline
