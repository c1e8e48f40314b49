// Package dlq implements the dead letter queue: tasks that exhausted
// their retry budget (or failed permanently) are captured as entries
// for inspection and remediation.
//
// Entries are never silently dropped. They remain browsable until an
// admin explicitly retries them (re-enqueue with a reset attempt
// counter) or removes them. All bulk operations are scoped to a single
// queue — there is deliberately no "all queues" variant, to keep an
// admin from wiping more than intended.
package dlq
