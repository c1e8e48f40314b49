// Package job models the marketplace work order and its lifecycle.
//
// A [Job] is the client-submitted unit of work tracked through the
// status state machine (see the status package). A Job may spawn
// several queue tasks over its life — analysis, auto-assignment,
// notifications — but is distinct from them.
//
// [Service] owns the two operations with real invariants:
//
//   - Create quotes the cost, debits the client's balance and persists
//     the Job as one atomic store update, then enqueues the analysis
//     task. Concurrent creations can never double-spend: the balance
//     check and the debit share one critical section.
//   - Transition asks the status authority for a decision and applies
//     the declared side effects (timestamp stamps, earnings) together
//     with the status write as one atomic update. Notification and
//     webhook tasks are enqueued only after the write commits.
package job
