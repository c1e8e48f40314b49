// Package conveyor provides the job lifecycle orchestration core for a
// task marketplace: a role-gated status state machine for work orders, a
// credit ledger with atomic debit-and-create, and durable named task
// queues processed by bounded, rate-limited worker pools with retry,
// backoff, and dead-letter remediation.
//
// Conveyor is a library, not a service. The surrounding web application
// (rendering, auth, billing UI) calls into it; side-effecting
// collaborators (AI analysis, context retrieval, notification delivery)
// are plugged in as interfaces.
//
// # Quick Start
//
//	s := memory.New()
//	eng, err := engine.Build(conveyor.DefaultConfig(), s, collaborators)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//
// # Architecture
//
// Conveyor follows a composable store pattern where each subsystem (job,
// task, credit, dlq) defines its own store interface. A single backend
// implements all of them. Pipeline stages are chained by explicit
// re-enqueue onto the next queue, never by in-process calls, so a crash
// after stage N cannot lose stage N+1.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
