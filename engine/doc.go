// Package engine wires all conveyor subsystems together: the processor
// registry, hook registry, middleware chain, per-queue worker pools,
// the DLQ service, and the job lifecycle service.
//
// This package exists to break the import cycle: the root conveyor
// package defines Entity and Config (imported by job, task, etc.) and
// so cannot import those packages back. The engine package sits above
// all subsystem packages and below the application layer.
package engine
