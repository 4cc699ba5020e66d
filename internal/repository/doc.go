// Package repository defines the data access interfaces for errtally.
//
// The Store interface covers apps and the problem, err and notice
// aggregates. Two implementations exist: sqlite, the durable store, and
// memory, used for tests and throwaway instances.
//
// # Attach Contract
//
// AttachNotice is the only write on the hot path. In one atomic step it
// finds or creates the Problem for (app, environment, fingerprint), finds or
// creates its Err, stores the Notice and bumps both counters and the last
// notice time. Concurrent attaches with the same fingerprint create exactly
// one Problem; the attach that created it reports Created. A failed attach
// leaves nothing behind.
//
// A notice for a resolved Problem reopens it. That is reported as Reopened,
// never as Created.
package repository
