// Package vigil provides a durable orchestration engine for long-running
// market-monitoring workloads. It manages hierarchies of workflow instances,
// routes signals between them with per-instance ordering guarantees, retries
// external tasks under pluggable policies, and reconstructs instance state
// deterministically from an append-only event log after a restart.
//
// Vigil is designed as a library, not a service. Import it, configure a
// store, register workflow kinds and task operations as ordinary Go
// functions, and spawn instances.
//
// # Quick Start
//
//	v, err := vigil.New(
//	    vigil.WithStore(memory.New()),
//	    vigil.WithConcurrency(20),
//	)
//
// # Architecture
//
// Vigil follows a composable store pattern where each subsystem (instance,
// event log, task, signal deduplication) defines its own store interface.
// A single backend implements all of them.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package vigil
