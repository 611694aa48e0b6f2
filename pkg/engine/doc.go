// Package engine implements the core run orchestration for Halite.
//
// # Overview
//
// Halite drives declarative infrastructure state: SLS sources describe the
// desired state of resources, and the engine computes and executes the
// minimal ordered set of operations needed to converge on it. One invocation
// is a "run" and moves through a fixed lifecycle:
//
//  1. Create  - register the run and its options (RunManager)
//  2. Gather  - render SLS sources into high data (Gatherer)
//  3. Compile - resolve requisites and order chunks into low data (Compiler)
//  4. Run     - execute chunks in dependency order (Runtime)
//  5. Reconcile - re-drive pending chunks until convergence (Reconciler)
//
// # Core Domain Types
//
//   - Run: one declarative execution context with status and collections
//   - Declaration: one high-data entry (ID, origin, resource states)
//   - Chunk: one concrete unit of work (one resource, one operation)
//   - Requisite: a declared dependency edge (require, listen, arg_bind, ...)
//   - ExecutionRecord: the per-chunk result stored under its execution tag
//   - StateReturn: the value a provider function returns from one call
//   - CallSpec: the declared parameter list of a registered provider function
//
// # Identity
//
// Every chunk has two deterministic tags built from its fields:
//
//	pkg_|-my-id_|-my-name_|-present    execution tag (keys Run.Running)
//	pkg_|-my-id_|-my-name_|-           ESM tag (keys managed state)
//
// The ForceReplace variant of a chunk appends "_create_new" to the
// declaration ID in both forms, giving replacement flows a distinct
// enforced-state entry while the matcher still falls back to the base.
//
// # Collaborators
//
// The engine consumes every external subsystem through a narrow interface:
//
//   - Resolver: maps "state.fun" references to registered provider functions
//   - Gatherer: renders sources into Run.High and Run.Params
//   - StateManager: acquires and flushes enforced (managed) state
//   - CredentialSource: resolves opaque credential profiles
//   - EventSink: fire-and-forget run and chunk events
//   - PolicyGate: evaluates compiled low data before execution
//
// # Error Classification
//
// RunError carries a class used for propagation decisions:
//
//   - gather/compile: structural, accumulate in Run.Errors, stop the run
//   - validation: argument construction failures, fail the chunk
//   - runtime: provider failures, recorded per chunk, non-fatal by default
//   - provider/esm/policy: collaborator failures
//
// # Concurrency
//
// A run is single-threaded except inside one parallel wave, where chunks
// write disjoint Running keys under the run lock. The RunManager map is
// safe for concurrent distinct-name creation. Managed state is read-only
// to chunk execution; write-back happens under the run lock after each
// chunk completes.
package engine
