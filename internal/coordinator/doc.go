// Package coordinator keeps the coordinator node's view of its participants:
// who they are, whether they are connected, and what each of them reported
// for every run they take part in.
//
// # Overview
//
// A decentralized run advances in exchanges. In every exchange each
// participant reports one partial output; once every participant of the run
// has reported, the outputs are aggregated into a single value for the
// coordinator's pipeline. The ClientRegistry stores those partial outputs
// and answers the barrier question, and the LivenessMonitor lets a caller
// layer a timeout policy on top of the registry's lastSeen stamps.
//
//	┌─────────────────────────────────────┐
//	│         COORDINATOR                 │
//	├─────────────────────────────────────┤
//	│  ┌──────────────────────────────┐   │
//	│  │   ClientRegistry             │   │
//	│  │   - status / session         │   │
//	│  │   - per-run output slots     │   │
//	│  │   - WaitingOn / Aggregate    │   │
//	│  └──────────────────────────────┘   │
//	│  ┌──────────────────────────────┐   │
//	│  │   LivenessMonitor            │   │
//	│  │   - lastSeen scans           │   │
//	│  │   - stale callbacks          │   │
//	│  └──────────────────────────────┘   │
//	└─────────────────────────────────────┘
//
// # Barrier Semantics
//
// For a run with participants P:
//   - WaitingOn(run) lists, in registration order, the members of P whose
//     current output is unset
//   - Aggregate(run) returns a map keyed by exactly P and opens the next
//     exchange by moving every current output to previous
//   - Arrival order of reports never changes the aggregate, only when the
//     barrier closes
//
// # Client Lifecycle
//
//	unregistered ──register──▶ connected ──disconnect──▶ disconnected
//	                               ▲                          │
//	                               └────────register──────────┘
//
// Records are created lazily (on register or when a run lists the client)
// and are never deleted. A disconnect does not clear run slots and is never
// a run failure by itself.
//
// # Liveness
//
// The registry implements no timeouts. LivenessMonitor scans lastSeen
// periodically and reports silent connected clients through a callback; it
// does not mutate the registry. Escalating a stale participant into a run
// error is a policy decision left to the caller.
//
// # Thread Safety
//
// Both types are safe for concurrent use. Snapshots returned to callers
// (ClientInfo, output maps) are copies.
package coordinator
