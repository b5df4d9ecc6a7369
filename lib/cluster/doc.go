// Package cluster provides the shared view of the dSearch cluster: immutable,
// versioned state snapshots, the blocking conditions that gate cluster-wide
// operations, and the publish/subscribe machinery that lets components react
// to topology changes without polling.
//
// Core Concepts:
//
//   - State: a point-in-time snapshot of the cluster. It carries the node
//     directory (local identity, members, elected coordinator), the table of
//     active blocks and the cluster-wide settings. States are versioned and
//     must never be mutated after publication - derive a successor with Next()
//     instead.
//
//   - Service: the snapshot source. It owns the current State, accepts new
//     snapshots via Publish (strictly increasing versions) and wakes
//     registered waiters whose predicate matches the new snapshot. Waiter
//     callbacks run on the publishing goroutine.
//
//   - Observer: a bounded, per-caller wait primitive on top of the Service.
//     An Observer carries a fixed deadline and guarantees that every
//     WaitForChange call resolves with exactly one of: a matching snapshot,
//     a timeout, or a closed-source notification.
//
// The sub-package dsource feeds a Service from the Dragonboat RAFT event
// stream, so that coordinator elections surface here as new snapshots.
package cluster
