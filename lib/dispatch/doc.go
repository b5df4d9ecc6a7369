// Package dispatch implements the single-coordinator operation dispatcher of
// dSearch. Certain operations - settings updates, metadata changes - must
// execute exactly once on whichever node currently holds the coordinator
// role, yet any node may receive them. The Dispatcher closes that gap:
//
//   - if the local node is the coordinator, the operation body runs locally
//     on the action's execution context (after the action's block check),
//   - otherwise the request is forwarded to the current coordinator,
//   - and whenever execution is blocked, the coordinator steps down, no
//     coordinator is known, or forwarding hits a connectivity failure, the
//     dispatcher parks the invocation on a cluster-state observer and retries
//     from the top once the state progresses.
//
// All of this is event driven: an invocation never spins and never blocks a
// goroutine while waiting for an election. The continuation after a wait runs
// on the goroutine that delivers the state change.
//
// The caller only ever observes one terminal outcome per Submit - a response,
// a domain failure, a NotDiscoveredError wrapping the last retry cause once
// the request's time budget is exhausted, or a NodeClosedError when the node
// shuts down. The intermediate retry churn is fully absorbed.
package dispatch
