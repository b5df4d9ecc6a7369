package dispatch

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSearch/lib/cluster"
)

// --------------------------------------------------------------------------
// Coordinator-Change Failures (retried via re-resolution)
// --------------------------------------------------------------------------

// NotCoordinatorError is returned by an operation body when the executing
// node discovers it no longer holds the coordinator role. The dispatcher
// reacts by waiting for the next election and re-resolving.
type NotCoordinatorError struct {
	Reason string
}

func (e *NotCoordinatorError) Error() string {
	return fmt.Sprintf("node is not the coordinator: %s", e.Reason)
}

// FailedToCommitError is returned when the coordinator could not publish a
// new cluster state, typically because it stepped down mid-commit. Treated
// like NotCoordinatorError.
type FailedToCommitError struct {
	Reason string
}

func (e *FailedToCommitError) Error() string {
	return fmt.Sprintf("failed to commit cluster state: %s", e.Reason)
}

// retryOnCoordinatorChange reports whether a local execution failure should
// trigger re-resolution instead of reaching the caller.
func retryOnCoordinatorChange(err error) bool {
	var notCoordinator *NotCoordinatorError
	var failedToCommit *FailedToCommitError
	return errors.As(err, &notCoordinator) || errors.As(err, &failedToCommit)
}

// --------------------------------------------------------------------------
// Connectivity Failures (retried via re-resolution)
// --------------------------------------------------------------------------

// ConnectError is a transport-level failure to reach a node: dial failure,
// connection reset, connection closed mid-request.
type ConnectError struct {
	Node  cluster.NodeID
	Cause error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("cannot connect to node [%s]: %v", e.Node, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// NodeClosedError indicates a node was shutting down. Locally it is the
// terminal outcome when the snapshot source closes while an invocation is
// parked; wrapped in a RemoteError it marks a request that was routed to a
// node that closed before answering.
type NodeClosedError struct {
	Node cluster.NodeID
}

func (e *NodeClosedError) Error() string {
	return fmt.Sprintf("node [%s] is closed", e.Node)
}

// RemoteError wraps a failure that was reported by a remote node (as opposed
// to a failure reaching it).
type RemoteError struct {
	Node  cluster.NodeID
	Cause error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote failure on node [%s]: %v", e.Node, e.Cause)
}

func (e *RemoteError) Unwrap() error { return e.Cause }

// retryOnConnectivity reports whether a forwarding failure should trigger
// re-resolution: failures to reach the target, and "node closed" failures
// reported by a target that was shutting down while the request was routed
// to it. Everything else is terminal.
func retryOnConnectivity(err error) bool {
	var connect *ConnectError
	if errors.As(err, &connect) {
		return true
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		var closed *NodeClosedError
		return errors.As(remote.Cause, &closed)
	}
	return false
}

// --------------------------------------------------------------------------
// Terminal Errors
// --------------------------------------------------------------------------

// NotDiscoveredError is the terminal failure when a usable coordinator could
// not be discovered (or become unblocked) within the request's time budget.
// The cause that triggered the last wait is preserved, never replaced.
type NotDiscoveredError struct {
	Cause error
}

func (e *NotDiscoveredError) Error() string {
	if e.Cause == nil {
		return "coordinator not discovered in time"
	}
	return fmt.Sprintf("coordinator not discovered in time: %v", e.Cause)
}

func (e *NotDiscoveredError) Unwrap() error { return e.Cause }
