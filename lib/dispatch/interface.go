package dispatch

import (
	"time"

	"github.com/ValentinKolb/dSearch/lib/cluster"
)

// --------------------------------------------------------------------------
// Request / Listener Contracts
// --------------------------------------------------------------------------

// IRequest is implemented by every request that can be submitted to a
// Dispatcher. Requests must be immutable and safely re-submittable: a request
// may be handed to the block check, the operation body or the forwarder
// multiple times across retries.
type IRequest interface {
	// Timeout returns the coordinator-wait budget of the request: how long
	// the dispatcher may wait (across all retries combined) for a usable
	// coordinator before giving up. A zero budget fails on the first
	// retryable condition instead of waiting.
	Timeout() time.Duration
}

// IListener receives the terminal outcome of a submitted operation. Exactly
// one of the two methods is invoked per Submit, regardless of how many
// retries happen in between. Callbacks may run on the submitting goroutine,
// the action's execution context or the goroutine delivering a state change.
type IListener interface {
	OnResponse(resp interface{})
	OnFailure(err error)
}

// Task identifies a submission for logging and attribution. The parent
// linkage is purely observational - it does not propagate cancellation.
type Task struct {
	ID       uint64
	ParentID uint64
	Parent   cluster.NodeID
}

// --------------------------------------------------------------------------
// Collaborator Contracts
// --------------------------------------------------------------------------

// HandlerFunc is the operation body of an action. It runs on the action's
// execution context, always on the coordinator (or under forced local
// execution), with a snapshot that passed the action's block check. It must
// complete the listener exactly once.
type HandlerFunc func(task *Task, req IRequest, state cluster.State, l IListener)

// BlockCheckFunc checks whether an operation is blocked by the given
// snapshot. It returns nil when the operation may proceed, a
// *cluster.BlockError when blocked, or any other error for a malformed
// request - the latter terminates the invocation without retry since its
// retryability cannot be assumed. Must be pure and deterministic.
type BlockCheckFunc func(req IRequest, state cluster.State) error

// IExecutor is an execution context for operation bodies. Implementations
// decide where and with how much parallelism submitted functions run.
type IExecutor interface {
	Execute(fn func())
}

// IResponseHandler receives the outcome of one forwarding attempt.
type IResponseHandler interface {
	HandleResponse(resp interface{})
	HandleError(err error)
}

// IForwarder sends a request to a remote node and reports the outcome via
// the handler. Implementations must classify transport failures using the
// error types of this package (ConnectError, RemoteError, NodeClosedError)
// so the dispatcher can tell connectivity problems from domain failures.
type IForwarder interface {
	Forward(node cluster.Node, action string, req IRequest, h IResponseHandler)
}

// --------------------------------------------------------------------------
// Action Definition
// --------------------------------------------------------------------------

// Definition is the canonical, declarative contract of a coordinator action.
type Definition struct {
	// Name is the logical action name, also used as the wire action name
	// unless RemoteName overrides it.
	Name string

	// Handler is the operation body. Required.
	Handler HandlerFunc

	// CheckBlock gates execution on the coordinator. Optional - a nil check
	// means the action is never blocked.
	CheckBlock BlockCheckFunc

	// Executor is the execution context for Handler. Required.
	Executor IExecutor

	// LocalOnly forces local execution for a request even when the local
	// node is not the coordinator. Optional.
	LocalOnly func(req IRequest) bool

	// RemoteName returns the wire action name to use when forwarding to the
	// given node. Optional - used for renamed actions that must still reach
	// nodes registered under the old name. Resolved once per forward attempt.
	RemoteName func(node cluster.Node) string
}
