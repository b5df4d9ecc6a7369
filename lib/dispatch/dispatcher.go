package dispatch

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSearch/lib/cluster"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("dispatch")

// --------------------------------------------------------------------------
// Dispatcher
// --------------------------------------------------------------------------

// Dispatcher routes one action to the cluster coordinator. It is safe for
// concurrent use; every Submit runs as an independent invocation and
// invocations are never coordinated with one another.
type Dispatcher struct {
	def       Definition
	source    cluster.ISource
	forwarder IForwarder
}

// NewDispatcher creates a dispatcher for the given action definition. The
// forwarder may be nil only for actions that always execute locally (all
// forwarding attempts fail in that case).
func NewDispatcher(def Definition, source cluster.ISource, forwarder IForwarder) (*Dispatcher, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("action definition has no name")
	}
	if def.Handler == nil {
		return nil, fmt.Errorf("action [%s] has no handler", def.Name)
	}
	if def.Executor == nil {
		return nil, fmt.Errorf("action [%s] has no executor", def.Name)
	}
	if source == nil {
		return nil, fmt.Errorf("action [%s] has no snapshot source", def.Name)
	}
	return &Dispatcher{
		def:       def,
		source:    source,
		forwarder: forwarder,
	}, nil
}

// Name returns the logical action name.
func (d *Dispatcher) Name() string {
	return d.def.Name
}

// Submit initiates the operation. The call returns immediately, the outcome
// is delivered solely through the listener - exactly once, no matter how many
// retries the invocation goes through.
func (d *Dispatcher) Submit(task *Task, req IRequest, l IListener) {
	state := d.source.State()
	log.Debugf("starting processing of [%s] with cluster state version [%d]", d.def.Name, state.Version)

	if task != nil && task.Parent == "" {
		task.Parent = state.Nodes.LocalID
	}

	a := &asyncSingleAction{
		d:        d,
		task:     task,
		req:      req,
		listener: &onceListener{delegate: l},
		start:    time.Now(),
	}
	a.doStart(state)
}

// checkBlock runs the action's block check, if any.
func (d *Dispatcher) checkBlock(req IRequest, state cluster.State) error {
	if d.def.CheckBlock == nil {
		return nil
	}
	return d.def.CheckBlock(req, state)
}

// --------------------------------------------------------------------------
// Invocation State Machine
// --------------------------------------------------------------------------

// asyncSingleAction is the per-invocation state of one Submit: it loops
// through resolve -> execute/forward -> wait until a terminal outcome is
// reached. Attempts are strictly sequential. The observer is created lazily
// on the first wait and reused afterwards, so at most one wait is
// outstanding per invocation and the time budget is consumed across all
// retries.
type asyncSingleAction struct {
	d        *Dispatcher
	task     *Task
	req      IRequest
	listener *onceListener
	observer *cluster.Observer
	start    time.Time
}

// doStart runs one attempt against the given snapshot. Called from Submit
// and from every state-change wakeup.
func (a *asyncSingleAction) doStart(state cluster.State) {
	d := a.d
	nodes := state.Nodes

	if !nodes.IsLocalCoordinator() && !(d.def.LocalOnly != nil && d.def.LocalOnly(a.req)) {
		a.forward(state)
		return
	}

	// Local execution: check for blocks first
	if err := d.checkBlock(a.req, state); err != nil {
		var blockErr *cluster.BlockError
		if !errors.As(err, &blockErr) {
			// The block check itself failed - retryability unknown, terminal
			a.listener.OnFailure(err)
			return
		}
		if !blockErr.Retryable() {
			a.listener.OnFailure(blockErr)
			return
		}
		log.Debugf("can't execute [%s] due to a cluster block, retrying: %v", d.def.Name, blockErr)
		metricRetriesBlocked.Inc()
		a.retry(state, blockErr, func(s cluster.State) bool {
			newErr := d.checkBlock(a.req, s)
			if newErr == nil {
				return true
			}
			var newBlock *cluster.BlockError
			if !errors.As(newErr, &newBlock) {
				// accept the state, the block is rechecked by doStart and the
				// failure surfaces there
				return true
			}
			return !newBlock.Retryable()
		})
		return
	}

	metricLocalExecutions.Inc()
	delegate := &localDelegate{a: a, state: state}
	d.def.Executor.Execute(func() {
		d.def.Handler(a.task, a.req, state, delegate)
	})
}

// forward sends the request to the current coordinator, or waits for an
// election if none is known.
func (a *asyncSingleAction) forward(state cluster.State) {
	d := a.d

	coordinator, ok := state.Nodes.Coordinator()
	if !ok {
		log.Debugf("no known coordinator node for [%s], scheduling a retry", d.def.Name)
		metricRetriesNoCoordinator.Inc()
		a.retryOnCoordinatorChange(state, nil)
		return
	}
	if d.forwarder == nil {
		a.listener.OnFailure(fmt.Errorf("action [%s] cannot forward to [%s]: no forwarder configured", d.def.Name, coordinator.ID))
		return
	}

	action := d.def.Name
	if d.def.RemoteName != nil {
		action = d.def.RemoteName(coordinator)
	}

	metricForwards.Inc()
	d.forwarder.Forward(coordinator, action, a.req, &forwardHandler{
		a:      a,
		state:  state,
		target: coordinator,
		action: action,
	})
}

// retryOnCoordinatorChange parks the invocation until the coordinator
// situation changes relative to the given snapshot.
func (a *asyncSingleAction) retryOnCoordinatorChange(state cluster.State, cause error) {
	a.retry(state, cause, cluster.CoordinatorChanged(state))
}

// retry enters the waiting state. The first wait creates the observer with
// the remaining time budget; if the budget is already exhausted the
// invocation fails immediately with the triggering cause preserved.
func (a *asyncSingleAction) retry(state cluster.State, cause error, pred func(cluster.State) bool) {
	if a.observer == nil {
		remaining := a.req.Timeout() - time.Since(a.start)
		if remaining <= 0 {
			log.Debugf("timed out before retrying [%s] after failure: %v", a.d.def.Name, cause)
			metricTimeouts.Inc()
			a.listener.OnFailure(&NotDiscoveredError{Cause: cause})
			return
		}
		a.observer = cluster.NewObserver(a.d.source, state, remaining)
	}
	a.observer.WaitForChange(&retryListener{a: a, cause: cause}, pred)
}

// --------------------------------------------------------------------------
// Invocation Listeners
// --------------------------------------------------------------------------

// retryListener continues the invocation after a wait.
type retryListener struct {
	a     *asyncSingleAction
	cause error
}

func (l *retryListener) OnNewState(s cluster.State) {
	l.a.doStart(s)
}

func (l *retryListener) OnTimeout() {
	log.Debugf("timed out while retrying [%s] after failure: %v", l.a.d.def.Name, l.cause)
	metricTimeouts.Inc()
	l.a.listener.OnFailure(&NotDiscoveredError{Cause: l.cause})
}

func (l *retryListener) OnClosed() {
	l.a.listener.OnFailure(&NodeClosedError{Node: l.a.d.source.State().Nodes.LocalID})
}

// localDelegate wraps the caller's listener for a local execution attempt:
// failures that indicate the coordinator role was lost mid-operation are
// absorbed into a retry, everything else propagates verbatim.
type localDelegate struct {
	a     *asyncSingleAction
	state cluster.State
}

func (l *localDelegate) OnResponse(resp interface{}) {
	l.a.listener.OnResponse(resp)
}

func (l *localDelegate) OnFailure(err error) {
	if retryOnCoordinatorChange(err) {
		log.Debugf("coordinator stepped down before committing [%s], scheduling a retry: %v", l.a.d.def.Name, err)
		metricRetriesCoordinatorChanged.Inc()
		l.a.retryOnCoordinatorChange(l.state, err)
		return
	}
	l.a.listener.OnFailure(err)
}

// forwardHandler handles the outcome of one forwarding attempt: connectivity
// failures are absorbed into a retry (a new coordinator may be elected),
// everything else completes the invocation.
type forwardHandler struct {
	a      *asyncSingleAction
	state  cluster.State
	target cluster.Node
	action string
}

func (h *forwardHandler) HandleResponse(resp interface{}) {
	h.a.listener.OnResponse(resp)
}

func (h *forwardHandler) HandleError(err error) {
	if retryOnConnectivity(err) {
		log.Debugf("connection failure forwarding [%s] to coordinator [%s], scheduling a retry: %v",
			h.action, h.target.ID, err)
		metricRetriesConnectivity.Inc()
		h.a.retryOnCoordinatorChange(h.state, err)
		return
	}
	h.a.listener.OnFailure(err)
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// onceListener guards the caller's listener against multiple completions.
type onceListener struct {
	delegate IListener
	done     atomic.Bool
}

func (o *onceListener) OnResponse(resp interface{}) {
	if o.done.CompareAndSwap(false, true) {
		o.delegate.OnResponse(resp)
	}
}

func (o *onceListener) OnFailure(err error) {
	if o.done.CompareAndSwap(false, true) {
		o.delegate.OnFailure(err)
	}
}
