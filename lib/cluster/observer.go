package cluster

import (
	"sync"
	"sync/atomic"
	"time"
)

// Observer is a bounded wait primitive on top of an ISource. It is created
// once per logical invocation with a fixed time budget and may be used for
// any number of consecutive waits - the budget is consumed across all of
// them, not reset per wait.
//
// At most one wait is outstanding per Observer at any time: a new
// WaitForChange supersedes a still pending one (the superseded wait resolves
// nothing). An Observer is not safe for concurrent WaitForChange calls from
// multiple goroutines; callers are expected to chain waits sequentially from
// the listener callbacks.
type Observer struct {
	source   ISource
	deadline time.Time

	mu      sync.Mutex
	last    State // last snapshot this observer has seen
	cancelW func()
}

// NewObserver creates an observer over source. The sampled snapshot is the
// caller's current view - WaitForChange only reports snapshots newer than it.
// The timeout is converted into an absolute deadline immediately.
func NewObserver(source ISource, sampled State, timeout time.Duration) *Observer {
	return &Observer{
		source:   source,
		deadline: time.Now().Add(timeout),
		last:     sampled,
	}
}

// WaitForChange resolves the listener with exactly one of: a snapshot newer
// than the last observed one that satisfies pred (nil pred matches any), a
// timeout (remaining budget exhausted), or a closed-source notification.
//
// If the source has already moved past the observed snapshot to a matching
// state, the listener is called synchronously on the caller's goroutine;
// otherwise the callback later runs on the goroutine delivering the change.
func (o *Observer) WaitForChange(l IWaitListener, pred func(State) bool) {
	o.mu.Lock()
	// supersede a still pending wait
	if o.cancelW != nil {
		o.cancelW()
		o.cancelW = nil
	}
	remaining := time.Until(o.deadline)
	last := o.last
	o.mu.Unlock()

	if remaining <= 0 {
		l.OnTimeout()
		return
	}

	// Fast path: the source may already have a matching snapshot that this
	// observer has not seen yet.
	if current := o.source.State(); current.Version > last.Version && (pred == nil || pred(current)) {
		o.observe(current)
		l.OnNewState(current)
		return
	}

	ol := &observerListener{observer: o, delegate: l}
	cancel := o.source.AwaitChange(pred, remaining, ol)
	o.mu.Lock()
	o.cancelW = cancel
	o.mu.Unlock()

	// A matching snapshot published between the sample above and the
	// registration is invisible to the waiter. Re-sample; if the registration
	// came too late, resolve the wait here. The resolve guard keeps the
	// delivery exactly-once against a concurrently firing waiter.
	if current := o.source.State(); current.Version > last.Version && (pred == nil || pred(current)) {
		cancel()
		if ol.resolve() {
			o.observe(current)
			l.OnNewState(current)
		}
	}
}

// observe records a delivered snapshot as seen.
func (o *Observer) observe(s State) {
	o.mu.Lock()
	if s.Version > o.last.Version {
		o.last = s
	}
	o.cancelW = nil
	o.mu.Unlock()
}

// observerListener updates the observer's bookkeeping before delegating to
// the caller's listener. The resolved flag serializes the registered waiter
// against the post-registration re-check in WaitForChange: whichever path
// wins the flag delivers, the other stays silent.
type observerListener struct {
	observer *Observer
	delegate IWaitListener
	resolved atomic.Bool
}

// resolve claims the single delivery slot of this wait.
func (l *observerListener) resolve() bool {
	return l.resolved.CompareAndSwap(false, true)
}

func (l *observerListener) OnNewState(s State) {
	if !l.resolve() {
		return
	}
	l.observer.observe(s)
	l.delegate.OnNewState(s)
}

func (l *observerListener) OnTimeout() {
	if l.resolve() {
		l.delegate.OnTimeout()
	}
}

func (l *observerListener) OnClosed() {
	if l.resolve() {
		l.delegate.OnClosed()
	}
}
