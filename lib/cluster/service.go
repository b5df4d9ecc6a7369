package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("cluster")

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// IWaitListener receives the outcome of a single wait on a snapshot source.
// Exactly one of the three methods is invoked per wait.
type IWaitListener interface {
	// OnNewState is called with the first published snapshot that satisfies
	// the wait's predicate. It runs on the publishing goroutine.
	OnNewState(s State)
	// OnTimeout is called when the wait's timeout elapses before a matching
	// snapshot arrives.
	OnTimeout()
	// OnClosed is called when the source shuts down permanently.
	OnClosed()
}

// ISource supplies cluster-state snapshots and change notifications.
type ISource interface {
	// State returns the current snapshot. The returned value must be treated
	// as read-only.
	State() State
	// AwaitChange registers a one-shot waiter. The listener is notified with
	// the first snapshot published after registration that satisfies pred
	// (a nil pred matches every snapshot). Snapshots that do not satisfy the
	// predicate are consumed silently and the wait continues. The returned
	// cancel function deregisters the waiter without notifying it; cancelling
	// an already resolved wait is a no-op.
	AwaitChange(pred func(State) bool, timeout time.Duration, l IWaitListener) (cancel func())
}

// --------------------------------------------------------------------------
// Service (ISource implementation)
// --------------------------------------------------------------------------

// Service is the in-memory snapshot source of a node. Producers (e.g. the
// dsource RAFT bridge or the settings action) publish new snapshots, waiters
// registered via AwaitChange are woken on the publishing goroutine.
//
// The waiter list is the only concurrently mutated structure and is owned and
// synchronized by the Service itself.
type Service struct {
	mu      sync.Mutex
	state   State
	closed  bool
	nextID  uint64
	waiters map[uint64]*waiter
}

// waiter is a single registered wait. The fired flag (guarded by the service
// mutex) guarantees that each waiter resolves at most once, no matter how
// publish, timeout and close race.
type waiter struct {
	id       uint64
	pred     func(State) bool
	listener IWaitListener
	timer    *time.Timer
	fired    bool
	svc      *Service
}

// NewService creates a snapshot source holding the given initial state.
func NewService(initial State) *Service {
	return &Service{
		state:   initial,
		waiters: make(map[uint64]*waiter),
	}
}

// State returns the current snapshot.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the service has been shut down.
func (s *Service) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Publish installs next as the current snapshot and wakes all waiters whose
// predicate accepts it. Versions must be strictly increasing - a publish
// based on a stale snapshot is rejected so concurrent producers cannot
// silently overwrite each other's changes.
func (s *Service) Publish(next State) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("snapshot source is closed")
	}
	if next.Version <= s.state.Version {
		current := s.state.Version
		s.mu.Unlock()
		return fmt.Errorf("stale snapshot: version %d is not newer than current version %d", next.Version, current)
	}
	s.state = next

	// Collect matching waiters under the lock, notify outside of it
	var ready []*waiter
	for id, w := range s.waiters {
		if w.pred == nil || w.pred(next) {
			w.fired = true
			w.stopTimer()
			delete(s.waiters, id)
			ready = append(ready, w)
		}
	}
	s.mu.Unlock()

	log.Debugf("published cluster state version %d, woke %d waiter(s)", next.Version, len(ready))
	for _, w := range ready {
		w.listener.OnNewState(next)
	}
	return nil
}

// Close shuts the service down permanently. All registered waiters are
// notified via OnClosed, subsequent publishes fail and subsequent waits
// resolve immediately with OnClosed.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var pending []*waiter
	for id, w := range s.waiters {
		w.fired = true
		w.stopTimer()
		delete(s.waiters, id)
		pending = append(pending, w)
	}
	s.mu.Unlock()

	log.Infof("snapshot source closed, notified %d pending waiter(s)", len(pending))
	for _, w := range pending {
		w.listener.OnClosed()
	}
}

// AwaitChange implements ISource.
func (s *Service) AwaitChange(pred func(State) bool, timeout time.Duration, l IWaitListener) (cancel func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.OnClosed()
		return func() {}
	}

	s.nextID++
	w := &waiter{
		id:       s.nextID,
		pred:     pred,
		listener: l,
		svc:      s,
	}
	s.waiters[w.id] = w
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, w.expire)
	}
	s.mu.Unlock()

	return w.cancel
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// expire resolves the waiter with a timeout unless it already fired.
func (w *waiter) expire() {
	w.svc.mu.Lock()
	if w.fired {
		w.svc.mu.Unlock()
		return
	}
	w.fired = true
	delete(w.svc.waiters, w.id)
	w.svc.mu.Unlock()

	w.listener.OnTimeout()
}

// cancel removes the waiter without notifying its listener.
func (w *waiter) cancel() {
	w.svc.mu.Lock()
	defer w.svc.mu.Unlock()
	if w.fired {
		return
	}
	w.fired = true
	w.stopTimer()
	delete(w.svc.waiters, w.id)
}

// stopTimer stops the timeout timer if one was set. Must be called with the
// service mutex held.
func (w *waiter) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
