package workflow

import "sync"

// ackSignal is an acknowledgement delivered to a suspended wait.
type ackSignal struct {
	userID string
}

// waiter is the in-process mailbox for one suspended execution. The
// channels are buffered so signal delivery never blocks the caller.
type waiter struct {
	ackCh chan ackSignal
	hbCh  chan struct{}
}

// waiterRegistry correlates incident ids with suspended waits. Only the
// process currently running the execution holds a registration; signals
// for executions suspended elsewhere (or not suspended at all) are
// rejected with ErrNoPendingWait.
type waiterRegistry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newWaiterRegistry() *waiterRegistry {
	return &waiterRegistry{waiters: make(map[string]*waiter)}
}

func (r *waiterRegistry) register(incidentID string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &waiter{
		ackCh: make(chan ackSignal, 1),
		hbCh:  make(chan struct{}, 1),
	}
	r.waiters[incidentID] = w
	return w
}

func (r *waiterRegistry) unregister(incidentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, incidentID)
}

func (r *waiterRegistry) acknowledge(incidentID, userID string) error {
	r.mu.Lock()
	w, ok := r.waiters[incidentID]
	r.mu.Unlock()
	if !ok {
		return ErrNoPendingWait
	}

	select {
	case w.ackCh <- ackSignal{userID: userID}:
	default:
		// An acknowledgement is already queued; a second one is a no-op.
	}
	return nil
}

func (r *waiterRegistry) heartbeat(incidentID string) error {
	r.mu.Lock()
	w, ok := r.waiters[incidentID]
	r.mu.Unlock()
	if !ok {
		return ErrNoPendingWait
	}

	select {
	case w.hbCh <- struct{}{}:
	default:
	}
	return nil
}
