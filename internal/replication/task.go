package replication

import "sync"

// Task tracks which phase of the state machine a request is in. Phases are
// informational: logs and tests read them, the machine never branches on
// them.
//
// Phases: routing, waiting_on_primary, rerouted, waiting_for_retry,
// primary, primary_delegation, replica, failed, finished.
type Task struct {
	mu    sync.Mutex
	phase string
}

// Phase returns the current phase.
func (t *Task) Phase() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// setPhase updates the task if there is one.
func setPhase(t *Task, phase string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
}
