package cluster

import (
	"sync"
	"sync/atomic"
	"time"
)

// NoTimeout makes an observer wait for cluster state changes indefinitely.
const NoTimeout = time.Duration(-1)

// ChangeListener receives the outcome of a single WaitForNextChange call.
// Exactly one of the three callbacks fires, on a fresh goroutine.
type ChangeListener struct {
	// NewState fires when a state newer than the last observed one is
	// published.
	NewState func(State)
	// Timeout fires when the observer's overall timeout expires before a
	// newer state arrives.
	Timeout func(time.Duration)
	// Closed fires when the cluster service shuts down.
	Closed func()
}

// Observer tracks the cluster state a single request has seen and lets the
// request wait for the next change. The timeout is an overall budget counted
// from the observer's creation, not per wait: a request that spent its
// budget retrying gets one final attempt and then fails.
//
// A zero timeout means "do not wait": the first wait times out immediately.
// NoTimeout waits forever.
type Observer struct {
	service *Service
	timeout time.Duration
	start   time.Time

	// observedVersion is the version of the last state returned from
	// SetAndGetObservedState.
	observedVersion int64
	timedOut        int32
}

// NewObserver creates an observer over the service with the given overall
// timeout budget.
func NewObserver(service *Service, timeout time.Duration) *Observer {
	return &Observer{
		service: service,
		timeout: timeout,
		start:   time.Now(),
	}
}

// SetAndGetObservedState samples the current cluster state and records its
// version as observed. A later WaitForNextChange only fires NewState for
// versions beyond this one.
func (o *Observer) SetAndGetObservedState() State {
	state := o.service.CurrentState()
	atomic.StoreInt64(&o.observedVersion, state.Version)
	return state
}

// IsTimedOut reports whether a previous wait exhausted the overall budget.
func (o *Observer) IsTimedOut() bool {
	return atomic.LoadInt32(&o.timedOut) == 1
}

func (o *Observer) remaining() (time.Duration, bool) {
	if o.timeout == NoTimeout {
		return 0, false
	}
	remaining := o.timeout - time.Since(o.start)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// WaitForNextChange waits until a state newer than the observed one is
// published, the overall timeout expires, or the service closes, and fires
// the matching listener callback exactly once.
func (o *Observer) WaitForNextChange(listener ChangeListener) {
	var once sync.Once
	fire := func(fn func()) { once.Do(fn) }

	// A state published between the caller's last observation and this wait
	// must be delivered immediately; nothing may get lost in the gap.
	if current := o.service.CurrentState(); current.Version > atomic.LoadInt64(&o.observedVersion) {
		if o.service.Closed() {
			go fire(func() { listener.onClosed() })
			return
		}
		go fire(func() { listener.onNewState(current) })
		return
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	cancel := o.service.watch(func(ev event) {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
		// deliver on a fresh goroutine so a slow listener never blocks the
		// publisher
		if ev.closed {
			go fire(func() { listener.onClosed() })
			return
		}
		state := *ev.state
		go fire(func() { listener.onNewState(state) })
	})

	remaining, bounded := o.remaining()
	if !bounded {
		return
	}

	timerMu.Lock()
	timer = time.AfterFunc(remaining, func() {
		cancel()
		atomic.StoreInt32(&o.timedOut, 1)
		fire(func() { listener.onTimeout(o.timeout) })
	})
	timerMu.Unlock()
}

func (l ChangeListener) onNewState(state State) {
	if l.NewState != nil {
		l.NewState(state)
	}
}

func (l ChangeListener) onTimeout(timeout time.Duration) {
	if l.Timeout != nil {
		l.Timeout(timeout)
	}
}

func (l ChangeListener) onClosed() {
	if l.Closed != nil {
		l.Closed()
	}
}
