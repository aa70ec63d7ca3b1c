package cluster

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	indexdlog "gitlab.com/gitlab-org/indexd/internal/log"
)

// Service holds the node-local view of the cluster state and notifies
// observers when a new state is published. State snapshots are immutable;
// every change is a new versioned snapshot.
//
// How states are produced (gossip, election, master publication) is not this
// package's concern: whoever owns cluster coordination calls Publish.
type Service struct {
	mu       sync.Mutex
	state    State
	closed   bool
	nextID   int
	watchers map[int]func(event)

	log logrus.FieldLogger
}

type event struct {
	state  *State
	closed bool
}

// NewService creates a cluster state service seeded with an initial state.
func NewService(initial State, log logrus.FieldLogger) *Service {
	return &Service{
		state:    initial,
		watchers: map[int]func(event){},
		log:      log,
	}
}

// CurrentState returns the latest published state.
func (s *Service) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports whether the service has shut down.
func (s *Service) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Publish installs a new state and wakes up every waiting observer. The new
// state's version must be higher than the current one.
func (s *Service) Publish(next State) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("cluster service is closed")
	}
	if next.Version <= s.state.Version {
		current := s.state.Version
		s.mu.Unlock()
		return fmt.Errorf("cluster state version moved backwards: %d <= %d", next.Version, current)
	}
	s.state = next
	watchers := s.drainWatchersLocked()
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		indexdlog.ClusterVersionField: next.Version,
	}).Debug("published cluster state")

	ev := event{state: &next}
	for _, w := range watchers {
		w(ev)
	}
	return nil
}

// Close shuts the service down. Waiting observers are notified so pending
// requests can finish as failed instead of hanging.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watchers := s.drainWatchersLocked()
	s.mu.Unlock()

	ev := event{closed: true}
	for _, w := range watchers {
		w(ev)
	}
}

func (s *Service) drainWatchersLocked() []func(event) {
	watchers := make([]func(event), 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.watchers = map[int]func(event){}
	return watchers
}

// watch registers a one-shot watcher for the next published state. The
// returned cancel func deregisters it; calling cancel after the watcher
// fired is a no-op.
func (s *Service) watch(fn func(event)) (cancel func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go fn(event{closed: true})
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}
