// Package shard implements the node-local shard copies the replication
// layer operates on: their lifecycle state, their primary term, and the
// operation permits that serialize operations against term changes and
// relocation handoffs.
package shard

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	indexdlog "gitlab.com/gitlab-org/indexd/internal/log"
)

// State is the lifecycle state of a local shard copy. It is related to but
// distinct from the routing state: the routing table says where copies are
// supposed to be, the shard state says what the local engine is doing.
type State uint8

const (
	// StateRecovering means the copy is being built and cannot serve yet.
	StateRecovering State = iota
	// StateStarted means the copy serves operations.
	StateStarted
	// StateRelocated means a primary handoff to the relocation target has
	// completed; operations arriving here must be delegated.
	StateRelocated
	// StateClosed means the copy has been shut down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateStarted:
		return "started"
	case StateRelocated:
		return "relocated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// OperationTermTooOldError rejects a replica operation whose primary term
// predates the term the shard has already accepted. The old primary that
// issued it has been superseded.
type OperationTermTooOldError struct {
	ShardID     cluster.ShardID
	RequestTerm uint64
	CurrentTerm uint64
}

func (e *OperationTermTooOldError) Error() string {
	return fmt.Sprintf("%s operation primary term [%d] is too old (current [%d])",
		e.ShardID, e.RequestTerm, e.CurrentTerm)
}

// FailureHandler is invoked when the shard must be failed locally, e.g. on
// an unrecoverable engine error during a replicated operation.
type FailureHandler func(shardID cluster.ShardID, reason string, err error)

// Shard is one local copy of a shard. It owns the operation permits and the
// locally known primary term.
type Shard struct {
	mu          sync.RWMutex
	routing     cluster.ShardRouting
	state       State
	primaryTerm uint64
	failed      bool

	permits   *OperationPermits
	onFailure FailureHandler
	log       logrus.FieldLogger
}

// NewShard creates a started local shard copy.
func NewShard(routing cluster.ShardRouting, primaryTerm uint64, onFailure FailureHandler, log logrus.FieldLogger) *Shard {
	log = log.WithField(indexdlog.ShardField, routing.ShardID.String())
	return &Shard{
		routing:     routing,
		state:       StateStarted,
		primaryTerm: primaryTerm,
		permits:     NewOperationPermits(log),
		onFailure:   onFailure,
		log:         log,
	}
}

// ShardID returns the shard's id.
func (s *Shard) ShardID() cluster.ShardID {
	return s.RoutingEntry().ShardID
}

// RoutingEntry returns the local copy's current routing entry.
func (s *Shard) RoutingEntry() cluster.ShardRouting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routing
}

// UpdateRouting installs a new routing entry, normally applied from a new
// cluster state.
func (s *Shard) UpdateRouting(routing cluster.ShardRouting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routing = routing
}

// State returns the local lifecycle state.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState moves the shard to a new lifecycle state.
func (s *Shard) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// PrimaryTerm returns the primary term the shard currently operates under.
func (s *Shard) PrimaryTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primaryTerm
}

// ActiveOperations returns the number of operation permits currently held.
func (s *Shard) ActiveOperations() int {
	return s.permits.ActiveOperations()
}

// AcquirePrimaryPermit grants an operation permit for a primary-side
// operation. Role, allocation id and term validation belong to the caller,
// which checks them against the acquired shard.
func (s *Shard) AcquirePrimaryPermit(ctx context.Context) (Permit, error) {
	return s.permits.Acquire(ctx)
}

// AcquireReplicaPermit grants an operation permit for a replica-side
// operation running under the given primary term. A term older than the
// shard's known term is rejected; a newer term blocks until in-flight
// operations drain, then advances the shard's term.
func (s *Shard) AcquireReplicaPermit(ctx context.Context, opPrimaryTerm uint64) (Permit, error) {
	if current := s.PrimaryTerm(); opPrimaryTerm > current {
		err := s.permits.BlockOperations(ctx, func() {
			s.mu.Lock()
			if opPrimaryTerm > s.primaryTerm {
				s.log.WithFields(logrus.Fields{
					"old_term": s.primaryTerm,
					"new_term": opPrimaryTerm,
				}).Info("advancing primary term")
				s.primaryTerm = opPrimaryTerm
			}
			s.mu.Unlock()
		})
		if err != nil {
			return nil, err
		}
	}

	permit, err := s.permits.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// the term may have advanced past ours while we waited for the permit
	if current := s.PrimaryTerm(); opPrimaryTerm < current {
		permit.Release()
		return nil, &OperationTermTooOldError{
			ShardID:     s.ShardID(),
			RequestTerm: opPrimaryTerm,
			CurrentTerm: current,
		}
	}

	return permit, nil
}

// Fail marks the shard failed and hands the failure to the configured
// handler, which reports it to the master.
func (s *Shard) Fail(reason string, err error) {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	onFailure := s.onFailure
	shardID := s.routing.ShardID
	s.mu.Unlock()

	s.log.WithError(err).WithField("reason", reason).Error("failing shard")
	if onFailure != nil {
		onFailure(shardID, reason, err)
	}
}

// Failed reports whether Fail has been called.
func (s *Shard) Failed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failed
}

// Registry holds the shard copies hosted on this node.
type Registry struct {
	mu     sync.RWMutex
	shards map[cluster.ShardID]*Shard
}

// NewRegistry creates an empty shard registry.
func NewRegistry() *Registry {
	return &Registry{shards: map[cluster.ShardID]*Shard{}}
}

// Add registers a shard copy.
func (r *Registry) Add(s *Shard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shards[s.ShardID()] = s
}

// Get looks up a hosted shard copy.
func (r *Registry) Get(id cluster.ShardID) (*Shard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	return s, ok
}

// Remove drops a shard copy from the registry.
func (r *Registry) Remove(id cluster.ShardID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shards, id)
}

// All returns every hosted shard copy.
func (r *Registry) All() []*Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	shards := make([]*Shard, 0, len(r.shards))
	for _, s := range r.shards {
		shards = append(shards, s)
	}
	return shards
}
