// Package replication implements the write-replication core: every
// mutation is routed to the primary copy of its shard, executed there under
// an operation permit, and propagated to all assigned replica copies under
// primary-term and allocation-id safety checks, with routing retries driven
// by observed cluster state changes.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	indexdlog "gitlab.com/gitlab-org/indexd/internal/log"
	"gitlab.com/gitlab-org/indexd/internal/shard"
	"gitlab.com/gitlab-org/indexd/internal/shardstate"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/version"
)

// OperationHandler binds a domain operation (index a document, delete,
// refresh, ...) to the generic replication state machine.
type OperationHandler interface {
	// NewRequest and NewReplicaRequest allocate empty requests for wire
	// decoding. Most operations replicate the request unchanged and return
	// the same type from both.
	NewRequest() Request
	NewReplicaRequest() Request
	// NewResponse allocates an empty response for wire decoding.
	NewResponse() Response
	// ResolveRequest fills derived fields on the routing node: the shard id
	// and the wait-for-active-shards default.
	ResolveRequest(state cluster.State, meta cluster.IndexMetadata, req Request) error
	// ShardOperationOnPrimary executes the operation on the primary copy,
	// under the primary operation permit.
	ShardOperationOnPrimary(ctx context.Context, req Request, primary *shard.Shard) (*PrimaryOperationResult, error)
	// ShardOperationOnReplica executes the operation on a replica copy,
	// under the per-term replica operation permit.
	ShardOperationOnReplica(ctx context.Context, req Request, replica *shard.Shard) error
	// GlobalBlockLevel and IndexBlockLevel select which cluster blocks
	// reject this operation. BlockLevelNone disables the check.
	GlobalBlockLevel() cluster.BlockLevel
	IndexBlockLevel() cluster.BlockLevel
	// ReplicateOnShadowReplicas forces replication even on shadow-replica
	// indices. Data operations return false there, refresh true.
	ReplicateOnShadowReplicas() bool
}

// ResolveRequestDefaults applies the index's wait-for-active-shards setting
// to requests that did not choose their own. Handlers call it from
// ResolveRequest.
func ResolveRequestDefaults(meta cluster.IndexMetadata, req Request) {
	if req.WaitForActiveShards() == cluster.ActiveShardsDefault {
		req.SetWaitForActiveShards(req.WaitForActiveShards().Resolve(meta.WaitForActiveShards))
	}
}

// PrimaryOperationResult is the outcome of the primary-side domain
// operation. Exactly one of Response and Failure is set; ReplicaReq may be
// nil when there is nothing to replicate.
type PrimaryOperationResult struct {
	ReplicaReq Request
	Response   Response
	Failure    error
}

// ReplicaRequest implements PrimaryResult.
func (r *PrimaryOperationResult) ReplicaRequest() Request { return r.ReplicaReq }

// SetShardInfo implements PrimaryResult.
func (r *PrimaryOperationResult) SetShardInfo(si ShardInfo) {
	if r.Response != nil {
		r.Response.SetShardInfo(si)
	}
}

// Action is one registered replicated action: a name, its three transport
// endpoints and the domain handler. All phases of every request run
// through it.
type Action struct {
	name          string
	primaryAction string
	replicaAction string

	transport  transport.Service
	clusterSvc *cluster.Service
	shards     *shard.Registry
	reporter   shardstate.Reporter
	handler    OperationHandler
	resolver   *indexResolver
	opts       transport.CallOptions
	metrics    *Metrics
	log        *logrus.Entry
}

// ActionOpt configures an Action.
type ActionOpt func(*Action)

// WithCallOptions sets the transport options of the action's RPCs.
func WithCallOptions(opts transport.CallOptions) ActionOpt {
	return func(a *Action) { a.opts = opts }
}

// WithMetrics instruments the action.
func WithMetrics(m *Metrics) ActionOpt {
	return func(a *Action) { a.metrics = m }
}

// NewAction registers a replicated action and its three transport
// endpoints: the routing endpoint under the plain name, the primary
// endpoint under name[p], and the replica endpoint under name[r].
func NewAction(name string, t transport.Service, clusterSvc *cluster.Service, shards *shard.Registry,
	reporter shardstate.Reporter, handler OperationHandler, log *logrus.Entry, opts ...ActionOpt) *Action {
	a := &Action{
		name:          name,
		primaryAction: name + "[p]",
		replicaAction: name + "[r]",
		transport:     t,
		clusterSvc:    clusterSvc,
		shards:        shards,
		reporter:      reporter,
		handler:       handler,
		resolver:      newIndexResolver(),
		metrics:       nullMetrics(),
		log:           log.WithField(indexdlog.ActionField, name),
	}
	for _, opt := range opts {
		opt(a)
	}

	t.RegisterHandler(a.name, transport.Handler{
		NewRequest: func() transport.Message { return handler.NewRequest() },
		Handle: func(ctx context.Context, msg transport.Message) (transport.Message, error) {
			resp, err := a.Execute(ctx, msg.(Request), &Task{})
			if err != nil {
				return nil, err
			}
			return resp, nil
		},
	})
	t.RegisterHandler(a.primaryAction, transport.Handler{
		NewRequest: func() transport.Message {
			return NewConcreteShardRequestDecoder(func() Request { return handler.NewRequest() })()
		},
		Handle: func(ctx context.Context, msg transport.Message) (transport.Message, error) {
			return a.handlePrimaryRequest(ctx, msg.(*ConcreteShardRequest))
		},
	})
	t.RegisterHandler(a.replicaAction, transport.Handler{
		NewRequest: func() transport.Message {
			return NewConcreteShardRequestDecoder(func() Request { return handler.NewReplicaRequest() })()
		},
		Handle: func(ctx context.Context, msg transport.Message) (transport.Message, error) {
			return a.handleReplicaRequest(ctx, msg.(*ConcreteShardRequest))
		},
	})

	return a
}

// Name returns the action name.
func (a *Action) Name() string { return a.name }

// Execute routes a request to the primary copy of its shard, retrying on
// cluster state changes until the request's timeout budget runs out, and
// returns the replicated response.
func (a *Action) Execute(ctx context.Context, req Request, task *Task) (Response, error) {
	start := time.Now()

	type outcome struct {
		resp Response
		err  error
	}
	done := make(chan outcome, 1)

	phase := &reroutePhase{
		action:     a,
		task:       task,
		request:    req,
		observer:   cluster.NewObserver(a.clusterSvc, req.Timeout()),
		onResponse: func(resp Response) { done <- outcome{resp: resp} },
		onFailure:  func(err error) { done <- outcome{err: err} },
	}
	phase.run()

	result := <-done
	a.metrics.OperationLatency.Observe(time.Since(start).Seconds())
	return result.resp, result.err
}

// reroutePhase resolves a request against the observed cluster state and
// dispatches it, locally or remotely. Transient failures schedule a retry
// on the next cluster state change; the single-shot completion latch makes
// sure the caller hears back exactly once.
type reroutePhase struct {
	action   *Action
	task     *Task
	request  Request
	observer *cluster.Observer
	finished int32

	onResponse func(Response)
	onFailure  func(error)
}

func (p *reroutePhase) run() {
	setPhase(p.task, "routing")
	a := p.action

	state := p.observer.SetAndGetObservedState()

	if blockErr := state.Blocks.GlobalBlocked(a.handler.GlobalBlockLevel()); blockErr != nil {
		p.handleBlockError(blockErr)
		return
	}

	// the request may address the index by an alias; block checks and
	// routing operate on the concrete index
	meta, ok := a.resolver.concreteIndex(state, p.request.Index())
	if !ok {
		p.retry(&IndexNotFoundError{Index: p.request.Index()})
		return
	}

	if blockErr := state.Blocks.IndexBlocked(a.handler.IndexBlockLevel(), meta.Name); blockErr != nil {
		p.handleBlockError(blockErr)
		return
	}

	if meta.State == cluster.IndexClosed {
		p.finishAsFailed(&IndexClosedError{Index: meta.Name})
		return
	}

	if err := a.handler.ResolveRequest(state, meta, p.request); err != nil {
		p.finishAsFailed(err)
		return
	}
	if p.request.ShardID().Zero() {
		p.finishWithUnexpectedFailure(fmt.Errorf("request shard id was not set in ResolveRequest"))
		return
	}
	if p.request.WaitForActiveShards() == cluster.ActiveShardsDefault {
		p.finishWithUnexpectedFailure(fmt.Errorf("request waitForActiveShards was not resolved in ResolveRequest"))
		return
	}

	table, ok := state.RoutingTable.ShardRoutingTable(p.request.ShardID())
	if !ok {
		p.retryBecauseUnavailable(state, "shard is not in the routing table")
		return
	}
	primary := table.PrimaryShard()
	if primary == nil || !primary.Active() {
		a.log.WithFields(logrus.Fields{
			indexdlog.ShardField:          p.request.ShardID().String(),
			indexdlog.ClusterVersionField: state.Version,
		}).Debug("primary shard is not yet active, scheduling a retry")
		p.retryBecauseUnavailable(state, "primary shard is not active")
		return
	}
	if !state.Nodes.Exists(primary.CurrentNodeID) {
		a.log.WithFields(logrus.Fields{
			indexdlog.ShardField:          p.request.ShardID().String(),
			indexdlog.NodeField:           primary.CurrentNodeID,
			indexdlog.ClusterVersionField: state.Version,
		}).Debug("primary shard is assigned to an unknown node, scheduling a retry")
		p.retryBecauseUnavailable(state, "primary shard isn't assigned to a known node")
		return
	}

	if primary.CurrentNodeID == state.Nodes.LocalNodeID() {
		p.performLocalAction(state, *primary, meta)
	} else {
		p.performRemoteAction(state, *primary)
	}
}

func (p *reroutePhase) handleBlockError(blockErr error) {
	var block *cluster.BlockError
	if errors.As(blockErr, &block) && block.Retryable() {
		p.action.log.WithError(blockErr).Debug("cluster is blocked, scheduling a retry")
		p.retry(blockErr)
		return
	}
	p.finishAsFailed(blockErr)
}

func (p *reroutePhase) performLocalAction(state cluster.State, primary cluster.ShardRouting, meta cluster.IndexMetadata) {
	setPhase(p.task, "waiting_on_primary")
	term := meta.PrimaryTerm(p.request.ShardID().Num)
	concrete := NewConcreteShardRequest(p.request, primary.AllocationID.ID, term)
	p.performAction(primary.CurrentNodeID, p.action.primaryAction, true, concrete)
}

func (p *reroutePhase) performRemoteAction(state cluster.State, primary cluster.ShardRouting) {
	if state.Version < p.request.RoutedBasedOnClusterVersion() {
		p.action.log.WithFields(logrus.Fields{
			indexdlog.ShardField:          p.request.ShardID().String(),
			indexdlog.ClusterVersionField: state.Version,
			"expected_version": p.request.RoutedBasedOnClusterVersion(),
		}).Debug("failed to find primary despite sender thinking it would be here, scheduling a retry")
		p.retryBecauseUnavailable(state, fmt.Sprintf(
			"failed to find primary as current cluster state with version [%d] is stale (expected at least [%d])",
			state.Version, p.request.RoutedBasedOnClusterVersion()))
		return
	}
	// chasing the primary for a second hop requires being at least as
	// up-to-date as this state; this breaks redirect loops between two
	// nodes when a relocation target does not yet know it is the active
	// primary
	p.request.SetRoutedBasedOnClusterVersion(state.Version)
	setPhase(p.task, "rerouted")
	p.performAction(primary.CurrentNodeID, p.action.name, false, p.request)
}

func (p *reroutePhase) performAction(nodeID, action string, isPrimaryAction bool, msg transport.Message) {
	go func() {
		resp := p.action.handler.NewResponse()
		err := p.action.transport.Send(context.Background(), nodeID, action, msg, resp, p.action.opts)
		if err == nil {
			p.finishOnSuccess(resp)
			return
		}
		if isRetryableRouteFailure(err, isPrimaryAction) {
			p.action.log.WithError(err).WithField(indexdlog.NodeField, nodeID).Debug("received a retryable error, scheduling a retry")
			p.retry(err)
			return
		}
		p.finishAsFailed(err)
	}()
}

func (p *reroutePhase) retry(failure error) {
	if p.observer.IsTimedOut() {
		// running as the last attempt after a timeout; don't retry again
		p.finishAsFailed(failure)
		return
	}
	setPhase(p.task, "waiting_for_retry")
	p.request.OnRetry()
	p.request.SetPrimaryTerm(0)
	p.action.metrics.Retries.Inc()
	p.observer.WaitForNextChange(cluster.ChangeListener{
		NewState: func(cluster.State) { p.run() },
		Closed: func() {
			p.finishAsFailed(&NodeClosedError{NodeID: p.action.transport.LocalNodeID()})
		},
		Timeout: func(time.Duration) {
			// one last attempt with a fresh state
			p.run()
		},
	})
}

func (p *reroutePhase) retryBecauseUnavailable(state cluster.State, message string) {
	p.retry(&UnavailableShardsError{
		ShardID: p.request.ShardID(),
		Msg:     fmt.Sprintf("%s, last observed cluster state version [%d], request [%s]", message, state.Version, p.request.Description()),
		Timeout: p.request.Timeout(),
	})
}

func (p *reroutePhase) finishOnSuccess(resp Response) {
	if !atomic.CompareAndSwapInt32(&p.finished, 0, 1) {
		p.action.log.Error("finishOnSuccess called but operation is already finished")
		return
	}
	setPhase(p.task, "finished")
	p.onResponse(resp)
}

func (p *reroutePhase) finishAsFailed(failure error) {
	if !atomic.CompareAndSwapInt32(&p.finished, 0, 1) {
		p.action.log.Error("finishAsFailed called but operation is already finished")
		return
	}
	setPhase(p.task, "failed")
	p.action.log.WithError(failure).WithField("request", p.request.Description()).Debug("operation failed")
	p.onFailure(failure)
}

func (p *reroutePhase) finishWithUnexpectedFailure(failure error) {
	p.action.log.WithError(failure).WithField("request", p.request.Description()).Warn("unexpected error during the routing phase")
	if !atomic.CompareAndSwapInt32(&p.finished, 0, 1) {
		p.action.log.Error("finishWithUnexpectedFailure called but operation is already finished")
		return
	}
	setPhase(p.task, "failed")
	p.onFailure(failure)
}

// handlePrimaryRequest serves the name[p] endpoint: validate the addressed
// shard copy, run the primary operation and drive the replication cycle.
func (a *Action) handlePrimaryRequest(ctx context.Context, concrete *ConcreteShardRequest) (transport.Message, error) {
	req := concrete.Request
	task := &Task{}

	primaryTerm := concrete.PrimaryTerm
	if primaryTerm == 0 {
		// the sender predates primary terms on the envelope (or reset the
		// term for a routing retry); speculatively use the term from the
		// current state, validated against the actual shard below
		state := a.clusterSvc.CurrentState()
		if meta, ok := state.Metadata.Index(req.ShardID().Index); ok {
			primaryTerm = meta.PrimaryTerm(req.ShardID().Num)
		}
	}

	ref, err := a.acquirePrimaryShardReference(ctx, req.ShardID(), concrete.TargetAllocationID, primaryTerm)
	if err != nil {
		setPhase(task, "finished")
		return nil, err
	}

	if ref.isRelocated() {
		ref.close() // release the operation permit as soon as possible
		setPhase(task, "primary_delegation")
		resp, err := a.delegateToRelocationTarget(ctx, req, ref.RoutingEntry(), primaryTerm)
		setPhase(task, "finished")
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	setPhase(task, "primary")
	a.metrics.OperationsInFlight.Inc()

	state := a.clusterSvc.CurrentState()
	executeOnReplicas := true
	if meta, ok := state.Metadata.Index(req.ShardID().Index); ok && meta.ShadowReplicas {
		executeOnReplicas = a.handler.ReplicateOnShadowReplicas()
	}

	opLog := indexdlog.WithShardOperation(a.log, a.name, req.ShardID().String()).
		WithField(indexdlog.PrimaryTermField, primaryTerm)
	op := NewOperation(req, ref, a.newReplicasProxy(primaryTerm), a.clusterSvc.CurrentState,
		executeOnReplicas, a.name, opLog)
	result, err := op.Execute(ctx)

	ref.close() // release the operation permit before responding to the caller
	a.metrics.OperationsInFlight.Dec()
	setPhase(task, "finished")

	if err != nil {
		return nil, err
	}
	primaryResult := result.(*PrimaryOperationResult)
	if primaryResult.Failure != nil {
		return nil, primaryResult.Failure
	}
	return primaryResult.Response, nil
}

// delegateToRelocationTarget forwards a primary request to the relocation
// target after the local copy completed its handoff. The target is
// addressed by the relocation id, which is its allocation id.
func (a *Action) delegateToRelocationTarget(ctx context.Context, req Request, primary cluster.ShardRouting, primaryTerm uint64) (Response, error) {
	if primary.State != cluster.Relocating || primary.RelocatingNodeID == "" {
		return nil, fmt.Errorf("shard is marked as relocated but routing %s is not relocating", primary)
	}

	state := a.clusterSvc.CurrentState()
	target, ok := state.Nodes.Get(primary.RelocatingNodeID)
	if !ok {
		return nil, &RetryOnPrimaryError{
			ShardID: primary.ShardID,
			Msg:     fmt.Sprintf("relocation target node [%s] is not known yet", primary.RelocatingNodeID),
		}
	}
	if target.Protocol.Major() > version.CurrentProtocol.Major() {
		// a newer-major target activates its primary mode only once the
		// relocation target shard itself is activated; until then requests
		// cannot be handled there
		return nil, &RetryOnPrimaryError{
			ShardID: primary.ShardID,
			Msg:     fmt.Sprintf("waiting for relocation target on version %s to be activated", target.Protocol),
		}
	}

	a.log.WithFields(logrus.Fields{
		indexdlog.ShardField: primary.ShardID.String(),
		indexdlog.NodeField:  target.ID,
	}).Debug("delegating primary operation to relocation target")

	concrete := NewConcreteShardRequest(req, primary.AllocationID.RelocationID, primaryTerm)
	resp := a.handler.NewResponse()
	if err := a.transport.Send(ctx, target.ID, a.primaryAction, concrete, resp, a.opts); err != nil {
		return nil, err
	}
	return resp, nil
}

func (a *Action) newReplicasProxy(primaryTerm uint64) Replicas {
	return &replicasProxy{
		transport:     a.transport,
		clusterState:  a.clusterSvc.CurrentState,
		reporter:      a.reporter,
		replicaAction: a.replicaAction,
		primaryTerm:   primaryTerm,
		opts:          a.opts,
		log:           a.log,
	}
}

// acquirePrimaryShardReference validates that the local copy is the
// addressed primary incarnation and takes an operation permit on it. The
// reference holds the permit until close.
func (a *Action) acquirePrimaryShardReference(ctx context.Context, shardID cluster.ShardID, targetAllocationID string, primaryTerm uint64) (*primaryShardReference, error) {
	s, ok := a.shards.Get(shardID)
	if !ok {
		return nil, &ShardNotFoundError{ShardID: shardID, Msg: "no such shard on this node"}
	}

	// the routing state may be so stale that the local copy was replaced
	// with a replica, e.g. after a failover in a two node cluster; that is
	// a routing problem, not an addressing one
	entry := s.RoutingEntry()
	if !entry.Primary {
		return nil, &RetryOnPrimaryError{
			ShardID: shardID,
			Msg:     fmt.Sprintf("actual shard is not a primary %s", entry),
		}
	}

	if actual := entry.AllocationID.ID; actual != targetAllocationID {
		return nil, &ShardNotFoundError{
			ShardID: shardID,
			Msg:     fmt.Sprintf("expected aID [%s] but found [%s]", targetAllocationID, actual),
		}
	}
	if actual := s.PrimaryTerm(); actual != primaryTerm {
		return nil, &ShardNotFoundError{
			ShardID: shardID,
			Msg:     fmt.Sprintf("expected aID [%s] with term [%d] but found [%d]", targetAllocationID, primaryTerm, actual),
		}
	}

	permit, err := s.AcquirePrimaryPermit(ctx)
	if err != nil {
		return nil, err
	}

	return &primaryShardReference{shard: s, permit: permit, handler: a.handler}, nil
}

// primaryShardReference is the scoped exclusive hold on the primary copy:
// it couples the acquired operation permit to the domain operation and is
// released once replication completes or fails.
type primaryShardReference struct {
	shard   *shard.Shard
	permit  shard.Permit
	handler OperationHandler
}

func (r *primaryShardReference) close() { r.permit.Release() }

func (r *primaryShardReference) isRelocated() bool {
	return r.shard.State() == shard.StateRelocated
}

// Perform implements Primary.
func (r *primaryShardReference) Perform(ctx context.Context, req Request) (PrimaryResult, error) {
	result, err := r.handler.ShardOperationOnPrimary(ctx, req, r.shard)
	if err != nil {
		return nil, err
	}
	if (result.Response == nil) == (result.Failure == nil) {
		return nil, fmt.Errorf("primary operation must produce either a response or a failure, got response %v and failure %v",
			result.Response, result.Failure)
	}
	return result, nil
}

// RoutingEntry implements Primary.
func (r *primaryShardReference) RoutingEntry() cluster.ShardRouting {
	return r.shard.RoutingEntry()
}

// FailShard implements Primary.
func (r *primaryShardReference) FailShard(reason string, err error) {
	r.shard.Fail(reason, err)
}

// handleReplicaRequest serves the name[r] endpoint: validate the addressed
// copy, take the per-term replica permit and run the replica operation. A
// RetryOnReplicaError re-dispatches the same request to this node once the
// cluster state changes.
func (a *Action) handleReplicaRequest(ctx context.Context, concrete *ConcreteShardRequest) (transport.Message, error) {
	req := concrete.Request
	task := &Task{}
	setPhase(task, "replica")

	primaryTerm := concrete.PrimaryTerm
	if primaryTerm == 0 {
		return nil, fmt.Errorf("replica request %s carries no primary term", concrete)
	}

	s, ok := a.shards.Get(req.ShardID())
	if !ok {
		return nil, &ShardNotFoundError{ShardID: req.ShardID(), Msg: "no such shard on this node"}
	}
	if actual := s.RoutingEntry().AllocationID.ID; actual != concrete.TargetAllocationID {
		return nil, &ShardNotFoundError{
			ShardID: req.ShardID(),
			Msg:     fmt.Sprintf("expected aID [%s] but found [%s]", concrete.TargetAllocationID, actual),
		}
	}

	permit, err := s.AcquireReplicaPermit(ctx, primaryTerm)
	if err != nil {
		return nil, err
	}

	opErr := a.handler.ShardOperationOnReplica(ctx, req, s)
	permit.Release() // release the operation permit before responding

	if opErr == nil {
		setPhase(task, "finished")
		return &EmptyResponse{}, nil
	}

	var retryErr *RetryOnReplicaError
	if !errors.As(opErr, &retryErr) {
		setPhase(task, "finished")
		return nil, opErr
	}

	a.log.WithError(opErr).WithField(indexdlog.ShardField, req.ShardID().String()).Debug("retrying operation on replica")
	req.OnRetry()

	// failing a replica is something to avoid at all costs, so this wait
	// has no timeout; the re-dispatch goes back through the transport so
	// the request is treated exactly like a fresh replica RPC
	observer := cluster.NewObserver(a.clusterSvc, cluster.NoTimeout)
	observer.SetAndGetObservedState()

	done := make(chan error, 1)
	observer.WaitForNextChange(cluster.ChangeListener{
		NewState: func(cluster.State) {
			resp := &EmptyResponse{}
			done <- a.transport.Send(context.Background(), a.transport.LocalNodeID(), a.replicaAction, concrete, resp, a.opts)
		},
		Closed: func() {
			done <- &NodeClosedError{NodeID: a.transport.LocalNodeID()}
		},
	})

	if err := <-done; err != nil {
		setPhase(task, "finished")
		return nil, err
	}
	setPhase(task, "finished")
	return &EmptyResponse{}, nil
}
