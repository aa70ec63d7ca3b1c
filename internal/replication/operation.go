package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	indexdlog "gitlab.com/gitlab-org/indexd/internal/log"
)

// Primary is the operation's scoped hold on the primary copy. The hold owns
// the primary operation permit for the whole replication cycle.
type Primary interface {
	// Perform runs the domain operation on the primary copy.
	Perform(ctx context.Context, req Request) (PrimaryResult, error)
	// RoutingEntry returns the primary copy's routing entry.
	RoutingEntry() cluster.ShardRouting
	// FailShard fails the primary copy locally, e.g. after a demotion
	// surfaced while reporting a replica failure.
	FailShard(reason string, err error)
}

// PrimaryResult is what the primary operation produced: the request to
// replicate and, once replication finishes, the aggregate shard summary.
type PrimaryResult interface {
	// ReplicaRequest returns the request to send to every replica copy. A
	// nil return means the operation was a no-op on the primary and has
	// nothing to replicate.
	ReplicaRequest() Request
	// SetShardInfo attaches the aggregate outcome before the result is
	// returned to the caller.
	SetShardInfo(ShardInfo)
}

// Replicas abstracts the per-replica RPCs and the failure reporting
// channel.
type Replicas interface {
	// PerformOn runs the replica operation on one copy. A nil return means
	// the copy applied the operation.
	PerformOn(ctx context.Context, replica cluster.ShardRouting, req Request) error
	// FailShard asks the master to fail a replica copy. Exactly one of the
	// three callbacks fires: onSuccess when the master acknowledged the
	// copy is out, onPrimaryDemoted when the master told us we are no
	// longer primary, onIgnoredFailure when the report failed for a reason
	// that is fine to ignore (e.g. the node is shutting down).
	FailShard(ctx context.Context, replica cluster.ShardRouting, reason string, cause error, onSuccess func(), onPrimaryDemoted func(error), onIgnoredFailure func(error))
	// MarkShardCopyAsStale asks the master to move a copy out of the
	// in-sync set without failing it. Same callback contract as FailShard.
	MarkShardCopyAsStale(ctx context.Context, shardID cluster.ShardID, allocationID string, onSuccess func(), onPrimaryDemoted func(error), onIgnoredFailure func(error))
}

// Operation drives one replicated operation: primary first, then every
// assigned replica copy in parallel, collecting per-copy outcomes into a
// ShardInfo. Failed copies are reported to the master but do not fail the
// user request; a demotion of the primary does.
type Operation struct {
	request           Request
	primary           Primary
	replicas          Replicas
	clusterState      func() cluster.State
	executeOnReplicas bool
	opType            string
	log               *logrus.Entry

	result           PrimaryResult
	totalShards      int32
	successfulShards int32
	pendingActions   int32

	mu            sync.Mutex
	shardFailures []ShardFailure

	finished int32
	done     chan struct{}
	finalErr error
}

// NewOperation assembles a replicated operation. clusterState must return
// a fresh snapshot on every call; the replica set is computed from the
// state observed after the primary operation succeeds.
func NewOperation(req Request, primary Primary, replicas Replicas, clusterState func() cluster.State,
	executeOnReplicas bool, opType string, log *logrus.Entry) *Operation {
	return &Operation{
		request:           req,
		primary:           primary,
		replicas:          replicas,
		clusterState:      clusterState,
		executeOnReplicas: executeOnReplicas,
		opType:            opType,
		log:               log,
		done:              make(chan struct{}),
	}
}

// Execute runs the operation and blocks until every targeted copy has
// resolved. On success the returned result carries the final ShardInfo.
func (o *Operation) Execute(ctx context.Context) (PrimaryResult, error) {
	primaryRouting := o.primary.RoutingEntry()
	shardID := primaryRouting.ShardID

	if failure := o.checkActiveShardCount(shardID); failure != "" {
		return nil, &UnavailableShardsError{
			ShardID: shardID,
			Msg:     failure,
			Timeout: o.request.Timeout(),
		}
	}

	atomic.AddInt32(&o.totalShards, 1) // the primary itself
	atomic.AddInt32(&o.pendingActions, 1)

	result, err := o.primary.Perform(ctx, o.request)
	if err != nil {
		return nil, err
	}
	o.result = result

	if replicaRequest := result.ReplicaRequest(); replicaRequest != nil {
		// the replica set is computed from the state observed after primary
		// success, so copies activated during the primary operation are
		// still covered
		state := o.clusterState()
		if table, ok := state.RoutingTable.ShardRoutingTable(shardID); ok {
			o.markUnavailableShardsAsStale(ctx, state, table)
			o.performOnReplicas(ctx, primaryRouting, replicaRequest, table)
		}
	}

	atomic.AddInt32(&o.successfulShards, 1) // the primary itself
	o.decPendingAndFinishIfNeeded()

	<-o.done
	if o.finalErr != nil {
		return nil, o.finalErr
	}
	return o.result, nil
}

func (o *Operation) checkActiveShardCount(shardID cluster.ShardID) string {
	waitFor := o.request.WaitForActiveShards()
	if waitFor == cluster.ActiveShardsNone {
		return ""
	}

	state := o.clusterState()
	table, ok := state.RoutingTable.ShardRoutingTable(shardID)
	if !ok {
		return fmt.Sprintf("shard %s is not in the routing table", shardID)
	}
	if waitFor.Enough(table) {
		return ""
	}
	return fmt.Sprintf("not enough active copies to meet shard count of [%s] (have %d, needed %s)",
		waitFor, table.ActiveShardCount(), waitFor)
}

// markUnavailableShardsAsStale reports in-sync copies that no longer have a
// routing entry. They responded to nobody; leaving them in the in-sync set
// would block the new primary's durability accounting forever.
func (o *Operation) markUnavailableShardsAsStale(ctx context.Context, state cluster.State, table cluster.ShardRoutingTable) {
	shardID := table.ShardID
	meta, ok := state.Metadata.Index(shardID.Index)
	if !ok {
		return
	}

	assigned := map[string]struct{}{}
	for _, s := range table.Shards {
		if s.Assigned() {
			assigned[s.AllocationID.ID] = struct{}{}
			if s.AllocationID.RelocationID != "" {
				assigned[s.AllocationID.RelocationID] = struct{}{}
			}
		}
	}

	for _, allocationID := range meta.InSyncAllocations(shardID.Num) {
		if _, ok := assigned[allocationID]; ok {
			continue
		}
		atomic.AddInt32(&o.pendingActions, 1)
		o.replicas.MarkShardCopyAsStale(ctx, shardID, allocationID,
			o.decPendingAndFinishIfNeeded,
			func(demotionErr error) { o.onPrimaryDemoted(demotionErr) },
			func(error) { o.decPendingAndFinishIfNeeded() },
		)
	}
}

func (o *Operation) performOnReplicas(ctx context.Context, primaryRouting cluster.ShardRouting, replicaRequest Request, table cluster.ShardRoutingTable) {
	for _, replica := range table.Shards {
		if !o.executeOnReplicas || !replica.Assigned() {
			continue
		}
		if replica.AllocationID.ID == primaryRouting.AllocationID.ID {
			continue
		}
		o.performOnReplica(ctx, replica, replicaRequest)
	}
}

func (o *Operation) performOnReplica(ctx context.Context, replica cluster.ShardRouting, replicaRequest Request) {
	atomic.AddInt32(&o.totalShards, 1)
	atomic.AddInt32(&o.pendingActions, 1)

	go func() {
		err := o.replicas.PerformOn(ctx, replica, replicaRequest)
		if err == nil {
			atomic.AddInt32(&o.successfulShards, 1)
			o.decPendingAndFinishIfNeeded()
			return
		}

		o.log.WithError(err).WithFields(logrus.Fields{
			indexdlog.ShardField:  replica.ShardID.String(),
			indexdlog.NodeField:   replica.CurrentNodeID,
			indexdlog.ActionField: o.opType,
		}).Warn("failed to perform operation on replica")

		o.addShardFailure(ShardFailure{
			ShardID: replica.ShardID,
			NodeID:  replica.CurrentNodeID,
			Cause:   err,
		})

		message := fmt.Sprintf("failed to perform %s on replica %s", o.opType, replica)
		o.replicas.FailShard(ctx, replica, message, err,
			o.decPendingAndFinishIfNeeded,
			func(demotionErr error) { o.onPrimaryDemoted(demotionErr) },
			func(error) { o.decPendingAndFinishIfNeeded() },
		)
	}()
}

func (o *Operation) onPrimaryDemoted(demotionErr error) {
	primaryRouting := o.primary.RoutingEntry()
	reason := fmt.Sprintf("primary shard %s was demoted while failing replica shard", primaryRouting)
	o.primary.FailShard(reason, demotionErr)
	o.finishAsFailed(&RetryOnPrimaryError{ShardID: primaryRouting.ShardID, Msg: reason})
	o.decPendingAndFinishIfNeeded()
}

func (o *Operation) addShardFailure(f ShardFailure) {
	o.mu.Lock()
	o.shardFailures = append(o.shardFailures, f)
	o.mu.Unlock()
}

func (o *Operation) decPendingAndFinishIfNeeded() {
	if atomic.AddInt32(&o.pendingActions, -1) > 0 {
		return
	}
	o.finish()
}

func (o *Operation) finish() {
	if !atomic.CompareAndSwapInt32(&o.finished, 0, 1) {
		return
	}

	o.mu.Lock()
	failures := make([]ShardFailure, len(o.shardFailures))
	copy(failures, o.shardFailures)
	o.mu.Unlock()

	o.result.SetShardInfo(ShardInfo{
		Total:      int(atomic.LoadInt32(&o.totalShards)),
		Successful: int(atomic.LoadInt32(&o.successfulShards)),
		Failures:   failures,
	})
	close(o.done)
}

func (o *Operation) finishAsFailed(err error) {
	if !atomic.CompareAndSwapInt32(&o.finished, 0, 1) {
		return
	}
	o.finalErr = err
	close(o.done)
}
