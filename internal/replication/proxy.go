package replication

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	indexdlog "gitlab.com/gitlab-org/indexd/internal/log"
	"gitlab.com/gitlab-org/indexd/internal/shardstate"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// EmptyResponse is the reply of operations that carry no payload back, e.g.
// replica acknowledgements.
type EmptyResponse struct{}

// EncodeWire implements transport.Message.
func (EmptyResponse) EncodeWire(w *wire.Writer) error { return nil }

// DecodeWire implements transport.Message.
func (*EmptyResponse) DecodeWire(r *wire.Reader) error { return nil }

// replicasProxy fires replica RPCs for one in-flight operation and routes
// failure reports to the master. It is bound to the primary term the
// operation runs under; every message it emits carries that term.
type replicasProxy struct {
	transport     transport.Service
	clusterState  func() cluster.State
	reporter      shardstate.Reporter
	replicaAction string
	primaryTerm   uint64
	opts          transport.CallOptions
	log           *logrus.Entry
}

// PerformOn implements Replicas.
func (p *replicasProxy) PerformOn(ctx context.Context, replica cluster.ShardRouting, req Request) error {
	nodeID := replica.CurrentNodeID
	if !p.clusterState().Nodes.Exists(nodeID) {
		return &transport.ConnectError{NodeID: nodeID, Err: errors.New("unknown node")}
	}

	concrete := NewConcreteShardRequest(req, replica.AllocationID.ID, p.primaryTerm)
	return p.transport.Send(ctx, nodeID, p.replicaAction, concrete, &EmptyResponse{}, p.opts)
}

// FailShard implements Replicas.
func (p *replicasProxy) FailShard(ctx context.Context, replica cluster.ShardRouting, reason string, cause error,
	onSuccess func(), onPrimaryDemoted func(error), onIgnoredFailure func(error)) {
	p.report(ctx, replica.ShardID, replica.AllocationID.ID, reason, cause, onSuccess, onPrimaryDemoted, onIgnoredFailure)
}

// MarkShardCopyAsStale implements Replicas.
func (p *replicasProxy) MarkShardCopyAsStale(ctx context.Context, shardID cluster.ShardID, allocationID string,
	onSuccess func(), onPrimaryDemoted func(error), onIgnoredFailure func(error)) {
	p.report(ctx, shardID, allocationID, "mark copy as stale", nil, onSuccess, onPrimaryDemoted, onIgnoredFailure)
}

func (p *replicasProxy) report(ctx context.Context, shardID cluster.ShardID, allocationID, reason string, cause error,
	onSuccess func(), onPrimaryDemoted func(error), onIgnoredFailure func(error)) {
	go func() {
		err := p.reporter.RemoteShardFailed(ctx, shardID, allocationID, p.primaryTerm, reason, cause)
		switch {
		case err == nil:
			onSuccess()
		case isPrimaryDemoted(err):
			onPrimaryDemoted(err)
		default:
			// reports can fail while the master or this node shuts down;
			// anything else merits a look
			p.log.WithError(err).WithFields(logrus.Fields{
				indexdlog.ShardField:        shardID.String(),
				indexdlog.AllocationIDField: allocationID,
			}).Warn("ignoring failure while reporting shard copy")
			onIgnoredFailure(err)
		}
	}()
}
