package indexsvc

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/replication"
	"gitlab.com/gitlab-org/indexd/internal/shard"
	"gitlab.com/gitlab-org/indexd/internal/shardstate"
	"gitlab.com/gitlab-org/indexd/internal/transport"
)

// Action names of the document write operations.
const (
	WriteActionName   = "indices:data/write/doc"
	DeleteActionName  = "indices:data/write/delete"
	BulkActionName    = "indices:data/write/bulk"
	RefreshActionName = "indices:admin/refresh"
)

// Service exposes the replicated document operations of one node.
type Service struct {
	engines *Engines

	write   *replication.Action
	delete  *replication.Action
	bulk    *replication.Action
	refresh *replication.Action
}

// ServiceOpt configures the service.
type ServiceOpt func(*serviceOpts)

type serviceOpts struct {
	callOptions     transport.CallOptions
	registerMetrics bool
	latencyBuckets  []float64
}

// WithCallOptions sets the transport options of every action's RPCs.
func WithCallOptions(opts transport.CallOptions) ServiceOpt {
	return func(o *serviceOpts) { o.callOptions = opts }
}

// WithMetrics registers prometheus metrics for every action.
func WithMetrics(latencyBuckets []float64) ServiceOpt {
	return func(o *serviceOpts) {
		o.registerMetrics = true
		o.latencyBuckets = latencyBuckets
	}
}

// NewService registers the document write actions on the node's transport
// and returns the client surface.
func NewService(t transport.Service, clusterSvc *cluster.Service, shards *shard.Registry,
	reporter shardstate.Reporter, log *logrus.Entry, opts ...ServiceOpt) *Service {
	var conf serviceOpts
	for _, opt := range opts {
		opt(&conf)
	}

	newAction := func(name string, handler replication.OperationHandler) *replication.Action {
		actionOpts := []replication.ActionOpt{replication.WithCallOptions(conf.callOptions)}
		if conf.registerMetrics {
			metrics, err := replication.RegisterMetrics(name, conf.latencyBuckets)
			if err != nil {
				log.WithError(err).WithField("action", name).Warn("registering replication metrics")
			} else {
				actionOpts = append(actionOpts, replication.WithMetrics(metrics))
			}
		}
		return replication.NewAction(name, t, clusterSvc, shards, reporter, handler, log, actionOpts...)
	}

	engines := NewEngines()

	return &Service{
		engines: engines,
		write:   newAction(WriteActionName, &writeHandler{engines: engines}),
		delete:  newAction(DeleteActionName, &deleteHandler{engines: engines}),
		bulk:    newAction(BulkActionName, &bulkHandler{engines: engines}),
		refresh: newAction(RefreshActionName, &refreshHandler{engines: engines}),
	}
}

// Engines returns the node's engine registry.
func (s *Service) Engines() *Engines { return s.engines }

// Index replicates one document write.
func (s *Service) Index(ctx context.Context, req *WriteRequest) (*WriteResponse, error) {
	resp, err := s.write.Execute(ctx, req, &replication.Task{})
	if err != nil {
		return nil, err
	}
	return resp.(*WriteResponse), nil
}

// Delete replicates one document deletion.
func (s *Service) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	resp, err := s.delete.Execute(ctx, req, &replication.Task{})
	if err != nil {
		return nil, err
	}
	return resp.(*DeleteResponse), nil
}

// Bulk replicates a batch of operations against one shard.
func (s *Service) Bulk(ctx context.Context, req *BulkRequest) (*BulkResponse, error) {
	resp, err := s.bulk.Execute(ctx, req, &replication.Task{})
	if err != nil {
		return nil, err
	}
	return resp.(*BulkResponse), nil
}

// Refresh makes buffered writes of one shard visible on every copy.
func (s *Service) Refresh(ctx context.Context, req *RefreshRequest) (*RefreshResponse, error) {
	resp, err := s.refresh.Execute(ctx, req, &replication.Task{})
	if err != nil {
		return nil, err
	}
	return resp.(*RefreshResponse), nil
}

// docShardID resolves the shard a document routes to.
func docShardID(meta cluster.IndexMetadata, docID string) cluster.ShardID {
	return cluster.ShardID{
		Index:     meta.Name,
		IndexUUID: meta.UUID,
		Num:       routeDocID(docID, meta.NumberOfShards),
	}
}

type writeHandler struct {
	engines *Engines
}

func (h *writeHandler) NewRequest() replication.Request { return &WriteRequest{} }
func (h *writeHandler) NewReplicaRequest() replication.Request { return &WriteRequest{} }
func (h *writeHandler) NewResponse() replication.Response { return &WriteResponse{} }
func (h *writeHandler) GlobalBlockLevel() cluster.BlockLevel { return cluster.BlockWrite }
func (h *writeHandler) IndexBlockLevel() cluster.BlockLevel { return cluster.BlockWrite }
func (h *writeHandler) ReplicateOnShadowReplicas() bool { return false }

func (h *writeHandler) ResolveRequest(state cluster.State, meta cluster.IndexMetadata, req replication.Request) error {
	replication.ResolveRequestDefaults(meta, req)
	wr := req.(*WriteRequest)
	if req.ShardID().Zero() {
		req.SetShardID(docShardID(meta, wr.DocID))
	}
	return nil
}

func (h *writeHandler) ShardOperationOnPrimary(ctx context.Context, req replication.Request, primary *shard.Shard) (*replication.PrimaryOperationResult, error) {
	wr := req.(*WriteRequest)
	created := h.engines.Get(primary.ShardID()).Index(wr.DocID, wr.Doc)
	return &replication.PrimaryOperationResult{
		ReplicaReq: wr,
		Response:   &WriteResponse{Created: created},
	}, nil
}

func (h *writeHandler) ShardOperationOnReplica(ctx context.Context, req replication.Request, replica *shard.Shard) error {
	wr := req.(*WriteRequest)
	h.engines.Get(replica.ShardID()).Index(wr.DocID, wr.Doc)
	return nil
}

type deleteHandler struct {
	engines *Engines
}

func (h *deleteHandler) NewRequest() replication.Request { return &DeleteRequest{} }
func (h *deleteHandler) NewReplicaRequest() replication.Request { return &DeleteRequest{} }
func (h *deleteHandler) NewResponse() replication.Response { return &DeleteResponse{} }
func (h *deleteHandler) GlobalBlockLevel() cluster.BlockLevel { return cluster.BlockWrite }
func (h *deleteHandler) IndexBlockLevel() cluster.BlockLevel { return cluster.BlockWrite }
func (h *deleteHandler) ReplicateOnShadowReplicas() bool { return false }

func (h *deleteHandler) ResolveRequest(state cluster.State, meta cluster.IndexMetadata, req replication.Request) error {
	replication.ResolveRequestDefaults(meta, req)
	dr := req.(*DeleteRequest)
	if req.ShardID().Zero() {
		req.SetShardID(docShardID(meta, dr.DocID))
	}
	return nil
}

func (h *deleteHandler) ShardOperationOnPrimary(ctx context.Context, req replication.Request, primary *shard.Shard) (*replication.PrimaryOperationResult, error) {
	dr := req.(*DeleteRequest)
	found := h.engines.Get(primary.ShardID()).Delete(dr.DocID)
	return &replication.PrimaryOperationResult{
		ReplicaReq: dr,
		Response:   &DeleteResponse{Found: found},
	}, nil
}

func (h *deleteHandler) ShardOperationOnReplica(ctx context.Context, req replication.Request, replica *shard.Shard) error {
	dr := req.(*DeleteRequest)
	h.engines.Get(replica.ShardID()).Delete(dr.DocID)
	return nil
}

type bulkHandler struct {
	engines *Engines
}

func (h *bulkHandler) NewRequest() replication.Request { return &BulkRequest{} }
func (h *bulkHandler) NewReplicaRequest() replication.Request { return &BulkRequest{} }
func (h *bulkHandler) NewResponse() replication.Response { return &BulkResponse{} }
func (h *bulkHandler) GlobalBlockLevel() cluster.BlockLevel { return cluster.BlockWrite }
func (h *bulkHandler) IndexBlockLevel() cluster.BlockLevel { return cluster.BlockWrite }
func (h *bulkHandler) ReplicateOnShadowReplicas() bool { return false }

func (h *bulkHandler) ResolveRequest(state cluster.State, meta cluster.IndexMetadata, req replication.Request) error {
	replication.ResolveRequestDefaults(meta, req)
	br := req.(*BulkRequest)
	if !req.ShardID().Zero() {
		return nil
	}
	if len(br.Items) == 0 {
		// an empty bulk still needs a target shard to resolve against
		req.SetShardID(cluster.ShardID{Index: meta.Name, IndexUUID: meta.UUID, Num: 0})
		return nil
	}
	shardID := docShardID(meta, br.Items[0].DocID)
	for _, item := range br.Items[1:] {
		if routeDocID(item.DocID, meta.NumberOfShards) != shardID.Num {
			return fmt.Errorf("bulk request mixes documents of shards %d and %d; split bulks by shard upstream",
				shardID.Num, routeDocID(item.DocID, meta.NumberOfShards))
		}
	}
	req.SetShardID(shardID)
	return nil
}

func (h *bulkHandler) ShardOperationOnPrimary(ctx context.Context, req replication.Request, primary *shard.Shard) (*replication.PrimaryOperationResult, error) {
	br := req.(*BulkRequest)
	engine := h.engines.Get(primary.ShardID())

	results := make([]BulkItemResult, len(br.Items))
	for i, item := range br.Items {
		switch item.Op {
		case BulkOpIndex:
			results[i].Created = engine.Index(item.DocID, item.Doc)
		case BulkOpDelete:
			results[i].Found = engine.Delete(item.DocID)
		default:
			return nil, fmt.Errorf("unknown bulk op %d", item.Op)
		}
	}

	var replicaReq replication.Request
	if len(br.Items) > 0 {
		// an empty bulk changed nothing on the primary; replaying it on the
		// replicas would be a pointless no-op round
		replicaReq = br
	}

	return &replication.PrimaryOperationResult{
		ReplicaReq: replicaReq,
		Response:   &BulkResponse{Results: results},
	}, nil
}

func (h *bulkHandler) ShardOperationOnReplica(ctx context.Context, req replication.Request, replica *shard.Shard) error {
	br := req.(*BulkRequest)
	engine := h.engines.Get(replica.ShardID())
	for _, item := range br.Items {
		switch item.Op {
		case BulkOpIndex:
			engine.Index(item.DocID, item.Doc)
		case BulkOpDelete:
			engine.Delete(item.DocID)
		default:
			return fmt.Errorf("unknown bulk op %d", item.Op)
		}
	}
	return nil
}

type refreshHandler struct {
	engines *Engines
}

func (h *refreshHandler) NewRequest() replication.Request { return &RefreshRequest{} }
func (h *refreshHandler) NewReplicaRequest() replication.Request { return &RefreshRequest{} }
func (h *refreshHandler) NewResponse() replication.Response { return &RefreshResponse{} }
func (h *refreshHandler) GlobalBlockLevel() cluster.BlockLevel { return cluster.BlockMetadataWrite }
func (h *refreshHandler) IndexBlockLevel() cluster.BlockLevel { return cluster.BlockMetadataWrite }

// Refresh replicates even to shadow replicas: they share the data but keep
// their own readers.
func (h *refreshHandler) ReplicateOnShadowReplicas() bool { return true }

func (h *refreshHandler) ResolveRequest(state cluster.State, meta cluster.IndexMetadata, req replication.Request) error {
	replication.ResolveRequestDefaults(meta, req)
	rr := req.(*RefreshRequest)
	if req.ShardID().Zero() {
		if rr.ShardNum < 0 || rr.ShardNum >= meta.NumberOfShards {
			return fmt.Errorf("index [%s] has no shard %d", meta.Name, rr.ShardNum)
		}
		req.SetShardID(cluster.ShardID{Index: meta.Name, IndexUUID: meta.UUID, Num: rr.ShardNum})
	}
	return nil
}

func (h *refreshHandler) ShardOperationOnPrimary(ctx context.Context, req replication.Request, primary *shard.Shard) (*replication.PrimaryOperationResult, error) {
	rr := req.(*RefreshRequest)
	h.engines.Get(primary.ShardID()).Refresh()
	return &replication.PrimaryOperationResult{
		ReplicaReq: rr,
		Response:   &RefreshResponse{},
	}, nil
}

func (h *refreshHandler) ShardOperationOnReplica(ctx context.Context, req replication.Request, replica *shard.Shard) error {
	h.engines.Get(replica.ShardID()).Refresh()
	return nil
}
