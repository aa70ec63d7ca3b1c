package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/shard"
	"gitlab.com/gitlab-org/indexd/internal/shardstate"
	"gitlab.com/gitlab-org/indexd/internal/testhelper"
	"gitlab.com/gitlab-org/indexd/internal/testhelper/promtest"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/version"
)

const testActionName = "test:data/write/op"

var testShardID = cluster.ShardID{Index: "docs", IndexUUID: "uuid-docs", Num: 0}

// echoHandler is a domain operation that records executions and lets tests
// inject one-shot replica failures.
type echoHandler struct {
	mu          sync.Mutex
	primaryOps  int
	replicaOps  int
	replicaErrs []error
}

func (h *echoHandler) NewRequest() Request { return &testRequest{} }
func (h *echoHandler) NewReplicaRequest() Request { return &testRequest{} }
func (h *echoHandler) NewResponse() Response { return &testResponse{} }
func (h *echoHandler) GlobalBlockLevel() cluster.BlockLevel { return cluster.BlockWrite }
func (h *echoHandler) IndexBlockLevel() cluster.BlockLevel { return cluster.BlockWrite }
func (h *echoHandler) ReplicateOnShadowReplicas() bool { return false }

func (h *echoHandler) ResolveRequest(state cluster.State, meta cluster.IndexMetadata, req Request) error {
	ResolveRequestDefaults(meta, req)
	if req.ShardID().Zero() {
		req.SetShardID(cluster.ShardID{Index: meta.Name, IndexUUID: meta.UUID, Num: 0})
	}
	return nil
}

func (h *echoHandler) ShardOperationOnPrimary(ctx context.Context, req Request, primary *shard.Shard) (*PrimaryOperationResult, error) {
	h.mu.Lock()
	h.primaryOps++
	h.mu.Unlock()
	return &PrimaryOperationResult{
		ReplicaReq: req,
		Response:   &testResponse{Payload: req.(*testRequest).Payload},
	}, nil
}

func (h *echoHandler) ShardOperationOnReplica(ctx context.Context, req Request, replica *shard.Shard) error {
	h.mu.Lock()
	h.replicaOps++
	var err error
	if len(h.replicaErrs) > 0 {
		err = h.replicaErrs[0]
		h.replicaErrs = h.replicaErrs[1:]
	}
	h.mu.Unlock()
	return err
}

func (h *echoHandler) injectReplicaErr(err error) {
	h.mu.Lock()
	h.replicaErrs = append(h.replicaErrs, err)
	h.mu.Unlock()
}

func (h *echoHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.primaryOps, h.replicaOps
}

type reportCall struct {
	shardID      cluster.ShardID
	allocationID string
	primaryTerm  uint64
}

// recordingReporter is a fake master-side failure channel.
type recordingReporter struct {
	mu    sync.Mutex
	calls []reportCall
	err   error
}

func (r *recordingReporter) RemoteShardFailed(ctx context.Context, shardID cluster.ShardID, allocationID string, primaryTerm uint64, message string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, reportCall{shardID: shardID, allocationID: allocationID, primaryTerm: primaryTerm})
	return r.err
}

func (r *recordingReporter) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recordingReporter) reported() []reportCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportCall{}, r.calls...)
}

func primaryEntry(node, aid string) cluster.ShardRouting {
	return cluster.ShardRouting{
		ShardID:       testShardID,
		Primary:       true,
		State:         cluster.Started,
		CurrentNodeID: node,
		AllocationID:  cluster.AllocationID{ID: aid},
	}
}

func replicaEntry(node, aid string) cluster.ShardRouting {
	return cluster.ShardRouting{
		ShardID:       testShardID,
		State:         cluster.Started,
		CurrentNodeID: node,
		AllocationID:  cluster.AllocationID{ID: aid},
	}
}

func docsMetadata(term uint64, entries ...cluster.ShardRouting) cluster.IndexMetadata {
	inSync := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Assigned() {
			inSync = append(inSync, e.AllocationID.ID)
		}
	}
	return cluster.IndexMetadata{
		Name:                "docs",
		UUID:                "uuid-docs",
		State:               cluster.IndexOpen,
		NumberOfShards:      1,
		NumberOfReplicas:    len(entries) - 1,
		PrimaryTerms:        []uint64{term},
		WaitForActiveShards: cluster.ActiveShardsOne,
		InSyncAllocationIDs: map[int][]string{0: inSync},
	}
}

func clusterStateFor(localID string, stateVersion int64, term uint64, entries ...cluster.ShardRouting) cluster.State {
	return cluster.State{
		Version: stateVersion,
		Nodes: cluster.NewNodes(localID,
			cluster.Node{ID: "n1", Protocol: version.CurrentProtocol},
			cluster.Node{ID: "n2", Protocol: version.CurrentProtocol},
		).WithMasterID("n1"),
		Metadata:     cluster.NewMetadata(docsMetadata(term, entries...)),
		RoutingTable: cluster.NewRoutingTable(cluster.ShardRoutingTable{ShardID: testShardID, Shards: entries}),
	}
}

type envNode struct {
	id         string
	clusterSvc *cluster.Service
	shards     *shard.Registry
	endpoint   *transport.LocalNode
	handler    *echoHandler
	action     *Action
}

func newEnvNode(t *testing.T, network *transport.Network, id string, state cluster.State, reporter shardstate.Reporter, shards ...*shard.Shard) *envNode {
	t.Helper()

	endpoint := network.Join(id, version.CurrentProtocol)
	clusterSvc := cluster.NewService(state, testhelper.NewDiscardingLogger(t))
	t.Cleanup(clusterSvc.Close)

	registry := shard.NewRegistry()
	for _, s := range shards {
		registry.Add(s)
	}

	handler := &echoHandler{}
	action := NewAction(testActionName, endpoint, clusterSvc, registry, reporter, handler,
		testhelper.NewDiscardingLogEntry(t))

	return &envNode{
		id:         id,
		clusterSvc: clusterSvc,
		shards:     registry,
		endpoint:   endpoint,
		handler:    handler,
		action:     action,
	}
}

func mkShard(t *testing.T, routing cluster.ShardRouting, term uint64) *shard.Shard {
	t.Helper()
	return shard.NewShard(routing, term, nil, testhelper.NewDiscardingLogger(t))
}

func requireNoHeldPermits(t *testing.T, nodes ...*envNode) {
	t.Helper()
	for _, node := range nodes {
		for _, s := range node.shards.All() {
			testhelper.MustEventually(t, 5*time.Second, func() bool {
				return s.ActiveOperations() == 0
			}, "operation permit still held on "+node.id)
		}
	}
}

// Two-node cluster, primary on n1, replica on n2.
func twoNodeEnv(t *testing.T, reporter shardstate.Reporter) (*envNode, *envNode) {
	t.Helper()

	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))
	primary := primaryEntry("n1", "aid-n1")
	replica := replicaEntry("n2", "aid-n2")

	n1 := newEnvNode(t, network, "n1", clusterStateFor("n1", 1, 1, primary, replica), reporter,
		mkShard(t, primary, 1))
	n2 := newEnvNode(t, network, "n2", clusterStateFor("n2", 1, 1, primary, replica), reporter,
		mkShard(t, replica, 1))

	return n1, n2
}

func TestActionHappyPath(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	n1, n2 := twoNodeEnv(t, reporter)

	task := &Task{}
	resp, err := n1.action.Execute(ctx, newTestRequest("docs", "hello"), task)
	require.NoError(t, err)

	require.Equal(t, "hello", resp.(*testResponse).Payload)
	require.Equal(t, 2, resp.ShardInfo().Total)
	require.Equal(t, 2, resp.ShardInfo().Successful)
	require.Equal(t, 0, resp.ShardInfo().Failed())
	require.Equal(t, "finished", task.Phase())

	primaryOps, _ := n1.handler.counts()
	require.Equal(t, 1, primaryOps)
	_, replicaOps := n2.handler.counts()
	require.Equal(t, 1, replicaOps)

	require.Empty(t, reporter.reported())
	requireNoHeldPermits(t, n1, n2)
}

func TestActionRoutesToRemotePrimary(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	n1, n2 := twoNodeEnv(t, reporter)

	// executing on the replica's node must hop to the primary's node
	resp, err := n2.action.Execute(ctx, newTestRequest("docs", "routed"), &Task{})
	require.NoError(t, err)
	require.Equal(t, 2, resp.ShardInfo().Successful)

	primaryOps, _ := n1.handler.counts()
	require.Equal(t, 1, primaryOps)
	requireNoHeldPermits(t, n1, n2)
}

func TestActionReplicaFailureIsReported(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}

	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))
	primary := primaryEntry("n1", "aid-n1")
	replica := replicaEntry("n2", "aid-n2")

	n1 := newEnvNode(t, network, "n1", clusterStateFor("n1", 1, 1, primary, replica), reporter,
		mkShard(t, primary, 1))
	// n2's copy has been reallocated: its allocation id no longer matches
	// what the routing table promises
	n2 := newEnvNode(t, network, "n2", clusterStateFor("n2", 1, 1, primary, replica), reporter,
		mkShard(t, replicaEntry("n2", "aid-n2-reborn"), 1))

	resp, err := n1.action.Execute(ctx, newTestRequest("docs", "x"), &Task{})

	// the user request is a success; the broken copy is reported
	require.NoError(t, err)
	require.Equal(t, 2, resp.ShardInfo().Total)
	require.Equal(t, 1, resp.ShardInfo().Successful)
	require.Equal(t, 1, resp.ShardInfo().Failed())

	reported := reporter.reported()
	require.Len(t, reported, 1)
	require.Equal(t, "aid-n2", reported[0].allocationID)
	require.Equal(t, uint64(1), reported[0].primaryTerm)

	requireNoHeldPermits(t, n1, n2)
}

func TestActionPrimaryDemotedMidReplication(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	n1, n2 := twoNodeEnv(t, reporter)

	// the replica fails, and the master answers the failure report with a
	// demotion
	n2.handler.injectReplicaErr(errors.New("replica engine failure"))
	reporter.setErr(&shardstate.NoLongerPrimaryError{ShardID: testShardID, Msg: "a newer term exists"})

	req := newTestRequest("docs", "demoted")
	task := &Task{}

	done := make(chan error, 1)
	var resp Response
	go func() {
		var err error
		resp, err = n1.action.Execute(ctx, req, task)
		done <- err
	}()

	// the demotion sends the request back into the routing retry loop
	testhelper.MustEventually(t, 5*time.Second, func() bool {
		return task.Phase() == "waiting_for_retry"
	}, "request never entered the retry loop")

	// the next cluster state heals the cluster: the master acknowledges
	// reports again and the replica works
	reporter.setErr(nil)
	primary := primaryEntry("n1", "aid-n1")
	replica := replicaEntry("n2", "aid-n2")
	require.NoError(t, n1.clusterSvc.Publish(clusterStateFor("n1", 2, 1, primary, replica)))
	require.NoError(t, n2.clusterSvc.Publish(clusterStateFor("n2", 2, 1, primary, replica)))

	require.NoError(t, <-done)
	require.Equal(t, 2, resp.ShardInfo().Successful)
	require.True(t, req.Retries() > 0)
	requireNoHeldPermits(t, n1, n2)
}

// A request may address the index by an alias; routing resolves it to the
// concrete index, memoized per cluster state version.
func TestActionResolvesAlias(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))
	primary := primaryEntry("n1", "aid-n1")

	state := clusterStateFor("n1", 1, 1, primary)
	meta, _ := state.Metadata.Index("docs")
	meta.Aliases = []string{"docs-write"}
	state.Metadata = cluster.NewMetadata(meta)

	n1 := newEnvNode(t, network, "n1", state, reporter, mkShard(t, primary, 1))

	// twice, so the second run goes through the resolution cache
	for i := 0; i < 2; i++ {
		resp, err := n1.action.Execute(ctx, newTestRequest("docs-write", "aliased"), &Task{})
		require.NoError(t, err)
		require.Equal(t, 1, resp.ShardInfo().Successful)
	}

	primaryOps, _ := n1.handler.counts()
	require.Equal(t, 2, primaryOps)

	// the concrete index name resolves as well
	_, err := n1.action.Execute(ctx, newTestRequest("docs", "direct"), &Task{})
	require.NoError(t, err)
}

func TestActionIndexClosedFailsImmediately(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}

	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))
	primary := primaryEntry("n1", "aid-n1")

	state := clusterStateFor("n1", 1, 1, primary)
	meta, _ := state.Metadata.Index("docs")
	meta.State = cluster.IndexClosed
	state.Metadata = cluster.NewMetadata(meta)

	n1 := newEnvNode(t, network, "n1", state, reporter, mkShard(t, primary, 1))

	req := newTestRequest("docs", "x")
	_, err := n1.action.Execute(ctx, req, &Task{})

	var closed *IndexClosedError
	require.True(t, errors.As(err, &closed))
	require.Zero(t, req.Retries())
}

func TestActionIndexNotFoundWithZeroTimeout(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))
	n1 := newEnvNode(t, network, "n1", clusterStateFor("n1", 1, 1, primaryEntry("n1", "aid-n1")), reporter)

	req := newTestRequest("missing", "x")
	req.SetTimeout(0)

	_, err := n1.action.Execute(ctx, req, &Task{})

	var notFound *IndexNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestActionRetryableBlockRetries(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))
	primary := primaryEntry("n1", "aid-n1")

	blocked := clusterStateFor("n1", 1, 1, primary)
	blocked.Blocks = cluster.Blocks{Global: []cluster.Block{
		{ID: 1, Description: "state not recovered", Retryable: true, Levels: []cluster.BlockLevel{cluster.BlockWrite}},
	}}

	n1 := newEnvNode(t, network, "n1", blocked, reporter, mkShard(t, primary, 1))

	task := &Task{}
	done := make(chan error, 1)
	go func() {
		_, err := n1.action.Execute(ctx, newTestRequest("docs", "x"), task)
		done <- err
	}()

	testhelper.MustEventually(t, 5*time.Second, func() bool {
		return task.Phase() == "waiting_for_retry"
	}, "block did not schedule a retry")

	require.NoError(t, n1.clusterSvc.Publish(clusterStateFor("n1", 2, 1, primary)))
	require.NoError(t, <-done)
}

func TestActionNonRetryableBlockFails(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))
	primary := primaryEntry("n1", "aid-n1")

	blocked := clusterStateFor("n1", 1, 1, primary)
	blocked.Blocks = cluster.Blocks{Global: []cluster.Block{
		{ID: 2, Description: "read only", Retryable: false, Levels: []cluster.BlockLevel{cluster.BlockWrite}},
	}}

	n1 := newEnvNode(t, network, "n1", blocked, reporter, mkShard(t, primary, 1))

	req := newTestRequest("docs", "x")
	_, err := n1.action.Execute(ctx, req, &Task{})

	var blockErr *cluster.BlockError
	require.True(t, errors.As(err, &blockErr))
	require.Zero(t, req.Retries())
}

func TestActionRetriesUntilPrimaryActive(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))

	unassigned := cluster.ShardRouting{ShardID: testShardID, Primary: true, State: cluster.Unassigned}
	n1 := newEnvNode(t, network, "n1", clusterStateFor("n1", 1, 1, unassigned), reporter)

	task := &Task{}
	req := newTestRequest("docs", "waits")
	done := make(chan error, 1)
	go func() {
		_, err := n1.action.Execute(ctx, req, task)
		done <- err
	}()

	testhelper.MustEventually(t, 5*time.Second, func() bool {
		return task.Phase() == "waiting_for_retry"
	}, "inactive primary did not schedule a retry")

	// the primary gets allocated locally
	primary := primaryEntry("n1", "aid-n1")
	n1.shards.Add(mkShard(t, primary, 1))
	require.NoError(t, n1.clusterSvc.Publish(clusterStateFor("n1", 2, 1, primary)))

	require.NoError(t, <-done)
	require.True(t, req.Retries() > 0)
}

// A node whose state is older than the watermark the sender routed on must
// wait for its own state to catch up instead of bouncing the request back.
func TestActionStaleSenderWatermark(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))

	primaryOnN2 := primaryEntry("n2", "aid-n2")
	primaryOnN1 := primaryEntry("n1", "aid-n1")

	// n1 already observed version 10: the primary lives on n2. n2 is stuck
	// at version 9 and still believes the primary is on n1.
	n1 := newEnvNode(t, network, "n1", clusterStateFor("n1", 10, 1, primaryOnN2), reporter)
	n2 := newEnvNode(t, network, "n2", clusterStateFor("n2", 9, 1, primaryOnN1), reporter,
		mkShard(t, primaryOnN2, 1))

	done := make(chan error, 1)
	var resp Response
	go func() {
		var err error
		resp, err = n1.action.Execute(ctx, newTestRequest("docs", "watermarked"), &Task{})
		done <- err
	}()

	// n2 parks the request until its state reaches the watermark instead of
	// bouncing it back to n1
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, n2.clusterSvc.Publish(clusterStateFor("n2", 10, 1, primaryOnN2)))

	require.NoError(t, <-done)
	require.Equal(t, 1, resp.ShardInfo().Successful)

	primaryOps, _ := n2.handler.counts()
	require.Equal(t, 1, primaryOps)
}

// Relocation handoff: the source releases its permit and delegates to the
// relocation target, which runs the primary phase; the source copy still
// receives the operation as a replica.
func TestActionRelocationHandoff(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))

	relocating := cluster.ShardRouting{
		ShardID:          testShardID,
		Primary:          true,
		State:            cluster.Relocating,
		CurrentNodeID:    "n1",
		RelocatingNodeID: "n2",
		AllocationID:     cluster.AllocationID{ID: "aid-n1", RelocationID: "aid-n2"},
	}

	sourceShard := mkShard(t, relocating, 1)
	sourceShard.SetState(shard.StateRelocated)

	targetShard := mkShard(t, primaryEntry("n2", "aid-n2"), 1)

	n1 := newEnvNode(t, network, "n1", clusterStateFor("n1", 1, 1, relocating), reporter, sourceShard)
	n2 := newEnvNode(t, network, "n2", clusterStateFor("n2", 1, 1, relocating), reporter, targetShard)

	resp, err := n1.action.Execute(ctx, newTestRequest("docs", "handoff"), &Task{})
	require.NoError(t, err)

	// the target ran the primary phase, the source applied it as a replica
	targetPrimaryOps, _ := n2.handler.counts()
	require.Equal(t, 1, targetPrimaryOps)
	sourcePrimaryOps, sourceReplicaOps := n1.handler.counts()
	require.Zero(t, sourcePrimaryOps)
	require.Equal(t, 1, sourceReplicaOps)

	require.Equal(t, 2, resp.ShardInfo().Total)
	require.Equal(t, 2, resp.ShardInfo().Successful)
	requireNoHeldPermits(t, n1, n2)
}

func TestPrimaryEndpointValidation(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	n1, _ := twoNodeEnv(t, reporter)

	send := func(targetAID string, term uint64) error {
		req := newTestRequest("docs", "direct")
		req.SetShardID(testShardID)
		req.SetWaitForActiveShards(cluster.ActiveShardsOne)
		concrete := NewConcreteShardRequest(req, targetAID, term)
		return n1.endpoint.Send(ctx, "n1", testActionName+"[p]", concrete, &testResponse{}, transport.CallOptions{})
	}

	t.Run("allocation id mismatch", func(t *testing.T) {
		err := send("aid-stale", 1)
		var notFound *ShardNotFoundError
		require.True(t, errors.As(err, &notFound))
	})

	t.Run("term mismatch", func(t *testing.T) {
		err := send("aid-n1", 7)
		var notFound *ShardNotFoundError
		require.True(t, errors.As(err, &notFound))
	})

	t.Run("zero term is resolved from cluster state", func(t *testing.T) {
		require.NoError(t, send("aid-n1", 0))
	})

	requireNoHeldPermits(t, n1)
}

func TestReplicaEndpointValidation(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	_, n2 := twoNodeEnv(t, reporter)

	send := func(targetAID string, term uint64) error {
		req := newTestRequest("docs", "direct")
		req.SetShardID(testShardID)
		req.SetWaitForActiveShards(cluster.ActiveShardsOne)
		concrete := NewConcreteShardRequest(req, targetAID, term)
		return n2.endpoint.Send(ctx, "n2", testActionName+"[r]", concrete, &EmptyResponse{}, transport.CallOptions{})
	}

	t.Run("allocation id mismatch", func(t *testing.T) {
		err := send("aid-other", 1)
		var notFound *ShardNotFoundError
		require.True(t, errors.As(err, &notFound))
	})

	t.Run("stale term is rejected", func(t *testing.T) {
		// move the replica's term forward first
		require.NoError(t, send("aid-n2", 3))

		err := send("aid-n2", 2)
		var tooOld *shard.OperationTermTooOldError
		require.True(t, errors.As(err, &tooOld))
	})

	t.Run("newer term advances the replica", func(t *testing.T) {
		require.NoError(t, send("aid-n2", 5))
		s, ok := n2.shards.Get(testShardID)
		require.True(t, ok)
		require.Equal(t, uint64(5), s.PrimaryTerm())
	})

	requireNoHeldPermits(t, n2)
}

func TestActionReplicaRetryRedispatches(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	n1, n2 := twoNodeEnv(t, reporter)

	// the replica cannot apply the operation yet, e.g. its mapping is
	// behind; it must wait for a cluster state change and run again
	n2.handler.injectReplicaErr(&RetryOnReplicaError{ShardID: testShardID, Msg: "mapping not ready"})

	done := make(chan error, 1)
	var resp Response
	go func() {
		var err error
		resp, err = n1.action.Execute(ctx, newTestRequest("docs", "retried"), &Task{})
		done <- err
	}()

	testhelper.MustEventually(t, 5*time.Second, func() bool {
		_, replicaOps := n2.handler.counts()
		return replicaOps == 1
	}, "replica never attempted the operation")

	require.NoError(t, n2.clusterSvc.Publish(clusterStateFor("n2", 2, 1, primaryEntry("n1", "aid-n1"), replicaEntry("n2", "aid-n2"))))

	require.NoError(t, <-done)
	require.Equal(t, 2, resp.ShardInfo().Successful)

	_, replicaOps := n2.handler.counts()
	require.Equal(t, 2, replicaOps)
	require.Empty(t, reporter.reported())
	requireNoHeldPermits(t, n1, n2)
}

func TestActionMetrics(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))
	primary := primaryEntry("n1", "aid-n1")

	endpoint := network.Join("n1", version.CurrentProtocol)
	clusterSvc := cluster.NewService(clusterStateFor("n1", 1, 1, primary), testhelper.NewDiscardingLogger(t))
	t.Cleanup(clusterSvc.Close)

	registry := shard.NewRegistry()
	registry.Add(mkShard(t, primary, 1))

	inFlight := &promtest.MockGauge{}
	latency := &promtest.MockHistogram{}
	retries := &promtest.MockCounter{}

	handler := &echoHandler{}
	action := NewAction(testActionName, endpoint, clusterSvc, registry, reporter, handler,
		testhelper.NewDiscardingLogEntry(t),
		WithMetrics(&Metrics{OperationsInFlight: inFlight, OperationLatency: latency, Retries: retries}))

	_, err := action.Execute(ctx, newTestRequest("docs", "measured"), &Task{})
	require.NoError(t, err)

	require.Len(t, latency.Values(), 1)
	incs, decs := inFlight.IncsDecs()
	require.Equal(t, 1, incs)
	require.Equal(t, 1, decs)
	require.Zero(t, inFlight.Value())
	require.Zero(t, retries.Value())

	// a request against a missing index with no budget left still counts
	// its retry
	req := newTestRequest("missing", "x")
	req.SetTimeout(0)
	_, err = action.Execute(ctx, req, &Task{})
	require.Error(t, err)
	require.True(t, retries.Value() >= 1)
}

func TestActionPrimaryMovedBetweenTerms(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	reporter := &recordingReporter{}
	network := transport.NewNetwork(ErrorCodec{}, testhelper.NewDiscardingLogger(t))

	// term 2: the primary failed over from n1 to n2; n1 keeps a stale copy
	primary := primaryEntry("n2", "aid-n2")
	replica := replicaEntry("n1", "aid-n1")

	n1 := newEnvNode(t, network, "n1", clusterStateFor("n1", 3, 2, primary, replica), reporter,
		mkShard(t, replica, 2))
	n2 := newEnvNode(t, network, "n2", clusterStateFor("n2", 3, 2, primary, replica), reporter,
		mkShard(t, primary, 2))

	resp, err := n1.action.Execute(ctx, newTestRequest("docs", "after failover"), &Task{})
	require.NoError(t, err)
	require.Equal(t, 2, resp.ShardInfo().Successful)

	primaryOps, _ := n2.handler.counts()
	require.Equal(t, 1, primaryOps)
	_, replicaOps := n1.handler.counts()
	require.Equal(t, 1, replicaOps)
	requireNoHeldPermits(t, n1, n2)
}
