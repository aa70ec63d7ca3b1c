package shardstate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/testhelper"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/version"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

func TestFailedShardRequestRoundTrip(t *testing.T) {
	in := &FailedShardRequest{
		ShardID:      cluster.ShardID{Index: "docs", IndexUUID: "uuid", Num: 4},
		AllocationID: "aid-x",
		PrimaryTerm:  7,
		Message:      "failed to perform write on replica",
		CauseMessage: "connection refused",
	}

	w := wire.NewWriter(version.CurrentProtocol)
	require.NoError(t, in.EncodeWire(w))

	out := &FailedShardRequest{}
	require.NoError(t, out.DecodeWire(wire.NewReader(w.Bytes(), version.CurrentProtocol)))
	require.Equal(t, in, out)
}

// stringCodec is a minimal error codec for the test network.
type stringCodec struct{}

func (stringCodec) Encode(w *wire.Writer, err error) {
	var demoted *NoLongerPrimaryError
	if errors.As(err, &demoted) {
		w.WriteBool(true)
		w.WriteString(demoted.Msg)
		return
	}
	w.WriteBool(false)
	w.WriteString(err.Error())
}

func (stringCodec) Decode(r *wire.Reader) error {
	demoted, err := r.ReadBool()
	if err != nil {
		return err
	}
	msg, err := r.ReadString()
	if err != nil {
		return err
	}
	if demoted {
		return &NoLongerPrimaryError{Msg: msg}
	}
	return errors.New(msg)
}

func masterState(localID string) cluster.State {
	return cluster.State{
		Version: 1,
		Nodes: cluster.NewNodes(localID,
			cluster.Node{ID: "master"},
			cluster.Node{ID: "data"},
		).WithMasterID("master"),
	}
}

func TestTransportReporterRoutesToMaster(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	network := transport.NewNetwork(stringCodec{}, testhelper.NewDiscardingLogger(t))
	masterNode := network.Join("master", version.CurrentProtocol)
	dataNode := network.Join("data", version.CurrentProtocol)

	received := make(chan *FailedShardRequest, 1)
	RegisterMasterHandler(masterNode, func(ctx context.Context, req *FailedShardRequest) error {
		received <- req
		return nil
	})

	clusterSvc := cluster.NewService(masterState("data"), testhelper.NewDiscardingLogger(t))
	defer clusterSvc.Close()

	reporter := NewTransportReporter(dataNode, clusterSvc, testhelper.NewDiscardingLogger(t))

	shardID := cluster.ShardID{Index: "docs", Num: 1}
	require.NoError(t, reporter.RemoteShardFailed(ctx, shardID, "aid-1", 3, "replica broke", errors.New("io error")))

	req := <-received
	require.Equal(t, shardID, req.ShardID)
	require.Equal(t, "aid-1", req.AllocationID)
	require.Equal(t, uint64(3), req.PrimaryTerm)
	require.Equal(t, "io error", req.CauseMessage)
}

func TestTransportReporterPropagatesDemotion(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	network := transport.NewNetwork(stringCodec{}, testhelper.NewDiscardingLogger(t))
	masterNode := network.Join("master", version.CurrentProtocol)
	dataNode := network.Join("data", version.CurrentProtocol)

	RegisterMasterHandler(masterNode, func(ctx context.Context, req *FailedShardRequest) error {
		return &NoLongerPrimaryError{ShardID: req.ShardID, Msg: "term superseded"}
	})

	clusterSvc := cluster.NewService(masterState("data"), testhelper.NewDiscardingLogger(t))
	defer clusterSvc.Close()

	reporter := NewTransportReporter(dataNode, clusterSvc, testhelper.NewDiscardingLogger(t))

	err := reporter.RemoteShardFailed(ctx, cluster.ShardID{Index: "docs"}, "aid-1", 2, "broke", nil)
	var demoted *NoLongerPrimaryError
	require.True(t, errors.As(err, &demoted))
}

func TestTransportReporterWithoutMaster(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	network := transport.NewNetwork(stringCodec{}, testhelper.NewDiscardingLogger(t))
	dataNode := network.Join("data", version.CurrentProtocol)

	state := cluster.State{Version: 1, Nodes: cluster.NewNodes("data", cluster.Node{ID: "data"})}
	clusterSvc := cluster.NewService(state, testhelper.NewDiscardingLogger(t))
	defer clusterSvc.Close()

	reporter := NewTransportReporter(dataNode, clusterSvc, testhelper.NewDiscardingLogger(t))

	err := reporter.RemoteShardFailed(ctx, cluster.ShardID{Index: "docs"}, "aid-1", 1, "broke", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no elected master")
}
