package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/version"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// testRequest is a minimal replicated request carrying one payload string.
type testRequest struct {
	RequestBase
	Payload string
}

func newTestRequest(index, payload string) *testRequest {
	return &testRequest{
		RequestBase: NewRequestBase(index),
		Payload:     payload,
	}
}

func (r *testRequest) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteString(r.Payload)
	return nil
}

func (r *testRequest) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	var err error
	r.Payload, err = rd.ReadString()
	return err
}

// testResponse is a minimal replicated response.
type testResponse struct {
	ResponseBase
	Payload string
}

func (r *testResponse) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteString(r.Payload)
	return nil
}

func (r *testResponse) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	var err error
	r.Payload, err = rd.ReadString()
	return err
}

func TestConcreteShardRequestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		desc  string
		proto version.Protocol
	}{
		{desc: "term on envelope", proto: version.ProtocolTermInEnvelope},
		{desc: "term on inner request", proto: version.MakeProtocol(5, 5, 0)},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			inner := newTestRequest("docs", "the payload")
			inner.SetShardID(cluster.ShardID{Index: "docs", IndexUUID: "uuid-1", Num: 3})
			inner.SetTimeout(42 * time.Second)
			inner.SetWaitForActiveShards(cluster.ActiveShardsAll)
			inner.SetRoutedBasedOnClusterVersion(17)

			concrete := NewConcreteShardRequest(inner, "aid-42", 9)

			w := wire.NewWriter(tc.proto)
			require.NoError(t, concrete.EncodeWire(w))

			decoded := NewConcreteShardRequestDecoder(func() Request { return &testRequest{} })()
			require.NoError(t, decoded.DecodeWire(wire.NewReader(w.Bytes(), tc.proto)))

			require.Equal(t, "aid-42", decoded.TargetAllocationID)
			require.Equal(t, uint64(9), decoded.PrimaryTerm)

			got := decoded.Request.(*testRequest)
			require.Equal(t, "docs", got.Index())
			require.Equal(t, "the payload", got.Payload)
			require.Equal(t, inner.ShardID(), got.ShardID())
			require.Equal(t, 42*time.Second, got.Timeout())
			require.Equal(t, cluster.ActiveShardsAll, got.WaitForActiveShards())
			require.Equal(t, int64(17), got.RoutedBasedOnClusterVersion())
		})
	}
}

func TestConcreteShardRequestLegacyTermMismatch(t *testing.T) {
	inner := newTestRequest("docs", "payload")
	concrete := NewConcreteShardRequest(inner, "aid-1", 5)

	// the constructor keeps the inner term in sync; breaking it must be
	// caught before a legacy peer reads a diverging value
	inner.SetPrimaryTerm(4)

	w := wire.NewWriter(version.MakeProtocol(5, 5, 0))
	require.Error(t, concrete.EncodeWire(w))

	// modern peers carry the term on the envelope only
	w = wire.NewWriter(version.ProtocolTermInEnvelope)
	require.NoError(t, concrete.EncodeWire(w))
}
