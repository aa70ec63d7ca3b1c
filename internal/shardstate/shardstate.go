// Package shardstate reports failed or stale shard copies to the cluster
// master. The master itself is outside this process; this package only owns
// the reporting channel and the demotion signal a reporting primary can
// receive back.
package shardstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	indexdlog "gitlab.com/gitlab-org/indexd/internal/log"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// FailedShardAction is the transport action failure reports travel on.
const FailedShardAction = "internal:cluster/shard/failure"

// NoLongerPrimaryError is the master telling a reporting primary that it has
// been superseded: the failure report carried a stale primary term, so the
// reporter must stop acting as primary.
type NoLongerPrimaryError struct {
	ShardID cluster.ShardID
	Msg     string
}

func (e *NoLongerPrimaryError) Error() string {
	return fmt.Sprintf("%s no longer primary: %s", e.ShardID, e.Msg)
}

// Reporter reports failed shard copies to the master on behalf of a
// primary. A nil return means the master acknowledged the copy is out of
// the in-sync set. A NoLongerPrimaryError return demotes the reporter.
type Reporter interface {
	RemoteShardFailed(ctx context.Context, shardID cluster.ShardID, allocationID string, primaryTerm uint64, message string, cause error) error
}

// FailedShardRequest is the wire form of one failure report.
type FailedShardRequest struct {
	ShardID      cluster.ShardID
	AllocationID string
	PrimaryTerm  uint64
	Message      string
	// CauseMessage carries the failure cause as text; the master only logs
	// it.
	CauseMessage string
}

// EncodeWire implements transport.Message.
func (r *FailedShardRequest) EncodeWire(w *wire.Writer) error {
	w.WriteString(r.ShardID.Index)
	w.WriteString(r.ShardID.IndexUUID)
	w.WriteInt64(int64(r.ShardID.Num))
	w.WriteString(r.AllocationID)
	w.WriteUint64(r.PrimaryTerm)
	w.WriteString(r.Message)
	w.WriteString(r.CauseMessage)
	return nil
}

// DecodeWire implements transport.Message.
func (r *FailedShardRequest) DecodeWire(rd *wire.Reader) error {
	var err error
	if r.ShardID.Index, err = rd.ReadString(); err != nil {
		return err
	}
	if r.ShardID.IndexUUID, err = rd.ReadString(); err != nil {
		return err
	}
	num, err := rd.ReadInt64()
	if err != nil {
		return err
	}
	r.ShardID.Num = int(num)
	if r.AllocationID, err = rd.ReadString(); err != nil {
		return err
	}
	if r.PrimaryTerm, err = rd.ReadUint64(); err != nil {
		return err
	}
	if r.Message, err = rd.ReadString(); err != nil {
		return err
	}
	if r.CauseMessage, err = rd.ReadString(); err != nil {
		return err
	}
	return nil
}

// FailedShardResponse acknowledges a failure report.
type FailedShardResponse struct{}

// EncodeWire implements transport.Message.
func (r *FailedShardResponse) EncodeWire(w *wire.Writer) error { return nil }

// DecodeWire implements transport.Message.
func (r *FailedShardResponse) DecodeWire(rd *wire.Reader) error { return nil }

// TransportReporter sends failure reports to the elected master over the
// cluster transport.
type TransportReporter struct {
	transport  transport.Service
	clusterSvc *cluster.Service
	log        logrus.FieldLogger
}

// NewTransportReporter creates a reporter.
func NewTransportReporter(t transport.Service, clusterSvc *cluster.Service, log logrus.FieldLogger) *TransportReporter {
	return &TransportReporter{transport: t, clusterSvc: clusterSvc, log: log}
}

// RemoteShardFailed implements Reporter.
func (t *TransportReporter) RemoteShardFailed(ctx context.Context, shardID cluster.ShardID, allocationID string, primaryTerm uint64, message string, cause error) error {
	state := t.clusterSvc.CurrentState()
	master := state.Nodes.MasterNodeID()
	if master == "" {
		return errors.New("no elected master to report shard failure to")
	}

	causeMessage := ""
	if cause != nil {
		causeMessage = cause.Error()
	}

	t.log.WithFields(logrus.Fields{
		indexdlog.ShardField:        shardID.String(),
		indexdlog.AllocationIDField: allocationID,
		indexdlog.PrimaryTermField:  primaryTerm,
	}).Info("reporting failed shard copy to master")

	req := &FailedShardRequest{
		ShardID:      shardID,
		AllocationID: allocationID,
		PrimaryTerm:  primaryTerm,
		Message:      message,
		CauseMessage: causeMessage,
	}
	return t.transport.Send(ctx, master, FailedShardAction, req, &FailedShardResponse{}, transport.CallOptions{})
}

// MasterHandler is the master-side application of one failure report. It
// returns NoLongerPrimaryError when the reporting primary's term is stale.
type MasterHandler func(ctx context.Context, req *FailedShardRequest) error

// RegisterMasterHandler installs the master-side endpoint on a transport.
// Only the process hosting the elected master serves it.
func RegisterMasterHandler(t transport.Service, apply MasterHandler) {
	t.RegisterHandler(FailedShardAction, transport.Handler{
		NewRequest: func() transport.Message { return &FailedShardRequest{} },
		Handle: func(ctx context.Context, msg transport.Message) (transport.Message, error) {
			if err := apply(ctx, msg.(*FailedShardRequest)); err != nil {
				return nil, err
			}
			return &FailedShardResponse{}, nil
		},
	})
}
