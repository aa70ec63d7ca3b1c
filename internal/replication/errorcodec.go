package replication

import (
	"errors"
	"fmt"
	"time"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/shard"
	"gitlab.com/gitlab-org/indexd/internal/shardstate"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// The error kinds that cross the wire. Classification (retry vs fail) must
// survive node boundaries, so every typed error the state machine inspects
// has a kind here. Anything else degrades to a generic remote error.
const (
	errKindGeneric uint64 = iota
	errKindIndexNotFound
	errKindIndexClosed
	errKindUnavailableShards
	errKindShardNotFound
	errKindNodeClosed
	errKindRetryOnPrimary
	errKindRetryOnReplica
	errKindNoLongerPrimary
	errKindTermTooOld
	errKindConnect
	errKindClusterBlock
)

// RemoteError is the fallback representation of an error type the wire
// codec does not know.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// ErrorCodec serializes the replication error taxonomy for the transport.
type ErrorCodec struct{}

// Encode implements transport.ErrorCodec.
func (ErrorCodec) Encode(w *wire.Writer, err error) { encodeError(w, err) }

// Decode implements transport.ErrorCodec.
func (ErrorCodec) Decode(r *wire.Reader) error { return decodeError(r) }

func writeShardID(w *wire.Writer, id cluster.ShardID) {
	w.WriteString(id.Index)
	w.WriteString(id.IndexUUID)
	w.WriteInt64(int64(id.Num))
}

func readShardID(r *wire.Reader) (cluster.ShardID, error) {
	var id cluster.ShardID
	var err error
	if id.Index, err = r.ReadString(); err != nil {
		return id, err
	}
	if id.IndexUUID, err = r.ReadString(); err != nil {
		return id, err
	}
	num, err := r.ReadInt64()
	if err != nil {
		return id, err
	}
	id.Num = int(num)
	return id, nil
}

func encodeError(w *wire.Writer, err error) {
	var (
		indexNotFound   *IndexNotFoundError
		indexClosed     *IndexClosedError
		unavailable     *UnavailableShardsError
		shardNotFound   *ShardNotFoundError
		nodeClosed      *NodeClosedError
		retryOnPrimary  *RetryOnPrimaryError
		retryOnReplica  *RetryOnReplicaError
		noLongerPrimary *shardstate.NoLongerPrimaryError
		termTooOld      *shard.OperationTermTooOldError
		connect         *transport.ConnectError
		block           *cluster.BlockError
	)

	switch {
	case err == nil:
		w.WriteUint64(errKindGeneric)
		w.WriteString("")
	case errors.As(err, &indexNotFound):
		w.WriteUint64(errKindIndexNotFound)
		w.WriteString(indexNotFound.Index)
	case errors.As(err, &indexClosed):
		w.WriteUint64(errKindIndexClosed)
		w.WriteString(indexClosed.Index)
	case errors.As(err, &unavailable):
		w.WriteUint64(errKindUnavailableShards)
		writeShardID(w, unavailable.ShardID)
		w.WriteString(unavailable.Msg)
		w.WriteInt64(int64(unavailable.Timeout))
	case errors.As(err, &shardNotFound):
		w.WriteUint64(errKindShardNotFound)
		writeShardID(w, shardNotFound.ShardID)
		w.WriteString(shardNotFound.Msg)
	case errors.As(err, &nodeClosed):
		w.WriteUint64(errKindNodeClosed)
		w.WriteString(nodeClosed.NodeID)
	case errors.As(err, &retryOnPrimary):
		w.WriteUint64(errKindRetryOnPrimary)
		writeShardID(w, retryOnPrimary.ShardID)
		w.WriteString(retryOnPrimary.Msg)
	case errors.As(err, &retryOnReplica):
		w.WriteUint64(errKindRetryOnReplica)
		writeShardID(w, retryOnReplica.ShardID)
		w.WriteString(retryOnReplica.Msg)
	case errors.As(err, &noLongerPrimary):
		w.WriteUint64(errKindNoLongerPrimary)
		writeShardID(w, noLongerPrimary.ShardID)
		w.WriteString(noLongerPrimary.Msg)
	case errors.As(err, &termTooOld):
		w.WriteUint64(errKindTermTooOld)
		writeShardID(w, termTooOld.ShardID)
		w.WriteUint64(termTooOld.RequestTerm)
		w.WriteUint64(termTooOld.CurrentTerm)
	case errors.As(err, &connect):
		w.WriteUint64(errKindConnect)
		w.WriteString(connect.NodeID)
		w.WriteString(connect.Err.Error())
	case errors.As(err, &block):
		w.WriteUint64(errKindClusterBlock)
		w.WriteBool(block.Retryable())
		w.WriteString(block.Error())
	default:
		w.WriteUint64(errKindGeneric)
		w.WriteString(err.Error())
	}
}

func decodeError(r *wire.Reader) error {
	kind, err := r.ReadUint64()
	if err != nil {
		return fmt.Errorf("malformed remote error: %v", err)
	}

	switch kind {
	case errKindGeneric:
		msg, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		if msg == "" {
			return nil
		}
		return &RemoteError{Message: msg}
	case errKindIndexNotFound:
		index, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &IndexNotFoundError{Index: index}
	case errKindIndexClosed:
		index, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &IndexClosedError{Index: index}
	case errKindUnavailableShards:
		id, err := readShardID(r)
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		msg, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		timeout, err := r.ReadInt64()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &UnavailableShardsError{ShardID: id, Msg: msg, Timeout: time.Duration(timeout)}
	case errKindShardNotFound:
		id, err := readShardID(r)
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		msg, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &ShardNotFoundError{ShardID: id, Msg: msg}
	case errKindNodeClosed:
		nodeID, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &NodeClosedError{NodeID: nodeID}
	case errKindRetryOnPrimary:
		id, err := readShardID(r)
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		msg, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &RetryOnPrimaryError{ShardID: id, Msg: msg}
	case errKindRetryOnReplica:
		id, err := readShardID(r)
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		msg, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &RetryOnReplicaError{ShardID: id, Msg: msg}
	case errKindNoLongerPrimary:
		id, err := readShardID(r)
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		msg, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &shardstate.NoLongerPrimaryError{ShardID: id, Msg: msg}
	case errKindTermTooOld:
		id, err := readShardID(r)
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		requestTerm, err := r.ReadUint64()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		currentTerm, err := r.ReadUint64()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &shard.OperationTermTooOldError{ShardID: id, RequestTerm: requestTerm, CurrentTerm: currentTerm}
	case errKindConnect:
		nodeID, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		msg, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &transport.ConnectError{NodeID: nodeID, Err: errors.New(msg)}
	case errKindClusterBlock:
		retryable, err := r.ReadBool()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		msg, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("malformed remote error: %v", err)
		}
		return &cluster.BlockError{Blocks: []cluster.Block{{Description: msg, Retryable: retryable}}}
	default:
		return fmt.Errorf("unknown remote error kind %d", kind)
	}
}
