package replication

import (
	"fmt"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// ShardFailure records the outcome of one replica copy that did not apply
// the operation. Replica failures do not fail the user request; they are
// reported here and the copy is failed or marked stale on the master.
type ShardFailure struct {
	ShardID cluster.ShardID
	NodeID  string
	Cause   error
	// Primary marks a failure of the primary copy itself.
	Primary bool
}

func (f ShardFailure) String() string {
	return fmt.Sprintf("%s on node [%s]: %v", f.ShardID, f.NodeID, f.Cause)
}

// ShardInfo summarizes a replicated operation across all targeted copies.
// Every targeted copy shows up in exactly one bucket:
// Successful + len(Failures) == Total.
type ShardInfo struct {
	Total      int
	Successful int
	Failures   []ShardFailure
}

// Failed returns the number of copies that failed the operation.
func (si ShardInfo) Failed() int { return len(si.Failures) }

func (si ShardInfo) encode(w *wire.Writer) {
	w.WriteInt64(int64(si.Total))
	w.WriteInt64(int64(si.Successful))
	w.WriteInt64(int64(len(si.Failures)))
	for _, f := range si.Failures {
		w.WriteString(f.ShardID.Index)
		w.WriteString(f.ShardID.IndexUUID)
		w.WriteInt64(int64(f.ShardID.Num))
		w.WriteString(f.NodeID)
		w.WriteBool(f.Primary)
		encodeError(w, f.Cause)
	}
}

func (si *ShardInfo) decode(r *wire.Reader) error {
	total, err := r.ReadInt64()
	if err != nil {
		return err
	}
	successful, err := r.ReadInt64()
	if err != nil {
		return err
	}
	count, err := r.ReadInt64()
	if err != nil {
		return err
	}
	si.Total = int(total)
	si.Successful = int(successful)
	si.Failures = nil
	for i := int64(0); i < count; i++ {
		var f ShardFailure
		if f.ShardID.Index, err = r.ReadString(); err != nil {
			return err
		}
		if f.ShardID.IndexUUID, err = r.ReadString(); err != nil {
			return err
		}
		num, err := r.ReadInt64()
		if err != nil {
			return err
		}
		f.ShardID.Num = int(num)
		if f.NodeID, err = r.ReadString(); err != nil {
			return err
		}
		if f.Primary, err = r.ReadBool(); err != nil {
			return err
		}
		f.Cause = decodeError(r)
		si.Failures = append(si.Failures, f)
	}
	return nil
}

// Response is a replicated operation's reply. Domain responses embed
// ResponseBase and add their payload encoding around it.
type Response interface {
	transport.Message

	ShardInfo() ShardInfo
	SetShardInfo(ShardInfo)
}

// ResponseBase carries the replication summary shared by all replicated
// responses.
type ResponseBase struct {
	shardInfo ShardInfo
}

// ShardInfo implements Response.
func (r *ResponseBase) ShardInfo() ShardInfo { return r.shardInfo }

// SetShardInfo implements Response.
func (r *ResponseBase) SetShardInfo(si ShardInfo) { r.shardInfo = si }

// EncodeBase writes the replication summary.
func (r *ResponseBase) EncodeBase(w *wire.Writer) error {
	r.shardInfo.encode(w)
	return nil
}

// DecodeBase is the inverse of EncodeBase.
func (r *ResponseBase) DecodeBase(rd *wire.Reader) error {
	return r.shardInfo.decode(rd)
}
