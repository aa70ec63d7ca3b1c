package replication

import (
	"fmt"
	"sync/atomic"
	"time"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/version"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// DefaultTimeout bounds a replicated operation that does not set its own
// timeout.
const DefaultTimeout = time.Minute

// Request is a replicated operation's payload together with the routing
// bookkeeping the action state machine maintains. Domain requests embed
// RequestBase and add their payload encoding around it.
type Request interface {
	transport.Message

	// Index names the target index; set by the caller.
	Index() string
	// ShardID is resolved on the routing node and travels with the request
	// from then on.
	ShardID() cluster.ShardID
	SetShardID(cluster.ShardID)
	// Timeout bounds routing retries.
	Timeout() time.Duration
	// WaitForActiveShards gates replication on the number of started
	// copies. ActiveShardsDefault is resolved from index settings during
	// routing.
	WaitForActiveShards() cluster.ActiveShardCount
	SetWaitForActiveShards(cluster.ActiveShardCount)
	// PrimaryTerm is the term the routing node believes the primary holds.
	// Zero means unknown; the primary validates against its actual term.
	PrimaryTerm() uint64
	SetPrimaryTerm(uint64)
	// RoutedBasedOnClusterVersion is the version of the cluster state the
	// last hop routed on. It never decreases along a retry chain and
	// prevents rerouting ping-pong between nodes with diverging views.
	RoutedBasedOnClusterVersion() int64
	SetRoutedBasedOnClusterVersion(int64)
	// OnRetry is invoked before every routing retry.
	OnRetry()
	// Retries returns how often OnRetry has been invoked.
	Retries() int
	// Description renders the request for logs and failure messages.
	Description() string
}

// RequestBase carries the routing bookkeeping shared by all replicated
// requests.
type RequestBase struct {
	index                       string
	shardID                     cluster.ShardID
	timeout                     time.Duration
	waitForActiveShards         cluster.ActiveShardCount
	primaryTerm                 uint64
	routedBasedOnClusterVersion int64
	retries                     int32
}

// NewRequestBase seeds the bookkeeping for a request against the named
// index.
func NewRequestBase(index string) RequestBase {
	return RequestBase{
		index:               index,
		timeout:             DefaultTimeout,
		waitForActiveShards: cluster.ActiveShardsDefault,
	}
}

// Index implements Request.
func (r *RequestBase) Index() string { return r.index }

// ShardID implements Request.
func (r *RequestBase) ShardID() cluster.ShardID { return r.shardID }

// SetShardID implements Request.
func (r *RequestBase) SetShardID(id cluster.ShardID) { r.shardID = id }

// Timeout implements Request.
func (r *RequestBase) Timeout() time.Duration { return r.timeout }

// SetTimeout overrides the routing retry budget.
func (r *RequestBase) SetTimeout(d time.Duration) { r.timeout = d }

// WaitForActiveShards implements Request.
func (r *RequestBase) WaitForActiveShards() cluster.ActiveShardCount { return r.waitForActiveShards }

// SetWaitForActiveShards implements Request.
func (r *RequestBase) SetWaitForActiveShards(c cluster.ActiveShardCount) { r.waitForActiveShards = c }

// PrimaryTerm implements Request.
func (r *RequestBase) PrimaryTerm() uint64 { return r.primaryTerm }

// SetPrimaryTerm implements Request.
func (r *RequestBase) SetPrimaryTerm(term uint64) { r.primaryTerm = term }

// RoutedBasedOnClusterVersion implements Request.
func (r *RequestBase) RoutedBasedOnClusterVersion() int64 { return r.routedBasedOnClusterVersion }

// SetRoutedBasedOnClusterVersion implements Request.
func (r *RequestBase) SetRoutedBasedOnClusterVersion(v int64) { r.routedBasedOnClusterVersion = v }

// OnRetry implements Request.
func (r *RequestBase) OnRetry() { atomic.AddInt32(&r.retries, 1) }

// Retries implements Request.
func (r *RequestBase) Retries() int { return int(atomic.LoadInt32(&r.retries)) }

// Description implements Request.
func (r *RequestBase) Description() string {
	return fmt.Sprintf("request for index [%s] shard %s", r.index, r.shardID)
}

// EncodeBase writes the bookkeeping fields. On protocols that carry the
// primary term on the request envelope the inner request omits it.
func (r *RequestBase) EncodeBase(w *wire.Writer) error {
	w.WriteString(r.index)
	w.WriteString(r.shardID.Index)
	w.WriteString(r.shardID.IndexUUID)
	w.WriteInt64(int64(r.shardID.Num))
	w.WriteInt64(int64(r.timeout))
	w.WriteInt64(int64(r.waitForActiveShards))
	w.WriteInt64(r.routedBasedOnClusterVersion)
	if w.Version().Before(version.ProtocolTermInEnvelope) {
		w.WriteUint64(r.primaryTerm)
	}
	return nil
}

// DecodeBase is the inverse of EncodeBase.
func (r *RequestBase) DecodeBase(rd *wire.Reader) error {
	var err error
	if r.index, err = rd.ReadString(); err != nil {
		return err
	}
	if r.shardID.Index, err = rd.ReadString(); err != nil {
		return err
	}
	if r.shardID.IndexUUID, err = rd.ReadString(); err != nil {
		return err
	}
	num, err := rd.ReadInt64()
	if err != nil {
		return err
	}
	r.shardID.Num = int(num)
	timeout, err := rd.ReadInt64()
	if err != nil {
		return err
	}
	r.timeout = time.Duration(timeout)
	wait, err := rd.ReadInt64()
	if err != nil {
		return err
	}
	r.waitForActiveShards = cluster.ActiveShardCount(wait)
	if r.routedBasedOnClusterVersion, err = rd.ReadInt64(); err != nil {
		return err
	}
	if rd.Version().Before(version.ProtocolTermInEnvelope) {
		if r.primaryTerm, err = rd.ReadUint64(); err != nil {
			return err
		}
	}
	return nil
}
