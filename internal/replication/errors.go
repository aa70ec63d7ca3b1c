package replication

import (
	"errors"
	"fmt"
	"time"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/shard"
	"gitlab.com/gitlab-org/indexd/internal/shardstate"
	"gitlab.com/gitlab-org/indexd/internal/transport"
)

// IndexNotFoundError reports a request aimed at an index the observed
// cluster state does not contain. Retryable: the index may simply not have
// propagated to this node's state yet.
type IndexNotFoundError struct {
	Index string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("no such index [%s]", e.Index)
}

// IndexClosedError reports a request aimed at a closed index. Not
// retryable; the index stays closed until an operator reopens it.
type IndexClosedError struct {
	Index string
}

func (e *IndexClosedError) Error() string {
	return fmt.Sprintf("index [%s] is closed", e.Index)
}

// UnavailableShardsError reports that the target shard has no usable
// primary, or too few active copies. Retryable.
type UnavailableShardsError struct {
	ShardID cluster.ShardID
	Msg     string
	Timeout time.Duration
}

func (e *UnavailableShardsError) Error() string {
	return fmt.Sprintf("%s %s, timeout [%s]", e.ShardID, e.Msg, e.Timeout)
}

// ShardNotFoundError reports that the addressed shard copy does not exist
// on the receiving node in the expected incarnation, e.g. the allocation id
// or primary term did not match.
type ShardNotFoundError struct {
	ShardID cluster.ShardID
	Msg     string
}

func (e *ShardNotFoundError) Error() string {
	return fmt.Sprintf("%s shard not found: %s", e.ShardID, e.Msg)
}

// NodeClosedError reports that the node shut down while the request was in
// flight.
type NodeClosedError struct {
	NodeID string
}

func (e *NodeClosedError) Error() string {
	return fmt.Sprintf("node [%s] is closed", e.NodeID)
}

// RetryOnPrimaryError signals that the primary-side attempt hit a transient
// condition and the whole request should be rerouted once the cluster state
// changes, e.g. the local copy turned out to be a replica, or the primary
// was demoted mid-replication.
type RetryOnPrimaryError struct {
	ShardID cluster.ShardID
	Msg     string
}

func (e *RetryOnPrimaryError) Error() string {
	return fmt.Sprintf("%s retry on primary: %s", e.ShardID, e.Msg)
}

// RetryOnReplicaError signals that the replica-side operation cannot run
// yet, e.g. the replica's mapping is behind the primary's, and should be
// re-dispatched after the next cluster state change.
type RetryOnReplicaError struct {
	ShardID cluster.ShardID
	Msg     string
}

func (e *RetryOnReplicaError) Error() string {
	return fmt.Sprintf("%s retry on replica: %s", e.ShardID, e.Msg)
}

// isShardNotAvailable matches the error kinds that mean "this shard copy
// cannot serve the request right now, but a future cluster state may fix
// that". The routing retry loop uses the set through retryPrimary.
func isShardNotAvailable(err error) bool {
	var (
		shardNotFound *ShardNotFoundError
		indexNotFound *IndexNotFoundError
		unavailable   *UnavailableShardsError
		termTooOld    *shard.OperationTermTooOldError
	)
	return errors.As(err, &shardNotFound) ||
		errors.As(err, &indexNotFound) ||
		errors.As(err, &unavailable) ||
		errors.As(err, &termTooOld)
}

// retryPrimary reports whether a failure from the primary endpoint should
// send the request back through the routing retry loop.
func retryPrimary(err error) bool {
	var retryOnPrimary *RetryOnPrimaryError
	return errors.As(err, &retryOnPrimary) || isShardNotAvailable(err)
}

// isRetryableRouteFailure classifies a failure of a routed send: connect
// problems and node shutdowns are always worth a retry, and primary-side
// sends additionally retry the shard-not-available kinds.
func isRetryableRouteFailure(err error, isPrimaryAction bool) bool {
	var (
		connect    *transport.ConnectError
		nodeClosed *NodeClosedError
	)
	if errors.As(err, &connect) || errors.As(err, &nodeClosed) {
		return true
	}
	return isPrimaryAction && retryPrimary(err)
}

// isPrimaryDemoted reports whether a failure-report response demoted the
// reporting primary.
func isPrimaryDemoted(err error) bool {
	var demoted *shardstate.NoLongerPrimaryError
	return errors.As(err, &demoted)
}
