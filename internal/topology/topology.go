// Package topology builds the initial cluster state and the node-local
// shard registry from static configuration. Dynamic topology (gossip,
// elections, reallocation) is owned by the cluster coordination service;
// this package only seeds it.
package topology

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/config"
	"gitlab.com/gitlab-org/indexd/internal/shard"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/version"
)

// initialPrimaryTerm is the term every shard starts its first reign with.
const initialPrimaryTerm = 1

// IndexUUID derives the stable uuid of an index incarnation. Every node
// derives the same uuid from the same configuration.
func IndexUUID(indexName string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("indexd:index:"+indexName)).String()
}

// allocationID derives the stable allocation id of one shard copy on one
// node.
func allocationID(indexName string, shardNum int, nodeID string) string {
	key := fmt.Sprintf("indexd:allocation:%s:%d:%s", indexName, shardNum, nodeID)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// BuildState derives the initial cluster state from configuration: shard
// copies are laid out round-robin over the node list, every copy starts
// started and in sync, and the lowest node id is the master.
func BuildState(conf config.Config) (cluster.State, error) {
	nodeIDs := make([]string, 0, len(conf.Nodes))
	nodes := make([]cluster.Node, 0, len(conf.Nodes))
	for _, n := range conf.Nodes {
		nodeIDs = append(nodeIDs, n.ID)
		nodes = append(nodes, cluster.Node{
			ID:       n.ID,
			Name:     n.Name,
			Address:  n.Address,
			Protocol: version.CurrentProtocol,
		})
	}
	sort.Strings(nodeIDs)

	var indices []cluster.IndexMetadata
	var tables []cluster.ShardRoutingTable

	for _, index := range conf.Indices {
		waitSetting, err := config.ParseWaitForActiveShards(index.WaitForActiveShards)
		if err != nil {
			return cluster.State{}, err
		}

		meta := cluster.IndexMetadata{
			Name:                index.Name,
			UUID:                IndexUUID(index.Name),
			State:               cluster.IndexOpen,
			NumberOfShards:      index.Shards,
			NumberOfReplicas:    index.Replicas,
			PrimaryTerms:        make([]uint64, index.Shards),
			WaitForActiveShards: cluster.ActiveShardCount(waitSetting),
			ShadowReplicas:      index.ShadowReplicas,
			InSyncAllocationIDs: map[int][]string{},
			Aliases:             index.Aliases,
		}

		for num := 0; num < index.Shards; num++ {
			meta.PrimaryTerms[num] = initialPrimaryTerm

			shardID := cluster.ShardID{Index: index.Name, IndexUUID: meta.UUID, Num: num}
			table := cluster.ShardRoutingTable{ShardID: shardID}

			copies := index.Replicas + 1
			if copies > len(nodeIDs) {
				copies = len(nodeIDs)
			}
			for c := 0; c < copies; c++ {
				nodeID := nodeIDs[(num+c)%len(nodeIDs)]
				aid := allocationID(index.Name, num, nodeID)
				table.Shards = append(table.Shards, cluster.ShardRouting{
					ShardID:       shardID,
					Primary:       c == 0,
					State:         cluster.Started,
					CurrentNodeID: nodeID,
					AllocationID:  cluster.AllocationID{ID: aid},
				})
				meta.InSyncAllocationIDs[num] = append(meta.InSyncAllocationIDs[num], aid)
			}

			tables = append(tables, table)
		}

		indices = append(indices, meta)
	}

	return cluster.State{
		Version:      1,
		Nodes:        cluster.NewNodes(conf.NodeID, nodes...).WithMasterID(nodeIDs[0]),
		Metadata:     cluster.NewMetadata(indices...),
		RoutingTable: cluster.NewRoutingTable(tables...),
	}, nil
}

// LocalShards creates the shard copies this node hosts according to the
// state's routing table.
func LocalShards(state cluster.State, onFailure shard.FailureHandler, log logrus.FieldLogger) *shard.Registry {
	registry := shard.NewRegistry()
	localID := state.Nodes.LocalNodeID()

	for _, table := range state.RoutingTable.Shards() {
		for _, entry := range table.Shards {
			if entry.CurrentNodeID != localID {
				continue
			}
			term := uint64(0)
			if meta, ok := state.Metadata.Index(entry.ShardID.Index); ok {
				term = meta.PrimaryTerm(entry.ShardID.Num)
			}
			registry.Add(shard.NewShard(entry, term, onFailure, log))
		}
	}

	return registry
}

// PeerResolverFromState resolves transport peers from the current cluster
// state.
func PeerResolverFromState(current func() cluster.State) transport.PeerResolver {
	return func(nodeID string) (transport.Peer, bool) {
		node, ok := current().Nodes.Get(nodeID)
		if !ok {
			return transport.Peer{}, false
		}
		return transport.Peer{Address: node.Address, Protocol: node.Protocol}, true
	}
}
