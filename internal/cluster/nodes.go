package cluster

import "gitlab.com/gitlab-org/indexd/internal/version"

// Node describes one cluster member.
type Node struct {
	ID      string
	Name    string
	Address string
	// Protocol is the wire protocol version the node speaks. Mixed-version
	// clusters exist during rolling upgrades.
	Protocol version.Protocol
}

// Nodes is the membership view of a cluster state.
type Nodes struct {
	localID  string
	masterID string
	byID     map[string]Node
}

// NewNodes builds a membership view. localID names the node whose process
// holds this state.
func NewNodes(localID string, nodes ...Node) Nodes {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	return Nodes{localID: localID, byID: byID}
}

// LocalNodeID returns the id of the node holding this state.
func (n Nodes) LocalNodeID() string { return n.localID }

// MasterNodeID returns the id of the elected master, or "" when none is
// known.
func (n Nodes) MasterNodeID() string { return n.masterID }

// WithMasterID returns a copy of the view with the elected master set.
func (n Nodes) WithMasterID(id string) Nodes {
	n.masterID = id
	return n
}

// LocalNode returns the local node's entry.
func (n Nodes) LocalNode() Node { return n.byID[n.localID] }

// Get looks up a node by id.
func (n Nodes) Get(id string) (Node, bool) {
	node, ok := n.byID[id]
	return node, ok
}

// Exists reports whether a node id is part of the cluster.
func (n Nodes) Exists(id string) bool {
	_, ok := n.byID[id]
	return ok
}

// All returns every known node. The order is unspecified.
func (n Nodes) All() []Node {
	nodes := make([]Node, 0, len(n.byID))
	for _, node := range n.byID {
		nodes = append(nodes, node)
	}
	return nodes
}
