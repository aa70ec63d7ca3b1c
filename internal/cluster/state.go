package cluster

// State is one versioned, immutable snapshot of cluster topology and
// metadata. Holders must treat it as read-only; the service publishes a new
// snapshot for every change.
type State struct {
	// Version increases with every published state. Requests record the
	// version they were routed on to break rerouting loops between nodes
	// with diverging views.
	Version      int64
	Nodes        Nodes
	Metadata     Metadata
	RoutingTable RoutingTable
	Blocks       Blocks
}

// WithVersion returns a copy of the state at the given version; snapshots
// already handed out are not affected.
func (s State) WithVersion(version int64) State {
	s.Version = version
	return s
}
