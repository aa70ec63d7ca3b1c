package cluster

import "fmt"

// RoutingState is the lifecycle state of one shard copy as recorded in the
// routing table.
type RoutingState uint8

const (
	// Unassigned means the copy is not allocated to any node.
	Unassigned RoutingState = iota
	// Initializing means the copy is recovering on its node and not yet
	// able to serve as an active copy. Initializing copies still receive
	// replicated operations so they stay caught up.
	Initializing
	// Started means the copy is active.
	Started
	// Relocating means the copy is being moved to another node.
	Relocating
)

func (s RoutingState) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case Initializing:
		return "initializing"
	case Started:
		return "started"
	case Relocating:
		return "relocating"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ShardRouting is one routing table entry: it describes where one copy of a
// shard lives and what role it plays.
type ShardRouting struct {
	ShardID          ShardID
	Primary          bool
	State            RoutingState
	CurrentNodeID    string
	RelocatingNodeID string
	AllocationID     AllocationID
}

// Active reports whether the copy can serve operations. Both started and
// relocating copies are active; the relocation source keeps serving until
// the handoff completes.
func (r ShardRouting) Active() bool {
	return r.State == Started || r.State == Relocating
}

// Assigned reports whether the copy is allocated to a node.
func (r ShardRouting) Assigned() bool {
	return r.State != Unassigned
}

func (r ShardRouting) String() string {
	role := "replica"
	if r.Primary {
		role = "primary"
	}
	return fmt.Sprintf("%s %s [%s] on %s (aID %s)", r.ShardID, role, r.State, r.CurrentNodeID, r.AllocationID.ID)
}

// ShardRoutingTable holds every copy of a single shard.
type ShardRoutingTable struct {
	ShardID ShardID
	Shards  []ShardRouting
}

// PrimaryShard returns the primary copy, or nil if there is none.
func (t ShardRoutingTable) PrimaryShard() *ShardRouting {
	for i := range t.Shards {
		if t.Shards[i].Primary {
			return &t.Shards[i]
		}
	}
	return nil
}

// Replicas returns all non-primary copies.
func (t ShardRoutingTable) Replicas() []ShardRouting {
	var replicas []ShardRouting
	for _, s := range t.Shards {
		if !s.Primary {
			replicas = append(replicas, s)
		}
	}
	return replicas
}

// ActiveShardCount counts copies that are active.
func (t ShardRoutingTable) ActiveShardCount() int {
	count := 0
	for _, s := range t.Shards {
		if s.Active() {
			count++
		}
	}
	return count
}

// AssignedShardCount counts copies that are allocated to a node.
func (t ShardRoutingTable) AssignedShardCount() int {
	count := 0
	for _, s := range t.Shards {
		if s.Assigned() {
			count++
		}
	}
	return count
}

// RoutingTable maps shards to the copies that hold them.
type RoutingTable struct {
	shards map[ShardID]ShardRoutingTable
}

// NewRoutingTable builds a routing table from per-shard entries.
func NewRoutingTable(tables ...ShardRoutingTable) RoutingTable {
	shards := make(map[ShardID]ShardRoutingTable, len(tables))
	for _, t := range tables {
		shards[t.ShardID] = t
	}
	return RoutingTable{shards: shards}
}

// ShardRoutingTable looks up all copies of a shard. The second return value
// reports whether the shard is known to the routing table at all.
func (rt RoutingTable) ShardRoutingTable(id ShardID) (ShardRoutingTable, bool) {
	t, ok := rt.shards[id]
	return t, ok
}

// IndexShardCount returns the number of shards routed for the named index.
func (rt RoutingTable) IndexShardCount(index string) int {
	count := 0
	for id := range rt.shards {
		if id.Index == index {
			count++
		}
	}
	return count
}

// Shards returns every per-shard routing table. The order is unspecified.
func (rt RoutingTable) Shards() []ShardRoutingTable {
	tables := make([]ShardRoutingTable, 0, len(rt.shards))
	for _, t := range rt.shards {
		tables = append(tables, t)
	}
	return tables
}
