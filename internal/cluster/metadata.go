package cluster

import "fmt"

// IndexState is the administrative state of an index.
type IndexState uint8

const (
	// IndexOpen means the index accepts reads and writes.
	IndexOpen IndexState = iota
	// IndexClosed means the index rejects all operations until reopened.
	IndexClosed
)

// ActiveShardCount expresses how many active copies of a shard must be
// available before a write proceeds.
type ActiveShardCount int

const (
	// ActiveShardsDefault means the request did not specify a count and the
	// index setting applies. Requests must be resolved before routing.
	ActiveShardsDefault ActiveShardCount = -2
	// ActiveShardsAll requires every configured copy to be active.
	ActiveShardsAll ActiveShardCount = -1
	// ActiveShardsNone waits for no copies.
	ActiveShardsNone ActiveShardCount = 0
	// ActiveShardsOne requires only the primary.
	ActiveShardsOne ActiveShardCount = 1
)

func (c ActiveShardCount) String() string {
	switch c {
	case ActiveShardsDefault:
		return "default"
	case ActiveShardsAll:
		return "all"
	default:
		return fmt.Sprintf("%d", int(c))
	}
}

// Resolve replaces the default marker with the given index setting.
func (c ActiveShardCount) Resolve(indexSetting ActiveShardCount) ActiveShardCount {
	if c == ActiveShardsDefault {
		return indexSetting
	}
	return c
}

// Enough reports whether the shard has the required number of active copies.
func (c ActiveShardCount) Enough(t ShardRoutingTable) bool {
	switch c {
	case ActiveShardsDefault:
		// the caller must resolve the count before checking
		return false
	case ActiveShardsNone:
		return true
	case ActiveShardsAll:
		return t.ActiveShardCount() == len(t.Shards)
	default:
		return t.ActiveShardCount() >= int(c)
	}
}

// IndexMetadata carries the per-index settings the replication layer needs.
type IndexMetadata struct {
	Name  string
	UUID  string
	State IndexState
	// NumberOfShards and NumberOfReplicas describe the configured layout.
	NumberOfShards   int
	NumberOfReplicas int
	// PrimaryTerms holds the current primary term of each shard, indexed by
	// shard number. The master increments a term on every primary promotion.
	PrimaryTerms []uint64
	// WaitForActiveShards is the index default applied to requests that do
	// not specify their own count.
	WaitForActiveShards ActiveShardCount
	// ShadowReplicas marks an index whose replicas read from shared storage
	// and therefore skip data replication.
	ShadowReplicas bool
	// InSyncAllocationIDs tracks, per shard number, the allocation ids the
	// master considers in sync with the primary.
	InSyncAllocationIDs map[int][]string
	// Aliases are alternate names requests may address the index by.
	Aliases []string
}

// InSyncAllocations returns the in-sync allocation ids of the numbered
// shard.
func (m IndexMetadata) InSyncAllocations(shardNum int) []string {
	return m.InSyncAllocationIDs[shardNum]
}

// PrimaryTerm returns the primary term of the numbered shard.
func (m IndexMetadata) PrimaryTerm(shardNum int) uint64 {
	if shardNum < 0 || shardNum >= len(m.PrimaryTerms) {
		return 0
	}
	return m.PrimaryTerms[shardNum]
}

// Metadata is the cluster-level view of all index settings.
type Metadata struct {
	indices map[string]IndexMetadata
}

// NewMetadata builds cluster metadata from index entries.
func NewMetadata(indices ...IndexMetadata) Metadata {
	m := make(map[string]IndexMetadata, len(indices))
	for _, idx := range indices {
		m[idx.Name] = idx
	}
	return Metadata{indices: m}
}

// Index looks up the metadata of a named index.
func (m Metadata) Index(name string) (IndexMetadata, bool) {
	idx, ok := m.indices[name]
	return idx, ok
}

// ResolveIndex resolves an index name or alias to its metadata. An alias
// naming more than one index does not resolve: a write needs exactly one
// concrete target.
func (m Metadata) ResolveIndex(name string) (IndexMetadata, bool) {
	if idx, ok := m.indices[name]; ok {
		return idx, true
	}

	var found IndexMetadata
	matches := 0
	for _, idx := range m.indices {
		for _, alias := range idx.Aliases {
			if alias == name {
				found = idx
				matches++
				break
			}
		}
	}
	if matches != 1 {
		return IndexMetadata{}, false
	}
	return found, true
}

// Indices returns all index metadata entries. The order is unspecified.
func (m Metadata) Indices() []IndexMetadata {
	indices := make([]IndexMetadata, 0, len(m.indices))
	for _, idx := range m.indices {
		indices = append(indices, idx)
	}
	return indices
}
