package cluster

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardRoutingTableCounts(t *testing.T) {
	shardID := ShardID{Index: "docs", IndexUUID: "uuid", Num: 0}
	table := ShardRoutingTable{
		ShardID: shardID,
		Shards: []ShardRouting{
			{ShardID: shardID, Primary: true, State: Started, CurrentNodeID: "n1"},
			{ShardID: shardID, State: Initializing, CurrentNodeID: "n2"},
			{ShardID: shardID, State: Unassigned},
			{ShardID: shardID, State: Relocating, CurrentNodeID: "n3"},
		},
	}

	require.Equal(t, 2, table.ActiveShardCount())
	require.Equal(t, 3, table.AssignedShardCount())
	require.NotNil(t, table.PrimaryShard())
	require.Len(t, table.Replicas(), 3)
}

func TestActiveShardCountEnough(t *testing.T) {
	shardID := ShardID{Index: "docs", Num: 0}
	twoOfThreeActive := ShardRoutingTable{
		ShardID: shardID,
		Shards: []ShardRouting{
			{ShardID: shardID, Primary: true, State: Started},
			{ShardID: shardID, State: Started},
			{ShardID: shardID, State: Unassigned},
		},
	}

	testCases := []struct {
		desc   string
		count  ActiveShardCount
		enough bool
	}{
		{desc: "none", count: ActiveShardsNone, enough: true},
		{desc: "one", count: ActiveShardsOne, enough: true},
		{desc: "two", count: ActiveShardCount(2), enough: true},
		{desc: "three", count: ActiveShardCount(3), enough: false},
		{desc: "all with one unassigned", count: ActiveShardsAll, enough: false},
		{desc: "unresolved default", count: ActiveShardsDefault, enough: false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			require.Equal(t, tc.enough, tc.count.Enough(twoOfThreeActive))
		})
	}
}

func TestActiveShardCountResolve(t *testing.T) {
	require.Equal(t, ActiveShardsAll, ActiveShardsDefault.Resolve(ActiveShardsAll))
	require.Equal(t, ActiveShardCount(2), ActiveShardCount(2).Resolve(ActiveShardsAll))
}

func TestBlocks(t *testing.T) {
	retryable := Block{ID: 1, Description: "state not recovered", Retryable: true, Levels: []BlockLevel{BlockWrite}}
	fatal := Block{ID: 2, Description: "read only", Retryable: false, Levels: []BlockLevel{BlockWrite, BlockMetadataWrite}}

	blocks := Blocks{
		Global: []Block{retryable},
		Indices: map[string][]Block{
			"docs": {fatal},
		},
	}

	require.NoError(t, blocks.GlobalBlocked(BlockLevelNone))
	require.NoError(t, blocks.GlobalBlocked(BlockRead))

	err := blocks.GlobalBlocked(BlockWrite)
	require.Error(t, err)
	var blockErr *BlockError
	require.True(t, errors.As(err, &blockErr))
	require.True(t, blockErr.Retryable())

	err = blocks.IndexBlocked(BlockWrite, "docs")
	require.Error(t, err)
	require.True(t, errors.As(err, &blockErr))
	// one non-retryable block makes the rejection final
	require.False(t, blockErr.Retryable())

	require.NoError(t, blocks.IndexBlocked(BlockRead, "docs"))
}

func TestNodes(t *testing.T) {
	nodes := NewNodes("n1",
		Node{ID: "n1", Address: "localhost:1"},
		Node{ID: "n2", Address: "localhost:2"},
	).WithMasterID("n2")

	require.Equal(t, "n1", nodes.LocalNodeID())
	require.Equal(t, "n2", nodes.MasterNodeID())
	require.True(t, nodes.Exists("n2"))
	require.False(t, nodes.Exists("n3"))
	require.Len(t, nodes.All(), 2)
}

func TestMetadataResolveIndex(t *testing.T) {
	meta := NewMetadata(
		IndexMetadata{Name: "docs", Aliases: []string{"docs-write", "shared"}},
		IndexMetadata{Name: "logs", Aliases: []string{"shared"}},
	)

	t.Run("concrete name", func(t *testing.T) {
		idx, ok := meta.ResolveIndex("docs")
		require.True(t, ok)
		require.Equal(t, "docs", idx.Name)
	})

	t.Run("alias", func(t *testing.T) {
		idx, ok := meta.ResolveIndex("docs-write")
		require.True(t, ok)
		require.Equal(t, "docs", idx.Name)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, ok := meta.ResolveIndex("missing")
		require.False(t, ok)
	})

	t.Run("ambiguous alias does not resolve", func(t *testing.T) {
		_, ok := meta.ResolveIndex("shared")
		require.False(t, ok)
	})
}

func TestMetadataPrimaryTerm(t *testing.T) {
	meta := IndexMetadata{Name: "docs", PrimaryTerms: []uint64{3, 7}}

	require.Equal(t, uint64(3), meta.PrimaryTerm(0))
	require.Equal(t, uint64(7), meta.PrimaryTerm(1))
	require.Equal(t, uint64(0), meta.PrimaryTerm(2))
	require.Equal(t, uint64(0), meta.PrimaryTerm(-1))
}
