// Package admin exposes the read-only operator surface of a node: a
// routing table dump served over the cluster transport and rendered by the
// indexadm CLI.
package admin

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"

	"gitlab.com/gitlab-org/indexd/internal/cluster"
	"gitlab.com/gitlab-org/indexd/internal/transport"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// StateActionName is the transport action the routing dump travels on.
const StateActionName = "cluster:monitor/state"

// StateRequest asks a node for its observed routing table.
type StateRequest struct{}

// EncodeWire implements transport.Message.
func (StateRequest) EncodeWire(w *wire.Writer) error { return nil }

// DecodeWire implements transport.Message.
func (*StateRequest) DecodeWire(r *wire.Reader) error { return nil }

// ShardRow is one shard copy as the queried node sees it.
type ShardRow struct {
	Index        string
	Shard        int
	Role         string
	State        string
	NodeID       string
	AllocationID string
	PrimaryTerm  uint64
}

// StateResponse is a node's observed routing table.
type StateResponse struct {
	ClusterVersion int64
	Rows           []ShardRow
}

// EncodeWire implements transport.Message.
func (r *StateResponse) EncodeWire(w *wire.Writer) error {
	w.WriteInt64(r.ClusterVersion)
	w.WriteInt64(int64(len(r.Rows)))
	for _, row := range r.Rows {
		w.WriteString(row.Index)
		w.WriteInt64(int64(row.Shard))
		w.WriteString(row.Role)
		w.WriteString(row.State)
		w.WriteString(row.NodeID)
		w.WriteString(row.AllocationID)
		w.WriteUint64(row.PrimaryTerm)
	}
	return nil
}

// DecodeWire implements transport.Message.
func (r *StateResponse) DecodeWire(rd *wire.Reader) error {
	var err error
	if r.ClusterVersion, err = rd.ReadInt64(); err != nil {
		return err
	}
	count, err := rd.ReadInt64()
	if err != nil {
		return err
	}
	r.Rows = nil
	for i := int64(0); i < count; i++ {
		var row ShardRow
		if row.Index, err = rd.ReadString(); err != nil {
			return err
		}
		num, err := rd.ReadInt64()
		if err != nil {
			return err
		}
		row.Shard = int(num)
		if row.Role, err = rd.ReadString(); err != nil {
			return err
		}
		if row.State, err = rd.ReadString(); err != nil {
			return err
		}
		if row.NodeID, err = rd.ReadString(); err != nil {
			return err
		}
		if row.AllocationID, err = rd.ReadString(); err != nil {
			return err
		}
		if row.PrimaryTerm, err = rd.ReadUint64(); err != nil {
			return err
		}
		r.Rows = append(r.Rows, row)
	}
	return nil
}

// RegisterStateHandler serves the routing dump on a node's transport.
func RegisterStateHandler(t transport.Service, clusterSvc *cluster.Service) {
	t.RegisterHandler(StateActionName, transport.Handler{
		NewRequest: func() transport.Message { return &StateRequest{} },
		Handle: func(ctx context.Context, msg transport.Message) (transport.Message, error) {
			return snapshot(clusterSvc.CurrentState()), nil
		},
	})
}

func snapshot(state cluster.State) *StateResponse {
	resp := &StateResponse{ClusterVersion: state.Version}

	for _, table := range state.RoutingTable.Shards() {
		meta, _ := state.Metadata.Index(table.ShardID.Index)
		for _, entry := range table.Shards {
			role := "replica"
			if entry.Primary {
				role = "primary"
			}
			resp.Rows = append(resp.Rows, ShardRow{
				Index:        entry.ShardID.Index,
				Shard:        entry.ShardID.Num,
				Role:         role,
				State:        entry.State.String(),
				NodeID:       entry.CurrentNodeID,
				AllocationID: entry.AllocationID.ID,
				PrimaryTerm:  meta.PrimaryTerm(entry.ShardID.Num),
			})
		}
	}

	sort.Slice(resp.Rows, func(i, j int) bool {
		a, b := resp.Rows[i], resp.Rows[j]
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		if a.Shard != b.Shard {
			return a.Shard < b.Shard
		}
		return a.Role < b.Role
	})

	return resp
}

// FetchState asks the named node for its routing table.
func FetchState(ctx context.Context, t transport.Service, nodeID string) (*StateResponse, error) {
	resp := &StateResponse{}
	if err := t.Send(ctx, nodeID, StateActionName, &StateRequest{}, resp, transport.CallOptions{}); err != nil {
		return nil, err
	}
	return resp, nil
}

// Render writes the routing table as a text table.
func Render(w io.Writer, resp *StateResponse) {
	fmt.Fprintf(w, "cluster state version: %d\n", resp.ClusterVersion)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Index", "Shard", "Role", "State", "Node", "Allocation ID", "Term"})
	for _, row := range resp.Rows {
		table.Append([]string{
			row.Index,
			fmt.Sprintf("%d", row.Shard),
			row.Role,
			row.State,
			row.NodeID,
			row.AllocationID,
			fmt.Sprintf("%d", row.PrimaryTerm),
		})
	}
	table.Render()
}
