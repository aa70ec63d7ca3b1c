package indexsvc

import (
	"hash/fnv"

	"gitlab.com/gitlab-org/indexd/internal/replication"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// routeDocID maps a document id onto one of the index's shards.
func routeDocID(docID string, numberOfShards int) int {
	if numberOfShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(docID))
	return int(h.Sum32() % uint32(numberOfShards))
}

// WriteRequest indexes one document.
type WriteRequest struct {
	replication.RequestBase
	DocID string
	Doc   []byte
}

// NewWriteRequest creates a write request against the named index.
func NewWriteRequest(index, docID string, doc []byte) *WriteRequest {
	return &WriteRequest{
		RequestBase: replication.NewRequestBase(index),
		DocID:       docID,
		Doc:         doc,
	}
}

// EncodeWire implements transport.Message.
func (r *WriteRequest) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteString(r.DocID)
	w.WriteBytes(r.Doc)
	return nil
}

// DecodeWire implements transport.Message.
func (r *WriteRequest) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	var err error
	if r.DocID, err = rd.ReadString(); err != nil {
		return err
	}
	if r.Doc, err = rd.ReadBytes(); err != nil {
		return err
	}
	return nil
}

// WriteResponse reports one indexed document.
type WriteResponse struct {
	replication.ResponseBase
	Created bool
}

// EncodeWire implements transport.Message.
func (r *WriteResponse) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteBool(r.Created)
	return nil
}

// DecodeWire implements transport.Message.
func (r *WriteResponse) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	var err error
	r.Created, err = rd.ReadBool()
	return err
}

// DeleteRequest removes one document.
type DeleteRequest struct {
	replication.RequestBase
	DocID string
}

// NewDeleteRequest creates a delete request against the named index.
func NewDeleteRequest(index, docID string) *DeleteRequest {
	return &DeleteRequest{
		RequestBase: replication.NewRequestBase(index),
		DocID:       docID,
	}
}

// EncodeWire implements transport.Message.
func (r *DeleteRequest) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteString(r.DocID)
	return nil
}

// DecodeWire implements transport.Message.
func (r *DeleteRequest) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	var err error
	r.DocID, err = rd.ReadString()
	return err
}

// DeleteResponse reports one removed document.
type DeleteResponse struct {
	replication.ResponseBase
	Found bool
}

// EncodeWire implements transport.Message.
func (r *DeleteResponse) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteBool(r.Found)
	return nil
}

// DecodeWire implements transport.Message.
func (r *DeleteResponse) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	var err error
	r.Found, err = rd.ReadBool()
	return err
}

// Bulk item operation kinds.
const (
	BulkOpIndex uint8 = iota
	BulkOpDelete
)

// BulkItem is one operation of a bulk request. All items of one bulk
// request target the same shard; splitting a client bulk by shard happens
// upstream.
type BulkItem struct {
	Op    uint8
	DocID string
	Doc   []byte
}

// BulkRequest applies several operations to one shard in a single
// replicated round.
type BulkRequest struct {
	replication.RequestBase
	Items []BulkItem
}

// NewBulkRequest creates a bulk request against the named index.
func NewBulkRequest(index string, items []BulkItem) *BulkRequest {
	return &BulkRequest{
		RequestBase: replication.NewRequestBase(index),
		Items:       items,
	}
}

// EncodeWire implements transport.Message.
func (r *BulkRequest) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteInt64(int64(len(r.Items)))
	for _, item := range r.Items {
		w.WriteUint64(uint64(item.Op))
		w.WriteString(item.DocID)
		w.WriteBytes(item.Doc)
	}
	return nil
}

// DecodeWire implements transport.Message.
func (r *BulkRequest) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	count, err := rd.ReadInt64()
	if err != nil {
		return err
	}
	r.Items = nil
	for i := int64(0); i < count; i++ {
		var item BulkItem
		op, err := rd.ReadUint64()
		if err != nil {
			return err
		}
		item.Op = uint8(op)
		if item.DocID, err = rd.ReadString(); err != nil {
			return err
		}
		if item.Doc, err = rd.ReadBytes(); err != nil {
			return err
		}
		r.Items = append(r.Items, item)
	}
	return nil
}

// BulkItemResult is the per-item outcome of a bulk request.
type BulkItemResult struct {
	Created bool
	Found   bool
}

// BulkResponse reports the per-item outcomes of a bulk request.
type BulkResponse struct {
	replication.ResponseBase
	Results []BulkItemResult
}

// EncodeWire implements transport.Message.
func (r *BulkResponse) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteInt64(int64(len(r.Results)))
	for _, result := range r.Results {
		w.WriteBool(result.Created)
		w.WriteBool(result.Found)
	}
	return nil
}

// DecodeWire implements transport.Message.
func (r *BulkResponse) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	count, err := rd.ReadInt64()
	if err != nil {
		return err
	}
	r.Results = nil
	for i := int64(0); i < count; i++ {
		var result BulkItemResult
		if result.Created, err = rd.ReadBool(); err != nil {
			return err
		}
		if result.Found, err = rd.ReadBool(); err != nil {
			return err
		}
		r.Results = append(r.Results, result)
	}
	return nil
}

// RefreshRequest makes buffered writes of one shard visible on every copy.
type RefreshRequest struct {
	replication.RequestBase
	ShardNum int
}

// NewRefreshRequest creates a refresh request for one shard of the named
// index.
func NewRefreshRequest(index string, shardNum int) *RefreshRequest {
	return &RefreshRequest{
		RequestBase: replication.NewRequestBase(index),
		ShardNum:    shardNum,
	}
}

// EncodeWire implements transport.Message.
func (r *RefreshRequest) EncodeWire(w *wire.Writer) error {
	if err := r.EncodeBase(w); err != nil {
		return err
	}
	w.WriteInt64(int64(r.ShardNum))
	return nil
}

// DecodeWire implements transport.Message.
func (r *RefreshRequest) DecodeWire(rd *wire.Reader) error {
	if err := r.DecodeBase(rd); err != nil {
		return err
	}
	num, err := rd.ReadInt64()
	if err != nil {
		return err
	}
	r.ShardNum = int(num)
	return nil
}

// RefreshResponse acknowledges a refresh.
type RefreshResponse struct {
	replication.ResponseBase
}

// EncodeWire implements transport.Message.
func (r *RefreshResponse) EncodeWire(w *wire.Writer) error { return r.EncodeBase(w) }

// DecodeWire implements transport.Message.
func (r *RefreshResponse) DecodeWire(rd *wire.Reader) error { return r.DecodeBase(rd) }
