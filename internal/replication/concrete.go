package replication

import (
	"fmt"

	"gitlab.com/gitlab-org/indexd/internal/version"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// ConcreteShardRequest addresses an inner request to one specific
// incarnation of a shard copy: the receiver rejects it unless both the
// allocation id and the primary term match its own.
type ConcreteShardRequest struct {
	TargetAllocationID string
	PrimaryTerm        uint64
	Request            Request

	// newRequest allocates the inner request when decoding.
	newRequest func() Request
}

// NewConcreteShardRequest wraps a request for one shard copy. The inner
// request also carries the term, for peers whose protocol predates the
// envelope field.
func NewConcreteShardRequest(req Request, targetAllocationID string, primaryTerm uint64) *ConcreteShardRequest {
	req.SetPrimaryTerm(primaryTerm)
	return &ConcreteShardRequest{
		TargetAllocationID: targetAllocationID,
		PrimaryTerm:        primaryTerm,
		Request:            req,
	}
}

// NewConcreteShardRequestDecoder allocates an empty envelope whose inner
// request is built by newRequest, for handler registration.
func NewConcreteShardRequestDecoder(newRequest func() Request) func() *ConcreteShardRequest {
	return func() *ConcreteShardRequest {
		return &ConcreteShardRequest{newRequest: newRequest}
	}
}

func (c *ConcreteShardRequest) String() string {
	return fmt.Sprintf("%s for aID [%s] and term [%d]", c.Request.Description(), c.TargetAllocationID, c.PrimaryTerm)
}

// EncodeWire implements transport.Message.
func (c *ConcreteShardRequest) EncodeWire(w *wire.Writer) error {
	w.WriteString(c.TargetAllocationID)
	if w.Version().OnOrAfter(version.ProtocolTermInEnvelope) {
		w.WriteUint64(c.PrimaryTerm)
	} else if c.Request.PrimaryTerm() != c.PrimaryTerm {
		// pre-envelope peers read the term from the inner request; the two
		// fields must agree
		return fmt.Errorf("term on inner replication request not properly set: %d != %d",
			c.Request.PrimaryTerm(), c.PrimaryTerm)
	}
	return c.Request.EncodeWire(w)
}

// DecodeWire implements transport.Message.
func (c *ConcreteShardRequest) DecodeWire(r *wire.Reader) error {
	var err error
	if c.TargetAllocationID, err = r.ReadString(); err != nil {
		return err
	}
	if r.Version().OnOrAfter(version.ProtocolTermInEnvelope) {
		if c.PrimaryTerm, err = r.ReadUint64(); err != nil {
			return err
		}
	}
	if c.Request == nil {
		if c.newRequest == nil {
			return fmt.Errorf("concrete shard request has no inner request factory")
		}
		c.Request = c.newRequest()
	}
	if err := c.Request.DecodeWire(r); err != nil {
		return err
	}
	if r.Version().Before(version.ProtocolTermInEnvelope) {
		c.PrimaryTerm = c.Request.PrimaryTerm()
	}
	return nil
}
