// Package transport provides the typed request/response channel the
// replication layer sends its messages over. Two implementations exist: an
// in-memory network for tests and single-process clusters, and a grpc-backed
// one for real deployments. Both serialize every message, so a request
// never crosses node boundaries by reference.
package transport

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/gitlab-org/indexd/internal/version"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// Message is any value that can cross the transport.
type Message interface {
	EncodeWire(w *wire.Writer) error
	DecodeWire(r *wire.Reader) error
}

// Handler serves one registered action.
type Handler struct {
	// NewRequest allocates an empty request for decoding.
	NewRequest func() Message
	// Handle executes the action and returns the response.
	Handle func(ctx context.Context, req Message) (Message, error)
}

// CallOptions tune a single Send.
type CallOptions struct {
	// Timeout bounds the call. Zero means no transport-level timeout.
	Timeout time.Duration
}

// Service is one node's endpoint on the cluster transport.
type Service interface {
	// RegisterHandler binds an action name to its handler. Registration
	// happens during setup, before any Send.
	RegisterHandler(action string, h Handler)
	// Send delivers a request to the named node and decodes the reply into
	// resp. A typed error crossing the wire is reconstructed through the
	// configured ErrorCodec.
	Send(ctx context.Context, nodeID, action string, req, resp Message, opts CallOptions) error
	// LocalNodeID identifies this endpoint.
	LocalNodeID() string
}

// ErrorCodec serializes typed errors across the transport so failure
// classification survives node boundaries. Implementations must fall back
// to a generic representation for unknown error types.
type ErrorCodec interface {
	Encode(w *wire.Writer, err error)
	Decode(r *wire.Reader) error
}

// ConnectError reports that a node could not be reached at all. The
// replication layer treats it as retryable: the node may be restarting or
// the routing view may be stale.
type ConnectError struct {
	NodeID string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to node [%s]: %v", e.NodeID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

const (
	statusOK byte = iota
	statusError
)

// encodeResult frames a handler outcome: a status byte followed by either
// the response message or the encoded error.
func encodeResult(resp Message, handlerErr error, codec ErrorCodec, v version.Protocol) ([]byte, error) {
	w := wire.NewWriter(v)
	if handlerErr != nil {
		w.WriteUint64(uint64(statusError))
		codec.Encode(w, handlerErr)
		return w.Bytes(), nil
	}
	w.WriteUint64(uint64(statusOK))
	if resp != nil {
		if err := resp.EncodeWire(w); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// decodeResult is the inverse of encodeResult. A nil return means the
// response was decoded into resp; a non-nil return is the reconstructed
// remote error.
func decodeResult(payload []byte, resp Message, codec ErrorCodec, v version.Protocol) error {
	r := wire.NewReader(payload, v)
	status, err := r.ReadUint64()
	if err != nil {
		return fmt.Errorf("decode result status: %w", err)
	}
	switch byte(status) {
	case statusOK:
		if resp == nil || r.Remaining() == 0 {
			return nil
		}
		if err := resp.DecodeWire(r); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case statusError:
		return codec.Decode(r)
	default:
		return fmt.Errorf("unknown result status %d", status)
	}
}
