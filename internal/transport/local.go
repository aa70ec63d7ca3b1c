package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/indexd/internal/version"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

// Network is an in-memory cluster transport. Every node joined to the
// network gets a Service endpoint; messages between endpoints are serialized
// and deserialized exactly like they would be on a real wire, including the
// negotiated protocol version.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*LocalNode

	codec ErrorCodec
	log   logrus.FieldLogger
}

// NewNetwork creates an empty in-memory network.
func NewNetwork(codec ErrorCodec, log logrus.FieldLogger) *Network {
	return &Network{
		nodes: map[string]*LocalNode{},
		codec: codec,
		log:   log,
	}
}

// Join adds a node speaking the given protocol version and returns its
// endpoint.
func (n *Network) Join(nodeID string, proto version.Protocol) *LocalNode {
	node := &LocalNode{
		network:  n,
		id:       nodeID,
		proto:    proto,
		handlers: map[string]Handler{},
	}

	n.mu.Lock()
	n.nodes[nodeID] = node
	n.mu.Unlock()

	return node
}

// Leave disconnects a node. Subsequent sends to it fail with ConnectError.
func (n *Network) Leave(nodeID string) {
	n.mu.Lock()
	delete(n.nodes, nodeID)
	n.mu.Unlock()
}

func (n *Network) get(nodeID string) (*LocalNode, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	node, ok := n.nodes[nodeID]
	return node, ok
}

// LocalNode is one endpoint on an in-memory network.
type LocalNode struct {
	network *Network
	id      string
	proto   version.Protocol

	mu       sync.RWMutex
	handlers map[string]Handler
}

// LocalNodeID identifies this endpoint.
func (l *LocalNode) LocalNodeID() string { return l.id }

// RegisterHandler binds an action name to its handler.
func (l *LocalNode) RegisterHandler(action string, h Handler) {
	l.mu.Lock()
	l.handlers[action] = h
	l.mu.Unlock()
}

func (l *LocalNode) handler(action string) (Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[action]
	return h, ok
}

func negotiate(a, b version.Protocol) version.Protocol {
	if a.Before(b) {
		return a
	}
	return b
}

// Send serializes the request, runs the peer's handler, and decodes the
// reply, mirroring a remote call end to end.
func (l *LocalNode) Send(ctx context.Context, nodeID, action string, req, resp Message, opts CallOptions) error {
	peer, ok := l.network.get(nodeID)
	if !ok {
		return &ConnectError{NodeID: nodeID, Err: errors.New("node is not part of the network")}
	}

	h, ok := peer.handler(action)
	if !ok {
		return fmt.Errorf("node [%s] has no handler for action [%s]", nodeID, action)
	}

	negotiated := negotiate(l.proto, peer.proto)

	w := wire.NewWriter(negotiated)
	if err := req.EncodeWire(w); err != nil {
		return fmt.Errorf("encode request for [%s]: %w", action, err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	decoded := h.NewRequest()
	if err := decoded.DecodeWire(wire.NewReader(w.Bytes(), negotiated)); err != nil {
		return fmt.Errorf("decode request for [%s]: %w", action, err)
	}

	handlerResp, handlerErr := h.Handle(ctx, decoded)

	payload, err := encodeResult(handlerResp, handlerErr, l.network.codec, negotiated)
	if err != nil {
		return fmt.Errorf("encode result for [%s]: %w", action, err)
	}

	return decodeResult(payload, resp, l.network.codec, negotiated)
}
