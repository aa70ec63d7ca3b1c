package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	indexdlog "gitlab.com/gitlab-org/indexd/internal/log"
	"gitlab.com/gitlab-org/indexd/internal/middleware/sentryhandler"
	"gitlab.com/gitlab-org/indexd/internal/version"
	"gitlab.com/gitlab-org/indexd/internal/wire"
)

const (
	callMethod  = "/indexd.Transport/Call"
	actionKey   = "indexd-action"
	protocolKey = "indexd-protocol"

	dialRetries = 3
	dialDelay   = 100 * time.Millisecond
)

// Peer describes a remote node's transport endpoint.
type Peer struct {
	Address  string
	Protocol version.Protocol
}

// PeerResolver maps node ids to endpoints. Implementations normally consult
// the current cluster state.
type PeerResolver func(nodeID string) (Peer, bool)

// GRPC is the grpc-backed transport endpoint of one node.
type GRPC struct {
	localID  string
	proto    version.Protocol
	resolver PeerResolver
	codec    ErrorCodec
	log      *logrus.Entry

	mu       sync.Mutex
	handlers map[string]Handler
	conns    *lru.Cache
}

// connCacheSize bounds the client connection cache; evicted connections are
// closed. Clusters are far smaller than this in practice.
const connCacheSize = 128

// NewGRPC creates a grpc transport endpoint.
func NewGRPC(localID string, proto version.Protocol, resolver PeerResolver, codec ErrorCodec, log *logrus.Entry) *GRPC {
	conns, _ := lru.NewWithEvict(connCacheSize, func(key, value interface{}) {
		if err := value.(*grpc.ClientConn).Close(); err != nil {
			log.WithError(err).WithField(indexdlog.NodeField, key).Warn("closing evicted connection")
		}
	})
	return &GRPC{
		localID:  localID,
		proto:    proto,
		resolver: resolver,
		codec:    codec,
		log:      log,
		handlers: map[string]Handler{},
		conns:    conns,
	}
}

// LocalNodeID identifies this endpoint.
func (g *GRPC) LocalNodeID() string { return g.localID }

// RegisterHandler binds an action name to its handler.
func (g *GRPC) RegisterHandler(action string, h Handler) {
	g.mu.Lock()
	g.handlers[action] = h
	g.mu.Unlock()
}

func (g *GRPC) handler(action string) (Handler, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handlers[action]
	return h, ok
}

// NewServer returns a grpc server with the transport service and the
// standard interceptor chain configured.
func (g *GRPC) NewServer() *grpc.Server {
	server := grpc.NewServer(
		grpc.CustomCodec(Codec()),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_prometheus.StreamServerInterceptor,
			sentryhandler.StreamLogHandler,
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_prometheus.UnaryServerInterceptor,
			grpc_logrus.UnaryServerInterceptor(g.log),
			sentryhandler.UnaryLogHandler,
		)),
	)
	server.RegisterService(&transportServiceDesc, g)
	return server
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: "indexd.Transport",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := &frame{}
	if err := dec(in); err != nil {
		return nil, err
	}
	g := srv.(*GRPC)
	if interceptor == nil {
		return g.call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return g.call(ctx, req.(*frame))
	}
	return interceptor(ctx, in, info, handler)
}

func (g *GRPC) call(ctx context.Context, in *frame) (*frame, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	action := firstValue(md, actionKey)
	if action == "" {
		return nil, status.Error(codes.InvalidArgument, "missing action metadata")
	}

	peerProto := g.proto
	if raw := firstValue(md, protocolKey); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "malformed protocol metadata: %v", err)
		}
		peerProto = version.Protocol(parsed)
	}
	negotiated := negotiate(g.proto, peerProto)

	h, ok := g.handler(action)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "no handler for action [%s]", action)
	}

	req := h.NewRequest()
	if err := req.DecodeWire(wire.NewReader(in.payload, negotiated)); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request for [%s]: %v", action, err)
	}

	resp, handlerErr := h.Handle(ctx, req)

	// handler errors travel inside the frame so typed errors survive the
	// hop; transport-level grpc errors are reserved for transport problems
	payload, err := encodeResult(resp, handlerErr, g.codec, negotiated)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result for [%s]: %v", action, err)
	}

	return &frame{payload: payload}, nil
}

func firstValue(md metadata.MD, key string) string {
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (g *GRPC) conn(nodeID string) (*grpc.ClientConn, version.Protocol, error) {
	peer, ok := g.resolver(nodeID)
	if !ok {
		return nil, 0, &ConnectError{NodeID: nodeID, Err: fmt.Errorf("unknown node")}
	}

	if cached, ok := g.conns.Get(nodeID); ok {
		return cached.(*grpc.ClientConn), peer.Protocol, nil
	}

	var dialed *grpc.ClientConn
	err := retry.Do(
		func() error {
			var err error
			dialed, err = grpc.Dial(peer.Address,
				grpc.WithInsecure(),
				grpc.WithDefaultCallOptions(grpc.CallCustomCodec(Codec())),
				grpc.WithChainUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
			)
			return err
		},
		retry.Attempts(dialRetries),
		retry.Delay(dialDelay),
	)
	if err != nil {
		return nil, 0, &ConnectError{NodeID: nodeID, Err: err}
	}

	g.mu.Lock()
	if existing, ok := g.conns.Get(nodeID); ok {
		g.mu.Unlock()
		if err := dialed.Close(); err != nil {
			g.log.WithError(err).Warn("closing duplicate connection")
		}
		return existing.(*grpc.ClientConn), peer.Protocol, nil
	}
	g.conns.Add(nodeID, dialed)
	g.mu.Unlock()

	return dialed, peer.Protocol, nil
}

// Send delivers a request to the named node over grpc.
func (g *GRPC) Send(ctx context.Context, nodeID, action string, req, resp Message, opts CallOptions) error {
	conn, peerProto, err := g.conn(nodeID)
	if err != nil {
		return err
	}
	negotiated := negotiate(g.proto, peerProto)

	w := wire.NewWriter(negotiated)
	if err := req.EncodeWire(w); err != nil {
		return fmt.Errorf("encode request for [%s]: %w", action, err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		actionKey, action,
		protocolKey, strconv.FormatUint(uint64(g.proto), 10),
	)

	out := &frame{}
	if err := conn.Invoke(ctx, callMethod, &frame{payload: w.Bytes()}, out); err != nil {
		if status.Code(err) == codes.Unavailable {
			return &ConnectError{NodeID: nodeID, Err: err}
		}
		return err
	}

	return decodeResult(out.payload, resp, g.codec, negotiated)
}

// Close tears down all client connections.
func (g *GRPC) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	// purging the cache runs the eviction callback on every connection
	g.conns.Purge()
}
