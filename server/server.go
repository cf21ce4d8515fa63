// Package server exposes registered Go services over msgpack-rpc.
//
// Request processing pipeline:
//
//	Accept conn → transport.Conn (recvLoop classifies envelopes)
//	  → for each request: handler goroutine
//	    → Middleware Chain → businessHandler (reflect.Call) → reply
//
// A method is called as "Service.Method" with a single parameter, decoded
// into the method's args type; the reply value becomes the result.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mpack-rpc/codec"
	"mpack-rpc/logging"
	"mpack-rpc/message"
	"mpack-rpc/middleware"
	"mpack-rpc/registry"
	"mpack-rpc/transport"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned by Shutdown when requests are still running
// after the timeout.
var ErrShutdownTimeout = errors.New("server: timeout waiting for ongoing requests to finish")

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// WithTableCapacity sets the pending request table size of every connection.
func WithTableCapacity(capacity uint32) Option {
	return func(s *Server) { s.capacity = capacity }
}

// WithRegistryTTL sets the lease, in seconds, of registry entries.
func WithRegistryTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	codec    *codec.Codec
	log      *zap.Logger
	capacity uint32
	ttl      int64

	mu          sync.RWMutex
	serviceMap  map[string]*service // "Arith" → *service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	listener      net.Listener
	registry      registry.Registry
	advertiseAddr string // address announced in the registry, routable unlike ":8080"

	connMu   sync.Mutex
	conns    map[*transport.Conn]struct{}
	closing  bool
	shutdown atomic.Bool
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		codec:      codec.New(),
		log:        logging.Nop(),
		ttl:        10,
		serviceMap: make(map[string]*service),
		conns:      make(map[*transport.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register publishes the exported methods of rcvr (e.g. &Arith{}) that have
// the form Method(*Args, *Reply) error, under the receiver's type name.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares run in the order they are added
// and must be added before Serve.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.mu.Unlock()
}

// Serve listens on address and serves until Shutdown. When reg is not nil
// every registered service is announced under advertiseAddr.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener. An empty advertiseAddr
// announces the listener's own address.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}

	svr.mu.Lock()
	svr.listener = listener
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	// Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.Unlock()

	if reg != nil {
		for _, name := range names {
			err := reg.Register(name, registry.ServiceInstance{Addr: advertiseAddr, Weight: 1}, svr.ttl)
			if err != nil {
				listener.Close()
				return fmt.Errorf("server: register %s: %w", name, err)
			}
		}
	}
	svr.log.Info("serving", zap.Stringer("addr", listener.Addr()),
		zap.String("advertise", advertiseAddr), zap.Strings("services", names))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Closing the listener in Shutdown makes Accept fail.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.handleConn(conn)
	}
}

func (svr *Server) handleConn(conn net.Conn) {
	tc, err := transport.NewConn(conn, transport.Options{
		Capacity: svr.capacity,
		Handler:  svr.serveRequest,
		Logger:   svr.log,
	})
	if err != nil {
		svr.log.Error("new connection", zap.Error(err))
		conn.Close()
		return
	}

	svr.connMu.Lock()
	if svr.closing {
		svr.connMu.Unlock()
		tc.Close()
		return
	}
	svr.conns[tc] = struct{}{}
	svr.connMu.Unlock()

	go func() {
		<-tc.Done()
		if err := tc.Err(); err != nil && !errors.Is(err, transport.ErrClosed) {
			svr.log.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		}
		svr.connMu.Lock()
		delete(svr.conns, tc)
		svr.connMu.Unlock()
	}()
}

func (svr *Server) serveRequest(ctx context.Context, req *message.Request) *message.Response {
	svr.mu.RLock()
	handler := svr.handler
	svr.mu.RUnlock()
	return handler(ctx, req)
}

// Shutdown stops the server gracefully:
//  1. withdraw every service from the registry, so clients stop routing here
//  2. close the listener
//  3. drain every connection: new requests are refused and running ones
//     finish and reply, for at most timeout
//  4. close every connection; Shutdown returns once every socket is closed
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	if svr.registry != nil {
		for name := range svr.serviceMap {
			if err := svr.registry.Deregister(name, svr.advertiseAddr); err != nil {
				svr.log.Warn("deregister", zap.String("service", name), zap.Error(err))
			}
		}
	}
	svr.mu.RUnlock()

	// The flag must be set before the listener is closed, so Serve sees it
	// when Accept fails.
	svr.shutdown.Store(true)
	svr.mu.RLock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.RUnlock()

	svr.connMu.Lock()
	svr.closing = true
	conns := make([]*transport.Conn, 0, len(svr.conns))
	for tc := range svr.conns {
		conns = append(conns, tc)
	}
	svr.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var wg sync.WaitGroup
	var timedOut atomic.Bool
	for _, tc := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tc.Drain(ctx) != nil {
				timedOut.Store(true)
			}
		}()
	}
	wg.Wait()

	var closing sync.WaitGroup
	for _, tc := range conns {
		closing.Add(1)
		go func() {
			defer closing.Done()
			tc.Close()
		}()
	}
	if timedOut.Load() {
		// Close blocks on the stuck handlers; the socket is already shut
		// once Done fires.
		for _, tc := range conns {
			<-tc.Done()
		}
		return ErrShutdownTimeout
	}
	closing.Wait()
	return nil
}

// businessHandler dispatches a request to its registered method:
// parse "Service.Method" → reflect.New(args) → decode the param →
// reflect.Call → encode the reply.
func (svr *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	split := strings.Split(req.Method, ".")
	if len(split) != 2 {
		return message.ErrorResponse(req.ID, "rpc: service/method request ill-formed: "+req.Method)
	}

	svr.mu.RLock()
	svc := svr.serviceMap[split[0]]
	svr.mu.RUnlock()
	if svc == nil {
		return message.ErrorResponse(req.ID, "rpc: can't find service "+split[0])
	}
	method := svc.method[split[1]]
	if method == nil {
		return message.ErrorResponse(req.ID, "rpc: can't find method "+req.Method)
	}

	params, err := svr.codec.SplitParams(req.Params)
	if err != nil {
		return message.ErrorResponse(req.ID, err.Error())
	}
	if len(params) != 1 {
		return message.ErrorResponse(req.ID, fmt.Sprintf("rpc: %s expects 1 param, got %d", req.Method, len(params)))
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)
	if err := svr.codec.Unmarshal(params[0], argv.Interface()); err != nil {
		return message.ErrorResponse(req.ID, "rpc: decode param: "+err.Error())
	}

	if err := svc.call(method, argv, replyv); err != nil {
		return message.ErrorResponse(req.ID, err.Error())
	}

	result, err := svr.codec.Marshal(replyv.Interface())
	if err != nil {
		svr.log.Error("encode reply", zap.String("method", req.Method), zap.Error(err))
		return message.ErrorResponse(req.ID, "rpc: encode reply: "+err.Error())
	}
	return &message.Response{ID: req.ID, Result: result}
}
