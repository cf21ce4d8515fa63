package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"mpack-rpc/codec"
	"mpack-rpc/message"
	"mpack-rpc/middleware"
	"mpack-rpc/registry"
	"mpack-rpc/transport"

	"go.uber.org/zap/zaptest"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct {
	release chan struct{}
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Slow blocks until release is closed.
func (a *Arith) Slow(args *Args, reply *Reply) error {
	<-a.release
	reply.Result = args.A
	return nil
}

// startServer serves svr on a loopback port and returns its address.
func startServer(t *testing.T, svr *Server, reg registry.Registry) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l, "", reg) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		if err := <-served; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})
	return l.Addr().String()
}

func dial(t *testing.T, addr string) *transport.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	tc, err := transport.NewConn(conn, transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tc.Close() })
	return tc
}

func call(t *testing.T, tc *transport.Conn, method string, args any) *message.Response {
	t.Helper()
	params, err := codec.New().Params(args)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := tc.Call(ctx, method, params)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServer(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatalf("Failed to register service: %v", err)
	}
	tc := dial(t, startServer(t, svr, nil))

	resp := call(t, tc, "Arith.Add", &Args{1, 2})
	if err := resp.Err(); err != nil {
		t.Fatal(err)
	}
	var reply Reply
	if err := codec.New().Unmarshal(resp.Result, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("Expect get result = 3, get %v", reply.Result)
	}
}

func TestServerErrors(t *testing.T) {
	svr := NewServer()
	svr.Register(&Arith{})
	tc := dial(t, startServer(t, svr, nil))

	cases := []struct {
		method string
		params []byte
		want   string
	}{
		{"Arith.Div", nil, "rpc: Arith.Div expects 1 param, got 0"},
		{"Arith", nil, "rpc: service/method request ill-formed: Arith"},
		{"Nope.Add", nil, "rpc: can't find service Nope"},
		{"Arith.Nope", nil, "rpc: can't find method Arith.Nope"},
	}
	for _, c := range cases {
		resp, err := tc.Call(context.Background(), c.method, c.params)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Error != c.want {
			t.Errorf("%s: expect error %q, got %v", c.method, c.want, resp.Error)
		}
	}

	resp := call(t, tc, "Arith.Div", &Args{1, 0})
	if resp.Error != "divide by zero" {
		t.Errorf("expect method error, got %v", resp.Error)
	}
}

func TestRegisterInvalid(t *testing.T) {
	svr := NewServer()
	if err := svr.Register(Arith{}); err == nil {
		t.Error("expect error for non-pointer receiver")
	}
	type empty struct{}
	if err := svr.Register(&empty{}); err == nil {
		t.Error("expect error for unexported type")
	}
	svr.Register(&Arith{})
	if err := svr.Register(&Arith{}); err == nil {
		t.Error("expect error for duplicate service")
	}
}

func TestMiddlewareOrder(t *testing.T) {
	svr := NewServer()
	svr.Register(&Arith{})
	var mu sync.Mutex
	var seen []string
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			mu.Lock()
			seen = append(seen, req.Method)
			mu.Unlock()
			return next(ctx, req)
		}
	})
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	tc := dial(t, startServer(t, svr, nil))

	if err := call(t, tc, "Arith.Add", &Args{1, 1}).Err(); err != nil {
		t.Fatal(err)
	}
	if resp := call(t, tc, "Arith.Add", &Args{1, 1}); resp.Error != "rate limit exceeded" {
		t.Fatalf("expect rate limit error, got %v", resp.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("outer middleware saw %d requests, want 2", len(seen))
	}
}

func TestRegistryAnnounce(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer()
	svr.Register(&Arith{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	watch := reg.Watch("Arith")
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l, "10.0.0.1:8080", reg) }()

	instances := <-watch
	if len(instances) != 1 || instances[0].Addr != "10.0.0.1:8080" {
		t.Fatalf("expect advertised instance, got %+v", instances)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if instances, _ := reg.Discover("Arith"); len(instances) != 0 {
		t.Fatalf("expect instance withdrawn, got %+v", instances)
	}
}

func TestGracefulShutdown(t *testing.T) {
	arith := &Arith{release: make(chan struct{})}
	svr := NewServer()
	svr.Register(arith)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l, "", nil)
	tc := dial(t, l.Addr().String())

	params, _ := codec.New().Params(&Args{A: 7})
	result := make(chan *message.Response, 1)
	go func() {
		resp, _ := tc.Call(context.Background(), "Arith.Slow", params)
		result <- resp
	}()

	// Wait for the call to reach the method.
	for i := 0; tc.Pending() == 0 && i < 100; i++ {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	open := serverConns(svr)
	shut := make(chan error, 1)
	go func() { shut <- svr.Shutdown(5 * time.Second) }()
	time.Sleep(20 * time.Millisecond)
	close(arith.release)

	if err := <-shut; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	assertClosed(t, open)
	resp := <-result
	if resp == nil || resp.Err() != nil {
		t.Fatalf("in-flight call should complete, got %+v", resp)
	}
	var reply Reply
	codec.New().Unmarshal(resp.Result, &reply)
	if reply.Result != 7 {
		t.Fatalf("expect 7, got %d", reply.Result)
	}
}

func TestShutdownTimeout(t *testing.T) {
	arith := &Arith{release: make(chan struct{})}
	defer close(arith.release)
	svr := NewServer()
	svr.Register(arith)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l, "", nil)
	tc := dial(t, l.Addr().String())

	params, _ := codec.New().Params(&Args{})
	go tc.Call(context.Background(), "Arith.Slow", params)
	time.Sleep(50 * time.Millisecond)

	open := serverConns(svr)
	if err := svr.Shutdown(20 * time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("expect ErrShutdownTimeout, got %v", err)
	}
	assertClosed(t, open)
}

func serverConns(svr *Server) []*transport.Conn {
	svr.connMu.Lock()
	defer svr.connMu.Unlock()
	conns := make([]*transport.Conn, 0, len(svr.conns))
	for tc := range svr.conns {
		conns = append(conns, tc)
	}
	return conns
}

// assertClosed checks conns were closed by the time Shutdown returned.
func assertClosed(t *testing.T, conns []*transport.Conn) {
	t.Helper()
	if len(conns) == 0 {
		t.Fatal("no server connections")
	}
	for i, tc := range conns {
		if tc.Err() == nil {
			t.Errorf("connection %d still open after Shutdown", i)
		}
	}
}
