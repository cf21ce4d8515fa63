// Package transport runs msgpack-rpc over a single stream connection.
//
// A Conn owns one protocol.Session. Calls from many goroutines share the
// connection: each request is given a fresh id by the session, and a
// background goroutine (recvLoop) classifies every inbound envelope, routes
// responses back to the waiting caller through the session's pending request
// table, and hands inbound requests and notifications to the handler.
//
//	goroutine-1 ──Call(id=0)──┐
//	goroutine-2 ──Call(id=1)──┼──→ single conn ──→ peer
//	goroutine-3 ──Notify──────┘
//
//	recvLoop: ←── [1, 1, nil, result] → table[1] chan → goroutine-2 wakes up
//
// msgpack-rpc is symmetric, so the same Conn serves inbound calls when a
// handler is set.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"mpack-rpc/codec"
	"mpack-rpc/logging"
	"mpack-rpc/message"
	"mpack-rpc/middleware"
	"mpack-rpc/protocol"

	"go.uber.org/zap"
)

// ErrClosed is returned for calls on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// envelopeSize holds any complete envelope: array, type and a 32-bit id.
const envelopeSize = 16

// Options configures a Conn.
type Options struct {
	// Capacity bounds the number of outstanding calls; 0 selects
	// protocol.DefaultCapacity.
	Capacity uint32
	// Handler serves inbound requests and notifications. Without one,
	// requests are answered with an error and notifications dropped.
	Handler middleware.HandlerFunc
	Logger  *zap.Logger
}

// Conn is a multiplexed msgpack-rpc connection.
type Conn struct {
	conn    net.Conn
	br      *bufio.Reader
	codec   *codec.Codec
	handler middleware.HandlerFunc
	log     *zap.Logger

	mu       sync.Mutex // guards session, which is not safe for concurrent use, closed and draining
	session  *protocol.Session
	closed   bool
	draining bool
	sending sync.Mutex // one envelope and body on the wire at a time

	active int           // running handlers and refusals, guarded by mu
	idle   chan struct{} // closed when active drops to zero

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	err       error
}

// NewConn wraps conn and starts reading from it.
func NewConn(conn net.Conn, opts Options) (*Conn, error) {
	session, err := protocol.NewSession(opts.Capacity)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:    conn,
		br:      bufio.NewReader(conn),
		codec:   codec.New(),
		handler: opts.Handler,
		log:     logger.With(zap.Stringer("remote", conn.RemoteAddr())),
		session: session,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.recvLoop()
	return c, nil
}

// Call sends a request and waits for its response. params is an encoded
// params array (see codec.Params); nil sends an empty array.
//
// Cancelling ctx stops the wait only: the request stays pending until the
// peer answers or the connection closes.
func (c *Conn) Call(ctx context.Context, method string, params []byte) (*message.Response, error) {
	ch := make(chan *message.Response, 1) // buffered so recvLoop never blocks
	req := &message.Request{Method: method, Params: params}
	err := c.send(func(w io.Writer) error { return c.codec.WriteRequest(w, req) },
		func(buf []byte) (int, protocol.Status, error) { return c.session.Request(buf, ch) })
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.Err()
	}
}

// Notify sends a notification; no response is expected.
func (c *Conn) Notify(method string, params []byte) error {
	req := &message.Request{Method: method, Params: params, Notification: true}
	return c.send(func(w io.Writer) error { return c.codec.WriteRequest(w, req) },
		c.session.Notify)
}

// Pending returns the number of calls awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Pending()
}

// Done is closed once the underlying connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.ctx.Done():
		return c.err
	default:
		return nil
	}
}

// Close closes the connection and waits for running handlers to return.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	c.waitIdle(context.Background())
	return nil
}

// Drain stops serving new inbound requests and waits until every running
// handler has replied, or ctx is done. Outbound calls are not affected.
func (c *Conn) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	return c.waitIdle(ctx)
}

// track counts a dispatched goroutine; c.mu must be held.
func (c *Conn) track() {
	if c.active == 0 {
		c.idle = make(chan struct{})
	}
	c.active++
}

func (c *Conn) untrack() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if c.active == 0 {
		close(c.idle)
	}
}

func (c *Conn) waitIdle(ctx context.Context) error {
	c.mu.Lock()
	if c.active == 0 {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.err = err
		c.conn.Close()
		c.cancel()
	})
}

// send encodes the body first, so nothing reaches the wire if it fails, then
// writes envelope and body in one piece.
func (c *Conn) send(body func(io.Writer) error, envelope func([]byte) (int, protocol.Status, error)) error {
	if err := c.Err(); err != nil {
		return err
	}
	var b bytes.Buffer
	if err := body(&b); err != nil {
		return err
	}

	c.sending.Lock()
	defer c.sending.Unlock()

	var hdr [envelopeSize]byte
	c.mu.Lock()
	n, st, err := envelope(hdr[:])
	if err == nil && st != protocol.StatusDone {
		c.session.ResetOutput()
		err = fmt.Errorf("transport: envelope larger than %d bytes", envelopeSize)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	frame := append(hdr[:n:n], b.Bytes()...)
	if _, err := c.conn.Write(frame); err != nil {
		c.shutdown(err)
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// recvLoop is the only reader of the connection: envelopes and bodies must
// be parsed in wire order.
func (c *Conn) recvLoop() {
	for {
		st, msg, err := c.readEnvelope()
		switch {
		case errors.Is(err, protocol.ErrResponseIDNotFound):
			c.log.Warn("response for unknown request", zap.Uint32("id", msg.ID))
			if err := c.codec.Skip(c.br, 2); err != nil {
				c.shutdown(err)
				return
			}
			continue
		case err != nil:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Error("read envelope", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		switch st {
		case protocol.StatusResponse:
			resp := &message.Response{ID: msg.ID}
			if err := c.codec.ReadResponse(c.br, resp); err != nil {
				c.shutdown(err)
				return
			}
			ch, ok := msg.Data.(chan *message.Response)
			if !ok {
				c.log.Error("unexpected correlation data", zap.Uint32("id", msg.ID))
				continue
			}
			ch <- resp

		case protocol.StatusRequest, protocol.StatusNotification:
			req := &message.Request{ID: msg.ID, Notification: st == protocol.StatusNotification}
			if err := c.codec.ReadRequest(c.br, req); err != nil {
				c.shutdown(err)
				return
			}
			c.dispatch(req)
		}
	}
}

func (c *Conn) readEnvelope() (protocol.Status, protocol.Message, error) {
	for {
		if _, err := c.br.Peek(1); err != nil {
			return protocol.StatusNeedMore, protocol.Message{}, err
		}
		buf, _ := c.br.Peek(c.br.Buffered())

		c.mu.Lock()
		n, st, msg, err := c.session.Receive(buf)
		c.mu.Unlock()

		c.br.Discard(n)
		if err != nil || st != protocol.StatusNeedMore {
			return st, msg, err
		}
	}
}

// dispatch runs the handler in its own goroutine, so a slow call does not
// hold up the rest of the connection. Requests arriving without a handler or
// while draining are refused the same way, so Close and Drain wait for the
// refusal to be written too.
func (c *Conn) dispatch(req *message.Request) {
	handle := c.handler
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return
	case c.draining:
		handle = refuse("rpc: shutting down")
	case handle == nil:
		handle = refuse("rpc: no handler")
	}
	c.track()
	c.mu.Unlock()

	go func() {
		defer c.untrack()
		resp := handle(c.ctx, req)
		if req.Notification {
			return
		}
		if resp == nil {
			resp = &message.Response{}
		}
		resp.ID = req.ID
		c.reply(resp)
	}()
}

func refuse(reason string) middleware.HandlerFunc {
	return func(_ context.Context, req *message.Request) *message.Response {
		return message.ErrorResponse(req.ID, reason)
	}
}

func (c *Conn) reply(resp *message.Response) {
	err := c.send(func(w io.Writer) error { return c.codec.WriteResponse(w, resp) },
		func(buf []byte) (int, protocol.Status, error) { return c.session.Reply(buf, resp.ID) })
	if err != nil && !errors.Is(err, ErrClosed) {
		c.log.Warn("write reply", zap.Uint32("id", resp.ID), zap.Error(err))
	}
}
