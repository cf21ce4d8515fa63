// Package client calls services found through a registry.
//
// Each call discovers the instances of its service, lets the balancer pick
// one and goes out on one of that address's pooled connections. Connections
// are multiplexed, so a small pool serves many concurrent calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mpack-rpc/codec"
	"mpack-rpc/loadbalance"
	"mpack-rpc/logging"
	"mpack-rpc/registry"
	"mpack-rpc/transport"

	"go.uber.org/zap"
)

var (
	// ErrClientClosed is returned by calls on a closed Client.
	ErrClientClosed = errors.New("client: closed")
	// ErrNoRegistry is returned by calls on a Client built without a registry.
	ErrNoRegistry = errors.New("client: no registry")
)

// Option configures a Client.
type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.log = logger }
}

// WithTableCapacity bounds the outstanding calls per connection.
func WithTableCapacity(capacity uint32) Option {
	return func(c *Client) { c.capacity = capacity }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// pool holds the connections to one address, used in turn.
type pool struct {
	mu    sync.Mutex
	conns []*transport.Conn
	next  atomic.Uint32
}

type Client struct {
	registry    registry.Registry
	balancer    loadbalance.Balancer
	codec       *codec.Codec
	log         *zap.Logger
	capacity    uint32
	dialTimeout time.Duration
	poolSize    int

	mu     sync.Mutex
	pools  map[string]*pool
	closed bool
}

// NewClient returns a Client discovering instances in reg. A nil bal picks
// round robin; a nil reg makes every call fail with ErrNoRegistry.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, poolSize int, opts ...Option) *Client {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	c := &Client{
		registry:    reg,
		balancer:    bal,
		codec:       codec.New(),
		log:         logging.Nop(),
		dialTimeout: 5 * time.Second,
		poolSize:    poolSize,
		pools:       make(map[string]*pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes serviceMethod ("Service.Method") with args as its single
// parameter and decodes the result into reply. reply may be nil.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	conn, err := c.pick(serviceMethod)
	if err != nil {
		return err
	}
	params, err := c.codec.Params(args)
	if err != nil {
		return fmt.Errorf("client: encode args: %w", err)
	}

	resp, err := conn.Call(ctx, serviceMethod, params)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := c.codec.Unmarshal(resp.Result, reply); err != nil {
		return fmt.Errorf("client: decode reply: %w", err)
	}
	return nil
}

// Notify sends serviceMethod with args without waiting for a result.
func (c *Client) Notify(serviceMethod string, args any) error {
	conn, err := c.pick(serviceMethod)
	if err != nil {
		return err
	}
	params, err := c.codec.Params(args)
	if err != nil {
		return fmt.Errorf("client: encode args: %w", err)
	}
	return conn.Notify(serviceMethod, params)
}

// Close closes every pooled connection. Outstanding calls fail with
// transport.ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*pool)
	c.mu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		for _, conn := range p.conns {
			if conn != nil {
				conn.Close()
			}
		}
		p.mu.Unlock()
	}
	return nil
}

func (c *Client) pick(serviceMethod string) (*transport.Conn, error) {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 {
		return nil, fmt.Errorf("client: invalid serviceMethod format: %v", serviceMethod)
	}

	if c.registry == nil {
		return nil, ErrNoRegistry
	}
	instances, err := c.registry.Discover(split[0])
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", split[0], err)
	}
	instance, err := c.balancer.Pick(serviceMethod, instances)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", split[0], err)
	}
	return c.getTransport(instance.Addr)
}

// getTransport returns the next connection to addr, dialing it if the slot
// is empty or its connection has closed.
func (c *Client) getTransport(addr string) (*transport.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = &pool{conns: make([]*transport.Conn, c.poolSize)}
		c.pools[addr] = p
	}
	c.mu.Unlock()

	i := int(p.next.Add(1)-1) % len(p.conns)

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn := p.conns[i]; conn != nil && conn.Err() == nil {
		return conn, nil
	}

	nc, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return nil, err
	}
	conn, err := transport.NewConn(nc, transport.Options{Capacity: c.capacity, Logger: c.log})
	if err != nil {
		nc.Close()
		return nil, err
	}
	if old := p.conns[i]; old != nil {
		c.log.Debug("redial", zap.String("addr", addr), zap.Error(old.Err()))
	}
	p.conns[i] = conn
	return conn, nil
}
