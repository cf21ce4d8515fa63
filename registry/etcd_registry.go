package registry

import (
	"context"
	"encoding/json"
	"time"

	"mpack-rpc/logging"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every registry key:
//
//	/mpack-rpc/{ServiceName}/{Addr} → JSON-encoded ServiceInstance
//
// Entries are attached to a TTL lease, so a crashed server disappears once
// its lease expires.
const KeyPrefix = "/mpack-rpc/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client  *clientv3.Client
	log     *zap.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints. dialTimeout also
// bounds every registry operation.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client:  c,
		log:     logger,
		timeout: dialTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func serviceKey(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

func (r *EtcdRegistry) opContext() (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(r.ctx)
	}
	return context.WithTimeout(r.ctx, r.timeout)
}

// Register puts the instance under a fresh lease of ttl seconds and keeps
// the lease alive until Close.
//
// The lease id stays local: several servers may share one EtcdRegistry.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := r.opContext()
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serviceKey(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped",
			zap.String("service", serviceName), zap.String("addr", instance.Addr))
	}()
	return nil
}

// Deregister removes a service instance. Servers call it on shutdown
// before closing their listener.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	resp, err := r.client.Delete(ctx, serviceKey(serviceName, addr))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// Watch emits a fresh instance list on every change under the service
// prefix. The channel is closed when the registry is closed.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := KeyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		for wresp := range r.client.Watch(r.ctx, prefix, clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				r.log.Warn("registry watch", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			// Re-list rather than apply individual events.
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.log.Warn("registry discover", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	resp, err := r.client.Get(ctx, KeyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skip malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops lease renewal and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
