package registry

import (
	"sort"
	"sync"
)

// MemoryRegistry keeps instances in process memory. TTLs are ignored:
// entries live until deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	insts, ok := r.services[serviceName]
	if !ok {
		insts = make(map[string]ServiceInstance)
		r.services[serviceName] = insts
	}
	insts[instance.Addr] = instance
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[serviceName][addr]; !ok {
		return ErrNotFound
	}
	delete(r.services[serviceName], addr)
	r.notify(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(serviceName), nil
}

// Watch never closes the returned channel. A watcher that falls behind
// only sees the latest list.
func (r *MemoryRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

// list returns instances sorted by address. r.mu must be held.
func (r *MemoryRegistry) list(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for _, inst := range r.services[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

func (r *MemoryRegistry) notify(serviceName string) {
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- r.list(serviceName)
	}
}
