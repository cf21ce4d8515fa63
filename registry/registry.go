// Package registry maps service names to the addresses serving them.
package registry

import "errors"

// ErrNotFound is returned by Deregister for an unknown instance.
var ErrNotFound = errors.New("registry: instance not found")

type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// Registry is implemented by EtcdRegistry for deployments and by
// MemoryRegistry for a single process.
type Registry interface {
	// Register announces instance under serviceName. The entry expires ttl
	// seconds after the owner stops renewing it.
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change.
	Watch(serviceName string) <-chan []ServiceInstance
}
