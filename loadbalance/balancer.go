// Package loadbalance selects the instance that serves a call.
//
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  calls with the same key stick to one instance
package loadbalance

import (
	"errors"

	"mpack-rpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is called by the client before every call and must be safe for
// concurrent use. key is the "Service.Method" being called.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name, or nil.
func New(name string) Balancer {
	switch name {
	case "RoundRobin", "":
		return &RoundRobinBalancer{}
	case "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "ConsistentHash":
		return NewConsistentHashBalancer(100)
	}
	return nil
}
