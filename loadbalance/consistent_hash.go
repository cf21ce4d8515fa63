package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mpack-rpc/registry"
)

// ConsistentHashBalancer maps keys onto a hash ring, so a key keeps hitting
// the same instance while the instance set is unchanged. Each instance owns
// replicas virtual nodes to even out the ring.
//
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	addrs string   // instance set the ring was built for
	ring  []uint32 // sorted
	nodes map[uint32]string
}

func NewConsistentHashBalancer(replicas int) *ConsistentHashBalancer {
	if replicas <= 0 {
		replicas = 1
	}
	return &ConsistentHashBalancer{replicas: replicas}
}

func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	b.rebuild(instances)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return nil, ErrNoInstances
}

// rebuild resets the ring when the instance set differs from the last one.
// b.mu must be held.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	joined := strings.Join(addrs, ",")
	if joined == b.addrs && b.ring != nil {
		return
	}

	b.addrs = joined
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(addrs)*b.replicas)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = addr
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
