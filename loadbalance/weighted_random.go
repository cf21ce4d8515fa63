package loadbalance

import (
	"math/rand"

	"mpack-rpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its weight. Negative weights count as zero; when every weight is zero the
// pick is uniform.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range instances {
		totalWeight += max(v.Weight, 0)
	}
	if totalWeight == 0 {
		return &instances[rand.Intn(len(instances))], nil
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= max(instances[i].Weight, 0)
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
