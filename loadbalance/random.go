package loadbalance

import (
	"fmt"
	"math/rand"
	"mini-rpc/registry"
)

// RandomBalancer uniformly selects one endpoint from the available
// instances, with no weighting. This is the framework's baseline
// cluster strategy over a registry's discovery results.
type RandomBalancer struct{}

func (b *RandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	return &instances[rand.Intn(len(instances))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
