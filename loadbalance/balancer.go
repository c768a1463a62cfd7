// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Three strategies are implemented:
//   - Random:         The framework's baseline cluster strategy — uniform,
//     stateless, no bookkeeping.
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//
// A consistent-hash strategy was dropped: its Pick is keyed by a caller
// string, not by the instance list the Balancer interface passes in, so
// supporting it would mean adding a key-based call path to Client with no
// basis in the framework's call contract.
package loadbalance

import "mini-rpc/registry"

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every RPC call — must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
