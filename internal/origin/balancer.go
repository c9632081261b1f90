package origin

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrNoInstances      = errors.New("no origin instances available")
	ErrUnknownAlgorithm = errors.New("unknown load balancing algorithm")
)

// Balancer picks the instance for the next attempt.
type Balancer interface {
	Select(instances []*Instance) (*Instance, error)
	Name() string
}

// NewBalancer maps a configured algorithm name to a balancer.
func NewBalancer(algorithm string) (Balancer, error) {
	switch algorithm {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted", "weighted_round_robin":
		return NewWeightedBalancer(), nil
	case "least_requests":
		return &LeastRequestsBalancer{}, nil
	default:
		return nil, ErrUnknownAlgorithm
	}
}

// RoundRobinBalancer cycles through instances.
type RoundRobinBalancer struct {
	counter uint64
}

func (rb *RoundRobinBalancer) Select(instances []*Instance) (*Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (atomic.AddUint64(&rb.counter, 1) - 1) % uint64(len(instances))
	return instances[index], nil
}

func (rb *RoundRobinBalancer) Name() string {
	return "round_robin"
}

// WeightedBalancer is smooth weighted round-robin: each pick raises every
// current weight by its configured weight, takes the largest, and lowers it
// by the total.
type WeightedBalancer struct {
	mu      sync.Mutex
	current map[string]int
}

func NewWeightedBalancer() *WeightedBalancer {
	return &WeightedBalancer{current: make(map[string]int)}
}

func (wb *WeightedBalancer) Select(instances []*Instance) (*Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	var (
		selected *Instance
		total    int
	)
	for _, inst := range instances {
		total += inst.Weight
		wb.current[inst.ID] += inst.Weight
		if selected == nil || wb.current[inst.ID] > wb.current[selected.ID] {
			selected = inst
		}
	}
	wb.current[selected.ID] -= total
	return selected, nil
}

func (wb *WeightedBalancer) Name() string {
	return "weighted"
}

// LeastRequestsBalancer picks the instance with the fewest attempts in flight.
// Ties go to the earlier instance.
type LeastRequestsBalancer struct{}

func (lb *LeastRequestsBalancer) Select(instances []*Instance) (*Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	selected := instances[0]
	for _, inst := range instances[1:] {
		if inst.InFlight() < selected.InFlight() {
			selected = inst
		}
	}
	return selected, nil
}

func (lb *LeastRequestsBalancer) Name() string {
	return "least_requests"
}
