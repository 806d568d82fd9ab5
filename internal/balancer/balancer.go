// Package balancer selects one backing instance of a service per request.
package balancer

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
)

// Policy names an instance-selection strategy.
type Policy string

const (
	PolicyRoundRobin Policy = "round-robin"
	PolicyRandom     Policy = "random"
)

// ParsePolicy maps a config value to a Policy. The empty string selects
// round-robin.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyRoundRobin:
		return PolicyRoundRobin, nil
	case PolicyRandom:
		return PolicyRandom, nil
	}
	return "", fmt.Errorf("unknown load balancer policy %q", s)
}

// Picker chooses one of instances. Callers must pass a non-empty slice.
type Picker interface {
	Pick(instances []string) string
}

// New returns a fresh Picker for p. Each service owns its own Picker so
// round-robin cursors are not shared.
func New(p Policy) Picker {
	if p == PolicyRandom {
		return Random{}
	}
	return &RoundRobin{}
}

// RoundRobin cycles through instances in order. The cursor advances
// atomically, so N concurrent picks over N instances return each instance
// exactly once.
type RoundRobin struct {
	next atomic.Uint64
}

// Pick returns the instance at the cursor and advances it.
func (rr *RoundRobin) Pick(instances []string) string {
	if len(instances) == 1 {
		return instances[0]
	}
	n := rr.next.Add(1)
	return instances[(n-1)%uint64(len(instances))]
}

// Cursor returns the index the next Pick over n instances will use.
func (rr *RoundRobin) Cursor(n int) int {
	if n <= 0 {
		return 0
	}
	return int(rr.next.Load() % uint64(n))
}

// Random picks uniformly and keeps no state.
type Random struct{}

// Pick returns a uniformly sampled instance.
func (Random) Pick(instances []string) string {
	if len(instances) == 1 {
		return instances[0]
	}
	return instances[rand.IntN(len(instances))]
}
