package balancer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyRoundRobin, p)

	p, err = ParsePolicy("random")
	require.NoError(t, err)
	assert.Equal(t, PolicyRandom, p)

	_, err = ParsePolicy("least-connections")
	assert.Error(t, err)
}

func TestNew_PolicyType(t *testing.T) {
	assert.IsType(t, &RoundRobin{}, New(PolicyRoundRobin))
	assert.IsType(t, Random{}, New(PolicyRandom))
}

func TestRoundRobin_Order(t *testing.T) {
	rr := &RoundRobin{}
	instances := []string{"A", "B"}

	got := []string{rr.Pick(instances), rr.Pick(instances), rr.Pick(instances)}
	assert.Equal(t, []string{"A", "B", "A"}, got)
	assert.Equal(t, 1, rr.Cursor(len(instances)))
}

func TestRoundRobin_SingleInstanceDoesNotAdvance(t *testing.T) {
	rr := &RoundRobin{}
	for i := 0; i < 3; i++ {
		assert.Equal(t, "only", rr.Pick([]string{"only"}))
	}
	assert.Equal(t, uint64(0), rr.next.Load())
}

func TestRoundRobin_ConcurrentCycleVisitsEachOnce(t *testing.T) {
	instances := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	for round := 0; round < 50; round++ {
		rr := &RoundRobin{}
		results := make(chan string, len(instances))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for range instances {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				results <- rr.Pick(instances)
			}()
		}
		close(start)
		wg.Wait()
		close(results)

		seen := make(map[string]int, len(instances))
		for r := range results {
			seen[r]++
		}
		require.Len(t, seen, len(instances), "round %d skipped an instance", round)
		for inst, n := range seen {
			require.Equal(t, 1, n, "round %d chose %s %d times", round, inst, n)
		}
	}
}

func TestRandom_StaysInRange(t *testing.T) {
	instances := []string{"a", "b", "c"}
	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		counts[Random{}.Pick(instances)]++
	}
	assert.Len(t, counts, 3)
	for _, inst := range instances {
		assert.Greater(t, counts[inst], 700, "instance %s under-sampled", inst)
	}
}
