package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHealth struct {
	snapshot []Health
	err      error
}

func (s staticHealth) Snapshot(ctx context.Context) ([]Health, error) {
	return s.snapshot, s.err
}

func TestAssignPoolDeterministic(t *testing.T) {
	router := NewRouter([]string{"pool-0", "pool-1", "pool-2"}, nil)

	first := router.AssignPool("0xabc123")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, router.AssignPool("0xabc123"))
	}

	// Whitespace does not change the assignment.
	assert.Equal(t, first, router.AssignPool("  0xabc123  "))
}

func TestAssignPoolSpreadsWallets(t *testing.T) {
	router := NewRouter([]string{"pool-0", "pool-1", "pool-2"}, nil)

	seen := make(map[string]bool)
	wallets := []string{"0xaaa", "0xbbb", "0xccc", "0xddd", "0xeee", "0xfff", "0x111", "0x222"}
	for _, w := range wallets {
		seen[router.AssignPool(w)] = true
	}
	// Eight distinct wallets should not all collapse onto one pool.
	assert.Greater(t, len(seen), 1)
}

func TestSelectHealthiestPoolPrefersDeterministicWithinMargin(t *testing.T) {
	poolIDs := []string{"pool-0", "pool-1", "pool-2"}
	router := NewRouter(poolIDs, staticHealth{snapshot: []Health{
		{PoolID: "pool-0", LoadPercentage: 20, Healthy: true},
		{PoolID: "pool-1", LoadPercentage: 24, Healthy: true},
		{PoolID: "pool-2", LoadPercentage: 28, Healthy: true},
	}})

	// All pools within the margin: the wallet keeps its home pool.
	selected, err := router.SelectHealthiestPool(context.Background(), "0xabc123")
	require.NoError(t, err)
	assert.Equal(t, router.AssignPool("0xabc123"), selected)
}

func TestSelectHealthiestPoolAvoidsUnhealthy(t *testing.T) {
	router := NewRouter([]string{"pool-0", "pool-1"}, staticHealth{snapshot: []Health{
		{PoolID: "pool-0", LoadPercentage: 95, Healthy: false},
		{PoolID: "pool-1", LoadPercentage: 40, Healthy: true},
	}})

	// Even a wallet homed on pool-0 is routed away while it is unhealthy.
	for _, wallet := range []string{"0xaaa", "0xbbb", "0xccc"} {
		selected, err := router.SelectHealthiestPool(context.Background(), wallet)
		require.NoError(t, err)
		assert.Equal(t, "pool-1", selected)
	}
}

func TestSelectHealthiestPoolPicksLeastLoadedPastMargin(t *testing.T) {
	router := NewRouter([]string{"pool-0", "pool-1"}, staticHealth{snapshot: []Health{
		{PoolID: "pool-0", LoadPercentage: 60, Healthy: true},
		{PoolID: "pool-1", LoadPercentage: 10, Healthy: true},
	}})

	selected, err := router.SelectHealthiestPool(context.Background(), "0xabc123")
	require.NoError(t, err)
	assert.Equal(t, "pool-1", selected)
}

func TestSelectHealthiestPoolFallsBackWhenAllUnhealthy(t *testing.T) {
	router := NewRouter([]string{"pool-0", "pool-1"}, staticHealth{snapshot: []Health{
		{PoolID: "pool-0", LoadPercentage: 98, Healthy: false},
		{PoolID: "pool-1", LoadPercentage: 92, Healthy: false},
	}})

	selected, err := router.SelectHealthiestPool(context.Background(), "0xabc123")
	require.NoError(t, err)
	assert.Equal(t, "pool-1", selected)
}

func TestSelectHealthiestPoolEmptySnapshot(t *testing.T) {
	router := NewRouter(nil, staticHealth{})

	_, err := router.SelectHealthiestPool(context.Background(), "0xabc123")
	require.Error(t, err)
}
