package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grid(prefix string, lat, lon float64, n int, duration float64) []Item {
	out := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Item{
			ID:      fmt.Sprintf("%s%d", prefix, i),
			Lat:     lat + float64(i)*0.001,
			Lon:     lon + float64(i%3)*0.001,
			Weights: map[string]float64{SymbolDuration: duration, SymbolVisits: 1},
			Refs:    []string{fmt.Sprintf("svc-%s%d", prefix, i)},
		})
	}
	return out
}

func loads(clusters [][]Item, symbol string) []float64 {
	out := make([]float64, len(clusters))
	for i, c := range clusters {
		for _, it := range c {
			out[i] += it.Weights[symbol]
		}
	}
	return out
}

func TestPartitionSeparatedGroups(t *testing.T) {
	items := append(grid("paris", 48.85, 2.35, 4, 10), grid("lyon", 45.76, 4.83, 4, 10)...)
	clusters, err := Partition(items, 2, Options{CutSymbol: SymbolDuration, MetricLimit: 40, Seed: 1})
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, []float64{40, 40}, loads(clusters, SymbolDuration))
	for _, c := range clusters {
		prefix := c[0].ID[:4]
		for _, it := range c {
			assert.Equal(t, prefix, it.ID[:4], "groups must not be mixed")
		}
	}
}

func TestPartitionRebalancesSkewedGeography(t *testing.T) {
	items := append(grid("paris", 48.85, 2.35, 6, 10), grid("lyon", 45.76, 4.83, 2, 10)...)
	clusters, err := Partition(items, 2, Options{CutSymbol: SymbolDuration, Seed: 7})
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.ElementsMatch(t, []float64{40, 40}, loads(clusters, SymbolDuration))
}

func TestPartitionKeepsEveryItem(t *testing.T) {
	items := append(grid("a", 48.85, 2.35, 7, 3), grid("b", 48.95, 2.45, 5, 11)...)
	clusters, err := Partition(items, 2, Options{Seed: 3})
	require.NoError(t, err)
	seen := map[string]int{}
	for _, c := range clusters {
		for _, it := range c {
			seen[it.ID]++
		}
	}
	assert.Len(t, seen, len(items))
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestPartitionDegenerate(t *testing.T) {
	clusters, err := Partition(grid("x", 1, 1, 1, 5), 2, Options{})
	require.NoError(t, err)
	assert.Len(t, clusters, 1)

	clusters, err = Partition(nil, 2, Options{})
	require.NoError(t, err)
	assert.Empty(t, clusters)

	_, err = Partition(grid("x", 1, 1, 2, 5), 0, Options{})
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestPartitionZeroDurationFallsBackToVisits(t *testing.T) {
	items := append(grid("a", 48.85, 2.35, 3, 0), grid("b", 45.76, 4.83, 3, 0)...)
	clusters, err := Partition(items, 2, Options{CutSymbol: SymbolDuration, Seed: 2})
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, []float64{3, 3}, loads(clusters, SymbolVisits))
}

func TestPartitionIsDeterministic(t *testing.T) {
	items := append(grid("a", 48.85, 2.35, 9, 4), grid("b", 48.80, 2.30, 6, 7)...)
	first, err := Partition(items, 2, Options{Seed: 11})
	require.NoError(t, err)
	second, err := Partition(items, 2, Options{Seed: 11})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
