// SPDX-License-Identifier: MIT

package oncecache_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/katalvlaran/canopy/internal/oncecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestGetOrCompute_ConcurrentCallersComputeOnce(t *testing.T) {
	c := oncecache.New[[]float64]()
	var calls atomic.Int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	results := make([][]float64, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			v, _, err := c.GetOrCompute("plot/P1", func() ([]float64, error) {
				calls.Add(1)

				return []float64{0.42}, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Equal(t, []float64{0.42}, r)
	}
	require.Equal(t, 1, c.Len())

	_, hit, err := c.GetOrCompute("plot/P1", func() ([]float64, error) { return nil, errors.New("unreachable") })
	require.NoError(t, err)
	require.True(t, hit)
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	c := oncecache.New[int]()
	boom := errors.New("boom")
	_, _, err := c.GetOrCompute("k", func() (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	_, ok := c.Get("k")
	require.False(t, ok)

	v, hit, err := c.GetOrCompute("k", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, 7, v)
}
