package oracle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls int64
	price float64
	wg    sync.WaitGroup
}

func (s *countingSource) FetchARUSD(ctx context.Context) (float64, error) {
	atomic.AddInt64(&s.calls, 1)
	s.wg.Wait()
	return s.price, nil
}

func TestARUSD_CachesWithinTTL(t *testing.T) {
	src := &countingSource{price: 5.5}
	c := NewCache(src)

	p1, err := c.ARUSD(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5.5, p1)

	p2, err := c.ARUSD(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5.5, p2)
	require.Equal(t, int64(1), atomic.LoadInt64(&src.calls))
}

func TestARUSD_CoalescesConcurrentMisses(t *testing.T) {
	src := &countingSource{price: 7.25}
	src.wg.Add(1)
	c := NewCache(src)

	var wg sync.WaitGroup
	results := make([]float64, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.ARUSD(context.Background())
			require.NoError(t, err)
			results[i] = p
		}(i)
	}

	src.wg.Done()
	wg.Wait()

	for _, p := range results {
		require.Equal(t, 7.25, p)
	}
	require.Equal(t, int64(1), atomic.LoadInt64(&src.calls))
}
