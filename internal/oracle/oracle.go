// Package oracle provides a cached AR/USD price lookup used to convert
// Winston-denominated storage costs into USDC quotes (spec §4.2).
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TTL is how long a fetched AR/USD price is considered fresh.
const TTL = 5 * time.Minute

// PriceSource fetches the current AR/USD price from an upstream oracle.
// Implementations wrap a specific price feed (CoinGecko, Redstone, a
// gateway's own `/price` endpoint, ...).
type PriceSource interface {
	FetchARUSD(ctx context.Context) (float64, error)
}

// Cache wraps a PriceSource with a TTL cache and singleflight-coalesced
// misses, so a burst of concurrent price quotes during a traffic spike
// issues exactly one upstream fetch instead of one per request — the same
// shape as the teacher's other background-refresh caches, generalized with
// golang.org/x/sync/singleflight since the teacher itself never needed
// request coalescing for a single-writer cache.
type Cache struct {
	source PriceSource

	mu        sync.RWMutex
	price     float64
	fetchedAt time.Time

	group singleflight.Group
}

// NewCache constructs a price cache around the given source.
func NewCache(source PriceSource) *Cache {
	return &Cache{source: source}
}

// ARUSD returns the current AR/USD price, refreshing from the source if the
// cached value is stale. Concurrent callers racing a cache miss share one
// upstream fetch.
func (c *Cache) ARUSD(ctx context.Context) (float64, error) {
	c.mu.RLock()
	price, fetchedAt := c.price, c.fetchedAt
	c.mu.RUnlock()

	if !fetchedAt.IsZero() && time.Since(fetchedAt) < TTL {
		return price, nil
	}

	v, err, _ := c.group.Do("ar-usd", func() (interface{}, error) {
		fresh, ferr := c.source.FetchARUSD(ctx)
		if ferr != nil {
			return nil, ferr
		}
		c.mu.Lock()
		c.price = fresh
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		// Serve a stale price rather than fail the quote outright, if one exists.
		c.mu.RLock()
		stalePrice, hadPrice := c.price, !c.fetchedAt.IsZero()
		c.mu.RUnlock()
		if hadPrice {
			return stalePrice, nil
		}
		return 0, err
	}
	return v.(float64), nil
}

// HTTPSource fetches AR/USD from a REST price feed returning
// `{"arweave": {"usd": <float>}}`, the CoinGecko simple-price shape.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource builds an HTTPSource with the teacher's 10s default HTTP
// client timeout for outbound price-feed calls.
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *HTTPSource) FetchARUSD(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("oracle: build price request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle: fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("oracle: price feed returned status %d", resp.StatusCode)
	}

	var body struct {
		Arweave struct {
			USD float64 `json:"usd"`
		} `json:"arweave"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("oracle: decode price response: %w", err)
	}
	if body.Arweave.USD <= 0 {
		return 0, fmt.Errorf("oracle: price feed returned non-positive price")
	}
	return body.Arweave.USD, nil
}
