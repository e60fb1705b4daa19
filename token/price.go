package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
)

// DefaultPriceURL is the CryptoCompare spot price endpoint.
const DefaultPriceURL = "https://min-api.cryptocompare.com/data/price?fsym=ETH&tsyms=USD"

const (
	priceCacheKey       = "eth_price"
	defaultPriceTTL     = 10 * time.Second
	defaultPriceTimeout = 10 * time.Second
)

// PriceOracle serves the ETH/USD spot price with a short Redis-backed TTL
// cache shared across worker processes.
type PriceOracle struct {
	cache  *redis.Client
	client *http.Client
	url    string
	ttl    time.Duration
}

// NewPriceOracle builds an oracle against the given cache backend. url and
// ttl fall back to the CryptoCompare endpoint and a 10 s TTL when zero.
func NewPriceOracle(cache *redis.Client, url string, ttl time.Duration) *PriceOracle {
	if url == "" {
		url = DefaultPriceURL
	}
	if ttl <= 0 {
		ttl = defaultPriceTTL
	}
	return &PriceOracle{
		cache:  cache,
		client: &http.Client{Timeout: defaultPriceTimeout},
		url:    url,
		ttl:    ttl,
	}
}

// EthPrice returns the current ETH/USD price. ok is false when neither the
// cache nor the oracle can answer; callers then store null fiat values.
func (p *PriceOracle) EthPrice(ctx context.Context) (float64, bool) {
	if cached, err := p.cache.Get(ctx, priceCacheKey).Result(); err == nil {
		if v, err := strconv.ParseFloat(cached, 64); err == nil {
			return v, true
		}
	}
	v, err := p.fetch(ctx)
	if err != nil {
		log.Warn("ETH price unavailable", "err", err)
		return 0, false
	}
	if err := p.cache.Set(ctx, priceCacheKey, strconv.FormatFloat(v, 'f', -1, 64), p.ttl).Err(); err != nil {
		log.Debug("ETH price cache write failed", "err", err)
	}
	return v, true
}

func (p *PriceOracle) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price oracle status %s", resp.Status)
	}
	var body struct {
		USD float64 `json:"USD"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}
	if body.USD <= 0 {
		return 0, fmt.Errorf("price oracle returned %v", body.USD)
	}
	return body.USD, nil
}
