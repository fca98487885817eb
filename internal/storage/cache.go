package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// ResultCache stores successful OCR responses in Redis keyed by upload content
type ResultCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewResultCache creates a cache; a zero ttl disables it
func NewResultCache(client *redis.Client, prefix string, ttl time.Duration) *ResultCache {
	if prefix == "" {
		prefix = "ocr"
	}
	return &ResultCache{client: client, prefix: prefix, ttl: ttl}
}

// Enabled reports whether lookups and writes do anything
func (c *ResultCache) Enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// CacheKey identifies an upload: its bytes, its declared type, and the
// threshold that decided routing
func CacheKey(data []byte, contentType string, threshold float64) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(contentType))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(threshold, 'f', -1, 64)))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *ResultCache) key(k string) string {
	return fmt.Sprintf("%s:result:%s", c.prefix, k)
}

// Get returns the cached response for key
func (c *ResultCache) Get(ctx context.Context, key string) (*ocr.Response, bool, error) {
	if !c.Enabled() {
		return nil, false, nil
	}

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached result: %w", err)
	}

	var resp ocr.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &resp, true, nil
}

// Set stores a successful response. Failed responses are never cached.
func (c *ResultCache) Set(ctx context.Context, key string, resp *ocr.Response) error {
	if !c.Enabled() || resp == nil || resp.Failed() {
		return nil
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}
