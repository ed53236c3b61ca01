package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// timeSensitiveKeywords are query substrings that make the semantic cache
// bypass both lookup and store (§4.8).
var timeSensitiveKeywords = []string{
	"weather", "news", "stock", "today", "now", "currently", "latest",
}

// IsTimeSensitiveQuery reports whether query contains a time-sensitive
// keyword and must bypass the semantic cache entirely.
func IsTimeSensitiveQuery(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range timeSensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// SemanticConfig controls lookup/storage behavior (§6 `semanticCache.*`).
type SemanticConfig struct {
	SimilarityThreshold float64
	TTL                 time.Duration
	MaxEntries          int
}

// DefaultSemanticConfig returns this package's standalone settings: a 0.98
// similarity threshold, a 24-hour TTL and 1000 entries per model.
// lifecycle.Build does not use it; it takes config.Config's semanticCache
// settings.
func DefaultSemanticConfig() SemanticConfig {
	return SemanticConfig{SimilarityThreshold: 0.98, TTL: 24 * time.Hour, MaxEntries: 1000}
}

// semanticEntry is one cached query/response pair for a given model.
type semanticEntry struct {
	Query     string    `json:"query"`
	Embedding []float64 `json:"embedding"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"createdAt"`
}

// SemanticCache is the Redis-backed embedding cache (§4.8). Entries for one
// model live in a single Redis hash, field-keyed by a monotonically
// increasing sequence number so insertion order (and therefore eviction
// order) is cheap to derive.
type SemanticCache struct {
	client *redis.Client
	cfg    SemanticConfig
}

// NewSemanticCache wraps an existing Redis client.
func NewSemanticCache(client *redis.Client, cfg SemanticConfig) *SemanticCache {
	return &SemanticCache{client: client, cfg: cfg}
}

func modelKey(model string) string {
	return "axis:semantic:" + model
}

func seqKey(model string) string {
	return "axis:semantic:seq:" + model
}

// Lookup iterates every non-expired entry for model, returning the response
// of the best match whose cosine similarity to embedding is at least
// SimilarityThreshold, or "", false if none qualifies.
func (c *SemanticCache) Lookup(ctx context.Context, model string, embedding []float64) (string, bool, error) {
	entries, err := c.client.HGetAll(ctx, modelKey(model)).Result()
	if err != nil {
		return "", false, fmt.Errorf("cache: semantic hgetall: %w", err)
	}

	var bestResponse string
	var bestScore float64
	found := false

	for _, raw := range entries {
		var e semanticEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if c.cfg.TTL > 0 && time.Since(e.CreatedAt) > c.cfg.TTL {
			continue
		}
		score := cosineSimilarity(embedding, e.Embedding)
		if score >= c.cfg.SimilarityThreshold && (!found || score > bestScore) {
			bestResponse = e.Response
			bestScore = score
			found = true
		}
	}
	return bestResponse, found, nil
}

// Store records one query/embedding/response triple under model, evicting
// the oldest entry first if the model's entry count is at MaxEntries.
func (c *SemanticCache) Store(ctx context.Context, model, query string, embedding []float64, response string) error {
	if c.cfg.MaxEntries > 0 {
		if err := c.evictIfFull(ctx, model); err != nil {
			return err
		}
	}

	seq, err := c.client.Incr(ctx, seqKey(model)).Result()
	if err != nil {
		return fmt.Errorf("cache: semantic seq incr: %w", err)
	}

	entry := semanticEntry{Query: query, Embedding: embedding, Response: response, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encode semantic entry: %w", err)
	}
	field := fmt.Sprintf("%d", seq)
	return c.client.HSet(ctx, modelKey(model), field, data).Err()
}

func (c *SemanticCache) evictIfFull(ctx context.Context, model string) error {
	count, err := c.client.HLen(ctx, modelKey(model)).Result()
	if err != nil {
		return fmt.Errorf("cache: semantic hlen: %w", err)
	}
	if int(count) < c.cfg.MaxEntries {
		return nil
	}

	fields, err := c.client.HKeys(ctx, modelKey(model)).Result()
	if err != nil {
		return fmt.Errorf("cache: semantic hkeys: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}
	// Field names are assigned from a monotonic counter, so the numerically
	// smallest field (shortest, then lexicographically smallest) is the
	// oldest entry.
	oldest := fields[0]
	for _, f := range fields[1:] {
		if len(f) < len(oldest) || (len(f) == len(oldest) && f < oldest) {
			oldest = f
		}
	}
	return c.client.HDel(ctx, modelKey(model), oldest).Err()
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
