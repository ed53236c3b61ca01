// Package cache implements the two caches described in spec §4.8: a
// NATS-KV-backed plan-replay cache keyed by a hash of the normalized user
// message and tool catalog, and a Redis-backed semantic cache keyed by
// query embedding with cosine-similarity lookup.
//
// Grounded on storage/entity.go's getOrCreateBucket + bucket-per-entity-type
// idiom for the plan-replay bucket, generalized from "one bucket per domain
// entity" to "one bucket holding TTL'd, hash-keyed cache entries."
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"axis.run/meridian/internal/job"
)

const bucketPlanReplay = "AXIS_PLAN_REPLAY"

// nonDeterministicTools are Gears whose output is not a pure function of
// their parameters, so a plan that calls one is never replay-eligible.
var nonDeterministicTools = map[string]bool{
	"web-search": true,
	"web-fetch":  true,
}

// timeSensitiveKeys are step parameter keys whose presence means the step's
// result depends on wall-clock time.
var timeSensitiveKeys = map[string]bool{
	"timestamp": true,
	"date":      true,
	"time":      true,
	"now":       true,
	"today":     true,
}

var (
	iso8601Pattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	unixTsPattern  = regexp.MustCompile(`\b\d{10,13}\b`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// NormalizeMessage applies §4.8's normalization: strip ISO-8601 and
// 10-13-digit unix timestamps, lowercase, collapse whitespace.
func NormalizeMessage(msg string) string {
	s := iso8601Pattern.ReplaceAllString(msg, "")
	s = unixTsPattern.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// PlanReplayKey computes the cache key: hash of
// normalize(userMessage) | sorted(toolCatalog).
func PlanReplayKey(userMessage string, toolCatalog []string) string {
	sorted := append([]string(nil), toolCatalog...)
	sort.Strings(sorted)
	material := NormalizeMessage(userMessage) + "|" + strings.Join(sorted, ",")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// PlanReplayEligible implements §4.8's eligibility rule: Job source must be
// schedule, the plan must have at least one step, no step may use a
// non-deterministic tool, and no step parameter key may be time-sensitive.
func PlanReplayEligible(source job.Source, plan *job.Plan) bool {
	if source != job.SourceSchedule {
		return false
	}
	if plan == nil || len(plan.Steps) == 0 {
		return false
	}
	for _, step := range plan.Steps {
		if nonDeterministicTools[step.Gear] {
			return false
		}
		for key := range step.Parameters {
			if timeSensitiveKeys[strings.ToLower(key)] {
				return false
			}
		}
	}
	return true
}

// planReplayEntry is the persisted cache record.
type planReplayEntry struct {
	Plan      *job.Plan `json:"plan"`
	CreatedAt time.Time `json:"createdAt"`
}

// PlanReplayConfig bounds the cache (§6 `planCache.*`).
type PlanReplayConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultPlanReplayConfig returns this package's standalone bounds: 500
// entries and a one-hour TTL. lifecycle.Build does not use it; it sizes the
// cache from config.Config's planCache settings.
func DefaultPlanReplayConfig() PlanReplayConfig {
	return PlanReplayConfig{MaxEntries: 500, TTL: time.Hour}
}

// PlanReplayCache is the NATS-KV-backed plan cache.
type PlanReplayCache struct {
	kv  jetstream.KeyValue
	cfg PlanReplayConfig

	mu sync.Mutex
}

// NewPlanReplayCache creates (or reuses) the AXIS_PLAN_REPLAY bucket.
func NewPlanReplayCache(ctx context.Context, js jetstream.JetStream, cfg PlanReplayConfig) (*PlanReplayCache, error) {
	kv, err := js.KeyValue(ctx, bucketPlanReplay)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucketPlanReplay,
			Description: "Axis plan replay cache",
			TTL:         cfg.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("create plan replay bucket: %w", err)
		}
	}
	return &PlanReplayCache{kv: kv, cfg: cfg}, nil
}

// Get returns the cached Plan for key, or nil if absent or expired. The
// bucket's own TTL already expires entries server-side; Get additionally
// re-checks age defensively in case the bucket was created before TTL was
// configured.
func (c *PlanReplayCache) Get(ctx context.Context, key string) (*job.Plan, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec planReplayEntry
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("decode plan replay entry: %w", err)
	}
	if c.cfg.TTL > 0 && time.Since(rec.CreatedAt) > c.cfg.TTL {
		return nil, nil
	}
	return rec.Plan, nil
}

// Put stores plan under key, evicting the oldest entry (by createdAt) if
// the cache is at MaxEntries.
func (c *PlanReplayCache) Put(ctx context.Context, key string, plan *job.Plan) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxEntries > 0 {
		if err := c.evictIfFull(ctx); err != nil {
			return err
		}
	}

	rec := planReplayEntry{Plan: plan, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode plan replay entry: %w", err)
	}
	_, err = c.kv.Put(ctx, key, data)
	return err
}

func (c *PlanReplayCache) evictIfFull(ctx context.Context) error {
	keys, err := c.kv.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if len(keys) < c.cfg.MaxEntries {
		return nil
	}

	var oldestKey string
	var oldestAt time.Time
	for _, k := range keys {
		entry, err := c.kv.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec planReplayEntry
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if oldestKey == "" || rec.CreatedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = rec.CreatedAt
		}
	}
	if oldestKey != "" {
		return c.kv.Delete(ctx, oldestKey)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrNoKeysFound)
}
