package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// cachedResult stores a successful output with its storage time
type cachedResult struct {
	output   interface{}
	storedAt time.Time
}

// ResultCache memoizes successful tool outputs keyed by (tool id, input)
// with a time-to-live. Expiry is lazy: Get treats a stale entry as absent.
// An optional background sweeper reclaims memory.
type ResultCache struct {
	entries  map[string]*cachedResult
	ttl      time.Duration
	mu       sync.RWMutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewResultCache creates a result cache. If sweepInterval > 0 a cleanup
// goroutine removes expired entries periodically; Stop shuts it down.
func NewResultCache(ttl, sweepInterval time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	cache := &ResultCache{
		entries: make(map[string]*cachedResult),
		ttl:     ttl,
		done:    make(chan struct{}),
	}

	if sweepInterval > 0 {
		go cache.sweep(sweepInterval)
	}

	return cache
}

// Get retrieves a cached result if it exists and is within the TTL window
func (rc *ResultCache) Get(key string) (interface{}, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	entry, exists := rc.entries[key]
	if !exists {
		return nil, false
	}
	if time.Since(entry.storedAt) >= rc.ttl {
		return nil, false
	}
	return entry.output, true
}

// Put stores a successful result. Failed results must never be cached;
// the engine only calls Put on the success path.
func (rc *ResultCache) Put(key string, output interface{}) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.entries[key] = &cachedResult{
		output:   output,
		storedAt: time.Now(),
	}
}

// Clear removes all entries unconditionally
func (rc *ResultCache) Clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries = make(map[string]*cachedResult)
}

// Size returns the number of entries, expired ones included
func (rc *ResultCache) Size() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.entries)
}

// Stop terminates the sweeper goroutine, if any
func (rc *ResultCache) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
	})
}

func (rc *ResultCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.done:
			return
		case <-ticker.C:
			rc.mu.Lock()
			now := time.Now()
			for key, entry := range rc.entries {
				if now.Sub(entry.storedAt) >= rc.ttl {
					delete(rc.entries, key)
				}
			}
			rc.mu.Unlock()
		}
	}
}

// CacheKey derives a canonical, deterministic key from a tool id and input.
// Object keys are sorted recursively so semantically identical inputs
// collide regardless of map iteration or construction order. Array order is
// preserved: argument order is meaningful for tools.
func CacheKey(toolID string, input map[string]interface{}) string {
	var sb strings.Builder
	sb.WriteString(toolID)
	sb.WriteByte(':')
	writeCanonical(&sb, input)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encoded, _ := json.Marshal(k)
			sb.Write(encoded)
			sb.WriteByte(':')
			writeCanonical(sb, val[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, item)
		}
		sb.WriteByte(']')
	case nil:
		sb.WriteString("null")
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			// Unmarshalable values still need a deterministic encoding.
			sb.WriteString(fmt.Sprintf("%q", fmt.Sprintf("%v", val)))
			return
		}
		sb.Write(encoded)
	}
}
