package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// greetingTTL bounds how long synthesized greeting audio sticks around in
// Redis. Greetings change rarely; a day is plenty.
const greetingTTL = 24 * time.Hour

// GreetingCache stores pre-synthesized greeting PCM keyed by (voice, text).
// Entries are immutable once written: populate once, then read. A process
// keeps a local copy so the hot path never leaves memory; Redis lets
// restarts and siblings reuse the synthesis.
type GreetingCache struct {
	rdb *redis.Client // optional

	mu    sync.RWMutex
	local map[string][]byte
}

func NewGreetingCache(rdb *redis.Client) *GreetingCache {
	return &GreetingCache{rdb: rdb, local: map[string][]byte{}}
}

func cacheKey(voiceID, text string) string {
	sum := sha256.Sum256([]byte(voiceID + "\x00" + text))
	return "greeting:" + hex.EncodeToString(sum[:])
}

// Get returns cached PCM for the greeting, or nil.
func (g *GreetingCache) Get(ctx context.Context, voiceID, text string) []byte {
	key := cacheKey(voiceID, text)

	g.mu.RLock()
	pcm := g.local[key]
	g.mu.RUnlock()
	if pcm != nil {
		return pcm
	}

	if g.rdb == nil {
		return nil
	}
	data, err := g.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	g.mu.Lock()
	g.local[key] = data
	g.mu.Unlock()
	return data
}

// Put stores synthesized greeting PCM.
func (g *GreetingCache) Put(ctx context.Context, voiceID, text string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	key := cacheKey(voiceID, text)

	g.mu.Lock()
	g.local[key] = pcm
	g.mu.Unlock()

	if g.rdb != nil {
		_ = g.rdb.Set(ctx, key, pcm, greetingTTL).Err()
	}
}
