package lattice

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Storage
// ============================================================================

// ErrStorageFull is returned by a Storage when a write exceeds its capacity,
// mirroring a browser session-storage quota rejection.
var ErrStorageFull = errors.New("storage capacity exceeded")

// Storage is the session-scoped string key-value store the history cache
// persists to. Implementations may reject oversized writes with
// ErrStorageFull.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string)
}

// MemoryStorage is a goroutine-safe in-memory Storage, optionally bounded by
// a total value-byte budget.
type MemoryStorage struct {
	mu    sync.RWMutex
	data  map[string]string
	limit int
}

// NewMemoryStorage creates an unbounded in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

// NewBoundedStorage creates an in-memory storage that rejects writes once
// total stored value bytes would exceed limit.
func NewBoundedStorage(limit int) *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string), limit: limit}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 {
		used := 0
		for k, v := range s.data {
			if k != key {
				used += len(v)
			}
		}
		if used+len(value) > s.limit {
			return ErrStorageFull
		}
	}
	s.data[key] = value
	return nil
}

func (s *MemoryStorage) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// ============================================================================
// Message cache
// ============================================================================

const (
	cacheKeyPrefix = "lattice.history."

	// cacheHardCap bounds a persisted conversation window; cacheFallbackCap
	// is the retry size when the storage rejects the full window.
	cacheHardCap     = 100
	cacheFallbackCap = 50
)

// MessageCache persists a bounded window of recent confirmed messages per
// conversation. It is advisory only: reads accelerate first paint and are
// always reconciled against a later fetch, and writes are best-effort;
// no cache failure is ever user-visible.
type MessageCache struct {
	storage Storage
	log     *zap.Logger
}

// NewMessageCache wraps a Storage. A nil logger disables logging.
func NewMessageCache(storage Storage, log *zap.Logger) *MessageCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageCache{storage: storage, log: log}
}

// Load returns the cached messages for a conversation sorted ascending by
// canonical sort key, or nil if nothing usable is stored. An unreadable
// entry is dropped and treated as empty.
func (c *MessageCache) Load(conversationKey string) []Message {
	raw, ok := c.storage.Get(cacheKeyPrefix + conversationKey)
	if !ok {
		return nil
	}

	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		c.log.Debug("dropping unreadable history cache",
			zap.String("conversation", conversationKey), zap.Error(err))
		c.storage.Remove(cacheKeyPrefix + conversationKey)
		return nil
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SortKey.Before(msgs[j].SortKey)
	})
	return msgs
}

// Save persists the most recent confirmed messages of a timeline, newest
// first, truncated to cacheHardCap. Provisional and in-flight entries are
// excluded; only delivered history is worth replaying on the next open.
// If the storage rejects the write, Save retries once at cacheFallbackCap
// and then gives up silently.
func (c *MessageCache) Save(conversationKey string, timeline []Message) {
	confirmed := make([]Message, 0, len(timeline))
	for _, m := range timeline {
		if m.ID.Provisional() || m.Status != StatusDelivered {
			continue
		}
		confirmed = append(confirmed, m)
	}

	// Newest-first storage order; Load re-sorts ascending.
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[j].SortKey.Before(confirmed[i].SortKey)
	})

	if err := c.write(conversationKey, confirmed, cacheHardCap); err != nil {
		if err = c.write(conversationKey, confirmed, cacheFallbackCap); err != nil {
			c.log.Debug("abandoning history cache write",
				zap.String("conversation", conversationKey), zap.Error(err))
		}
	}
}

func (c *MessageCache) write(conversationKey string, msgs []Message, limit int) error {
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return c.storage.Set(cacheKeyPrefix+conversationKey, string(data))
}
