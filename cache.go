package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// ============================================================================
// Cache interface
// ============================================================================

// Cache is the durable conversation store. Writes are write-through: when a
// call returns nil the data has reached the backing medium.
//
// Load and ClearedAt never fail. A missing or damaged entry reads as empty;
// implementations log the damage and move on, because a corrupt cache line
// must never take down a sync.
type Cache interface {
	// Load returns the stored timeline for key, oldest first as written.
	Load(key ConversationKey) []Message

	// Append adds msg to the timeline unless an existing entry matches it
	// under the duplicate rule.
	Append(key ConversationKey, msg Message) error

	// ReplaceAll overwrites the timeline for key.
	ReplaceAll(key ConversationKey, msgs []Message) error

	// ApplyEdit rewrites the body of the message with the given id. Editing
	// a message that is not present is a no-op.
	ApplyEdit(key ConversationKey, messageID, body, editedAt string) error

	// ApplyDelete removes the message with the given id. Deleting a message
	// that is not present is a no-op.
	ApplyDelete(key ConversationKey, messageID string) error

	// SetClearedAt records the local-clear tombstone for key.
	SetClearedAt(key ConversationKey, ts string) error

	// ClearedAt returns the tombstone for key, or "" if never cleared.
	ClearedAt(key ConversationKey) string

	// Keys lists every conversation key with a stored timeline.
	Keys() []ConversationKey

	// Remove deletes the timeline and tombstone for key.
	Remove(key ConversationKey) error

	Close() error
}

// editMessages applies an in-place body rewrite, shared by both cache
// implementations.
func editMessages(msgs []Message, messageID, body, editedAt string) bool {
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Body = body
			msgs[i].IsEdited = true
			msgs[i].EditedAt = editedAt
			return true
		}
	}
	return false
}

// deleteMessage filters out the message with the given id.
func deleteMessage(msgs []Message, messageID string) ([]Message, bool) {
	out := msgs[:0]
	found := false
	for _, m := range msgs {
		if m.ID == messageID {
			found = true
			continue
		}
		out = append(out, m)
	}
	return out, found
}

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is an in-memory Cache for tests and cache-less sessions. It
// is safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	convs   map[ConversationKey][]Message
	cleared map[ConversationKey]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		convs:   make(map[ConversationKey][]Message),
		cleared: make(map[ConversationKey]string),
	}
}

func (c *MemoryCache) Load(key ConversationKey) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.convs[key]...)
}

func (c *MemoryCache) Append(key ConversationKey, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.convs[key] {
		if sameMessage(existing, msg) {
			return nil
		}
	}
	c.convs[key] = append(c.convs[key], msg)
	return nil
}

func (c *MemoryCache) ReplaceAll(key ConversationKey, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[key] = append([]Message(nil), msgs...)
	return nil
}

func (c *MemoryCache) ApplyEdit(key ConversationKey, messageID, body, editedAt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	editMessages(c.convs[key], messageID, body, editedAt)
	return nil
}

func (c *MemoryCache) ApplyDelete(key ConversationKey, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if msgs, found := deleteMessage(c.convs[key], messageID); found {
		c.convs[key] = msgs
	}
	return nil
}

func (c *MemoryCache) SetClearedAt(key ConversationKey, ts string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared[key] = ts
	return nil
}

func (c *MemoryCache) ClearedAt(key ConversationKey) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cleared[key]
}

func (c *MemoryCache) Keys() []ConversationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]ConversationKey, 0, len(c.convs))
	for k := range c.convs {
		keys = append(keys, k)
	}
	return keys
}

func (c *MemoryCache) Remove(key ConversationKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, key)
	delete(c.cleared, key)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// ============================================================================
// PebbleCache
// ============================================================================

// Pebble key layout. Timelines live under conv:<key> as a JSON array;
// tombstones live under cleared:<key> as an RFC3339 string.
const (
	convKeyPrefix    = "conv:"
	clearedKeyPrefix = "cleared:"
)

// PebbleCache is the durable Cache backed by a local Pebble database.
// Every write is synced before the call returns.
type PebbleCache struct {
	db  *pebble.DB
	log *zap.Logger

	// mu serializes read-modify-write cycles on timeline values.
	mu sync.Mutex
}

// OpenPebbleCache opens (or creates) a Pebble database at path. Pass a nop
// logger if you do not want damage reports.
func OpenPebbleCache(path string, log *zap.Logger) (*PebbleCache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache at %s: %w", path, err)
	}
	return &PebbleCache{db: db, log: log}, nil
}

func convKey(key ConversationKey) []byte    { return []byte(convKeyPrefix + string(key)) }
func clearedKey(key ConversationKey) []byte { return []byte(clearedKeyPrefix + string(key)) }

// load reads and decodes a timeline. Damaged values read as empty.
func (c *PebbleCache) load(key ConversationKey) []Message {
	value, closer, err := c.db.Get(convKey(key))
	if err != nil {
		if err != pebble.ErrNotFound {
			c.log.Warn("cache read failed", zap.String("key", string(key)), zap.Error(err))
		}
		return nil
	}
	defer closer.Close()

	var msgs []Message
	if err := json.Unmarshal(value, &msgs); err != nil {
		c.log.Warn("discarding damaged cache entry", zap.String("key", string(key)), zap.Error(err))
		return nil
	}
	return msgs
}

func (c *PebbleCache) store(key ConversationKey, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode timeline %s: %w", key, err)
	}
	if err := c.db.Set(convKey(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("write timeline %s: %w", key, err)
	}
	return nil
}

func (c *PebbleCache) Load(key ConversationKey) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(key)
}

func (c *PebbleCache) Append(key ConversationKey, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.load(key)
	for _, existing := range msgs {
		if sameMessage(existing, msg) {
			return nil
		}
	}
	return c.store(key, append(msgs, msg))
}

func (c *PebbleCache) ReplaceAll(key ConversationKey, msgs []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(key, msgs)
}

func (c *PebbleCache) ApplyEdit(key ConversationKey, messageID, body, editedAt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.load(key)
	if !editMessages(msgs, messageID, body, editedAt) {
		return nil
	}
	return c.store(key, msgs)
}

func (c *PebbleCache) ApplyDelete(key ConversationKey, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, found := deleteMessage(c.load(key), messageID)
	if !found {
		return nil
	}
	return c.store(key, msgs)
}

func (c *PebbleCache) SetClearedAt(key ConversationKey, ts string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.Set(clearedKey(key), []byte(ts), pebble.Sync); err != nil {
		return fmt.Errorf("write tombstone %s: %w", key, err)
	}
	return nil
}

func (c *PebbleCache) ClearedAt(key ConversationKey) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, closer, err := c.db.Get(clearedKey(key))
	if err != nil {
		if err != pebble.ErrNotFound {
			c.log.Warn("tombstone read failed", zap.String("key", string(key)), zap.Error(err))
		}
		return ""
	}
	defer closer.Close()
	return string(value)
}

func (c *PebbleCache) Keys() []ConversationKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(convKeyPrefix),
		UpperBound: []byte(convKeyPrefix + "\xff"),
	})
	if err != nil {
		c.log.Warn("cache scan failed", zap.Error(err))
		return nil
	}
	defer iter.Close()

	var keys []ConversationKey
	for iter.First(); iter.Valid(); iter.Next() {
		k := strings.TrimPrefix(string(iter.Key()), convKeyPrefix)
		keys = append(keys, ConversationKey(k))
	}
	return keys
}

func (c *PebbleCache) Remove(key ConversationKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.Delete(convKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("remove timeline %s: %w", key, err)
	}
	if err := c.db.Delete(clearedKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("remove tombstone %s: %w", key, err)
	}
	return nil
}

func (c *PebbleCache) Close() error {
	return c.db.Close()
}
