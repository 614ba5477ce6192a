package chatsync

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Conversation keys
// ============================================================================

// ConversationKey canonically identifies a two-party conversation. The
// strongest form is the sorted id pair "idA_idB"; weaker forms derived from
// email, display name or a lone counterpart id are prefixed so they can
// never collide with a pair key.
type ConversationKey string

const (
	legacyKeyPrefix = "conversation_"
	emailKeyPrefix  = "email:"
	nameKeyPrefix   = "name:"
	soloKeyPrefix   = "id:"
)

var (
	// ErrSelfConversation rejects records whose sender and receiver are the
	// same user. The backend has produced these during echo storms and they
	// must never reach the conversation list.
	ErrSelfConversation = errors.New("chatsync: sender and receiver are the same user")

	// ErrNoIdentity means not even a weak-tier key could be derived.
	ErrNoIdentity = errors.New("chatsync: no usable identity for conversation")
)

// PartialIdentity is whatever subset of a counterpart's identity a caller
// has observed. Any one field is enough to derive some key; richer subsets
// derive stronger ones.
type PartialIdentity struct {
	SelfID      string
	OtherID     string
	Email       string
	DisplayName string

	// LegacyKey is a raw cache key in the old "conversation_<a>_<b>" format.
	LegacyKey string
}

// pairKey builds the strongest key form: both ids sorted and joined, so the
// two parties derive the identical key independently.
func pairKey(a, b string) ConversationKey {
	ids := []string{a, b}
	sort.Strings(ids)
	return ConversationKey(ids[0] + "_" + ids[1])
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeName lowercases a display name and collapses interior runs of
// whitespace to single spaces.
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// parseLegacyKey splits an old-format cache key into its two ids.
func parseLegacyKey(k string) (a, b string, ok bool) {
	rest, found := strings.CutPrefix(k, legacyKeyPrefix)
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// participantID reads a sender/receiver field that may be a bare id string
// or an embedded participant object. Returns "" if neither form matches.
func participantID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID       string `json:"id"`
		LegacyID string `json:"_id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.ID != "" {
			return obj.ID
		}
		return obj.LegacyID
	}
	return ""
}

// ============================================================================
// Resolver
// ============================================================================

// Merge reports that two cache keys identify the same conversation and the
// entry under From should be folded into Into.
type Merge struct {
	From ConversationKey
	Into ConversationKey
}

// Resolver derives canonical conversation keys and remembers every alias it
// has seen, so a conversation first observed by email and later by id pair
// lands under one key instead of splitting in two.
type Resolver struct {
	mu      sync.Mutex
	byAlias map[string]ConversationKey
}

func NewResolver() *Resolver {
	return &Resolver{byAlias: make(map[string]ConversationKey)}
}

// derive computes the best key the partial supports plus every alias the
// partial can vouch for. Tier order: id pair, email, display name, lone id.
func derive(p PartialIdentity) (key ConversationKey, aliases []string, err error) {
	if p.LegacyKey != "" {
		if a, b, ok := parseLegacyKey(p.LegacyKey); ok {
			if a == b {
				return "", nil, ErrSelfConversation
			}
			p.SelfID, p.OtherID = a, b
		}
	}

	email := NormalizeEmail(p.Email)
	name := NormalizeName(p.DisplayName)

	if email != "" {
		aliases = append(aliases, emailKeyPrefix+email)
	}
	if name != "" {
		aliases = append(aliases, nameKeyPrefix+name)
	}
	if p.OtherID != "" {
		aliases = append(aliases, soloKeyPrefix+p.OtherID)
	}

	switch {
	case p.SelfID != "" && p.OtherID != "":
		if p.SelfID == p.OtherID {
			return "", nil, ErrSelfConversation
		}
		key = pairKey(p.SelfID, p.OtherID)
	case email != "":
		key = ConversationKey(emailKeyPrefix + email)
	case name != "":
		key = ConversationKey(nameKeyPrefix + name)
	case p.OtherID != "":
		key = ConversationKey(soloKeyPrefix + p.OtherID)
	default:
		return "", nil, ErrNoIdentity
	}
	return key, aliases, nil
}

// isPair reports whether k is a strongest-tier (id pair) key.
func (k ConversationKey) isPair() bool {
	s := string(k)
	return !strings.HasPrefix(s, emailKeyPrefix) &&
		!strings.HasPrefix(s, nameKeyPrefix) &&
		!strings.HasPrefix(s, soloKeyPrefix) &&
		strings.Contains(s, "_")
}

// Resolve returns the canonical key for a partial identity. The result is
// stable: once an alias (email, name, lone id) has been bound to a key,
// later partials carrying that alias resolve to the same key.
//
// When a new partial upgrades previously weak bindings, for example the id
// pair becomes known for a conversation so far keyed by email, Resolve
// returns a Merge for every superseded key telling the caller to fold its
// cache entry into the new one. Aliases bound to distinct weak keys each
// produce their own Merge.
func (r *Resolver) Resolve(p PartialIdentity) (ConversationKey, []Merge, error) {
	key, aliases, err := derive(p)
	if err != nil {
		return "", nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if key.isPair() {
		// Strongest tier wins: fold every weaker key an alias points at.
		var merges []Merge
		folded := make(map[ConversationKey]struct{})
		for _, alias := range aliases {
			if old, ok := r.byAlias[alias]; ok && old != key && !old.isPair() {
				if _, done := folded[old]; !done {
					folded[old] = struct{}{}
					merges = append(merges, Merge{From: old, Into: key})
				}
			}
		}
		for _, alias := range aliases {
			r.byAlias[alias] = key
		}
		return key, merges, nil
	}

	// Weak tier: if any alias is already bound, reuse that binding.
	for _, alias := range aliases {
		if bound, ok := r.byAlias[alias]; ok {
			for _, a := range aliases {
				if _, taken := r.byAlias[a]; !taken {
					r.byAlias[a] = bound
				}
			}
			return bound, nil, nil
		}
	}
	for _, alias := range aliases {
		r.byAlias[alias] = key
	}
	return key, nil, nil
}

// ============================================================================
// Legacy key migration
// ============================================================================

// MigrateLegacyKeys folds cache entries stored under old-format keys into
// their canonical keys: messages are concatenated, sorted by time, deduped
// and written under the canonical key, then the obsolete entry is removed.
// Self-conversation entries are dropped outright. Running the migration
// twice is a no-op.
func MigrateLegacyKeys(cache Cache, r *Resolver, log *zap.Logger) error {
	for _, key := range cache.Keys() {
		a, b, ok := parseLegacyKey(string(key))
		if !ok {
			continue
		}
		if a == b {
			log.Warn("dropping self-conversation cache entry", zap.String("key", string(key)))
			if err := cache.Remove(key); err != nil {
				return err
			}
			continue
		}

		canonical, _, err := r.Resolve(PartialIdentity{SelfID: a, OtherID: b})
		if err != nil {
			return err
		}
		if canonical == key {
			continue
		}
		if err := mergeCacheEntries(cache, key, canonical); err != nil {
			return err
		}
		log.Info("migrated legacy conversation key",
			zap.String("from", string(key)), zap.String("to", string(canonical)))
	}
	return nil
}

// mergeCacheEntries folds the entry under from into the entry under into
// and deletes from. The merged timeline is sorted and deduped; the later of
// the two clearedAt marks survives.
func mergeCacheEntries(cache Cache, from, into ConversationKey) error {
	merged := append(cache.Load(into), cache.Load(from)...)
	merged = dedupeMessages(merged)
	sortMessages(merged)
	if err := cache.ReplaceAll(into, merged); err != nil {
		return err
	}

	if fc := cache.ClearedAt(from); fc != "" {
		ic := cache.ClearedAt(into)
		if ic == "" || parseTime(fc).After(parseTime(ic)) {
			if err := cache.SetClearedAt(into, fc); err != nil {
				return err
			}
		}
	}
	return cache.Remove(from)
}

// dedupeMessages removes duplicates under the sameMessage rule, keeping the
// first occurrence.
func dedupeMessages(msgs []Message) []Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		dup := false
		for _, kept := range out {
			if sameMessage(kept, m) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}

// sortMessages orders a timeline oldest first. The sort is stable so that
// equal-time messages keep arrival order.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return messageTime(msgs[i]).Before(messageTime(msgs[j]))
	})
}
