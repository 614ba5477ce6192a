package chatsync

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// ============================================================================
// Shared cache behaviour
// ============================================================================

// runCacheSuite exercises the Cache contract against any implementation.
func runCacheSuite(t *testing.T, newCache func(t *testing.T) Cache) {
	msg := func(id, body, at string) Message {
		return Message{ID: id, SenderID: "u1", ReceiverID: "u2", Body: body, CreatedAt: at}
	}

	t.Run("append deduplicates by id", func(t *testing.T) {
		c := newCache(t)
		defer c.Close()
		c.Append("k", msg("m1", "hi", "2026-01-01T10:00:00Z"))
		c.Append("k", msg("m1", "hi", "2026-01-01T10:00:00Z"))
		if got := len(c.Load("k")); got != 1 {
			t.Fatalf("expected 1 message, got %d", got)
		}
	})

	t.Run("append deduplicates by content tuple", func(t *testing.T) {
		c := newCache(t)
		defer c.Close()
		a := Message{SenderID: "u1", ReceiverID: "u2", Body: "hi", CreatedAt: "2026-01-01T10:00:00Z"}
		b := Message{ID: "srv-1", SenderID: "u1", ReceiverID: "u2", Body: "hi", Timestamp: "2026-01-01T10:00:00Z"}
		c.Append("k", a)
		c.Append("k", b)
		if got := len(c.Load("k")); got != 1 {
			t.Fatalf("createdAt/timestamp tuple did not collapse: %d messages", got)
		}
	})

	t.Run("replace all overwrites", func(t *testing.T) {
		c := newCache(t)
		defer c.Close()
		c.Append("k", msg("m1", "old", "2026-01-01T10:00:00Z"))
		c.ReplaceAll("k", []Message{msg("m2", "new", "2026-01-01T11:00:00Z")})
		got := c.Load("k")
		if len(got) != 1 || got[0].ID != "m2" {
			t.Fatalf("unexpected timeline %+v", got)
		}
	})

	t.Run("edit and delete unknown ids are no-ops", func(t *testing.T) {
		c := newCache(t)
		defer c.Close()
		c.Append("k", msg("m1", "hi", "2026-01-01T10:00:00Z"))
		if err := c.ApplyEdit("k", "ghost", "x", "2026-01-01T12:00:00Z"); err != nil {
			t.Fatal(err)
		}
		if err := c.ApplyDelete("k", "ghost"); err != nil {
			t.Fatal(err)
		}
		if got := c.Load("k"); len(got) != 1 || got[0].Body != "hi" {
			t.Fatalf("no-op mutated the timeline: %+v", got)
		}
	})

	t.Run("edit rewrites in place", func(t *testing.T) {
		c := newCache(t)
		defer c.Close()
		c.Append("k", msg("m1", "hi", "2026-01-01T10:00:00Z"))
		c.ApplyEdit("k", "m1", "hello", "2026-01-01T12:00:00Z")
		got := c.Load("k")
		if got[0].Body != "hello" || !got[0].IsEdited || got[0].EditedAt == "" {
			t.Fatalf("edit not applied: %+v", got[0])
		}
	})

	t.Run("tombstone round trip", func(t *testing.T) {
		c := newCache(t)
		defer c.Close()
		if got := c.ClearedAt("k"); got != "" {
			t.Fatalf("fresh key has tombstone %q", got)
		}
		c.SetClearedAt("k", "2026-01-01T10:00:00Z")
		if got := c.ClearedAt("k"); got != "2026-01-01T10:00:00Z" {
			t.Fatalf("tombstone lost: %q", got)
		}
	})

	t.Run("remove drops timeline and tombstone", func(t *testing.T) {
		c := newCache(t)
		defer c.Close()
		c.Append("k", msg("m1", "hi", "2026-01-01T10:00:00Z"))
		c.SetClearedAt("k", "2026-01-01T10:00:00Z")
		c.Remove("k")
		if len(c.Load("k")) != 0 || c.ClearedAt("k") != "" {
			t.Fatal("remove left data behind")
		}
	})

	t.Run("keys lists stored conversations", func(t *testing.T) {
		c := newCache(t)
		defer c.Close()
		c.Append("a_b", msg("m1", "hi", "2026-01-01T10:00:00Z"))
		c.Append("c_d", msg("m2", "yo", "2026-01-01T11:00:00Z"))
		keys := c.Keys()
		if len(keys) != 2 {
			t.Fatalf("expected 2 keys, got %v", keys)
		}
	})
}

func TestMemoryCache(t *testing.T) {
	runCacheSuite(t, func(t *testing.T) Cache { return NewMemoryCache() })
}

func TestPebbleCache(t *testing.T) {
	runCacheSuite(t, func(t *testing.T) Cache {
		c, err := OpenPebbleCache(t.TempDir(), zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		return c
	})
}

// ============================================================================
// Pebble durability
// ============================================================================

func TestPebbleCacheReopen(t *testing.T) {
	dir := t.TempDir()

	c, err := OpenPebbleCache(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	c.Append("u1_u2", Message{ID: "m1", SenderID: "u1", ReceiverID: "u2", Body: "hi", CreatedAt: "2026-01-01T10:00:00Z"})
	c.SetClearedAt("u1_u2", "2025-12-01T00:00:00Z")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = OpenPebbleCache(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got := c.Load("u1_u2")
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("timeline did not survive reopen: %+v", got)
	}
	if c.ClearedAt("u1_u2") != "2025-12-01T00:00:00Z" {
		t.Fatal("tombstone did not survive reopen")
	}
}

func TestPebbleCacheDamagedEntry(t *testing.T) {
	dir := t.TempDir()

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Set([]byte("conv:u1_u2"), []byte("{not json"), pebble.Sync); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	c, err := OpenPebbleCache(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// A damaged value reads as empty instead of failing.
	if got := c.Load("u1_u2"); len(got) != 0 {
		t.Fatalf("damaged entry produced messages: %+v", got)
	}

	// And writing through it heals the entry.
	if err := c.Append("u1_u2", Message{ID: "m1", SenderID: "u1", ReceiverID: "u2", Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	if got := c.Load("u1_u2"); len(got) != 1 {
		t.Fatalf("expected healed entry, got %+v", got)
	}
}
