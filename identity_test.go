package chatsync

import (
	"testing"

	"go.uber.org/zap"
)

// ============================================================================
// Key derivation
// ============================================================================

func TestResolveTiers(t *testing.T) {
	t.Run("id pair is order independent", func(t *testing.T) {
		r := NewResolver()
		k1, _, err := r.Resolve(PartialIdentity{SelfID: "bob", OtherID: "alice"})
		if err != nil {
			t.Fatal(err)
		}
		k2, _, err := r.Resolve(PartialIdentity{SelfID: "alice", OtherID: "bob"})
		if err != nil {
			t.Fatal(err)
		}
		if k1 != k2 {
			t.Fatalf("keys differ: %q vs %q", k1, k2)
		}
		if k1 != "alice_bob" {
			t.Fatalf("unexpected key %q", k1)
		}
	})

	t.Run("email outranks name and lone id", func(t *testing.T) {
		r := NewResolver()
		key, _, err := r.Resolve(PartialIdentity{Email: " Jane@Example.COM ", DisplayName: "Jane Doe", OtherID: "u9"})
		if err != nil {
			t.Fatal(err)
		}
		if key != "email:jane@example.com" {
			t.Fatalf("unexpected key %q", key)
		}
	})

	t.Run("name collapses whitespace and case", func(t *testing.T) {
		r := NewResolver()
		k1, _, _ := r.Resolve(PartialIdentity{DisplayName: "Jane   DOE"})
		k2, _, _ := r.Resolve(PartialIdentity{DisplayName: " jane doe "})
		if k1 != k2 || k1 != "name:jane doe" {
			t.Fatalf("keys differ: %q vs %q", k1, k2)
		}
	})

	t.Run("lone id is the last resort", func(t *testing.T) {
		r := NewResolver()
		key, _, err := r.Resolve(PartialIdentity{OtherID: "u7"})
		if err != nil {
			t.Fatal(err)
		}
		if key != "id:u7" {
			t.Fatalf("unexpected key %q", key)
		}
	})

	t.Run("self conversation is rejected", func(t *testing.T) {
		r := NewResolver()
		if _, _, err := r.Resolve(PartialIdentity{SelfID: "u1", OtherID: "u1"}); err != ErrSelfConversation {
			t.Fatalf("expected ErrSelfConversation, got %v", err)
		}
	})

	t.Run("empty identity is rejected", func(t *testing.T) {
		r := NewResolver()
		if _, _, err := r.Resolve(PartialIdentity{}); err != ErrNoIdentity {
			t.Fatalf("expected ErrNoIdentity, got %v", err)
		}
	})
}

func TestResolveAliasUpgrade(t *testing.T) {
	r := NewResolver()

	// First observation: email only.
	weak, _, err := r.Resolve(PartialIdentity{Email: "jane@example.com"})
	if err != nil {
		t.Fatal(err)
	}

	// Later the id pair becomes known for the same counterpart.
	strong, merges, err := r.Resolve(PartialIdentity{SelfID: "me", OtherID: "u7", Email: "jane@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if strong != "me_u7" {
		t.Fatalf("unexpected key %q", strong)
	}
	if len(merges) != 1 || merges[0].From != weak || merges[0].Into != strong {
		t.Fatalf("expected merge %q -> %q, got %+v", weak, strong, merges)
	}

	// From now on the email alone resolves to the pair key.
	again, merges, err := r.Resolve(PartialIdentity{Email: "jane@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if again != strong {
		t.Fatalf("alias did not stick: got %q, want %q", again, strong)
	}
	if len(merges) != 0 {
		t.Fatalf("unexpected repeat merge %+v", merges)
	}
}

func TestResolveFoldsEveryWeakKey(t *testing.T) {
	r := NewResolver()

	// The same counterpart observed twice, under unrelated weak keys.
	byEmail, _, err := r.Resolve(PartialIdentity{Email: "jane@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	byName, _, err := r.Resolve(PartialIdentity{DisplayName: "Jane Doe"})
	if err != nil {
		t.Fatal(err)
	}

	// The id pair arrives carrying both aliases: each weak key must fold.
	strong, merges, err := r.Resolve(PartialIdentity{
		SelfID: "me", OtherID: "u7",
		Email: "jane@example.com", DisplayName: "Jane Doe",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(merges) != 2 {
		t.Fatalf("expected 2 merges, got %+v", merges)
	}
	from := make(map[ConversationKey]bool)
	for _, m := range merges {
		if m.Into != strong {
			t.Fatalf("merge into %q, want %q", m.Into, strong)
		}
		from[m.From] = true
	}
	if !from[byEmail] || !from[byName] {
		t.Fatalf("a weak key was left behind: %+v", merges)
	}
}

func TestParseLegacyKey(t *testing.T) {
	a, b, ok := parseLegacyKey("conversation_u1_u2")
	if !ok || a != "u1" || b != "u2" {
		t.Fatalf("got %q %q %v", a, b, ok)
	}
	if _, _, ok := parseLegacyKey("alice_bob"); ok {
		t.Fatal("canonical key must not parse as legacy")
	}
	if _, _, ok := parseLegacyKey("conversation_"); ok {
		t.Fatal("truncated key must not parse")
	}
}

func TestParticipantID(t *testing.T) {
	if got := participantID([]byte(`"u1"`)); got != "u1" {
		t.Fatalf("bare string: got %q", got)
	}
	if got := participantID([]byte(`{"_id":"u2","email":"x@y.z"}`)); got != "u2" {
		t.Fatalf("embedded record: got %q", got)
	}
	if got := participantID([]byte(`{"id":"u3","_id":"u2"}`)); got != "u3" {
		t.Fatalf("id beats _id: got %q", got)
	}
	if got := participantID(nil); got != "" {
		t.Fatalf("nil input: got %q", got)
	}
}

// ============================================================================
// Legacy migration
// ============================================================================

func TestMigrateLegacyKeys(t *testing.T) {
	msg := func(id, sender, receiver, body, at string) Message {
		return Message{ID: id, SenderID: sender, ReceiverID: receiver, Body: body, CreatedAt: at}
	}

	t.Run("merges into canonical key and deletes the old entry", func(t *testing.T) {
		cache := NewMemoryCache()
		cache.ReplaceAll("conversation_u2_u1", []Message{
			msg("m1", "u1", "u2", "old", "2026-01-01T10:00:00Z"),
		})
		cache.ReplaceAll("u1_u2", []Message{
			msg("m2", "u2", "u1", "new", "2026-01-01T11:00:00Z"),
			msg("m1", "u1", "u2", "old", "2026-01-01T10:00:00Z"), // duplicate of legacy copy
		})

		if err := MigrateLegacyKeys(cache, NewResolver(), zap.NewNop()); err != nil {
			t.Fatal(err)
		}

		if got := cache.Load("conversation_u2_u1"); len(got) != 0 {
			t.Fatalf("legacy entry survived: %d messages", len(got))
		}
		merged := cache.Load("u1_u2")
		if len(merged) != 2 {
			t.Fatalf("expected 2 merged messages, got %d", len(merged))
		}
		if merged[0].ID != "m1" || merged[1].ID != "m2" {
			t.Fatalf("merged timeline out of order: %s, %s", merged[0].ID, merged[1].ID)
		}
	})

	t.Run("running twice is a no-op", func(t *testing.T) {
		cache := NewMemoryCache()
		cache.ReplaceAll("conversation_u1_u2", []Message{
			msg("m1", "u1", "u2", "hello", "2026-01-01T10:00:00Z"),
		})
		r := NewResolver()
		if err := MigrateLegacyKeys(cache, r, zap.NewNop()); err != nil {
			t.Fatal(err)
		}
		before := cache.Load("u1_u2")
		if err := MigrateLegacyKeys(cache, r, zap.NewNop()); err != nil {
			t.Fatal(err)
		}
		after := cache.Load("u1_u2")
		if len(before) != 1 || len(after) != 1 || before[0].ID != after[0].ID {
			t.Fatalf("migration not idempotent: %d then %d messages", len(before), len(after))
		}
	})

	t.Run("drops self conversations", func(t *testing.T) {
		cache := NewMemoryCache()
		cache.ReplaceAll("conversation_u1_u1", []Message{
			msg("m1", "u1", "u1", "echo", "2026-01-01T10:00:00Z"),
		})
		if err := MigrateLegacyKeys(cache, NewResolver(), zap.NewNop()); err != nil {
			t.Fatal(err)
		}
		if got := len(cache.Keys()); got != 0 {
			t.Fatalf("self conversation survived, %d keys", got)
		}
	})

	t.Run("later tombstone survives the merge", func(t *testing.T) {
		cache := NewMemoryCache()
		cache.ReplaceAll("conversation_u1_u2", nil)
		cache.SetClearedAt("conversation_u1_u2", "2026-02-01T00:00:00Z")
		cache.ReplaceAll("u1_u2", nil)
		cache.SetClearedAt("u1_u2", "2026-01-01T00:00:00Z")

		if err := MigrateLegacyKeys(cache, NewResolver(), zap.NewNop()); err != nil {
			t.Fatal(err)
		}
		if got := cache.ClearedAt("u1_u2"); got != "2026-02-01T00:00:00Z" {
			t.Fatalf("tombstone regressed: %q", got)
		}
	})
}
