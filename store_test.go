package chatsync

import (
	"strings"
	"testing"
)

func storeMsg(id, sender, receiver, body, at string) Message {
	return Message{ID: id, SenderID: sender, ReceiverID: receiver, Body: body, CreatedAt: at}
}

// ============================================================================
// Seeding and ordering
// ============================================================================

func TestStoreSeed(t *testing.T) {
	t.Run("sorts oldest first", func(t *testing.T) {
		s := newStore("u1_u2", "")
		s.Seed([]Message{
			storeMsg("m2", "u2", "u1", "second", "2026-01-01T11:00:00Z"),
			storeMsg("m1", "u1", "u2", "first", "2026-01-01T10:00:00Z"),
		})
		got := s.Messages()
		if got[0].ID != "m1" || got[1].ID != "m2" {
			t.Fatalf("out of order: %s, %s", got[0].ID, got[1].ID)
		}
	})

	t.Run("drops duplicates", func(t *testing.T) {
		s := newStore("u1_u2", "")
		s.Seed([]Message{
			storeMsg("m1", "u1", "u2", "hi", "2026-01-01T10:00:00Z"),
			storeMsg("m1", "u1", "u2", "hi", "2026-01-01T10:00:00Z"),
		})
		if got := len(s.Messages()); got != 1 {
			t.Fatalf("expected 1 message, got %d", got)
		}
	})

	t.Run("filters tombstoned messages", func(t *testing.T) {
		s := newStore("u1_u2", "2026-01-01T10:30:00Z")
		s.Seed([]Message{
			storeMsg("m1", "u1", "u2", "cleared", "2026-01-01T10:00:00Z"),
			storeMsg("m2", "u2", "u1", "kept", "2026-01-01T11:00:00Z"),
		})
		got := s.Messages()
		if len(got) != 1 || got[0].ID != "m2" {
			t.Fatalf("tombstone filter failed: %+v", got)
		}
	})
}

func TestStoreAppend(t *testing.T) {
	t.Run("out of order arrival is inserted chronologically", func(t *testing.T) {
		s := newStore("u1_u2", "")
		s.Append(storeMsg("m2", "u1", "u2", "later", "2026-01-01T11:00:00Z"))
		s.Append(storeMsg("m1", "u2", "u1", "earlier", "2026-01-01T10:00:00Z"))
		got := s.Messages()
		if got[0].ID != "m1" || got[1].ID != "m2" {
			t.Fatalf("out of order: %s, %s", got[0].ID, got[1].ID)
		}
	})

	t.Run("refuses tombstoned arrivals even after the fact", func(t *testing.T) {
		s := newStore("u1_u2", "2026-01-01T10:30:00Z")
		if s.Append(storeMsg("m1", "u1", "u2", "cleared", "2026-01-01T10:00:00Z")) {
			t.Fatal("tombstoned message accepted")
		}
		if !s.Append(storeMsg("m2", "u1", "u2", "kept", "2026-01-01T11:00:00Z")) {
			t.Fatal("fresh message rejected")
		}
	})

	t.Run("dedupes across id and tuple", func(t *testing.T) {
		s := newStore("u1_u2", "")
		s.Append(Message{SenderID: "u1", ReceiverID: "u2", Body: "hi", Timestamp: "2026-01-01T10:00:00Z"})
		if s.Append(Message{ID: "srv-1", SenderID: "u1", ReceiverID: "u2", Body: "hi", CreatedAt: "2026-01-01T10:00:00Z"}) {
			t.Fatal("tuple duplicate accepted")
		}
	})
}

// ============================================================================
// Optimistic send and reconciliation
// ============================================================================

func TestStoreReconcile(t *testing.T) {
	t.Run("server echo replaces the optimistic entry in place", func(t *testing.T) {
		s := newStore("u1_u2", "")
		s.Append(storeMsg("m0", "u2", "u1", "before", "2026-01-01T09:00:00Z"))
		localID := s.AppendOptimistic(Message{
			SenderID: "u1", ReceiverID: "u2", Body: "hi", Timestamp: "2026-01-01T10:00:00Z",
		})
		if !strings.HasPrefix(localID, localIDPrefix) {
			t.Fatalf("unexpected local id %q", localID)
		}

		echo := storeMsg("srv-1", "u1", "u2", "hi", "2026-01-01T10:00:01Z")
		replaced, changed := s.Reconcile(echo)
		if replaced != localID || !changed {
			t.Fatalf("no replacement: replaced=%q changed=%v", replaced, changed)
		}

		got := s.Messages()
		if len(got) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got))
		}
		// The echo keeps the optimistic entry's slot.
		if got[1].ID != "srv-1" || got[1].Pending {
			t.Fatalf("slot not preserved: %+v", got[1])
		}
	})

	t.Run("matching requires the full content tuple", func(t *testing.T) {
		s := newStore("u1_u2", "")
		s.AppendOptimistic(Message{
			SenderID: "u1", ReceiverID: "u2", Body: "hi",
			Attachments: []Attachment{{Name: "a.png"}},
			Timestamp:   "2026-01-01T10:00:00Z",
		})
		// Same body but no attachment: someone else's message, append it.
		echo := storeMsg("srv-1", "u1", "u2", "hi", "2026-01-01T10:00:01Z")
		replaced, changed := s.Reconcile(echo)
		if replaced != "" || !changed {
			t.Fatalf("expected append, got replaced=%q changed=%v", replaced, changed)
		}
		if got := len(s.Messages()); got != 2 {
			t.Fatalf("expected 2 messages, got %d", got)
		}
	})

	t.Run("voice flag participates in the match", func(t *testing.T) {
		s := newStore("u1_u2", "")
		s.AppendOptimistic(Message{
			SenderID: "u1", ReceiverID: "u2", Body: voicePlaceholder,
			VoicePayload: "data:audio/webm;base64,xxx", Kind: KindVoice,
			Timestamp: "2026-01-01T10:00:00Z",
		})
		echo := Message{
			ID: "srv-1", SenderID: "u1", ReceiverID: "u2", Body: voicePlaceholder,
			Kind: KindVoice, CreatedAt: "2026-01-01T10:00:01Z",
		}
		replaced, _ := s.Reconcile(echo)
		if replaced == "" {
			t.Fatal("voice echo did not match the optimistic entry")
		}
	})

	t.Run("unmatched echo is deduped like any arrival", func(t *testing.T) {
		s := newStore("u1_u2", "")
		echo := storeMsg("srv-1", "u2", "u1", "hi", "2026-01-01T10:00:00Z")
		s.Reconcile(echo)
		if _, changed := s.Reconcile(echo); changed {
			t.Fatal("duplicate echo accepted twice")
		}
	})
}

// ============================================================================
// Edits, deletes, clear
// ============================================================================

func TestStoreMutations(t *testing.T) {
	s := newStore("u1_u2", "")
	s.Append(storeMsg("m1", "u1", "u2", "hi", "2026-01-01T10:00:00Z"))

	if !s.ApplyEdit("m1", "hello", "2026-01-01T11:00:00Z") {
		t.Fatal("edit of known id failed")
	}
	if m, _ := s.Find("m1"); m.Body != "hello" || !m.IsEdited {
		t.Fatalf("edit not applied: %+v", m)
	}
	if s.ApplyEdit("ghost", "x", "") {
		t.Fatal("edit of unknown id reported success")
	}

	if !s.ApplyDelete("m1") {
		t.Fatal("delete of known id failed")
	}
	if s.ApplyDelete("m1") {
		t.Fatal("second delete reported success")
	}
	if got := len(s.Messages()); got != 0 {
		t.Fatalf("expected empty store, got %d", got)
	}
}

func TestStoreClear(t *testing.T) {
	s := newStore("u1_u2", "")
	s.Append(storeMsg("m1", "u1", "u2", "hi", "2026-01-01T10:00:00Z"))
	s.Clear("2026-01-01T10:30:00Z")

	if got := len(s.Messages()); got != 0 {
		t.Fatalf("clear left %d messages", got)
	}
	// A re-delivered copy of the cleared message stays out.
	if s.Append(storeMsg("m1", "u1", "u2", "hi", "2026-01-01T10:00:00Z")) {
		t.Fatal("cleared message resurrected")
	}
	// Newer traffic flows again.
	if !s.Append(storeMsg("m2", "u2", "u1", "new", "2026-01-01T11:00:00Z")) {
		t.Fatal("post-clear message rejected")
	}
}
