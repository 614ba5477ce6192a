package chatsync

import (
	"testing"

	"go.uber.org/zap"
)

func newTestProjector() *Projector {
	return NewProjector("me", NewResolver(), zap.NewNop())
}

// ============================================================================
// Dedup and merge
// ============================================================================

func TestProjectDedup(t *testing.T) {
	t.Run("rows with the same counterpart collapse to one", func(t *testing.T) {
		p := newTestProjector()
		rows := []ConversationSummary{
			{OtherPartyID: "u7", LastMessage: "old", LastMessageAt: "2026-01-01T10:00:00Z"},
			{OtherPartyID: "u7", LastMessage: "new", LastMessageAt: "2026-01-01T11:00:00Z"},
		}
		got := p.Project(rows)
		if len(got) != 1 {
			t.Fatalf("expected 1 row, got %d", len(got))
		}
		if got[0].LastMessage != "new" {
			t.Fatalf("newest row did not win: %q", got[0].LastMessage)
		}
	})

	t.Run("loser donates identity fields the winner lacks", func(t *testing.T) {
		p := newTestProjector()
		rows := []ConversationSummary{
			{OtherPartyID: "u7", OtherPartyName: "Jane Doe", OtherPartyEmail: "jane@example.com",
				LastMessage: "old", LastMessageAt: "2026-01-01T10:00:00Z"},
			{OtherPartyID: "u7", LastMessage: "new", LastMessageAt: "2026-01-01T11:00:00Z"},
		}
		got := p.Project(rows)
		if got[0].OtherPartyName != "Jane Doe" || got[0].OtherPartyEmail != "jane@example.com" {
			t.Fatalf("identity lost in merge: %+v", got[0])
		}
	})

	t.Run("unread counts accumulate across merged rows", func(t *testing.T) {
		p := newTestProjector()
		rows := []ConversationSummary{
			{OtherPartyID: "u7", UnreadCount: 2, LastMessageAt: "2026-01-01T10:00:00Z"},
			{OtherPartyID: "u7", UnreadCount: 1, LastMessageAt: "2026-01-01T11:00:00Z"},
		}
		if got := p.Project(rows)[0].UnreadCount; got != 3 {
			t.Fatalf("expected 3 unread, got %d", got)
		}
	})

	t.Run("email-only and pair-keyed rows collapse once the pair is known", func(t *testing.T) {
		p := newTestProjector()
		rows := []ConversationSummary{
			{OtherPartyID: "u7", OtherPartyEmail: "jane@example.com",
				LastMessage: "strong", LastMessageAt: "2026-01-01T11:00:00Z"},
			{OtherPartyEmail: "Jane@Example.com", LastMessage: "weak", LastMessageAt: "2026-01-01T10:00:00Z"},
		}
		got := p.Project(rows)
		if len(got) != 1 {
			t.Fatalf("expected 1 row, got %d: %+v", len(got), got)
		}
		if got[0].Key != "me_u7" {
			t.Fatalf("unexpected key %q", got[0].Key)
		}
	})
}

// ============================================================================
// Ordering and fallbacks
// ============================================================================

func TestProjectOrdering(t *testing.T) {
	p := newTestProjector()
	rows := []ConversationSummary{
		{OtherPartyID: "a", LastMessageAt: "2026-01-01T09:00:00Z"},
		{OtherPartyID: "b", LastMessageAt: "2026-01-01T11:00:00Z"},
		{OtherPartyID: "c", LastMessageAt: "2026-01-01T10:00:00Z"},
	}
	got := p.Project(rows)
	if got[0].OtherPartyID != "b" || got[1].OtherPartyID != "c" || got[2].OtherPartyID != "a" {
		t.Fatalf("not newest first: %s, %s, %s", got[0].OtherPartyID, got[1].OtherPartyID, got[2].OtherPartyID)
	}
}

func TestProjectNameFallback(t *testing.T) {
	p := newTestProjector()

	t.Run("email stands in for a missing name", func(t *testing.T) {
		got := p.Project([]ConversationSummary{{OtherPartyID: "u7", OtherPartyEmail: "jane@example.com"}})
		if got[0].OtherPartyName != "jane@example.com" {
			t.Fatalf("got %q", got[0].OtherPartyName)
		}
	})

	t.Run("unknown when nothing is available", func(t *testing.T) {
		got := p.Project([]ConversationSummary{{OtherPartyID: "u9"}})
		if got[0].OtherPartyName != "Unknown" {
			t.Fatalf("got %q", got[0].OtherPartyName)
		}
	})

	t.Run("rows with no identity at all are dropped", func(t *testing.T) {
		got := p.Project([]ConversationSummary{{LastMessage: "orphan"}})
		if len(got) != 0 {
			t.Fatalf("orphan row survived: %+v", got)
		}
	})
}
