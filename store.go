package chatsync

import (
	"time"

	"github.com/google/uuid"
)

// localIDPrefix marks messages authored on this device that have not been
// confirmed by the server yet.
const localIDPrefix = "local-"

func newLocalID() string {
	return localIDPrefix + uuid.NewString()
}

// ============================================================================
// Store
// ============================================================================

// Store is the in-memory timeline for a single open conversation. It is not
// safe for concurrent use; the engine confines it to its event loop.
//
// The store never touches the cache itself. The engine mirrors every
// mutation into the cache so there is exactly one writer per medium.
type Store struct {
	key       ConversationKey
	clearedAt time.Time
	messages  []Message
}

// newStore creates an empty timeline. clearedAt is the conversation's
// tombstone; messages at or before it are refused on every ingress path.
func newStore(key ConversationKey, clearedAt string) *Store {
	s := &Store{key: key}
	s.setClearedAt(clearedAt)
	return s
}

func (s *Store) setClearedAt(ts string) {
	s.clearedAt = parseTime(ts)
}

// tombstoned reports whether m falls under the local-clear tombstone.
func (s *Store) tombstoned(m Message) bool {
	if s.clearedAt.IsZero() {
		return false
	}
	t := messageTime(m)
	return !t.After(s.clearedAt)
}

// Seed replaces the timeline with msgs, dropping tombstoned entries and
// sorting the rest oldest first.
func (s *Store) Seed(msgs []Message) {
	kept := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if s.tombstoned(m) {
			continue
		}
		kept = append(kept, m)
	}
	kept = dedupeMessages(kept)
	sortMessages(kept)
	s.messages = kept
}

// Append adds m unless it is tombstoned or duplicates an existing entry.
// Out-of-order arrivals are inserted at their chronological slot.
func (s *Store) Append(m Message) bool {
	if s.tombstoned(m) {
		return false
	}
	for _, existing := range s.messages {
		if sameMessage(existing, m) {
			return false
		}
	}
	s.messages = append(s.messages, m)
	// Keep ordering without disturbing equal-time neighbours.
	if n := len(s.messages); n > 1 && messageTime(m).Before(messageTime(s.messages[n-2])) {
		sortMessages(s.messages)
	}
	return true
}

// AppendOptimistic adds a locally-authored message awaiting server
// confirmation and returns its temporary id.
func (s *Store) AppendOptimistic(m Message) string {
	m.ID = newLocalID()
	m.Pending = true
	s.messages = append(s.messages, m)
	return m.ID
}

// echoMatches reports whether server is the confirmed copy of a
// locally-authored entry: same content tuple, timestamps ignored because
// the server rewrites them.
func echoMatches(local, server Message) bool {
	return local.Body == server.Body &&
		local.SenderID == server.SenderID &&
		local.ReceiverID == server.ReceiverID &&
		len(local.Attachments) == len(server.Attachments) &&
		local.HasVoice() == server.HasVoice()
}

// Reconcile matches a server echo against a pending optimistic entry by
// content (body, sender, receiver, attachment count, voice flag) and
// replaces the entry in place, keeping its slot in the ordering. If nothing
// matches, the echo is appended like any other arrival. Returns the id of
// the replaced optimistic entry, or "".
func (s *Store) Reconcile(server Message) (replacedID string, changed bool) {
	if s.tombstoned(server) {
		return "", false
	}
	for i := range s.messages {
		local := s.messages[i]
		if !local.Pending || !local.IsLocal() {
			continue
		}
		if echoMatches(local, server) {
			s.messages[i] = server
			return local.ID, true
		}
	}
	return "", s.Append(server)
}

// MarkDelivered clears the pending flag so the entry stands as a
// locally-authored record instead of waiting for a server echo.
func (s *Store) MarkDelivered(messageID string) {
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Pending = false
			return
		}
	}
}

// ApplyEdit rewrites the body of the message with the given id. Unknown ids
// are ignored.
func (s *Store) ApplyEdit(messageID, body, editedAt string) bool {
	return editMessages(s.messages, messageID, body, editedAt)
}

// ApplyDelete removes the message with the given id. Unknown ids are
// ignored.
func (s *Store) ApplyDelete(messageID string) bool {
	msgs, found := deleteMessage(s.messages, messageID)
	if found {
		s.messages = msgs
	}
	return found
}

// Find returns the message with the given id.
func (s *Store) Find(messageID string) (Message, bool) {
	for _, m := range s.messages {
		if m.ID == messageID {
			return m, true
		}
	}
	return Message{}, false
}

// Clear drops the whole timeline and raises the tombstone to ts.
func (s *Store) Clear(ts string) {
	s.setClearedAt(ts)
	s.messages = nil
}

// Messages returns a copy of the timeline, oldest first.
func (s *Store) Messages() []Message {
	return append([]Message(nil), s.messages...)
}

// Last returns the newest message, if any.
func (s *Store) Last() (Message, bool) {
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}
