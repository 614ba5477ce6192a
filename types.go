package chatsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Message kinds
// ============================================================================

// Message kinds mirror the wire values used by the marketplace backend.
const (
	KindText      = "text"
	KindVoice     = "voice"
	KindFiles     = "files"
	KindTextVoice = "text_and_voice"
	KindTextFiles = "text_and_files"
	KindMixed     = "mixed"
)

// Placeholder bodies shown for messages that carry no text of their own.
const (
	voicePlaceholder = "🎤 Voice message"
	filePlaceholder  = "📎 File attachment"
)

// ============================================================================
// Core types
// ============================================================================

// Attachment is a file carried by a message. Payload is a data URL and is
// only present on locally-authored messages that have not left the device.
type Attachment struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Payload   string `json:"payload,omitempty"`
}

// Message is a single chat message as held in the store and the cache.
//
// CreatedAt is set by the server; Timestamp is set locally when a message is
// authored on this device before the server has seen it. Records from older
// cache generations may carry either field, so readers must tolerate both
// (see messageTime).
type Message struct {
	ID             string       `json:"id,omitempty"`
	ConversationID string       `json:"conversationId,omitempty"`
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId"`
	Body           string       `json:"body"`
	Kind           string       `json:"kind,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	VoicePayload   string       `json:"voicePayload,omitempty"`
	VoiceDuration  int          `json:"voiceDurationSeconds,omitempty"`
	CreatedAt      string       `json:"createdAt,omitempty"`
	Timestamp      string       `json:"timestamp,omitempty"`
	IsEdited       bool         `json:"isEdited,omitempty"`
	EditedAt       string       `json:"editedAt,omitempty"`
	SenderName     string       `json:"senderName,omitempty"`
	SenderEmail    string       `json:"senderEmail,omitempty"`
	Pending        bool         `json:"pending,omitempty"`
}

// HasVoice reports whether the message carries a voice recording.
func (m Message) HasVoice() bool {
	return m.VoicePayload != "" || m.Kind == KindVoice || m.Kind == KindTextVoice || m.Kind == KindMixed
}

// IsLocal reports whether the message was authored on this device and has
// not yet been confirmed by the server.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// parseTime decodes an RFC3339 timestamp, with or without fractional
// seconds. Unparseable input yields the zero time.
func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Time{}
}

// messageTime returns the best-effort instant of a message, preferring the
// server timestamp over the local one. Unparseable values yield the zero
// time so that damaged records sort first instead of breaking a sync.
func messageTime(m Message) time.Time {
	if t := parseTime(m.CreatedAt); !t.IsZero() {
		return t
	}
	return parseTime(m.Timestamp)
}

// sameMessage reports whether a and b describe the same logical message:
// either the ids match, or the full content tuple matches. The tuple
// comparison goes through messageTime so that a record stamped via createdAt
// and a copy stamped via timestamp still collapse.
func sameMessage(a, b Message) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.Body == b.Body &&
		a.SenderID == b.SenderID &&
		a.ReceiverID == b.ReceiverID &&
		messageTime(a).Equal(messageTime(b))
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	Key             ConversationKey `json:"key"`
	OtherPartyID    string          `json:"otherPartyId,omitempty"`
	OtherPartyName  string          `json:"otherPartyName,omitempty"`
	OtherPartyEmail string          `json:"otherPartyEmail,omitempty"`
	LastMessage     string          `json:"lastMessage,omitempty"`
	LastMessageAt   string          `json:"lastMessageAt,omitempty"`
	UnreadCount     int             `json:"unreadCount,omitempty"`
}

// DirectoryEntry is a user record from the marketplace directory, used to
// put a name on conversations that were only ever observed as bare ids.
type DirectoryEntry struct {
	ID        string `json:"_id"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// DisplayName renders the entry the way the marketplace UI does: full name
// first, email as a fallback, "Unknown" when the record is empty.
func (d DirectoryEntry) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(d.FirstName) + " " + strings.TrimSpace(d.LastName))
	if name != "" {
		return name
	}
	if d.Email != "" {
		return d.Email
	}
	return "Unknown"
}

// ============================================================================
// Drafts
// ============================================================================

// Draft is user input for a send: any combination of text, attachments and
// a voice recording. An all-empty draft is rejected by the engine.
type Draft struct {
	Body          string
	Attachments   []Attachment
	VoicePayload  string
	VoiceDuration int
}

func (d Draft) empty() bool {
	return strings.TrimSpace(d.Body) == "" && len(d.Attachments) == 0 && d.VoicePayload == ""
}

// classifyDraft maps a draft onto a message kind and the body to display,
// substituting a placeholder caption when the draft has no text.
func classifyDraft(d Draft) (kind, body string) {
	text := strings.TrimSpace(d.Body)
	hasVoice := d.VoicePayload != ""
	hasFiles := len(d.Attachments) > 0

	switch {
	case hasVoice && hasFiles:
		kind = KindMixed
	case hasVoice && text != "":
		kind = KindTextVoice
	case hasVoice:
		kind = KindVoice
	case hasFiles && text != "":
		kind = KindTextFiles
	case hasFiles:
		kind = KindFiles
	default:
		kind = KindText
	}

	body = text
	if body == "" {
		if hasVoice {
			body = voicePlaceholder
		} else if hasFiles {
			body = filePlaceholder
		}
	}
	return kind, body
}

// ============================================================================
// Push payloads
// ============================================================================

// Push actions carried in PushMessage.Action. An empty action means a new
// message.
const (
	ActionEdit   = "edit"
	ActionDelete = "delete"
)

// PushMessage is the push-channel payload for message traffic in both
// directions. SenderID and ReceiverID are raw because some backend versions
// deliver them as bare id strings and others as embedded participant
// objects; use participantID to read them.
type PushMessage struct {
	Action         string          `json:"action,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	ID             string          `json:"id,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	SenderID       json.RawMessage `json:"senderId,omitempty"`
	ReceiverID     json.RawMessage `json:"receiverId,omitempty"`
	SenderName     string          `json:"senderName,omitempty"`
	SenderEmail    string          `json:"senderEmail,omitempty"`
	Body           string          `json:"body"`
	Kind           string          `json:"kind,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	VoicePayload   string          `json:"voicePayload,omitempty"`
	VoiceDuration  int             `json:"voiceDurationSeconds,omitempty"`
	CreatedAt      string          `json:"createdAt,omitempty"`
	EditedAt       string          `json:"editedAt,omitempty"`
}

// TypingEvent signals that the other party started or stopped typing.
type TypingEvent struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// toMessage converts a push payload to the stored message form.
func (p PushMessage) toMessage() Message {
	id := p.ID
	if id == "" {
		id = p.MessageID
	}
	return Message{
		ID:             id,
		ConversationID: p.ConversationID,
		SenderID:       participantID(p.SenderID),
		ReceiverID:     participantID(p.ReceiverID),
		SenderName:     p.SenderName,
		SenderEmail:    p.SenderEmail,
		Body:           p.Body,
		Kind:           p.Kind,
		Attachments:    p.Attachments,
		VoicePayload:   p.VoicePayload,
		VoiceDuration:  p.VoiceDuration,
		CreatedAt:      p.CreatedAt,
		EditedAt:       p.EditedAt,
		IsEdited:       p.EditedAt != "",
	}
}

// ============================================================================
// REST error envelope
// ============================================================================

// APIError is an error response from the marketplace REST API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
