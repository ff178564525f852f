package messages

import (
	"maps"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
)

// Kind is the content kind of a message. The core only routes on it.
type Kind string

const (
	Text     Kind = "text"
	Image    Kind = "image"
	Audio    Kind = "audio"
	Location Kind = "location"
	File     Kind = "file"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case Text, Image, Audio, Location, File:
		return true
	}
	return false
}

// Message is one message as displayed locally.
type Message struct {
	// Key is the client correlation token. It is stable from the optimistic
	// insert onwards and is how callers address a message before it has an ID.
	Key string
	// ID is assigned once the remote store acknowledged the write.
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Kind           Kind
	CreatedAt      time.Time
	ReadBy         []string
	Edited         bool
	EditedAt       time.Time
	Status         status.Delivery
	ReplyTo        string
	Metadata       map[string]string
	Reactions      map[string][]string
	// Err is the last send failure while Status is failed.
	Err error
}

// Snapshot is the payload of messages.changed events: the whole ordered
// list at one instant. Seq grows with every snapshot of a store, and a store
// never publishes a snapshot older than one it already published.
type Snapshot struct {
	ConversationID string
	Seq            uint64
	Messages       []Message
	Exhausted      bool
}

// Conversation document layout shared with the directory.
const (
	ConversationsCollection = "conversations"

	FieldParticipants = "participants"
	FieldLastMessage  = "lastMessage"
	FieldLastActivity = "lastActivity"
	FieldUnread       = "unread"
	FieldCreatedAt    = "createdAt"
	FieldActive       = "active"
)

// ConversationPath returns the document path of a conversation.
func ConversationPath(conversationID string) string {
	return remote.Join(ConversationsCollection, conversationID)
}

// MessagesCollection returns the collection holding a conversation's
// messages.
func MessagesCollection(conversationID string) string {
	return remote.Join(ConversationsCollection, conversationID, "messages")
}

func messagePath(conversationID, id string) string {
	return remote.Join(MessagesCollection(conversationID), id)
}

// messageDoc is the stored message body. Timestamps are unix milliseconds.
type messageDoc struct {
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	Content        string              `json:"content"`
	Kind           Kind                `json:"kind"`
	CreatedAt      int64               `json:"createdAt"`
	ReadBy         []string            `json:"readBy"`
	Edited         bool                `json:"edited"`
	EditedAt       int64               `json:"editedAt,omitempty"`
	Status         string              `json:"status"`
	ClientToken    string              `json:"clientToken"`
	ReplyTo        string              `json:"replyTo,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
}

// Summary is the last-message summary kept on the conversation document.
type Summary struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Kind      Kind   `json:"kind"`
	CreatedAt int64  `json:"createdAt"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (m *Message) doc(st status.Delivery) messageDoc {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return messageDoc{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           m.Kind,
		CreatedAt:      millis(m.CreatedAt),
		ReadBy:         readBy,
		Edited:         m.Edited,
		EditedAt:       millis(m.EditedAt),
		Status:         string(st),
		ClientToken:    m.Key,
		ReplyTo:        m.ReplyTo,
		Metadata:       m.Metadata,
		Reactions:      m.Reactions,
	}
}

// mergeDoc applies remote fields, last write wins per field. Identity,
// sender, kind and creation time never change after the optimistic insert.
func (m *Message) mergeDoc(id string, d *messageDoc) {
	if m.ID == "" {
		m.ID = id
	}
	m.Content = d.Content
	m.ReadBy = slices.Clone(d.ReadBy)
	m.Edited = d.Edited
	m.EditedAt = fromMillis(d.EditedAt)
	m.Metadata = d.Metadata
	m.Reactions = d.Reactions
	if d.ReplyTo != "" {
		m.ReplyTo = d.ReplyTo
	}
}

func (m *Message) clone() Message {
	c := *m
	c.ReadBy = slices.Clone(m.ReadBy)
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = slices.Clone(v)
		}
	}
	c.Metadata = maps.Clone(m.Metadata)
	return c
}
