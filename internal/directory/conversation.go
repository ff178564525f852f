package directory

import (
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

// idPrefix starts every conversation identifier.
const idPrefix = "conv_"

// ConversationID derives the identifier of the conversation between two
// actors. It is order-independent: both participants compute the same id.
func ConversationID(a, b string) (string, error) {
	if err := validActor(a); err != nil {
		return "", err
	}
	if err := validActor(b); err != nil {
		return "", err
	}
	if a == b {
		return "", syncerr.Errorf(syncerr.InvalidArgument, "directory.id", "conversation needs two distinct actors, got %q twice", a)
	}
	pair := []string{a, b}
	slices.Sort(pair)
	return idPrefix + pair[0] + "_" + pair[1], nil
}

func validActor(id string) error {
	if strings.TrimSpace(id) == "" {
		return syncerr.Errorf(syncerr.InvalidArgument, "directory.id", "empty actor id")
	}
	if strings.ContainsAny(id, "/.") {
		return syncerr.Errorf(syncerr.InvalidArgument, "directory.id", "actor id %q contains a path separator", id)
	}
	// "_" joins the pair, so it would make ids ambiguous.
	if strings.Contains(id, "_") {
		return syncerr.Errorf(syncerr.InvalidArgument, "directory.id", "actor id %q contains %q", id, "_")
	}
	return nil
}

// Conversation is one pairwise thread as seen by the directory.
type Conversation struct {
	ID           string
	Participants []string
	LastMessage  *messages.Summary
	Unread       map[string]int64
	CreatedAt    time.Time
	LastActivity time.Time
	Active       bool
}

// Peer returns the participant that is not actorID.
func (c Conversation) Peer(actorID string) string {
	for _, p := range c.Participants {
		if p != actorID {
			return p
		}
	}
	return ""
}

// UnreadFor returns actorID's unread counter.
func (c Conversation) UnreadFor(actorID string) int64 {
	return c.Unread[actorID]
}

func (c Conversation) has(actorID string) bool {
	return slices.Contains(c.Participants, actorID)
}

// conversationDoc is the stored conversation body. Timestamps are unix
// milliseconds.
type conversationDoc struct {
	Participants []string          `json:"participants"`
	LastMessage  *messages.Summary `json:"lastMessage,omitempty"`
	Unread       map[string]int64  `json:"unread"`
	CreatedAt    int64             `json:"createdAt"`
	LastActivity int64             `json:"lastActivity"`
	Active       bool              `json:"active"`
}

func newDoc(a, b string, now time.Time) conversationDoc {
	pair := []string{a, b}
	slices.Sort(pair)
	ms := now.UnixMilli()
	return conversationDoc{
		Participants: pair,
		Unread:       map[string]int64{a: 0, b: 0},
		CreatedAt:    ms,
		LastActivity: ms,
		Active:       true,
	}
}

func (d conversationDoc) conversation(id string) Conversation {
	c := Conversation{
		ID:           id,
		Participants: slices.Clone(d.Participants),
		LastMessage:  d.LastMessage,
		Unread:       d.Unread,
		CreatedAt:    time.UnixMilli(d.CreatedAt),
		LastActivity: time.UnixMilli(d.LastActivity),
		Active:       d.Active,
	}
	if c.Unread == nil {
		c.Unread = map[string]int64{}
	}
	return c
}
