package typing

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one typing pulse. It carries no durable state; a record older
// than the TTL means the actor stopped typing.
type Record struct {
	ConversationID string
	ActorID        string
	Active         bool
	At             time.Time
}

// Backend carries typing pulses between the participants of a conversation.
type Backend interface {
	Publish(ctx context.Context, rec Record) error
	// Watch streams the pulses of one conversation until ctx ends.
	Watch(ctx context.Context, conversationID string) (<-chan Record, error)
}

type wireRecord struct {
	ConversationID string `json:"conversationId"`
	ActorID        string `json:"actorId"`
	Active         bool   `json:"active"`
	At             int64  `json:"at"`
}

func (r Record) wire() wireRecord {
	return wireRecord{ConversationID: r.ConversationID, ActorID: r.ActorID, Active: r.Active, At: r.At.UnixMilli()}
}

func (w wireRecord) record() Record {
	return Record{ConversationID: w.ConversationID, ActorID: w.ActorID, Active: w.Active, At: time.UnixMilli(w.At)}
}

func decodeRecord(b []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return Record{}, err
	}
	return w.record(), nil
}
