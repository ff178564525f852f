package presence

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one actor's presence. Only the actor it describes writes it.
type Record struct {
	ActorID  string
	Online   bool
	LastSeen time.Time
}

// Backend carries presence records between actors.
type Backend interface {
	Publish(ctx context.Context, rec Record) error
	// Watch streams the records of actor, starting with the current one if
	// any. The channel closes when ctx ends or the feed drops.
	Watch(ctx context.Context, actorID string) (<-chan Record, error)
}

// wireRecord is the JSON shape shared by every backend. Timestamps are unix
// milliseconds.
type wireRecord struct {
	ActorID  string `json:"actorId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"`
}

func (r Record) wire() wireRecord {
	return wireRecord{ActorID: r.ActorID, Online: r.Online, LastSeen: r.LastSeen.UnixMilli()}
}

func (w wireRecord) record() Record {
	return Record{ActorID: w.ActorID, Online: w.Online, LastSeen: time.UnixMilli(w.LastSeen)}
}

func encodeRecord(r Record) ([]byte, error) { return json.Marshal(r.wire()) }

func decodeRecord(b []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return Record{}, err
	}
	return w.record(), nil
}
