package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core.
const (
	KindConnectivityChanged = "connectivity.changed"
	KindPresenceChanged     = "presence.changed"
	KindTypingChanged       = "typing.changed"
	KindMessagesChanged     = "messages.changed"
	KindMessageSendFailed   = "messages.send_failed"
	KindDirectoryChanged    = "directory.changed"
	KindDirectoryError      = "directory.error"
	KindConnectionLost      = "notice.connection_lost"
	KindConnectionRestored  = "notice.connection_restored"
)

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
