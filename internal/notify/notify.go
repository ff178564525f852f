// Package notify is the boundary to the notification fanout service. The
// core tells it about new messages and never waits on the outcome.
package notify

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// PreviewLength bounds the content preview, in runes.
const PreviewLength = 80

// Notification announces a message created for a recipient other than its
// sender.
type Notification struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Kind           string    `json:"kind"`
	Preview        string    `json:"preview"`
	At             time.Time `json:"at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// Preview shortens content to PreviewLength runes.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}
	r := []rune(content)
	return string(r[:PreviewLength-1]) + "…"
}

// SubjectPrefix prefixes the per-recipient notification subject.
const SubjectPrefix = "chatsync.notify."

// NATSNotifier publishes notifications on chatsync.notify.{recipient}.
type NATSNotifier struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSNotifier creates a NATS notifier.
func NewNATSNotifier(conn *nats.Conn, logger *zap.Logger) *NATSNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSNotifier{conn: conn, logger: logger.Named("notify")}
}

func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return syncerr.E(syncerr.InvalidArgument, "notify", err)
	}
	if err := n.conn.Publish(SubjectPrefix+note.RecipientID, data); err != nil {
		return syncerr.E(syncerr.Transient, "notify", err)
	}
	n.logger.Debug("notification published",
		zap.String("recipient", note.RecipientID),
		zap.String("conversation", note.ConversationID))
	return nil
}
