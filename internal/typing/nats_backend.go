package typing

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix prefixes the per-conversation typing subject.
const SubjectPrefix = "chatsync.typing."

// NATSBackend sends pulses as core NATS messages. Nothing is retained, which
// suits a signal that is worthless once its TTL passes.
type NATSBackend struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATSBackend creates a NATS typing backend.
func NewNATSBackend(conn *nats.Conn, logger *zap.Logger) *NATSBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBackend{conn: conn, logger: logger}
}

func subject(conversationID string) string { return SubjectPrefix + conversationID }

func (b *NATSBackend) Publish(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec.wire())
	if err != nil {
		return syncerr.E(syncerr.InvalidArgument, "typing.publish", err)
	}
	if err := b.conn.Publish(subject(rec.ConversationID), data); err != nil {
		return classifyNATS("typing.publish", err)
	}
	return nil
}

func (b *NATSBackend) Watch(ctx context.Context, conversationID string) (<-chan Record, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := b.conn.ChanSubscribe(subject(conversationID), msgs)
	if err != nil {
		return nil, classifyNATS("typing.watch", err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, classifyNATS("typing.watch", err)
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				rec, err := decodeRecord(msg.Data)
				if err != nil {
					b.logger.Warn("bad typing payload", zap.String("subject", msg.Subject), zap.Error(err))
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func classifyNATS(op string, err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubject):
		return syncerr.E(syncerr.FailedPrecondition, op, err)
	case errors.Is(err, nats.ErrMaxPayload):
		return syncerr.E(syncerr.InvalidArgument, op, err)
	default:
		return syncerr.E(syncerr.Transient, op, err)
	}
}
