package messages

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// SendOption customizes a send.
type SendOption func(*Message)

// WithReplyTo marks the message as a reply to another message id.
func WithReplyTo(id string) SendOption {
	return func(m *Message) { m.ReplyTo = id }
}

// WithMetadata attaches opaque metadata.
func WithMetadata(md map[string]string) SendOption {
	return func(m *Message) { m.Metadata = md }
}

// SendFailure is the payload of messages.send_failed events.
type SendFailure struct {
	ConversationID string
	Key            string
	Err            error
}

// Send inserts the message optimistically as pending, moves it to sending
// and writes it. On success it becomes sent and gains its durable id; on
// failure it stays visible as failed and the error is returned.
func (s *Store) Send(ctx context.Context, content string, kind Kind, opts ...SendOption) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, syncerr.Errorf(syncerr.InvalidArgument, "messages.send", "empty content")
	}
	if !kind.Valid() {
		return Message{}, syncerr.Errorf(syncerr.InvalidArgument, "messages.send", "unknown kind %q", kind)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, syncerr.E(syncerr.FailedPrecondition, "messages.send", errClosed)
	}
	e := &entry{
		msg: Message{
			Key:            uuid.NewString(),
			ConversationID: s.conversationID,
			SenderID:       s.actorID,
			Content:        content,
			Kind:           kind,
			CreatedAt:      s.now().Truncate(time.Millisecond),
			ReadBy:         []string{s.actorID},
		},
		docID: uuid.NewString(),
		seq:   s.nextSeq,
	}
	for _, opt := range opts {
		opt(&e.msg)
	}
	s.nextSeq++
	e.machine = status.NewMachine(e.record)
	s.entries = append(s.entries, e)
	s.byKey[e.msg.Key] = e
	s.sortLocked()
	pending := s.snapshotLocked()

	_ = e.machine.Transition(status.Sending)
	sending := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(pending)
	s.publish(sending)

	err := s.write(ctx, backoff.KindMessageSend, e)
	return s.finish(e, err)
}

// Retry re-sends a failed message with its original content and document
// id, passing through retrying and sending. It ends sent or failed.
func (s *Store) Retry(ctx context.Context, key string) (Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, syncerr.E(syncerr.FailedPrecondition, "messages.retry", errClosed)
	}
	e := s.lookupLocked(key)
	if e == nil {
		s.mu.Unlock()
		return Message{}, syncerr.Errorf(syncerr.NotFound, "messages.retry", "message %q", key)
	}
	if cur := e.machine.Current(); cur != status.Failed {
		s.mu.Unlock()
		return Message{}, syncerr.Errorf(syncerr.FailedPrecondition, "messages.retry", "message %q is %s", key, cur)
	}
	_ = e.machine.Transition(status.Retrying)
	_ = e.machine.Transition(status.Sending)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	err := s.write(ctx, backoff.KindMessageRetry, e)
	return s.finish(e, err)
}

// write creates the message and updates the conversation summary in one
// batch. The document id is fixed per message, so a replayed write that
// already landed fails with AlreadyExists and counts as done: the summary
// and unread increment committed with it.
func (s *Store) write(ctx context.Context, kind string, e *entry) error {
	s.mu.Lock()
	msg := e.msg.clone()
	s.mu.Unlock()

	createdAt := millis(msg.CreatedAt)
	summary := Summary{
		MessageID: e.docID,
		SenderID:  msg.SenderID,
		Content:   notify.Preview(msg.Content),
		Kind:      msg.Kind,
		CreatedAt: createdAt,
	}
	return s.deps.Scheduler.Schedule(ctx, kind, func(ctx context.Context) error {
		err := s.deps.Remote.Batch().
			Create(messagePath(s.conversationID, e.docID), msg.doc(status.Sent)).
			Update(ConversationPath(s.conversationID),
				remote.Set(FieldLastMessage, summary),
				remote.Set(FieldLastActivity, createdAt),
				remote.Increment(FieldUnread+"."+s.peerID, 1),
				remote.Set(FieldActive, true),
			).
			Commit(ctx)
		if syncerr.Is(err, syncerr.AlreadyExists) {
			s.logger.Debug("message already stored", zap.String("id", e.docID))
			return nil
		}
		return err
	})
}

func (s *Store) finish(e *entry, err error) (Message, error) {
	s.mu.Lock()
	if s.closed {
		msg := e.message()
		s.mu.Unlock()
		s.logger.Debug("send finished after close, result discarded", zap.String("key", msg.Key))
		return msg, err
	}
	if err == nil {
		e.msg.ID = e.docID
		s.byID[e.docID] = e
		e.machine.Advance(status.Sent)
	} else {
		e.msg.Err = err
		e.machine.Advance(status.Failed)
	}
	msg := e.message()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	if err != nil {
		s.logger.Warn("send failed", zap.String("key", msg.Key), zap.Error(err))
		if s.deps.Bus != nil {
			s.deps.Bus.Publish(bus.NewEvent(bus.KindMessageSendFailed, SendFailure{
				ConversationID: s.conversationID, Key: msg.Key, Err: err,
			}))
		}
		return msg, err
	}
	s.fanout(msg)
	return msg, nil
}

// fanout tells the notification collaborator about a new message. Its
// outcome never reaches the sender.
func (s *Store) fanout(msg Message) {
	if s.peerID == "" || s.peerID == msg.SenderID || s.deps.Pool == nil {
		return
	}
	n := notify.Notification{
		ConversationID: s.conversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		RecipientID:    s.peerID,
		Kind:           string(msg.Kind),
		Preview:        notify.Preview(msg.Content),
		At:             msg.CreatedAt,
	}
	ok := s.deps.Pool.TrySubmit(func(ctx context.Context) {
		if err := s.deps.Notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("notification fanout failed", zap.String("id", n.MessageID), zap.Error(err))
		}
	})
	if !ok {
		s.logger.Warn("notification fanout dropped", zap.String("id", n.MessageID))
	}
}

// Upload describes a binary stored by the upload collaborator.
type Upload struct {
	URL         string
	Size        int64
	ContentType string
	Name        string
}

// Uploader is the binary upload collaborator. It retries and reports
// progress on its own.
type Uploader interface {
	Upload(ctx context.Context, path string) (Upload, error)
}

// SendAttachment uploads a local file and sends a message referencing the
// durable URL, carrying size and type as metadata.
func (s *Store) SendAttachment(ctx context.Context, up Uploader, path string, kind Kind, opts ...SendOption) (Message, error) {
	switch kind {
	case Image, Audio, File:
	default:
		return Message{}, syncerr.Errorf(syncerr.InvalidArgument, "messages.attach", "kind %q carries no attachment", kind)
	}
	if up == nil {
		return Message{}, syncerr.E(syncerr.FailedPrecondition, "messages.attach", errors.New("no uploader"))
	}
	u, err := up.Upload(ctx, path)
	if err != nil {
		return Message{}, err
	}
	md := map[string]string{
		"size":        strconv.FormatInt(u.Size, 10),
		"contentType": u.ContentType,
	}
	if u.Name != "" {
		md["name"] = u.Name
	}
	return s.Send(ctx, u.URL, kind, append([]SendOption{WithMetadata(md)}, opts...)...)
}
