package messages

import (
	"context"
	"slices"
	"strings"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/syncerr"
)

// durableLocked resolves ref to a message the remote store already holds.
// Optimistic, unacknowledged messages are NotFound.
func (s *Store) durableLocked(op, ref string) (*entry, error) {
	if s.closed {
		return nil, syncerr.E(syncerr.FailedPrecondition, op, errClosed)
	}
	e := s.lookupLocked(ref)
	if e == nil {
		return nil, syncerr.Errorf(syncerr.NotFound, op, "message %q", ref)
	}
	if e.msg.ID == "" {
		return nil, syncerr.Errorf(syncerr.NotFound, op, "message %q has no durable id yet", ref)
	}
	return e, nil
}

// Edit replaces the content of one of the local actor's messages, marking
// it edited.
func (s *Store) Edit(ctx context.Context, ref, content string) (Message, error) {
	const op = "messages.edit"
	if strings.TrimSpace(content) == "" {
		return Message{}, syncerr.Errorf(syncerr.InvalidArgument, op, "empty content")
	}
	s.mu.Lock()
	e, err := s.durableLocked(op, ref)
	if err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	if e.msg.SenderID != s.actorID {
		s.mu.Unlock()
		return Message{}, syncerr.Errorf(syncerr.PermissionDenied, op, "message %q belongs to %s", ref, e.msg.SenderID)
	}
	id := e.msg.ID
	s.mu.Unlock()

	editedAt := s.now()
	err = s.deps.Scheduler.Schedule(ctx, backoff.KindMessageEdit, func(ctx context.Context) error {
		_, err := s.deps.Remote.Update(ctx, messagePath(s.conversationID, id),
			remote.Set("content", content),
			remote.Set("edited", true),
			remote.Set("editedAt", millis(editedAt)),
		)
		return err
	})
	if err != nil {
		return Message{}, err
	}

	return s.mutateLocal(e, func(m *Message) {
		m.Content = content
		m.Edited = true
		m.EditedAt = fromMillis(millis(editedAt))
	}), nil
}

// AddReaction adds the local actor's reaction to a message.
func (s *Store) AddReaction(ctx context.Context, ref, emoji string) (Message, error) {
	return s.react(ctx, ref, emoji, true)
}

// RemoveReaction withdraws the local actor's reaction from a message.
func (s *Store) RemoveReaction(ctx context.Context, ref, emoji string) (Message, error) {
	return s.react(ctx, ref, emoji, false)
}

func (s *Store) react(ctx context.Context, ref, emoji string, add bool) (Message, error) {
	const op = "messages.react"
	if emoji == "" || strings.ContainsAny(emoji, "./") {
		return Message{}, syncerr.Errorf(syncerr.InvalidArgument, op, "invalid reaction %q", emoji)
	}
	s.mu.Lock()
	e, err := s.durableLocked(op, ref)
	if err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	id := e.msg.ID
	s.mu.Unlock()

	field := "reactions." + emoji
	fop := remote.ArrayRemove(field, s.actorID)
	if add {
		fop = remote.ArrayUnion(field, s.actorID)
	}
	err = s.deps.Scheduler.Schedule(ctx, backoff.KindMessageReact, func(ctx context.Context) error {
		_, err := s.deps.Remote.Update(ctx, messagePath(s.conversationID, id), fop)
		return err
	})
	if err != nil {
		return Message{}, err
	}

	return s.mutateLocal(e, func(m *Message) {
		if m.Reactions == nil {
			m.Reactions = map[string][]string{}
		}
		actors := slices.DeleteFunc(m.Reactions[emoji], func(a string) bool { return a == s.actorID })
		if add {
			actors = append(actors, s.actorID)
		}
		if len(actors) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = actors
		}
	}), nil
}

// MarkRead marks every message from the other participant as read by the
// local actor, loaded or not, and resets the local unread counter, in one
// batch.
func (s *Store) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return syncerr.E(syncerr.FailedPrecondition, "messages.read", errClosed)
	}
	s.mu.Unlock()

	marked, err := MarkConversationRead(ctx, s.deps, s.conversationID, s.actorID, s.peerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	changed := false
	for _, id := range marked {
		e := s.byID[id]
		if e == nil || slices.Contains(e.msg.ReadBy, s.actorID) {
			continue
		}
		e.msg.ReadBy = append(e.msg.ReadBy, s.actorID)
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return nil
}

// MarkConversationRead adds actorID to readBy on every message of the
// conversation sent by someone else and resets the actor's unread counter,
// in one batch. Each attempt re-reads the messages, so a retry also covers
// messages that arrived in between. It returns the ids it marked.
func MarkConversationRead(ctx context.Context, deps Deps, conversationID, actorID, peerID string) ([]string, error) {
	q := remote.Query{Collection: MessagesCollection(conversationID)}
	if peerID != "" {
		q = q.WithFilter("senderId", remote.OpEq, peerID)
	}
	var marked []string
	err := deps.Scheduler.Schedule(ctx, backoff.KindMessageRead, func(ctx context.Context) error {
		docs, err := deps.Remote.Query(ctx, q)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(docs))
		b := deps.Remote.Batch()
		for _, d := range docs {
			var md messageDoc
			if err := d.Decode(&md); err != nil {
				continue
			}
			if md.SenderID == actorID || slices.Contains(md.ReadBy, actorID) {
				continue
			}
			b.Update(d.Path, remote.ArrayUnion("readBy", actorID))
			ids = append(ids, d.ID)
		}
		b.Update(ConversationPath(conversationID), remote.Set(FieldUnread+"."+actorID, 0))
		if err := b.Commit(ctx); err != nil {
			return err
		}
		marked = ids
		return nil
	})
	return marked, err
}

// mutateLocal applies an acknowledged change to the local copy ahead of the
// live update, which later lands idempotently.
func (s *Store) mutateLocal(e *entry, fn func(*Message)) Message {
	s.mu.Lock()
	if s.closed {
		m := e.message()
		s.mu.Unlock()
		return m
	}
	fn(&e.msg)
	m := e.message()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return m
}
