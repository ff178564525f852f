package typing

import (
	"context"

	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// DocBackend keeps one document per typist at
// conversations/{conversation}/typing/{actor}.
type DocBackend struct {
	store  remote.Store
	logger *zap.Logger
}

// NewDocBackend creates a document-store typing backend.
func NewDocBackend(store remote.Store, logger *zap.Logger) *DocBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocBackend{store: store, logger: logger}
}

func collection(conversationID string) string {
	return remote.Join("conversations", conversationID, "typing")
}

func (b *DocBackend) Publish(ctx context.Context, rec Record) error {
	_, err := b.store.Set(ctx, remote.Join(collection(rec.ConversationID), rec.ActorID), rec.wire())
	return err
}

func (b *DocBackend) Watch(ctx context.Context, conversationID string) (<-chan Record, error) {
	sub, err := b.store.Watch(ctx, remote.Query{Collection: collection(conversationID)})
	if err != nil {
		return nil, err
	}
	out := make(chan Record)
	go func() {
		defer close(out)
		defer sub.Close()
		for batch := range sub.Changes() {
			for _, ch := range batch.Changes {
				if ch.Kind == remote.Removed {
					continue
				}
				var w wireRecord
				if err := ch.Doc.Decode(&w); err != nil {
					b.logger.Warn("bad typing document", zap.String("path", ch.Doc.Path), zap.Error(err))
					continue
				}
				select {
				case out <- w.record():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
