package presence

import (
	"context"

	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Collection holds one presence document per actor.
const Collection = "presence"

// DocBackend stores presence as documents presence/{actor} in the remote
// store.
type DocBackend struct {
	store  remote.Store
	logger *zap.Logger
}

// NewDocBackend creates a document-store presence backend.
func NewDocBackend(store remote.Store, logger *zap.Logger) *DocBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocBackend{store: store, logger: logger}
}

func (b *DocBackend) Publish(ctx context.Context, rec Record) error {
	_, err := b.store.Set(ctx, remote.Join(Collection, rec.ActorID), rec.wire())
	return err
}

func (b *DocBackend) Watch(ctx context.Context, actorID string) (<-chan Record, error) {
	sub, err := b.store.Watch(ctx, remote.Query{Collection: Collection}.
		WithFilter("actorId", remote.OpEq, actorID))
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
					b.logger.Warn("bad presence document", zap.String("path", ch.Doc.Path), zap.Error(err))
					continue
				}
				select {
				case out <- w.record():
				case <-ctx.Done():
					return
				}
			}
		}
		if err := sub.Err(); err != nil {
			b.logger.Warn("presence subscription dropped", zap.String("actor", actorID), zap.Error(err))
		}
	}()
	return out, nil
}
