// Package directory keeps the recency-ordered list of the local actor's
// conversations and hands out one message store per open conversation.
package directory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

var errClosed = errors.New("directory closed")

type handle struct {
	store *messages.Store
	refs  int
}

// Directory is the conversation list of one actor.
type Directory struct {
	actorID string
	msgCfg  messages.Config
	deps    messages.Deps
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	convs     []Conversation
	byID      map[string]Conversation
	version   int64
	err       error
	started   bool
	closed    bool
	subCancel context.CancelFunc
	subDone   chan struct{}
	dropped   bool
	stores    map[string]*handle

	// openMu serializes message store creation so concurrent Get calls for
	// one conversation share a single subscription.
	openMu sync.Mutex
}

// New creates the directory of actorID. Message stores it opens share deps.
func New(actorID string, msgCfg messages.Config, deps messages.Deps) *Directory {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Directory{
		actorID: actorID,
		msgCfg:  msgCfg,
		deps:    deps,
		logger:  deps.Logger.Named("directory").With(zap.String("actor", actorID)),
		now:     time.Now,
		byID:    make(map[string]Conversation),
		stores:  make(map[string]*handle),
	}
}

func (d *Directory) query() remote.Query {
	return remote.Query{
		Collection: messages.ConversationsCollection,
		OrderBy:    messages.FieldLastActivity,
		Desc:       true,
	}.WithFilter(messages.FieldParticipants, remote.OpArrayContains, d.actorID)
}

// Start subscribes to every conversation containing the local actor and
// waits for the first snapshot. Starting twice is a no-op.
func (d *Directory) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return syncerr.E(syncerr.FailedPrecondition, "directory.start", errClosed)
	}
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	if err := d.subscribe(ctx); err != nil {
		d.mu.Lock()
		d.started = false
		d.mu.Unlock()
		d.fail(err)
		return err
	}
	return nil
}

func (d *Directory) subscribe(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := d.deps.Remote.Watch(subCtx, d.query())
	if err != nil {
		cancel()
		return err
	}

	var first remote.ChangeBatch
	select {
	case b, ok := <-sub.Changes():
		if !ok {
			cancel()
			if err := sub.Err(); err != nil {
				return err
			}
			return syncerr.Errorf(syncerr.Transient, "directory.start", "subscription ended before first snapshot")
		}
		first = b
	case <-ctx.Done():
		sub.Close()
		cancel()
		return ctx.Err()
	}

	done := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.Close()
		cancel()
		return syncerr.E(syncerr.FailedPrecondition, "directory.start", errClosed)
	}
	d.subCancel = cancel
	d.subDone = done
	d.dropped = false
	d.err = nil
	d.mu.Unlock()

	d.apply(first)
	go d.consume(sub, done)
	return nil
}

func (d *Directory) consume(sub remote.Subscription, done chan struct{}) {
	defer close(done)
	defer sub.Close()
	for batch := range sub.Changes() {
		d.apply(batch)
	}
	if err := sub.Err(); err != nil {
		d.mu.Lock()
		closed := d.closed
		if !closed {
			d.dropped = true
		}
		d.mu.Unlock()
		if !closed {
			d.fail(err)
		}
	}
}

// apply replaces the list with the batch's full result set, which is
// already ordered by recency.
func (d *Directory) apply(batch remote.ChangeBatch) {
	d.mu.Lock()
	if d.closed || batch.Version < d.version {
		d.mu.Unlock()
		return
	}
	d.version = batch.Version
	convs := make([]Conversation, 0, len(batch.Docs))
	byID := make(map[string]Conversation, len(batch.Docs))
	for _, doc := range batch.Docs {
		var cd conversationDoc
		if err := doc.Decode(&cd); err != nil {
			d.logger.Warn("bad conversation document", zap.String("path", doc.Path), zap.Error(err))
			continue
		}
		c := cd.conversation(doc.ID)
		convs = append(convs, c)
		byID[c.ID] = c
	}
	d.convs = convs
	d.byID = byID
	list := d.listLocked()
	d.mu.Unlock()

	d.publish(bus.KindDirectoryChanged, list)
}

// fail records a directory-wide error, separate from any message's own
// failure.
func (d *Directory) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
	d.logger.Warn("directory error", zap.Error(err))
	d.publish(bus.KindDirectoryError, err)
}

func (d *Directory) publish(kind string, payload any) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(bus.NewEvent(kind, payload))
	}
}

// Err returns the last directory-wide failure, or nil.
func (d *Directory) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Directory) listLocked() []Conversation {
	out := make([]Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		if c.Active {
			out = append(out, c)
		}
	}
	return out
}

// List returns the active conversations, most recent first.
func (d *Directory) List() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listLocked()
}

// Conversation returns a known conversation, active or not.
func (d *Directory) Conversation(id string) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[id]
	return c, ok
}

// FindOrCreate returns the conversation with peer, creating it if needed.
// Both participants derive the same id, so a simultaneous creation on the
// other side converges on one record. A deactivated conversation is
// reactivated.
func (d *Directory) FindOrCreate(ctx context.Context, peer string) (Conversation, error) {
	const op = "directory.find_or_create"
	id, err := ConversationID(d.actorID, peer)
	if err != nil {
		return Conversation{}, err
	}
	if d.isClosed() {
		return Conversation{}, syncerr.E(syncerr.FailedPrecondition, op, errClosed)
	}
	if c, ok := d.Conversation(id); ok && c.Active {
		return c, nil
	}

	path := messages.ConversationPath(id)
	var doc *remote.Doc
	err = d.deps.Scheduler.Schedule(ctx, backoff.KindDirectoryCreate, func(ctx context.Context) error {
		var err error
		doc, err = d.deps.Remote.Create(ctx, path, newDoc(d.actorID, peer, d.now()))
		if syncerr.Is(err, syncerr.AlreadyExists) {
			doc, err = d.deps.Remote.Get(ctx, path)
		}
		return err
	})
	if err != nil {
		d.fail(err)
		return Conversation{}, err
	}

	var cd conversationDoc
	if err := doc.Decode(&cd); err != nil {
		return Conversation{}, syncerr.E(syncerr.InvalidArgument, op, err)
	}
	c := cd.conversation(id)
	if !c.has(d.actorID) {
		return Conversation{}, syncerr.Errorf(syncerr.PermissionDenied, op, "%s does not include %s", id, d.actorID)
	}
	if !c.Active {
		if err := d.setActive(ctx, id, true); err != nil {
			return Conversation{}, err
		}
		c.Active = true
	}
	d.logger.Debug("conversation ready", zap.String("conversation", id))
	return c, nil
}

func (d *Directory) setActive(ctx context.Context, id string, active bool) error {
	err := d.deps.Scheduler.Schedule(ctx, backoff.KindDirectoryUpdate, func(ctx context.Context) error {
		_, err := d.deps.Remote.Update(ctx, messages.ConversationPath(id), remote.Set(messages.FieldActive, active))
		return err
	})
	if err != nil {
		d.fail(err)
	}
	return err
}

// resolve finds a conversation the local actor takes part in, reading it
// from the remote store when the live list does not know it yet.
func (d *Directory) resolve(ctx context.Context, id string) (Conversation, error) {
	const op = "directory.get"
	if c, ok := d.Conversation(id); ok {
		return c, nil
	}
	doc, err := d.deps.Remote.Get(ctx, messages.ConversationPath(id))
	if err != nil {
		return Conversation{}, err
	}
	var cd conversationDoc
	if err := doc.Decode(&cd); err != nil {
		return Conversation{}, syncerr.E(syncerr.InvalidArgument, op, err)
	}
	c := cd.conversation(id)
	if !c.has(d.actorID) {
		return Conversation{}, syncerr.Errorf(syncerr.PermissionDenied, op, "%s does not include %s", id, d.actorID)
	}
	return c, nil
}

// Get returns the open message store of a conversation, opening it on
// first use. Every Get must be paired with a Release.
func (d *Directory) Get(ctx context.Context, id string) (*messages.Store, error) {
	d.openMu.Lock()
	defer d.openMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, syncerr.E(syncerr.FailedPrecondition, "directory.get", errClosed)
	}
	if h, ok := d.stores[id]; ok {
		h.refs++
		d.mu.Unlock()
		return h.store, nil
	}
	d.mu.Unlock()

	c, err := d.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	s := messages.New(id, d.actorID, c.Peer(d.actorID), d.msgCfg, d.deps)
	if err := s.Open(ctx); err != nil {
		s.Close()
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		s.Close()
		return nil, syncerr.E(syncerr.FailedPrecondition, "directory.get", errClosed)
	}
	d.stores[id] = &handle{store: s, refs: 1}
	d.mu.Unlock()
	return s, nil
}

// Open finds or creates the conversation with peer and opens its store.
func (d *Directory) Open(ctx context.Context, peer string) (*messages.Store, error) {
	c, err := d.FindOrCreate(ctx, peer)
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, c.ID)
}

// Release drops one reference to a conversation's store, closing it with
// the last one.
func (d *Directory) Release(id string) {
	d.mu.Lock()
	h, ok := d.stores[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	h.refs--
	if h.refs > 0 {
		d.mu.Unlock()
		return
	}
	delete(d.stores, id)
	d.mu.Unlock()
	h.store.Close()
}

// Deactivate hides a conversation from the list. Conversations are never
// deleted; FindOrCreate brings it back.
func (d *Directory) Deactivate(ctx context.Context, id string) error {
	if _, err := d.resolve(ctx, id); err != nil {
		return err
	}
	return d.setActive(ctx, id, false)
}

// MarkRead marks every message from the peer read and resets the actor's
// unread counter. An open store also updates its loaded messages.
func (d *Directory) MarkRead(ctx context.Context, id string) error {
	d.mu.Lock()
	h := d.stores[id]
	d.mu.Unlock()
	if h != nil {
		return h.store.MarkRead(ctx)
	}
	c, err := d.resolve(ctx, id)
	if err != nil {
		return err
	}
	_, err = messages.MarkConversationRead(ctx, d.deps, id, d.actorID, c.Peer(d.actorID))
	return err
}

// Resubscribe re-opens the directory subscription and every open
// conversation subscription that was dropped.
func (d *Directory) Resubscribe(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	redo := d.started && d.dropped
	d.dropped = false
	stores := make([]*messages.Store, 0, len(d.stores))
	for _, h := range d.stores {
		stores = append(stores, h.store)
	}
	d.mu.Unlock()

	var errs []error
	if redo {
		d.logger.Info("resubscribing directory")
		if err := d.subscribe(ctx); err != nil {
			d.mu.Lock()
			d.dropped = true
			d.mu.Unlock()
			d.fail(err)
			errs = append(errs, err)
		}
	}
	for _, s := range stores {
		if err := s.Resubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenIDs returns the ids of the conversations with an open store, sorted.
func (d *Directory) OpenIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.stores))
	for id := range d.stores {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (d *Directory) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close cancels the directory subscription and closes every open message
// store.
func (d *Directory) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cancel, done := d.subCancel, d.subDone
	stores := d.stores
	d.stores = make(map[string]*handle)
	d.mu.Unlock()

	for _, h := range stores {
		h.store.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	d.logger.Debug("directory closed")
}
