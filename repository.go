package coral

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Repositories
// ============================================================================

// MessagePagination bounds a message page read from storage. Before and
// After filter on the message sort timestamp; Limit caps the page size
// (0 means no cap).
type MessagePagination struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}

// UserRepository persists chat participants. Users are written before
// the entities that embed them so a restored message or member never
// dangles.
type UserRepository interface {
	InsertUsers(ctx context.Context, users ...*User) error
	SelectUser(ctx context.Context, id string) (*User, error)
	SelectUsers(ctx context.Context, ids []string) ([]*User, error)
}

// ChannelRepository persists channel metadata rows.
type ChannelRepository interface {
	InsertChannels(ctx context.Context, channels ...*Channel) error
	SelectChannels(ctx context.Context, cids []string) ([]*Channel, error)
	DeleteChannel(ctx context.Context, cid string) error
}

// MessageRepository persists messages, including locally pending ones.
type MessageRepository interface {
	InsertMessages(ctx context.Context, msgs ...*Message) error
	SelectMessage(ctx context.Context, id string) (*Message, error)
	SelectMessagesForChannel(ctx context.Context, cid string, p MessagePagination) ([]*Message, error)
	// SelectSyncNeededMessages returns messages still marked pending, in
	// local creation order, for the retry loop.
	SelectSyncNeededMessages(ctx context.Context, limit int) ([]*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// DeleteChannelMessagesBefore removes a channel's messages created
	// before the cutoff. Implementations must also invalidate any cache
	// for that channel atomically with the delete.
	DeleteChannelMessagesBefore(ctx context.Context, cid string, before time.Time) error
}

// ReactionRepository persists individual reactions.
type ReactionRepository interface {
	InsertReaction(ctx context.Context, r *Reaction) error
	DeleteReaction(ctx context.Context, messageID, userID, reactionType string) error
	SelectSyncNeededReactions(ctx context.Context, limit int) ([]*Reaction, error)
}

// QueryChannelsRepository persists the cid list each channel query
// resolved to, so the list screen renders from cache before the network
// answers.
type QueryChannelsRepository interface {
	InsertQuery(ctx context.Context, signature string, cids []string) error
	SelectQueryCIDs(ctx context.Context, signature string) ([]string, error)
}

// Store is the full storage contract the facade composes over.
type Store interface {
	UserRepository
	ChannelRepository
	MessageRepository
	ReactionRepository
	QueryChannelsRepository
	Close() error
}

// ============================================================================
// Facade
// ============================================================================

// RepositoryFacade is the single entry point the state logic uses for
// persistence. It owns cross-repository invariants: embedded users are
// extracted and written first, and hot-path writes from event handling
// go through a single-worker async queue so event application never
// blocks on disk.
type RepositoryFacade struct {
	store Store

	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// writeQueueDepth bounds the async queue. When full, enqueues fall back
// to a synchronous write rather than dropping the mutation.
const writeQueueDepth = 256

func NewRepositoryFacade(store Store) *RepositoryFacade {
	f := &RepositoryFacade{
		store: store,
		queue: make(chan func(), writeQueueDepth),
		done:  make(chan struct{}),
	}
	go f.worker()
	return f
}

func (f *RepositoryFacade) worker() {
	defer close(f.done)
	for fn := range f.queue {
		fn()
	}
}

// Close drains the write queue and closes the underlying store.
func (f *RepositoryFacade) Close() error {
	f.closeOnce.Do(func() {
		close(f.queue)
	})
	<-f.done
	return f.store.Close()
}

// enqueue hands a write to the worker, or runs it inline when the
// queue is saturated or already closed.
func (f *RepositoryFacade) enqueue(fn func()) {
	if !f.trySend(fn) {
		fn()
	}
}

func (f *RepositoryFacade) trySend(fn func()) (sent bool) {
	// Sending on the queue after Close panics; treat that as "run inline".
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case f.queue <- fn:
		return true
	default:
		return false
	}
}

// ── synchronous API ──────────────────────────────────────────────────

// InsertMessages writes messages and the users embedded in them.
func (f *RepositoryFacade) InsertMessages(ctx context.Context, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := f.store.InsertUsers(ctx, usersFromMessages(msgs)...); err != nil {
		return err
	}
	return f.store.InsertMessages(ctx, msgs...)
}

// InsertChannels writes channels and every user they embed (creator,
// members, readers, message authors).
func (f *RepositoryFacade) InsertChannels(ctx context.Context, channels ...*Channel) error {
	if len(channels) == 0 {
		return nil
	}
	if err := f.store.InsertUsers(ctx, usersFromChannels(channels)...); err != nil {
		return err
	}
	return f.store.InsertChannels(ctx, channels...)
}

// InsertReaction writes a reaction and its user.
func (f *RepositoryFacade) InsertReaction(ctx context.Context, r *Reaction) error {
	if r == nil {
		return nil
	}
	if r.User != nil {
		if err := f.store.InsertUsers(ctx, r.User); err != nil {
			return err
		}
	}
	return f.store.InsertReaction(ctx, r)
}

func (f *RepositoryFacade) InsertUsers(ctx context.Context, users ...*User) error {
	return f.store.InsertUsers(ctx, users...)
}

func (f *RepositoryFacade) InsertQuery(ctx context.Context, signature string, cids []string) error {
	return f.store.InsertQuery(ctx, signature, cids)
}

func (f *RepositoryFacade) SelectQueryCIDs(ctx context.Context, signature string) ([]string, error) {
	return f.store.SelectQueryCIDs(ctx, signature)
}

func (f *RepositoryFacade) SelectMessage(ctx context.Context, id string) (*Message, error) {
	return f.store.SelectMessage(ctx, id)
}

func (f *RepositoryFacade) SelectMessagesForChannel(ctx context.Context, cid string, p MessagePagination) ([]*Message, error) {
	return f.store.SelectMessagesForChannel(ctx, cid, p)
}

func (f *RepositoryFacade) SelectSyncNeededMessages(ctx context.Context, limit int) ([]*Message, error) {
	return f.store.SelectSyncNeededMessages(ctx, limit)
}

func (f *RepositoryFacade) SelectSyncNeededReactions(ctx context.Context, limit int) ([]*Reaction, error) {
	return f.store.SelectSyncNeededReactions(ctx, limit)
}

func (f *RepositoryFacade) DeleteMessage(ctx context.Context, id string) error {
	return f.store.DeleteMessage(ctx, id)
}

func (f *RepositoryFacade) DeleteReaction(ctx context.Context, messageID, userID, reactionType string) error {
	return f.store.DeleteReaction(ctx, messageID, userID, reactionType)
}

func (f *RepositoryFacade) DeleteChannel(ctx context.Context, cid string) error {
	return f.store.DeleteChannel(ctx, cid)
}

func (f *RepositoryFacade) DeleteChannelMessagesBefore(ctx context.Context, cid string, before time.Time) error {
	return f.store.DeleteChannelMessagesBefore(ctx, cid, before)
}

// SelectChannelsWithMessages restores channels plus a recent message
// page each. Pages load concurrently, one goroutine per channel.
func (f *RepositoryFacade) SelectChannelsWithMessages(ctx context.Context, cids []string, messageLimit int) ([]*Channel, error) {
	channels, err := f.store.SelectChannels(ctx, cids)
	if err != nil {
		return nil, err
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			msgs, err := f.store.SelectMessagesForChannel(ctx, ch.CID, MessagePagination{Limit: messageLimit})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			ch.Messages = msgs
		}(ch)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return channels, nil
}

// ── async API (hot path from event handling) ─────────────────────────

func (f *RepositoryFacade) EnqueueInsertMessages(msgs ...*Message) {
	if len(msgs) == 0 {
		return
	}
	cloned := make([]*Message, len(msgs))
	for i, m := range msgs {
		cloned[i] = m.Clone()
	}
	f.enqueue(func() {
		_ = f.InsertMessages(context.Background(), cloned...)
	})
}

func (f *RepositoryFacade) EnqueueInsertChannel(ch *Channel) {
	if ch == nil {
		return
	}
	c := *ch
	f.enqueue(func() {
		_ = f.InsertChannels(context.Background(), &c)
	})
}

func (f *RepositoryFacade) EnqueueInsertReaction(r *Reaction) {
	if r == nil {
		return
	}
	rc := *r
	f.enqueue(func() {
		_ = f.InsertReaction(context.Background(), &rc)
	})
}

func (f *RepositoryFacade) EnqueueDeleteMessage(id string) {
	f.enqueue(func() {
		_ = f.store.DeleteMessage(context.Background(), id)
	})
}

func (f *RepositoryFacade) EnqueueDeleteChannelMessagesBefore(cid string, before time.Time) {
	f.enqueue(func() {
		_ = f.store.DeleteChannelMessagesBefore(context.Background(), cid, before)
	})
}

// ── user extraction ──────────────────────────────────────────────────

func usersFromMessages(msgs []*Message) []*User {
	seen := make(map[string]*User)
	for _, m := range msgs {
		collectUser(seen, m.User)
		for _, r := range m.LatestReactions {
			collectUser(seen, r.User)
		}
		for _, r := range m.OwnReactions {
			collectUser(seen, r.User)
		}
	}
	return usersList(seen)
}

func usersFromChannels(channels []*Channel) []*User {
	seen := make(map[string]*User)
	for _, ch := range channels {
		collectUser(seen, ch.CreatedBy)
		for _, m := range ch.Members {
			collectUser(seen, m.User)
		}
		for _, r := range ch.Reads {
			collectUser(seen, r.User)
		}
		for _, msg := range ch.Messages {
			collectUser(seen, msg.User)
		}
	}
	return usersList(seen)
}

func collectUser(seen map[string]*User, u *User) {
	if u == nil || u.ID == "" {
		return
	}
	if _, ok := seen[u.ID]; !ok {
		seen[u.ID] = u
	}
}

func usersList(seen map[string]*User) []*User {
	out := make([]*User, 0, len(seen))
	for _, u := range seen {
		out = append(out, u)
	}
	return out
}
