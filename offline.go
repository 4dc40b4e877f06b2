package coral

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ============================================================================
// Offline error recovery
// ============================================================================

// shouldSubstituteOffline reports whether a failed network call should
// be treated as a local success: the entity stays pending in storage
// and state, and the sync loop replays it on reconnect. Only transport
// failures while the connection is known-down qualify; a server
// rejection is a real failure regardless of connectivity.
//
// The online check races with the connection dropping between the call
// and this test. That race is tolerated: the worst case is a genuine
// error surfacing to the caller, never a lost write.
func shouldSubstituteOffline(err error, online bool) bool {
	return err != nil && !online && IsNetworkError(err)
}

// ============================================================================
// Sync manager
// ============================================================================

// defaultSyncMaxThreshold bounds how stale a pending operation may be
// and still be replayed. Anything older is marked failed permanently
// rather than re-sent into a conversation that has long moved on.
const defaultSyncMaxThreshold = 12 * time.Hour

// syncRetryBatch caps how many pending entities one sync pass loads.
const syncRetryBatch = 100

// syncCalls is the slice of the network client the sync loop drives.
// Split out as an interface so the loop tests against a fake.
type syncCalls interface {
	retrySendMessage(ctx context.Context, msg *Message) (*Message, error)
	retrySendReaction(ctx context.Context, r *Reaction) error
	recoverChannel(ctx context.Context, cid string) error
	recoverQuery(ctx context.Context, q *QueryChannelsState) error
	applySyncedMessage(msg *Message)
}

// SyncManager replays pending local writes and re-runs failed queries
// whenever the connection comes back. It watches the global connection
// state and runs one sync pass per transition to connected; passes
// never overlap.
type SyncManager struct {
	repo         *RepositoryFacade
	registry     *StateRegistry
	calls        syncCalls
	now          Clock
	maxThreshold time.Duration

	mu          sync.Mutex
	syncing     bool
	stopped     bool
	lastState   ConnectionState
	unsubscribe func()
}

func newSyncManager(repo *RepositoryFacade, registry *StateRegistry, calls syncCalls, now Clock, maxThreshold time.Duration) *SyncManager {
	if now == nil {
		now = systemClock
	}
	if maxThreshold <= 0 {
		maxThreshold = defaultSyncMaxThreshold
	}
	return &SyncManager{
		repo:         repo,
		registry:     registry,
		calls:        calls,
		now:          now,
		maxThreshold: maxThreshold,
	}
}

// Start subscribes to connection transitions. Safe to call once.
func (m *SyncManager) Start() {
	// The subscription fires from whichever goroutine flips the
	// connection state, so the transition tracking shares the
	// manager's mutex.
	unsub := m.registry.Global().ConnectionState().Subscribe(func(s ConnectionState) {
		m.mu.Lock()
		fire := s == ConnectionConnected && m.lastState != ConnectionConnected && !m.stopped
		m.lastState = s
		m.mu.Unlock()
		if fire {
			go m.Sync(context.Background())
		}
	})
	m.mu.Lock()
	m.unsubscribe = unsub
	m.mu.Unlock()
}

// Stop detaches from connection transitions. In-flight passes finish.
func (m *SyncManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// Sync runs one pass: prune stale pending writes, replay the rest in
// local creation order, then re-run queries that failed while offline.
// Returns without error when a transport failure interrupts the pass;
// the next reconnect picks up where it left off.
func (m *SyncManager) Sync(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.syncing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	if m.repo != nil {
		if err := m.retryMessages(ctx); err != nil {
			return err
		}
		if err := m.retryReactions(ctx); err != nil {
			return err
		}
	}
	m.recoverScopes(ctx)
	return nil
}

func (m *SyncManager) retryMessages(ctx context.Context) error {
	pending, err := m.repo.SelectSyncNeededMessages(ctx, syncRetryBatch)
	if err != nil {
		return err
	}
	cutoff := m.now().Add(-m.maxThreshold)
	for _, msg := range pending {
		if msg.lastLocalUpdateTime().Before(cutoff) {
			failed := msg.Clone()
			failed.SyncStatus = SyncFailedPermanently
			if err := m.repo.InsertMessages(ctx, failed); err != nil {
				return err
			}
			continue
		}
		sent, err := m.calls.retrySendMessage(ctx, msg)
		switch {
		case err == nil:
			m.calls.applySyncedMessage(sent)
		case isPermanentAPIError(err):
			failed := msg.Clone()
			failed.SyncStatus = SyncFailedPermanently
			if err := m.repo.InsertMessages(ctx, failed); err != nil {
				return err
			}
		default:
			// Transport failure; still offline, give up this pass.
			return nil
		}
	}
	return nil
}

func (m *SyncManager) retryReactions(ctx context.Context) error {
	pending, err := m.repo.SelectSyncNeededReactions(ctx, syncRetryBatch)
	if err != nil {
		return err
	}
	cutoff := m.now().Add(-m.maxThreshold)
	for _, r := range pending {
		if r.CreatedAt != nil && r.CreatedAt.Before(cutoff) {
			rc := *r
			rc.SyncStatus = SyncFailedPermanently
			if err := m.repo.InsertReaction(ctx, &rc); err != nil {
				return err
			}
			continue
		}
		err := m.calls.retrySendReaction(ctx, r)
		switch {
		case err == nil:
			rc := *r
			rc.SyncStatus = SyncSynced
			if err := m.repo.InsertReaction(ctx, &rc); err != nil {
				return err
			}
		case isPermanentAPIError(err):
			rc := *r
			rc.SyncStatus = SyncFailedPermanently
			if err := m.repo.InsertReaction(ctx, &rc); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// recoverScopes re-runs the watch/query for every scope that flagged
// itself during an offline failure. Errors leave the flag set for the
// next pass.
func (m *SyncManager) recoverScopes(ctx context.Context) {
	for _, state := range m.registry.ActiveChannels() {
		if !state.needsRecovery() {
			continue
		}
		if err := m.calls.recoverChannel(ctx, state.CID()); err == nil {
			state.setRecoveryNeeded(false)
		}
	}
	for _, q := range m.registry.ActiveQueries() {
		if !q.needsRecovery() {
			continue
		}
		if err := m.calls.recoverQuery(ctx, q); err == nil {
			q.setRecoveryNeeded(false)
		}
	}
}

func isPermanentAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}
