package coral

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSyncCalls struct {
	mu               sync.Mutex
	sentMessages     []string
	sentReactions    []string
	recovered        []string
	recoveredQueries []string
	applied          []string
	messageErr       error
}

func (f *fakeSyncCalls) retrySendMessage(ctx context.Context, msg *Message) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messageErr != nil {
		return nil, f.messageErr
	}
	f.sentMessages = append(f.sentMessages, msg.ID)
	confirmed := msg.Clone()
	confirmed.SyncStatus = SyncSynced
	now := testBase
	confirmed.CreatedAt = &now
	return confirmed, nil
}

func (f *fakeSyncCalls) retrySendReaction(ctx context.Context, r *Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentReactions = append(f.sentReactions, r.Type)
	return nil
}

func (f *fakeSyncCalls) recoverChannel(ctx context.Context, cid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, cid)
	return nil
}

func (f *fakeSyncCalls) recoverQuery(ctx context.Context, q *QueryChannelsState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveredQueries = append(f.recoveredQueries, q.Signature())
	return nil
}

func (f *fakeSyncCalls) applySyncedMessage(msg *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, msg.ID)
}

// ============================================================================
// Offline substitution
// ============================================================================

func TestShouldSubstituteOffline(t *testing.T) {
	netErr := &NetworkError{Op: "POST /x", Err: errors.New("refused")}
	apiErr := &APIError{Code: "INVALID_INPUT", Message: "bad"}

	tests := []struct {
		name   string
		err    error
		online bool
		want   bool
	}{
		{"network error while offline", netErr, false, true},
		{"network error while online", netErr, true, false},
		{"server rejection while offline", apiErr, false, false},
		{"no error", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldSubstituteOffline(tt.err, tt.online); got != tt.want {
				t.Fatalf("shouldSubstituteOffline() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Sync passes
// ============================================================================

func newSyncFixture(t *testing.T, calls syncCalls, now time.Time) (*SyncManager, *RepositoryFacade, *StateRegistry) {
	t.Helper()
	store := newTestStore(t)
	repo := NewRepositoryFacade(store)
	registry := NewStateRegistry()
	mgr := newSyncManager(repo, registry, calls, func() time.Time { return now }, 0)
	return mgr, repo, registry
}

func TestSyncReplaysPendingInOrder(t *testing.T) {
	calls := &fakeSyncCalls{}
	mgr, repo, _ := newSyncFixture(t, calls, testBase)
	ctx := context.Background()

	first := testBase.Add(-2 * time.Minute)
	second := testBase.Add(-1 * time.Minute)
	if err := repo.InsertMessages(ctx,
		&Message{ID: "m2", CID: "messaging:general", CreatedLocallyAt: &second, SyncStatus: SyncPending},
		&Message{ID: "m1", CID: "messaging:general", CreatedLocallyAt: &first, SyncStatus: SyncPending},
	); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(calls.sentMessages) != 2 || calls.sentMessages[0] != "m1" || calls.sentMessages[1] != "m2" {
		t.Fatalf("sent = %v, want [m1 m2]", calls.sentMessages)
	}
	if len(calls.applied) != 2 {
		t.Fatalf("applied = %v, want both confirmations folded into state", calls.applied)
	}
}

func TestSyncPrunesStalePending(t *testing.T) {
	calls := &fakeSyncCalls{}
	mgr, repo, _ := newSyncFixture(t, calls, testBase)
	ctx := context.Background()

	stale := testBase.Add(-13 * time.Hour)
	fresh := testBase.Add(-time.Hour)
	if err := repo.InsertMessages(ctx,
		&Message{ID: "stale", CID: "messaging:general", CreatedLocallyAt: &stale, SyncStatus: SyncPending},
		&Message{ID: "fresh", CID: "messaging:general", CreatedLocallyAt: &fresh, SyncStatus: SyncPending},
	); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(calls.sentMessages) != 1 || calls.sentMessages[0] != "fresh" {
		t.Fatalf("sent = %v, want only the fresh message", calls.sentMessages)
	}
	got, err := repo.SelectMessage(ctx, "stale")
	if err != nil {
		t.Fatalf("select stale: %v", err)
	}
	if got.SyncStatus != SyncFailedPermanently {
		t.Fatalf("stale status = %v, want failed permanently", got.SyncStatus)
	}
}

func TestSyncStopsOnTransportFailure(t *testing.T) {
	calls := &fakeSyncCalls{messageErr: &NetworkError{Op: "POST", Err: errors.New("down")}}
	mgr, repo, _ := newSyncFixture(t, calls, testBase)
	ctx := context.Background()

	local := testBase.Add(-time.Minute)
	if err := repo.InsertMessages(ctx,
		&Message{ID: "m1", CID: "messaging:general", CreatedLocallyAt: &local, SyncStatus: SyncPending},
	); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Still pending: the next reconnect tries again.
	got, _ := repo.SelectMessage(ctx, "m1")
	if got.SyncStatus != SyncPending {
		t.Fatalf("status = %v, want still pending", got.SyncStatus)
	}
}

func TestSyncMarksPermanentRejection(t *testing.T) {
	calls := &fakeSyncCalls{messageErr: &APIError{Code: "INVALID_INPUT", Message: "rejected"}}
	mgr, repo, _ := newSyncFixture(t, calls, testBase)
	ctx := context.Background()

	local := testBase.Add(-time.Minute)
	if err := repo.InsertMessages(ctx,
		&Message{ID: "m1", CID: "messaging:general", CreatedLocallyAt: &local, SyncStatus: SyncPending},
	); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := mgr.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	got, _ := repo.SelectMessage(ctx, "m1")
	if got.SyncStatus != SyncFailedPermanently {
		t.Fatalf("status = %v, want failed permanently", got.SyncStatus)
	}
}

func TestSyncRecoversFlaggedScopes(t *testing.T) {
	calls := &fakeSyncCalls{}
	mgr, _, registry := newSyncFixture(t, calls, testBase)

	registry.ChannelByCID("messaging:general").setRecoveryNeeded(true)
	registry.ChannelByCID("messaging:other") // not flagged
	query := rtQueryScope(registry)
	query.setRecoveryNeeded(true)

	if err := mgr.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(calls.recovered) != 1 || calls.recovered[0] != "messaging:general" {
		t.Fatalf("recovered = %v, want only the flagged channel", calls.recovered)
	}
	if len(calls.recoveredQueries) != 1 {
		t.Fatalf("recovered queries = %v, want the flagged query", calls.recoveredQueries)
	}
	if registry.ChannelByCID("messaging:general").needsRecovery() {
		t.Fatal("recovery flag not cleared after success")
	}
}

func rtQueryScope(registry *StateRegistry) *QueryChannelsState {
	return registry.QueryChannels(map[string]any{"type": "messaging"}, nil)
}

func TestSyncTriggeredOnReconnect(t *testing.T) {
	calls := &fakeSyncCalls{}
	mgr, _, registry := newSyncFixture(t, calls, testBase)
	registry.ChannelByCID("messaging:general").setRecoveryNeeded(true)

	mgr.Start()
	defer mgr.Stop()

	registry.Global().setConnectionState(ConnectionConnecting)
	registry.Global().setConnectionState(ConnectionConnected)

	deadline := time.After(2 * time.Second)
	for {
		calls.mu.Lock()
		n := len(calls.recovered)
		calls.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("reconnect did not trigger a sync pass")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSyncNotRetriggeredWithoutTransition(t *testing.T) {
	calls := &fakeSyncCalls{}
	mgr, _, registry := newSyncFixture(t, calls, testBase)
	registry.ChannelByCID("messaging:general").setRecoveryNeeded(true)

	mgr.Start()
	defer mgr.Stop()

	registry.Global().setConnectionState(ConnectionConnected)

	deadline := time.After(2 * time.Second)
	for {
		calls.mu.Lock()
		n := len(calls.recovered)
		calls.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("connect did not trigger a sync pass")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Re-announcing the same connected state is not a transition.
	registry.ChannelByCID("messaging:general").setRecoveryNeeded(true)
	registry.Global().setConnectionState(ConnectionConnected)
	time.Sleep(100 * time.Millisecond)

	calls.mu.Lock()
	n := len(calls.recovered)
	calls.mu.Unlock()
	if n != 1 {
		t.Fatalf("recovered %d times, want 1", n)
	}
}

func TestSyncNotTriggeredAfterStop(t *testing.T) {
	calls := &fakeSyncCalls{}
	mgr, _, registry := newSyncFixture(t, calls, testBase)
	registry.ChannelByCID("messaging:general").setRecoveryNeeded(true)

	mgr.Start()
	mgr.Stop()

	registry.Global().setConnectionState(ConnectionConnected)
	time.Sleep(100 * time.Millisecond)

	calls.mu.Lock()
	defer calls.mu.Unlock()
	if len(calls.recovered) != 0 {
		t.Fatalf("stopped manager ran %d passes", len(calls.recovered))
	}
}
