package coral

import (
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tp(t time.Time) *time.Time { return &t }

func syncedMsg(id string, createdAt time.Time) *Message {
	return &Message{
		ID:         id,
		CID:        "messaging:general",
		Text:       "text-" + id,
		Type:       MessageTypeRegular,
		User:       &User{ID: "other"},
		CreatedAt:  tp(createdAt),
		SyncStatus: SyncSynced,
	}
}

func pendingMsg(id string, createdLocally time.Time) *Message {
	return &Message{
		ID:               id,
		CID:              "messaging:general",
		Text:             "text-" + id,
		Type:             MessageTypeRegular,
		User:             &User{ID: "me"},
		CreatedLocallyAt: tp(createdLocally),
		SyncStatus:       SyncPending,
	}
}

func newTestLogic(t *testing.T) (*ChannelLogic, *StateRegistry) {
	t.Helper()
	registry := NewStateRegistry()
	state := registry.ChannelByCID("messaging:general")
	logic := newChannelLogic(state, registry, nil, nil, func() time.Time { return testBase })
	return logic, registry
}

func messageIDs(msgs []*Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// ============================================================================
// messageIsNewer
// ============================================================================

func TestMessageIsNewer(t *testing.T) {
	earlier := testBase.Add(-time.Hour)
	later := testBase.Add(time.Hour)

	tests := []struct {
		name     string
		current  *Message
		incoming *Message
		want     bool
	}{
		{
			name:     "no current message always loses",
			current:  nil,
			incoming: syncedMsg("m1", testBase),
			want:     true,
		},
		{
			name:     "nil incoming never wins",
			current:  syncedMsg("m1", testBase),
			incoming: nil,
			want:     false,
		},
		{
			name:     "newer synced beats older synced",
			current:  syncedMsg("m1", earlier),
			incoming: syncedMsg("m1", later),
			want:     true,
		},
		{
			name:     "stale synced loses",
			current:  syncedMsg("m1", later),
			incoming: syncedMsg("m1", earlier),
			want:     false,
		},
		{
			name:     "equal timestamps favor incoming",
			current:  syncedMsg("m1", testBase),
			incoming: syncedMsg("m1", testBase),
			want:     true,
		},
		{
			name: "synced edit beats synced create",
			current: &Message{
				ID: "m1", CreatedAt: tp(earlier), SyncStatus: SyncSynced,
			},
			incoming: &Message{
				ID: "m1", CreatedAt: tp(earlier), UpdatedAt: tp(later), SyncStatus: SyncSynced,
			},
			want: true,
		},
		{
			name: "pending edit beats older pending state",
			current: &Message{
				ID: "m1", CreatedLocallyAt: tp(earlier), SyncStatus: SyncPending,
			},
			incoming: &Message{
				ID: "m1", CreatedLocallyAt: tp(earlier), UpdatedLocallyAt: tp(later), SyncStatus: SyncPending,
			},
			want: true,
		},
		{
			name: "stale pending loses to fresher pending",
			current: &Message{
				ID: "m1", CreatedLocallyAt: tp(earlier), UpdatedLocallyAt: tp(later), SyncStatus: SyncPending,
			},
			incoming: &Message{
				ID: "m1", CreatedLocallyAt: tp(earlier), SyncStatus: SyncPending,
			},
			want: false,
		},
		{
			name: "deletion timestamp counts for synced",
			current: &Message{
				ID: "m1", CreatedAt: tp(earlier), UpdatedAt: tp(testBase), SyncStatus: SyncSynced,
			},
			incoming: &Message{
				ID: "m1", CreatedAt: tp(earlier), DeletedAt: tp(later), SyncStatus: SyncSynced,
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageIsNewer(tt.current, tt.incoming); got != tt.want {
				t.Fatalf("messageIsNewer() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// Merge properties
// ============================================================================

func TestUpsertIdempotent(t *testing.T) {
	logic, _ := newTestLogic(t)
	state := logic.State()

	msg := syncedMsg("m1", testBase)
	logic.ApplyServerMessage(msg)
	first := state.Messages().Value()

	logic.ApplyServerMessage(msg)
	second := state.Messages().Value()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected single message, got %d then %d", len(first), len(second))
	}
	if first[0].Text != second[0].Text {
		t.Fatal("re-applying the same message changed state")
	}
}

func TestUpsertConfluentUnderReordering(t *testing.T) {
	older := syncedMsg("m1", testBase)
	older.Text = "original"
	newer := syncedMsg("m1", testBase)
	newer.Text = "edited"
	newer.UpdatedAt = tp(testBase.Add(time.Minute))

	run := func(first, second *Message) string {
		logic, _ := newTestLogic(t)
		logic.ApplyServerMessage(first)
		logic.ApplyServerMessage(second)
		msgs := logic.State().Messages().Value()
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
		return msgs[0].Text
	}

	if got := run(older, newer); got != "edited" {
		t.Fatalf("in-order application: got %q, want %q", got, "edited")
	}
	if got := run(newer, older); got != "edited" {
		t.Fatalf("reordered application: got %q, want %q", got, "edited")
	}
}

func TestPendingNotClobberedByStaleEcho(t *testing.T) {
	logic, _ := newTestLogic(t)

	pending := pendingMsg("m1", testBase)
	pending.Text = "local edit"
	pending.UpdatedLocallyAt = tp(testBase.Add(time.Minute))
	logic.UpsertLocalMessage(pending)

	stale := pendingMsg("m1", testBase)
	stale.Text = "stale"
	logic.ApplyServerMessage(stale)

	msgs := logic.State().Messages().Value()
	if msgs[0].Text != "local edit" {
		t.Fatalf("stale pending write overwrote fresher one: got %q", msgs[0].Text)
	}
}

func TestMessagesOrderedBySortTimestamp(t *testing.T) {
	logic, _ := newTestLogic(t)

	// Insert out of order, including a pending message ordered by its
	// local creation time.
	logic.ApplyServerMessage(syncedMsg("m3", testBase.Add(3*time.Minute)))
	logic.ApplyServerMessage(syncedMsg("m1", testBase.Add(1*time.Minute)))
	logic.UpsertLocalMessage(pendingMsg("m2", testBase.Add(2*time.Minute)))

	got := messageIDs(logic.State().Messages().Value())
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

// ============================================================================
// calculateNewLastMessageAt
// ============================================================================

func TestCalculateNewLastMessageAt(t *testing.T) {
	current := testBase

	tests := []struct {
		name       string
		msg        *Message
		skipSystem bool
		want       time.Time
	}{
		{
			name: "newer message advances",
			msg:  syncedMsg("m1", testBase.Add(time.Minute)),
			want: testBase.Add(time.Minute),
		},
		{
			name: "older message keeps current",
			msg:  syncedMsg("m1", testBase.Add(-time.Minute)),
			want: testBase,
		},
		{
			name: "shadowed message ignored",
			msg: func() *Message {
				m := syncedMsg("m1", testBase.Add(time.Minute))
				m.Shadowed = true
				return m
			}(),
			want: testBase,
		},
		{
			name: "system message ignored when configured",
			msg: func() *Message {
				m := syncedMsg("m1", testBase.Add(time.Minute))
				m.Type = MessageTypeSystem
				return m
			}(),
			skipSystem: true,
			want:       testBase,
		},
		{
			name: "system message counts by default",
			msg: func() *Message {
				m := syncedMsg("m1", testBase.Add(time.Minute))
				m.Type = MessageTypeSystem
				return m
			}(),
			want: testBase.Add(time.Minute),
		},
		{
			name: "hidden thread reply ignored",
			msg: func() *Message {
				m := syncedMsg("m1", testBase.Add(time.Minute))
				m.ParentID = "parent"
				return m
			}(),
			want: testBase,
		},
		{
			name: "visible thread reply counts",
			msg: func() *Message {
				m := syncedMsg("m1", testBase.Add(time.Minute))
				m.ParentID = "parent"
				m.ShowInChannel = true
				return m
			}(),
			want: testBase.Add(time.Minute),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateNewLastMessageAt(tt.msg, current, tt.skipSystem)
			if !got.Equal(tt.want) {
				t.Fatalf("calculateNewLastMessageAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLastMessageAtMonotonic(t *testing.T) {
	logic, _ := newTestLogic(t)
	state := logic.State()

	logic.HandleEvent(&NewMessageEvent{
		eventBase: eventBase{CID: state.CID(), CreatedAt: testBase},
		Message:   syncedMsg("m2", testBase.Add(time.Hour)),
	})
	high := state.LastMessageAt().Value()

	// An older message arriving late must not move the value back.
	logic.HandleEvent(&NewMessageEvent{
		eventBase: eventBase{CID: state.CID(), CreatedAt: testBase},
		Message:   syncedMsg("m1", testBase),
	})
	if got := state.LastMessageAt().Value(); !got.Equal(high) {
		t.Fatalf("lastMessageAt regressed from %v to %v", high, got)
	}

	// Re-applying the same newest message keeps it unchanged.
	logic.HandleEvent(&NewMessageEvent{
		eventBase: eventBase{CID: state.CID(), CreatedAt: testBase},
		Message:   syncedMsg("m2", testBase.Add(time.Hour)),
	})
	if got := state.LastMessageAt().Value(); !got.Equal(high) {
		t.Fatalf("lastMessageAt changed on re-application: %v vs %v", got, high)
	}
}

// ============================================================================
// Unread counting
// ============================================================================

func TestUnreadIncrement(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		muted  bool
		want   int
	}{
		{name: "other user's message counts", mutate: func(m *Message) {}, want: 1},
		{name: "own message skipped", mutate: func(m *Message) { m.User = &User{ID: "me"} }, want: 0},
		{name: "silent message skipped", mutate: func(m *Message) { m.Silent = true }, want: 0},
		{name: "shadowed message skipped", mutate: func(m *Message) { m.Shadowed = true }, want: 0},
		{name: "hidden thread reply skipped", mutate: func(m *Message) { m.ParentID = "p1" }, want: 0},
		{name: "muted channel skipped", mutate: func(m *Message) {}, muted: true, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logic, registry := newTestLogic(t)
			registry.Global().setUser(&User{ID: "me"})
			if tt.muted {
				logic.State().setMuted(true)
			}

			msg := syncedMsg("m1", testBase)
			tt.mutate(msg)
			logic.HandleEvent(&NewMessageEvent{
				eventBase: eventBase{CID: logic.State().CID(), CreatedAt: testBase},
				Message:   msg,
			})

			if got := logic.State().UnreadCount().Value(); got != tt.want {
				t.Fatalf("unread count = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMessageReadResetsUnread(t *testing.T) {
	logic, registry := newTestLogic(t)
	registry.Global().setUser(&User{ID: "me"})

	for i := 0; i < 3; i++ {
		logic.HandleEvent(&NewMessageEvent{
			eventBase: eventBase{CID: logic.State().CID(), CreatedAt: testBase},
			Message:   syncedMsg(fmt.Sprintf("m%d", i), testBase.Add(time.Duration(i)*time.Second)),
		})
	}
	if got := logic.State().UnreadCount().Value(); got != 3 {
		t.Fatalf("unread count = %d, want 3", got)
	}

	logic.HandleEvent(&MessageReadEvent{
		eventBase: eventBase{CID: logic.State().CID(), CreatedAt: testBase.Add(time.Minute)},
		User:      &User{ID: "me"},
	})
	if got := logic.State().UnreadCount().Value(); got != 0 {
		t.Fatalf("unread count after read = %d, want 0", got)
	}
}

// ============================================================================
// Deletes, reactions, threads
// ============================================================================

func TestHardDeleteRemovesMessage(t *testing.T) {
	logic, _ := newTestLogic(t)
	logic.ApplyServerMessage(syncedMsg("m1", testBase))

	logic.HandleEvent(&MessageDeletedEvent{
		eventBase:  eventBase{CID: logic.State().CID(), CreatedAt: testBase.Add(time.Minute)},
		Message:    &Message{ID: "m1"},
		HardDelete: true,
	})
	if got := len(logic.State().Messages().Value()); got != 0 {
		t.Fatalf("expected message removed, have %d", got)
	}
}

func TestSoftDeleteKeepsTombstone(t *testing.T) {
	logic, _ := newTestLogic(t)
	logic.ApplyServerMessage(syncedMsg("m1", testBase))

	deleted := syncedMsg("m1", testBase)
	deleted.DeletedAt = tp(testBase.Add(time.Minute))
	logic.HandleEvent(&MessageDeletedEvent{
		eventBase: eventBase{CID: logic.State().CID(), CreatedAt: testBase.Add(time.Minute)},
		Message:   deleted,
	})

	msgs := logic.State().Messages().Value()
	if len(msgs) != 1 {
		t.Fatalf("expected tombstone kept, have %d messages", len(msgs))
	}
	if msgs[0].DeletedAt == nil {
		t.Fatal("expected DeletedAt set on tombstone")
	}
}

func TestThreadReplyRouting(t *testing.T) {
	logic, registry := newTestLogic(t)

	hidden := syncedMsg("r1", testBase)
	hidden.ParentID = "parent"
	logic.ApplyServerMessage(hidden)

	visible := syncedMsg("r2", testBase.Add(time.Second))
	visible.ParentID = "parent"
	visible.ShowInChannel = true
	logic.ApplyServerMessage(visible)

	channelIDs := messageIDs(logic.State().Messages().Value())
	if len(channelIDs) != 1 || channelIDs[0] != "r2" {
		t.Fatalf("channel scope = %v, want only r2", channelIDs)
	}
	threadIDs := messageIDs(registry.Thread("parent").Messages().Value())
	if len(threadIDs) != 2 {
		t.Fatalf("thread scope = %v, want both replies", threadIDs)
	}
}

func TestReactionEventRederivesAggregate(t *testing.T) {
	logic, _ := newTestLogic(t)
	logic.ApplyServerMessage(syncedMsg("m1", testBase))

	withReaction := syncedMsg("m1", testBase)
	withReaction.UpdatedAt = tp(testBase.Add(time.Second))
	withReaction.ReactionCounts = map[string]int{"like": 1}
	logic.HandleEvent(&ReactionNewEvent{
		eventBase: eventBase{CID: logic.State().CID(), CreatedAt: testBase.Add(time.Second)},
		Message:   withReaction,
		Reaction:  &Reaction{MessageID: "m1", Type: "like", UserID: "other"},
	})

	msgs := logic.State().Messages().Value()
	if msgs[0].ReactionCounts["like"] != 1 {
		t.Fatalf("reaction aggregate not applied: %v", msgs[0].ReactionCounts)
	}
}

func TestPinExpiryOnIngest(t *testing.T) {
	logic, _ := newTestLogic(t)

	msg := syncedMsg("m1", testBase.Add(-2*time.Hour))
	msg.Pinned = true
	msg.PinExpires = tp(testBase.Add(-time.Hour))
	logic.ApplyServerMessage(msg)

	got := logic.State().Messages().Value()[0]
	if got.Pinned {
		t.Fatal("expired pin survived ingest")
	}
}

// ============================================================================
// Local reactions
// ============================================================================

func TestApplyLocalReaction(t *testing.T) {
	msg := syncedMsg("m1", testBase)
	r := &Reaction{MessageID: "m1", Type: "like", UserID: "me", SyncStatus: SyncPending}

	out := applyLocalReaction(msg, r, false, testBase.Add(time.Second))
	if out.ReactionCounts["like"] != 1 || len(out.OwnReactions) != 1 {
		t.Fatalf("reaction not applied: counts=%v own=%d", out.ReactionCounts, len(out.OwnReactions))
	}
	if out.SyncStatus != SyncPending {
		t.Fatal("expected message marked pending after local reaction")
	}
	if msg.ReactionCounts["like"] != 0 {
		t.Fatal("original message mutated")
	}

	back := removeLocalReaction(out, "me", "like")
	if len(back.OwnReactions) != 0 || back.ReactionCounts["like"] != 0 {
		t.Fatalf("reaction not removed: counts=%v own=%d", back.ReactionCounts, len(back.OwnReactions))
	}
}

func TestApplyLocalReactionEnforceUnique(t *testing.T) {
	msg := syncedMsg("m1", testBase)
	first := &Reaction{MessageID: "m1", Type: "like", UserID: "me"}
	second := &Reaction{MessageID: "m1", Type: "love", UserID: "me"}

	out := applyLocalReaction(msg, first, true, testBase)
	out = applyLocalReaction(out, second, true, testBase.Add(time.Second))

	if len(out.OwnReactions) != 1 || out.OwnReactions[0].Type != "love" {
		t.Fatalf("enforceUnique kept %d own reactions", len(out.OwnReactions))
	}
	if out.ReactionCounts["like"] != 0 || out.ReactionCounts["love"] != 1 {
		t.Fatalf("counts = %v", out.ReactionCounts)
	}
}

func TestDeleteEventWithoutIDIgnored(t *testing.T) {
	logic, _ := newTestLogic(t)
	logic.ApplyServerMessage(syncedMsg("m1", testBase))

	// A frame whose message payload carries no id must not disturb the
	// scope; the wire accepts such envelopes.
	raw := `{"type":"message.deleted","payload":{
		"cid":"messaging:general",
		"createdAt":"2026-03-01T12:05:00Z",
		"message":{}}}`
	ev, err := ParseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	logic.HandleEvent(ev)

	msgs := logic.State().Messages().Value()
	if len(msgs) != 1 || msgs[0].DeletedAt != nil {
		t.Fatalf("id-less delete mutated state: %v", messageIDs(msgs))
	}
}

func TestApplyStoredMessages(t *testing.T) {
	logic, _ := newTestLogic(t)

	hiddenReply := syncedMsg("r1", testBase.Add(time.Minute))
	hiddenReply.ParentID = "m1"
	logic.ApplyStoredMessages([]*Message{
		syncedMsg("m1", testBase),
		{SyncStatus: SyncSynced}, // id-less rows are skipped
		hiddenReply,
	})

	msgs := logic.State().Messages().Value()
	if got := messageIDs(msgs); len(got) != 1 || got[0] != "m1" {
		t.Fatalf("channel page = %v, want [m1]", got)
	}
	if msgs[0].CID != "messaging:general" {
		t.Fatalf("cid = %q, want scope cid stamped", msgs[0].CID)
	}
	if got := logic.State().LastMessageAt().Value(); !got.Equal(testBase) {
		t.Fatalf("lastMessageAt = %v, want %v", got, testBase)
	}
}

func TestApplyThreadPage(t *testing.T) {
	logic, registry := newTestLogic(t)

	logic.ApplyThreadPage("m1", []*Message{
		{ID: "r1", ParentID: "m1", CreatedAt: tp(testBase), SyncStatus: SyncSynced},
	}, true)

	thread := registry.Thread("m1")
	replies := thread.Messages().Value()
	if len(replies) != 1 || replies[0].ID != "r1" {
		t.Fatalf("thread page = %v", messageIDs(replies))
	}
	if replies[0].CID != "messaging:general" {
		t.Fatalf("cid = %q, want scope cid stamped", replies[0].CID)
	}
	if !thread.EndOfOlderMessages().Value() {
		t.Fatal("short page should close older history")
	}
}
