package coral

import (
	"sync"
	"time"
)

// ============================================================================
// Merge tie-break
// ============================================================================

// messageIsNewer is the core correctness rule for message merges:
// newer wins, but only if actually newer.
//
// Synced messages compare on the server-confirmed timestamps
// (createdAt/updatedAt/deletedAt); pending ones compare on the local
// variants so a locally pending edit is not clobbered by a late server
// echo of a stale version. Ties favor the incoming value, which makes
// re-application idempotent.
func messageIsNewer(current, incoming *Message) bool {
	if incoming == nil {
		return false
	}
	if current == nil {
		return true
	}
	if incoming.SyncStatus == SyncSynced {
		return !current.lastUpdateTime().After(incoming.lastUpdateTime())
	}
	return !current.lastLocalUpdateTime().After(incoming.lastLocalUpdateTime())
}

// calculateNewLastMessageAt derives the channel's last-activity
// timestamp from a message. The current value is kept when the message
// is shadow-moderated, is a system message under the skip-system-msgs
// config, or is a thread reply not shown in the channel. The result
// never decreases, so repeated application of the same message is
// idempotent.
func calculateNewLastMessageAt(msg *Message, current time.Time, skipSystemMessages bool) time.Time {
	switch {
	case msg == nil:
		return current
	case msg.Shadowed:
		return current
	case msg.Type == MessageTypeSystem && skipSystemMessages:
		return current
	case msg.ParentID != "" && !msg.ShowInChannel:
		return current
	}
	if t := msg.activityTimestamp(); t.After(current) {
		return t
	}
	return current
}

// shouldIncrementUnread gates the unread counter bump on a new message:
// skipped for the current user's own messages, silent or shadowed
// messages, thread replies not shown in the channel, and muted
// channels.
func shouldIncrementUnread(msg *Message, currentUserID string, channelMuted bool) bool {
	switch {
	case msg == nil:
		return false
	case msg.UserID() == currentUserID:
		return false
	case msg.Silent || msg.Shadowed:
		return false
	case msg.ParentID != "" && !msg.ShowInChannel:
		return false
	case channelMuted:
		return false
	}
	return true
}

// ============================================================================
// Channel logic
// ============================================================================

// ChannelLogic owns the write path of one channel scope: it translates
// push events, REST results and local actions into container mutations,
// applying the ordering and dedup rules. Exactly one ChannelLogic
// exists per scope (the registry guarantees it), and its mutex makes
// event application sequential within the scope while distinct scopes
// proceed concurrently.
type ChannelLogic struct {
	mu       sync.Mutex
	state    *ChannelState
	global   *GlobalState
	registry *StateRegistry
	repo     *RepositoryFacade
	trimmer  *messageTrimmer
	now      Clock
}

func newChannelLogic(state *ChannelState, registry *StateRegistry, repo *RepositoryFacade, trimmer *messageTrimmer, now Clock) *ChannelLogic {
	if now == nil {
		now = systemClock
	}
	return &ChannelLogic{
		state:    state,
		global:   registry.Global(),
		registry: registry,
		repo:     repo,
		trimmer:  trimmer,
		now:      now,
	}
}

// State exposes the scope this logic owns, for observers.
func (l *ChannelLogic) State() *ChannelState { return l.state }

// HandleEvent folds one push event into the scope. Events for the same
// scope are applied in arrival order; the merge tie-break keeps the
// final message state confluent under minor reordering, while
// order-sensitive side effects (unread increments) follow the original
// sequence.
func (l *ChannelLogic) HandleEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch e := ev.(type) {
	case *NewMessageEvent:
		l.handleNewMessage(e)
	case *MessageUpdatedEvent:
		l.upsertEventMessage(e.Message)
	case *MessageDeletedEvent:
		l.handleMessageDeleted(e)
	case *ReactionNewEvent:
		l.handleReaction(e.Message, e.Reaction)
	case *ReactionUpdatedEvent:
		l.handleReaction(e.Message, e.Reaction)
	case *ReactionDeletedEvent:
		l.handleReaction(e.Message, e.Reaction)
	case *ChannelUpdatedEvent:
		l.handleChannelUpdated(e.Channel)
	case *ChannelDeletedEvent:
		l.handleChannelDeleted(e)
	case *ChannelHiddenEvent:
		l.handleChannelHidden(e)
	case *ChannelVisibleEvent:
		l.state.setHidden(false)
	case *MemberAddedEvent:
		l.handleMemberAdded(e.Member)
	case *MemberRemovedEvent:
		l.handleMemberRemoved(e.Member)
	case *TypingStartEvent:
		l.handleTyping(e.User, true)
	case *TypingStopEvent:
		l.handleTyping(e.User, false)
	case *UserWatchingStartEvent:
		l.handleWatching(e.User, e.WatcherCount, true)
	case *UserWatchingStopEvent:
		l.handleWatching(e.User, e.WatcherCount, false)
	case *MessageReadEvent:
		l.handleMessageRead(e)
	case *NotificationMutesUpdatedEvent, *PresenceChangedEvent, *HealthCheckEvent:
		// global-scope events; routed elsewhere
	}
}

func (l *ChannelLogic) handleNewMessage(e *NewMessageEvent) {
	msg := l.normalize(e.Message)
	if msg == nil {
		return
	}
	l.incrementUnreadIfNeeded(msg, e)
	l.upsertMessageLocked(msg)
	if e.WatcherCount > 0 {
		l.state.setWatcherCount(e.WatcherCount)
	}
}

// upsertEventMessage handles message.new/message.updated payload
// application without unread side effects.
func (l *ChannelLogic) upsertEventMessage(raw *Message) {
	msg := l.normalize(raw)
	if msg == nil {
		return
	}
	l.upsertMessageLocked(msg)
}

// upsertMessageLocked routes a message into the channel scope and, if
// it targets a thread, into that thread's scope too; then trims,
// updates last-activity and mirrors to storage.
func (l *ChannelLogic) upsertMessageLocked(msg *Message) {
	if msg.ParentID == "" || msg.ShowInChannel {
		l.state.upsertMessages(msg)
	}
	if msg.ParentID != "" {
		l.registry.Thread(msg.ParentID).upsertMessages(msg)
	}
	l.updateLastMessageAt(msg)
	if l.trimmer != nil {
		l.trimmer.trim(l.state)
	}
	if l.repo != nil {
		l.repo.EnqueueInsertMessages(msg)
	}
}

func (l *ChannelLogic) updateLastMessageAt(msg *Message) {
	skipSystem := false
	if data := l.state.channelData.Value(); data != nil {
		skipSystem = data.Config.SkipLastMsgUpdateForSystemMsgs
	}
	next := calculateNewLastMessageAt(msg, l.state.lastMessageAt.Value(), skipSystem)
	l.state.setLastMessageAt(next)
}

func (l *ChannelLogic) incrementUnreadIfNeeded(msg *Message, e *NewMessageEvent) {
	currentUserID := l.global.CurrentUserID()
	muted := l.state.muted.Value() || l.global.IsChannelMuted(l.state.cid, l.now())
	if !shouldIncrementUnread(msg, currentUserID, muted) {
		return
	}
	// A message at or before the read cursor was already counted.
	if read, ok := l.state.read(currentUserID); ok && !msg.sortTimestamp().After(read.LastRead) {
		return
	}
	previous := l.state.unreadCount.Value()
	l.state.setUnreadCount(previous + 1)

	// Server-provided totals are authoritative when present; otherwise
	// derive the global aggregate locally.
	if e != nil && e.TotalUnreadCount > 0 {
		l.global.setTotalUnreadCount(e.TotalUnreadCount)
		if e.UnreadChannels > 0 {
			l.global.setUnreadChannels(e.UnreadChannels)
		}
		return
	}
	l.global.setTotalUnreadCount(l.global.totalUnreadCount.Value() + 1)
	if previous == 0 {
		l.global.setUnreadChannels(l.global.unreadChannels.Value() + 1)
	}
}

func (l *ChannelLogic) handleMessageDeleted(e *MessageDeletedEvent) {
	if e.Message == nil {
		return
	}
	if e.HardDelete {
		l.state.removeMessage(e.Message.ID)
		if e.Message.ParentID != "" {
			l.registry.Thread(e.Message.ParentID).removeMessage(e.Message.ID)
		}
		if l.repo != nil {
			l.repo.EnqueueDeleteMessage(e.Message.ID)
		}
		return
	}
	// Soft delete keeps the tombstone in place.
	msg := l.normalize(e.Message)
	if msg == nil {
		return
	}
	if msg.DeletedAt == nil {
		t := e.EventTime()
		msg = msg.Clone()
		msg.DeletedAt = &t
	}
	l.upsertMessageLocked(msg)
}

// handleReaction re-derives the owning message's reaction aggregate by
// upserting the server's copy of that message, and mirrors the raw
// reaction to storage.
func (l *ChannelLogic) handleReaction(raw *Message, reaction *Reaction) {
	msg := l.normalize(raw)
	if msg == nil {
		return
	}
	l.upsertMessageLocked(msg)
	if reaction != nil && l.repo != nil {
		l.repo.EnqueueInsertReaction(reaction)
	}
}

func (l *ChannelLogic) handleChannelUpdated(ch *Channel) {
	if ch == nil {
		return
	}
	l.applyChannelData(ch)
	if len(ch.Members) > 0 {
		l.state.setMembers(ch.Members)
	}
	if l.repo != nil {
		l.repo.EnqueueInsertChannel(ch)
	}
}

func (l *ChannelLogic) handleChannelDeleted(e *ChannelDeletedEvent) {
	t := e.EventTime()
	data := l.state.channelData.Value()
	var next Channel
	if data != nil {
		next = *data
	} else {
		next.Type, next.ID, next.CID = l.state.channelType, l.state.channelID, l.state.cid
	}
	next.DeletedAt = &t
	l.state.setChannelData(&next)
	l.state.setHidden(true)
}

func (l *ChannelLogic) handleChannelHidden(e *ChannelHiddenEvent) {
	l.state.setHidden(true)
	if !e.ClearHistory {
		return
	}
	cutoff := e.EventTime()
	for _, m := range l.state.messages.Value() {
		if m.sortTimestamp().Before(cutoff) {
			l.state.removeMessage(m.ID)
		}
	}
	if l.repo != nil {
		l.repo.EnqueueDeleteChannelMessagesBefore(l.state.cid, cutoff)
	}
}

func (l *ChannelLogic) handleMemberAdded(m *Member) {
	if m == nil || m.UserID() == "" {
		return
	}
	l.state.upsertMembers(m)
	l.persistChannelSnapshot()
}

func (l *ChannelLogic) handleMemberRemoved(m *Member) {
	if m == nil || m.UserID() == "" {
		return
	}
	l.state.removeMember(m.UserID())
	l.persistChannelSnapshot()
}

func (l *ChannelLogic) handleTyping(u *User, typing bool) {
	if u == nil || u.ID == "" || u.ID == l.global.CurrentUserID() {
		return
	}
	l.state.setTyping(u, typing)
	l.global.setTypingChannel(l.state.cid, l.state.typing.Value())
}

func (l *ChannelLogic) handleWatching(u *User, count int, watching bool) {
	if u != nil && u.ID != "" {
		if watching {
			l.state.upsertWatcher(u)
		} else {
			l.state.removeWatcher(u.ID)
		}
	}
	if count > 0 {
		l.state.setWatcherCount(count)
	} else if !watching {
		if current := l.state.watcherCount.Value(); current > 0 {
			l.state.setWatcherCount(current - 1)
		}
	}
}

func (l *ChannelLogic) handleMessageRead(e *MessageReadEvent) {
	if e.User == nil || e.User.ID == "" {
		return
	}
	l.state.upsertReads(&ChannelRead{User: e.User, LastRead: e.EventTime()})
	if e.User.ID == l.global.CurrentUserID() {
		hadUnread := l.state.unreadCount.Value() > 0
		l.state.setUnreadCount(0)
		if e.TotalUnreadCount > 0 || e.UnreadChannels > 0 {
			l.global.setTotalUnreadCount(e.TotalUnreadCount)
			l.global.setUnreadChannels(e.UnreadChannels)
		} else if hadUnread {
			if n := l.global.unreadChannels.Value(); n > 0 {
				l.global.setUnreadChannels(n - 1)
			}
		}
	}
	l.persistChannelSnapshot()
}

// ── REST result application ──────────────────────────────────────────

// channelPageRequest describes the shape of the query that produced a
// channel page, which determines how pagination end flags are set.
type channelPageRequest struct {
	messageLimit   int
	filteringOlder bool
	filteringNewer bool
	filteringAround bool
}

// ApplyChannelPage merges a REST channel response (metadata, members,
// reads, one message page) into the scope.
func (l *ChannelLogic) ApplyChannelPage(ch *Channel, req channelPageRequest) {
	if ch == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.applyChannelData(ch)
	if len(ch.Members) > 0 {
		l.state.setMembers(ch.Members)
	}
	if len(ch.Reads) > 0 {
		l.state.upsertReads(ch.Reads...)
		if read, ok := l.state.read(l.global.CurrentUserID()); ok {
			l.state.setUnreadCount(read.UnreadMessages)
		}
	}
	if ch.WatcherCount > 0 {
		l.state.setWatcherCount(ch.WatcherCount)
	}

	msgs := make([]*Message, 0, len(ch.Messages))
	for _, m := range ch.Messages {
		if nm := l.normalize(m); nm != nil {
			msgs = append(msgs, nm)
		}
	}
	l.state.upsertMessages(msgs...)
	for _, m := range msgs {
		if m.ParentID != "" {
			l.registry.Thread(m.ParentID).upsertMessages(m)
		}
		l.updateLastMessageAt(m)
	}

	noMore := req.messageLimit > 0 && len(ch.Messages) < req.messageLimit
	l.applyPaginationEnd(req, noMore)

	if l.repo != nil {
		l.repo.EnqueueInsertChannel(ch)
		l.repo.EnqueueInsertMessages(msgs...)
	}
}

// applyPaginationEnd mirrors the request shape into the end-of-history
// flags: an unfiltered query loads the newest page, an around-id query
// can't conclude anything, and a directional query closes its own end.
func (l *ChannelLogic) applyPaginationEnd(req channelPageRequest, noMoreMessages bool) {
	switch {
	case req.filteringAround:
		l.state.setEndOfOlder(false)
		l.state.setEndOfNewer(false)
	case !req.filteringOlder && !req.filteringNewer:
		l.state.setEndOfOlder(noMoreMessages)
		l.state.setEndOfNewer(true)
	case noMoreMessages && req.filteringNewer:
		l.state.setEndOfNewer(true)
	case noMoreMessages:
		l.state.setEndOfOlder(true)
	}
}

// PropagateQueryError marks the scope for recovery on temporary
// failures and clears the loading flags either way. Permanent failures
// are not retried.
func (l *ChannelLogic) PropagateQueryError(err error) {
	if IsNetworkError(err) {
		l.state.setRecoveryNeeded(true)
	}
	l.state.setLoading(false)
	l.state.setLoadingOlder(false)
	l.state.setLoadingNewer(false)
}

// UpsertLocalMessage applies an optimistic local write (compose/edit)
// to the scope before the network confirms it.
func (l *ChannelLogic) UpsertLocalMessage(msg *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upsertMessageLocked(msg)
}

// ApplyServerMessage folds the server confirmation of a local write.
func (l *ChannelLogic) ApplyServerMessage(msg *Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upsertEventMessage(msg)
}

// ApplyStoredMessages folds a page restored from local storage into
// the channel scope, serialized with event application. Storage reads
// are not mirrored back to storage.
func (l *ChannelLogic) ApplyStoredMessages(msgs []*Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, raw := range msgs {
		msg := l.normalize(raw)
		if msg == nil {
			continue
		}
		if msg.ParentID == "" || msg.ShowInChannel {
			l.state.upsertMessages(msg)
		}
		l.updateLastMessageAt(msg)
	}
}

// ApplyThreadPage merges a replies page into the thread scope keyed by
// parentID, serialized with event application for the owning channel.
func (l *ChannelLogic) ApplyThreadPage(parentID string, msgs []*Message, endOfOlder bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	thread := l.registry.Thread(parentID)
	normalized := make([]*Message, 0, len(msgs))
	for _, raw := range msgs {
		if msg := l.normalize(raw); msg != nil {
			normalized = append(normalized, msg)
		}
	}
	thread.upsertMessages(normalized...)
	thread.setEndOfOlder(endOfOlder)
	if l.repo != nil {
		l.repo.EnqueueInsertMessages(normalized...)
	}
}

// MarkReadLocally moves the current user's read cursor to now and
// resets the unread counter, for the optimistic mark-read path.
func (l *ChannelLogic) MarkReadLocally() {
	l.mu.Lock()
	defer l.mu.Unlock()
	user := l.global.user.Value()
	if user == nil {
		return
	}
	hadUnread := l.state.unreadCount.Value()
	l.state.upsertReads(&ChannelRead{User: user, LastRead: l.now()})
	l.state.setUnreadCount(0)
	if hadUnread > 0 {
		if total := l.global.totalUnreadCount.Value(); total >= hadUnread {
			l.global.setTotalUnreadCount(total - hadUnread)
		}
		if n := l.global.unreadChannels.Value(); n > 0 {
			l.global.setUnreadChannels(n - 1)
		}
	}
}

// syncMuteState mirrors the global mute list into the scope flag.
func (l *ChannelLogic) syncMuteState() {
	l.state.setMuted(l.global.IsChannelMuted(l.state.cid, l.now()))
}

func (l *ChannelLogic) applyChannelData(ch *Channel) {
	data := *ch
	// The metadata field holds only metadata; collections live in their
	// own observable fields.
	data.Messages = nil
	data.Members = nil
	data.Reads = nil
	l.state.setChannelData(&data)
	l.state.setHidden(ch.Hidden)
	if ch.LastMessageAt != nil {
		l.state.setLastMessageAt(*ch.LastMessageAt)
	}
}

// normalize stamps the scope cid on the message and expires stale pins
// against the injected clock. Returns nil for nil/id-less input.
func (l *ChannelLogic) normalize(msg *Message) *Message {
	if msg == nil || msg.ID == "" {
		return nil
	}
	out := msg
	if out.CID == "" {
		out = out.Clone()
		out.CID = l.state.cid
	}
	if out.Pinned && out.PinExpires != nil && !out.PinExpires.After(l.now()) {
		if out == msg {
			out = out.Clone()
		}
		out.Pinned = false
		out.PinExpires = nil
	}
	return out
}

// ── local reaction application ───────────────────────────────────────

// applyLocalReaction folds an optimistic own-reaction into a message
// copy: appended to both reaction lists, counted in the aggregates.
// enforceUnique first strips every other own reaction, matching the
// one-reaction-per-user channel configuration.
func applyLocalReaction(msg *Message, r *Reaction, enforceUnique bool, now time.Time) *Message {
	out := msg
	if enforceUnique {
		for _, own := range msg.OwnReactions {
			out = removeLocalReaction(out, own.UserID, own.Type)
		}
	}
	out = out.Clone()
	out.OwnReactions = append(out.OwnReactions, r)
	out.LatestReactions = append(out.LatestReactions, r)
	if out.ReactionCounts == nil {
		out.ReactionCounts = make(map[string]int)
	}
	out.ReactionCounts[r.Type]++
	if out.ReactionGroups == nil {
		out.ReactionGroups = make(map[string]*ReactionGroup)
	}
	group := out.ReactionGroups[r.Type]
	if group == nil {
		group = &ReactionGroup{Type: r.Type, FirstReactionAt: &now}
		out.ReactionGroups[r.Type] = group
	}
	group.Count++
	score := r.Score
	if score == 0 {
		score = 1
	}
	group.SumScore += score
	group.LastReactionAt = &now
	out.UpdatedLocallyAt = &now
	out.SyncStatus = SyncPending
	return out
}

// removeLocalReaction is the inverse: the (user, type) reaction leaves
// both lists and the aggregates, with the group dropped at zero.
func removeLocalReaction(msg *Message, userID, reactionType string) *Message {
	out := msg.Clone()
	var removed *Reaction
	out.OwnReactions = filterReactions(out.OwnReactions, userID, reactionType, &removed)
	out.LatestReactions = filterReactions(out.LatestReactions, userID, reactionType, &removed)
	if removed == nil {
		return msg
	}
	if n := out.ReactionCounts[reactionType] - 1; n > 0 {
		out.ReactionCounts[reactionType] = n
	} else {
		delete(out.ReactionCounts, reactionType)
	}
	if group := out.ReactionGroups[reactionType]; group != nil {
		group.Count--
		score := removed.Score
		if score == 0 {
			score = 1
		}
		group.SumScore -= score
		if group.Count <= 0 {
			delete(out.ReactionGroups, reactionType)
		}
	}
	return out
}

func filterReactions(list []*Reaction, userID, reactionType string, removed **Reaction) []*Reaction {
	out := list[:0]
	for _, r := range list {
		if r.UserID == userID && r.Type == reactionType {
			*removed = r
			continue
		}
		out = append(out, r)
	}
	return out
}

func (l *ChannelLogic) persistChannelSnapshot() {
	if l.repo == nil {
		return
	}
	l.repo.EnqueueInsertChannel(l.state.toChannel())
}
