package coral

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Channel state
// ============================================================================

// ChannelState is the live, observable state of one channel scope,
// keyed by (channelType, channelID). All reads go through the exported
// Field accessors; all writes go through the unexported mutators owned
// by the ChannelLogic for this scope.
type ChannelState struct {
	channelType string
	channelID   string
	cid         string

	// mu guards the identity maps on the write path. Readers never take
	// it: they observe the Field snapshots rebuilt after each mutation.
	mu         sync.Mutex
	messageMap map[string]*Message
	memberMap  map[string]*Member
	watcherMap map[string]*User
	readMap    map[string]*ChannelRead
	typingMap  map[string]*User

	messages      *Field[[]*Message]
	members       *Field[[]*Member]
	watchers      *Field[[]*User]
	watcherCount  *Field[int]
	reads         *Field[[]*ChannelRead]
	typing        *Field[[]*User]
	channelData   *Field[*Channel]
	lastMessageAt *Field[time.Time]
	unreadCount   *Field[int]
	muted         *Field[bool]
	hidden        *Field[bool]

	loading              *Field[bool]
	loadingOlderMessages *Field[bool]
	loadingNewerMessages *Field[bool]
	endOfOlderMessages   *Field[bool]
	endOfNewerMessages   *Field[bool]

	loadingOlderInFlight bool
	loadingNewerInFlight bool
	recoveryNeeded       bool
}

func newChannelState(channelType, channelID string) *ChannelState {
	return &ChannelState{
		channelType: channelType,
		channelID:   channelID,
		cid:         JoinCID(channelType, channelID),

		messageMap: make(map[string]*Message),
		memberMap:  make(map[string]*Member),
		watcherMap: make(map[string]*User),
		readMap:    make(map[string]*ChannelRead),
		typingMap:  make(map[string]*User),

		messages:      NewField[[]*Message](nil),
		members:       NewField[[]*Member](nil),
		watchers:      NewField[[]*User](nil),
		watcherCount:  NewField(0),
		reads:         NewField[[]*ChannelRead](nil),
		typing:        NewField[[]*User](nil),
		channelData:   NewField[*Channel](nil),
		lastMessageAt: NewField(time.Time{}),
		unreadCount:   NewField(0),
		muted:         NewField(false),
		hidden:        NewField(false),

		loading:              NewField(false),
		loadingOlderMessages: NewField(false),
		loadingNewerMessages: NewField(false),
		endOfOlderMessages:   NewField(false),
		endOfNewerMessages:   NewField(true),
	}
}

// CID returns the "type:id" key of this scope.
func (s *ChannelState) CID() string { return s.cid }

// ChannelType returns the channel type component of the scope key.
func (s *ChannelState) ChannelType() string { return s.channelType }

// ChannelID returns the channel id component of the scope key.
func (s *ChannelState) ChannelID() string { return s.channelID }

// Messages is the ordered message collection: total order by server
// creation time with local-creation fallback, unique by id.
func (s *ChannelState) Messages() *Field[[]*Message] { return s.messages }

// Members is the channel member set.
func (s *ChannelState) Members() *Field[[]*Member] { return s.members }

// Watchers is the set of users currently watching the channel.
func (s *ChannelState) Watchers() *Field[[]*User] { return s.watchers }

// WatcherCount is the server-reported watcher count.
func (s *ChannelState) WatcherCount() *Field[int] { return s.watcherCount }

// Reads is the per-user read cursor set.
func (s *ChannelState) Reads() *Field[[]*ChannelRead] { return s.reads }

// Typing is the set of users currently typing.
func (s *ChannelState) Typing() *Field[[]*User] { return s.typing }

// ChannelData is the channel metadata (name, config, flags).
func (s *ChannelState) ChannelData() *Field[*Channel] { return s.channelData }

// LastMessageAt is the channel's last-activity timestamp, driving
// channel-list sort order. It is monotonically non-decreasing.
func (s *ChannelState) LastMessageAt() *Field[time.Time] { return s.lastMessageAt }

// UnreadCount is the current user's unread counter for this channel.
func (s *ChannelState) UnreadCount() *Field[int] { return s.unreadCount }

// Muted reports whether the current user muted this channel.
func (s *ChannelState) Muted() *Field[bool] { return s.muted }

// Hidden reports whether the current user hid this channel.
func (s *ChannelState) Hidden() *Field[bool] { return s.hidden }

// Loading reports whether the initial channel query is in flight.
func (s *ChannelState) Loading() *Field[bool] { return s.loading }

// LoadingOlderMessages reports an in-flight older-page request.
func (s *ChannelState) LoadingOlderMessages() *Field[bool] { return s.loadingOlderMessages }

// LoadingNewerMessages reports an in-flight newer-page request.
func (s *ChannelState) LoadingNewerMessages() *Field[bool] { return s.loadingNewerMessages }

// EndOfOlderMessages reports that the top of history was reached.
func (s *ChannelState) EndOfOlderMessages() *Field[bool] { return s.endOfOlderMessages }

// EndOfNewerMessages reports that the newest message is loaded.
func (s *ChannelState) EndOfNewerMessages() *Field[bool] { return s.endOfNewerMessages }

// GetMessage returns the in-memory message by id, if present.
func (s *ChannelState) GetMessage(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messageMap[id]
	return m, ok
}

// ── write API (owned by ChannelLogic) ────────────────────────────────

// upsertMessages merges messages by id. An existing entry is replaced
// only when the incoming one is at least as new per the merge
// tie-break; ties favor the incoming value so re-application is
// idempotent.
func (s *ChannelState) upsertMessages(msgs ...*Message) {
	s.mu.Lock()
	changed := false
	for _, msg := range msgs {
		if msg == nil || msg.ID == "" {
			continue
		}
		current := s.messageMap[msg.ID]
		if !messageIsNewer(current, msg) {
			continue
		}
		s.messageMap[msg.ID] = msg
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	view := sortedMessages(s.messageMap)
	s.mu.Unlock()
	s.messages.set(view)
}

// removeMessage deletes from the in-memory collection only; repository
// deletion is a separate call. Unknown ids are a no-op.
func (s *ChannelState) removeMessage(id string) {
	s.mu.Lock()
	if _, ok := s.messageMap[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.messageMap, id)
	view := sortedMessages(s.messageMap)
	s.mu.Unlock()
	s.messages.set(view)
}

// trimMessagesTo drops the oldest messages down to keep. Returns the
// number dropped.
func (s *ChannelState) trimMessagesTo(keep int) int {
	s.mu.Lock()
	if len(s.messageMap) <= keep {
		s.mu.Unlock()
		return 0
	}
	view := sortedMessages(s.messageMap)
	drop := len(view) - keep
	for _, m := range view[:drop] {
		delete(s.messageMap, m.ID)
	}
	view = view[drop:]
	s.mu.Unlock()
	s.messages.set(view)
	return drop
}

func (s *ChannelState) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messageMap)
}

func (s *ChannelState) upsertMembers(members ...*Member) {
	s.mu.Lock()
	for _, m := range members {
		if m == nil || m.UserID() == "" {
			continue
		}
		s.memberMap[m.UserID()] = m
	}
	view := sortedMembers(s.memberMap)
	s.mu.Unlock()
	s.members.set(view)
}

func (s *ChannelState) removeMember(userID string) {
	s.mu.Lock()
	if _, ok := s.memberMap[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.memberMap, userID)
	view := sortedMembers(s.memberMap)
	s.mu.Unlock()
	s.members.set(view)
}

func (s *ChannelState) setMembers(members []*Member) {
	s.mu.Lock()
	s.memberMap = make(map[string]*Member, len(members))
	for _, m := range members {
		if m != nil && m.UserID() != "" {
			s.memberMap[m.UserID()] = m
		}
	}
	view := sortedMembers(s.memberMap)
	s.mu.Unlock()
	s.members.set(view)
}

func (s *ChannelState) upsertWatcher(u *User) {
	if u == nil || u.ID == "" {
		return
	}
	s.mu.Lock()
	s.watcherMap[u.ID] = u
	view := sortedUsers(s.watcherMap)
	s.mu.Unlock()
	s.watchers.set(view)
}

func (s *ChannelState) removeWatcher(userID string) {
	s.mu.Lock()
	if _, ok := s.watcherMap[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.watcherMap, userID)
	view := sortedUsers(s.watcherMap)
	s.mu.Unlock()
	s.watchers.set(view)
}

func (s *ChannelState) setWatcherCount(n int) {
	s.watcherCount.set(n)
}

func (s *ChannelState) upsertReads(reads ...*ChannelRead) {
	s.mu.Lock()
	for _, r := range reads {
		if r == nil || r.User == nil || r.User.ID == "" {
			continue
		}
		s.readMap[r.User.ID] = r
	}
	view := make([]*ChannelRead, 0, len(s.readMap))
	for _, r := range s.readMap {
		view = append(view, r)
	}
	sort.Slice(view, func(i, j int) bool { return view[i].User.ID < view[j].User.ID })
	s.mu.Unlock()
	s.reads.set(view)
}

func (s *ChannelState) read(userID string) (*ChannelRead, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.readMap[userID]
	return r, ok
}

func (s *ChannelState) setTyping(u *User, typing bool) {
	if u == nil || u.ID == "" {
		return
	}
	s.mu.Lock()
	if typing {
		s.typingMap[u.ID] = u
	} else {
		delete(s.typingMap, u.ID)
	}
	view := sortedUsers(s.typingMap)
	s.mu.Unlock()
	s.typing.set(view)
}

func (s *ChannelState) clearTyping() {
	s.mu.Lock()
	s.typingMap = make(map[string]*User)
	s.mu.Unlock()
	s.typing.set(nil)
}

func (s *ChannelState) setChannelData(c *Channel) {
	s.channelData.set(c)
}

// setLastMessageAt never moves the timestamp backwards.
func (s *ChannelState) setLastMessageAt(t time.Time) {
	if t.After(s.lastMessageAt.Value()) {
		s.lastMessageAt.set(t)
	}
}

func (s *ChannelState) setUnreadCount(n int)     { s.unreadCount.set(n) }
func (s *ChannelState) setMuted(muted bool)      { s.muted.set(muted) }
func (s *ChannelState) setHidden(hidden bool)    { s.hidden.set(hidden) }
func (s *ChannelState) setLoading(v bool) { s.loading.set(v) }

func (s *ChannelState) setLoadingOlder(v bool) {
	s.mu.Lock()
	s.loadingOlderInFlight = v
	s.mu.Unlock()
	s.loadingOlderMessages.set(v)
}

func (s *ChannelState) setLoadingNewer(v bool) {
	s.mu.Lock()
	s.loadingNewerInFlight = v
	s.mu.Unlock()
	s.loadingNewerMessages.set(v)
}
func (s *ChannelState) setEndOfOlder(v bool)     { s.endOfOlderMessages.set(v) }
func (s *ChannelState) setEndOfNewer(v bool)     { s.endOfNewerMessages.set(v) }

// beginLoadingOlder flips the older-page in-flight flag, reporting
// false when a load is already running so the duplicate is dropped.
func (s *ChannelState) beginLoadingOlder() bool {
	s.mu.Lock()
	if s.loadingOlderInFlight {
		s.mu.Unlock()
		return false
	}
	s.loadingOlderInFlight = true
	s.mu.Unlock()
	s.loadingOlderMessages.set(true)
	return true
}

// beginLoadingNewer is the newer-page counterpart.
func (s *ChannelState) beginLoadingNewer() bool {
	s.mu.Lock()
	if s.loadingNewerInFlight {
		s.mu.Unlock()
		return false
	}
	s.loadingNewerInFlight = true
	s.mu.Unlock()
	s.loadingNewerMessages.set(true)
	return true
}

func (s *ChannelState) setRecoveryNeeded(v bool) {
	s.mu.Lock()
	s.recoveryNeeded = v
	s.mu.Unlock()
}

func (s *ChannelState) needsRecovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryNeeded
}

// toChannel snapshots the scope back into a wire/storage Channel value.
func (s *ChannelState) toChannel() *Channel {
	data := s.channelData.Value()
	var c Channel
	if data != nil {
		c = *data
	}
	c.Type = s.channelType
	c.ID = s.channelID
	c.CID = s.cid
	c.Messages = s.messages.Value()
	c.Members = s.members.Value()
	c.Reads = s.reads.Value()
	c.WatcherCount = s.watcherCount.Value()
	c.Hidden = s.hidden.Value()
	if last := s.lastMessageAt.Value(); !last.IsZero() {
		c.LastMessageAt = &last
	}
	return &c
}

// ============================================================================
// Thread state
// ============================================================================

// ThreadState is the observable reply collection of one thread scope,
// keyed by parent message id. Same ordering and merge invariants as
// channel messages, scoped to replies.
type ThreadState struct {
	parentID string

	mu         sync.Mutex
	messageMap map[string]*Message

	messages             *Field[[]*Message]
	loadingOlderMessages *Field[bool]
	endOfOlderMessages   *Field[bool]

	loadingOlderInFlight bool
}

func newThreadState(parentID string) *ThreadState {
	return &ThreadState{
		parentID:             parentID,
		messageMap:           make(map[string]*Message),
		messages:             NewField[[]*Message](nil),
		loadingOlderMessages: NewField(false),
		endOfOlderMessages:   NewField(false),
	}
}

// ParentID returns the parent message id keying this scope.
func (s *ThreadState) ParentID() string { return s.parentID }

// Messages is the ordered reply collection.
func (s *ThreadState) Messages() *Field[[]*Message] { return s.messages }

// LoadingOlderMessages reports an in-flight older-replies request.
func (s *ThreadState) LoadingOlderMessages() *Field[bool] { return s.loadingOlderMessages }

// EndOfOlderMessages reports that the oldest reply is loaded.
func (s *ThreadState) EndOfOlderMessages() *Field[bool] { return s.endOfOlderMessages }

func (s *ThreadState) upsertMessages(msgs ...*Message) {
	s.mu.Lock()
	changed := false
	for _, msg := range msgs {
		if msg == nil || msg.ID == "" {
			continue
		}
		current := s.messageMap[msg.ID]
		if !messageIsNewer(current, msg) {
			continue
		}
		s.messageMap[msg.ID] = msg
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	view := sortedMessages(s.messageMap)
	s.mu.Unlock()
	s.messages.set(view)
}

func (s *ThreadState) removeMessage(id string) {
	s.mu.Lock()
	if _, ok := s.messageMap[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.messageMap, id)
	view := sortedMessages(s.messageMap)
	s.mu.Unlock()
	s.messages.set(view)
}

// beginLoadingOlder flips the in-flight flag, reporting false when a
// load is already running so the duplicate is dropped.
func (s *ThreadState) beginLoadingOlder() bool {
	s.mu.Lock()
	if s.loadingOlderInFlight {
		s.mu.Unlock()
		return false
	}
	s.loadingOlderInFlight = true
	s.mu.Unlock()
	s.loadingOlderMessages.set(true)
	return true
}

func (s *ThreadState) setLoadingOlder(v bool) {
	s.mu.Lock()
	s.loadingOlderInFlight = v
	s.mu.Unlock()
	s.loadingOlderMessages.set(v)
}

func (s *ThreadState) setEndOfOlder(v bool) { s.endOfOlderMessages.set(v) }

// ============================================================================
// Query-channels state
// ============================================================================

// QueryChannelsState keeps a channel-list screen live: the ordered set
// of channel ids currently satisfying one (filter, sort) query.
type QueryChannelsState struct {
	signature string
	filter    map[string]any
	sort      []SortOption

	mu    sync.Mutex
	index map[string]bool
	order []string

	channels      *Field[[]string]
	loading       *Field[bool]
	loadingMore   *Field[bool]
	endOfChannels *Field[bool]

	recoveryNeeded bool
}

func newQueryChannelsState(signature string, filter map[string]any, sort []SortOption) *QueryChannelsState {
	return &QueryChannelsState{
		signature:     signature,
		filter:        filter,
		sort:          sort,
		index:         make(map[string]bool),
		channels:      NewField[[]string](nil),
		loading:       NewField(false),
		loadingMore:   NewField(false),
		endOfChannels: NewField(false),
	}
}

// Signature returns the canonical filter+sort key of this scope.
func (s *QueryChannelsState) Signature() string { return s.signature }

// Filter returns the filter value this scope was created with.
func (s *QueryChannelsState) Filter() map[string]any { return s.filter }

// Sort returns the sort value this scope was created with.
func (s *QueryChannelsState) Sort() []SortOption { return s.sort }

// Channels is the ordered cid list satisfying the query.
func (s *QueryChannelsState) Channels() *Field[[]string] { return s.channels }

// Loading reports the first-page request being in flight.
func (s *QueryChannelsState) Loading() *Field[bool] { return s.loading }

// LoadingMore reports a next-page request being in flight.
func (s *QueryChannelsState) LoadingMore() *Field[bool] { return s.loadingMore }

// EndOfChannels reports that the last page was reached.
func (s *QueryChannelsState) EndOfChannels() *Field[bool] { return s.endOfChannels }

func (s *QueryChannelsState) setChannels(cids []string) {
	s.mu.Lock()
	s.index = make(map[string]bool, len(cids))
	s.order = s.order[:0]
	for _, cid := range cids {
		if !s.index[cid] {
			s.index[cid] = true
			s.order = append(s.order, cid)
		}
	}
	view := append([]string(nil), s.order...)
	s.mu.Unlock()
	s.channels.set(view)
}

func (s *QueryChannelsState) appendChannels(cids []string) {
	s.mu.Lock()
	for _, cid := range cids {
		if !s.index[cid] {
			s.index[cid] = true
			s.order = append(s.order, cid)
		}
	}
	view := append([]string(nil), s.order...)
	s.mu.Unlock()
	s.channels.set(view)
}

func (s *QueryChannelsState) prependChannel(cid string) {
	s.mu.Lock()
	if s.index[cid] {
		s.mu.Unlock()
		return
	}
	s.index[cid] = true
	s.order = append([]string{cid}, s.order...)
	view := append([]string(nil), s.order...)
	s.mu.Unlock()
	s.channels.set(view)
}

func (s *QueryChannelsState) removeChannel(cid string) {
	s.mu.Lock()
	if !s.index[cid] {
		s.mu.Unlock()
		return
	}
	delete(s.index, cid)
	for i, c := range s.order {
		if c == cid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	view := append([]string(nil), s.order...)
	s.mu.Unlock()
	s.channels.set(view)
}

func (s *QueryChannelsState) contains(cid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index[cid]
}

func (s *QueryChannelsState) setLoading(v bool)     { s.loading.set(v) }
func (s *QueryChannelsState) setLoadingMore(v bool) { s.loadingMore.set(v) }
func (s *QueryChannelsState) setEndOfChannels(v bool) {
	s.endOfChannels.set(v)
}

func (s *QueryChannelsState) setRecoveryNeeded(v bool) {
	s.mu.Lock()
	s.recoveryNeeded = v
	s.mu.Unlock()
}

func (s *QueryChannelsState) needsRecovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveryNeeded
}

// ============================================================================
// Global state
// ============================================================================

// GlobalState is the single process-wide scope for the user session:
// current user, connection state, unread aggregates and mutes. It is
// explicitly constructed at session start and cleared at logout; all
// writes go through its narrow setter API.
type GlobalState struct {
	user             *Field[*User]
	connectionState  *Field[ConnectionState]
	totalUnreadCount *Field[int]
	unreadChannels   *Field[int]
	channelMutes     *Field[[]ChannelMute]
	typingChannels   *Field[map[string][]*User]
}

func newGlobalState() *GlobalState {
	return &GlobalState{
		user:             NewField[*User](nil),
		connectionState:  NewField(ConnectionOffline),
		totalUnreadCount: NewField(0),
		unreadChannels:   NewField(0),
		channelMutes:     NewField[[]ChannelMute](nil),
		typingChannels:   NewField[map[string][]*User](nil),
	}
}

// User is the authenticated session user.
func (g *GlobalState) User() *Field[*User] { return g.user }

// ConnectionState is the realtime connectivity state.
func (g *GlobalState) ConnectionState() *Field[ConnectionState] { return g.connectionState }

// TotalUnreadCount is the unread message total across channels.
func (g *GlobalState) TotalUnreadCount() *Field[int] { return g.totalUnreadCount }

// UnreadChannels is the count of channels with unread messages.
func (g *GlobalState) UnreadChannels() *Field[int] { return g.unreadChannels }

// ChannelMutes is the current user's mute list.
func (g *GlobalState) ChannelMutes() *Field[[]ChannelMute] { return g.channelMutes }

// TypingChannels aggregates typing users across channels, keyed by cid.
func (g *GlobalState) TypingChannels() *Field[map[string][]*User] { return g.typingChannels }

// IsOnline reports whether the realtime connection is established.
func (g *GlobalState) IsOnline() bool {
	return g.connectionState.Value() == ConnectionConnected
}

// CurrentUserID returns the session user id, or "" before connect.
func (g *GlobalState) CurrentUserID() string {
	if u := g.user.Value(); u != nil {
		return u.ID
	}
	return ""
}

// IsChannelMuted reports whether cid is in the active mute list.
func (g *GlobalState) IsChannelMuted(cid string, now time.Time) bool {
	for _, m := range g.channelMutes.Value() {
		if m.CID != cid {
			continue
		}
		if m.ExpiresAt == nil || m.ExpiresAt.After(now) {
			return true
		}
	}
	return false
}

func (g *GlobalState) setUser(u *User)                      { g.user.set(u) }
func (g *GlobalState) setConnectionState(s ConnectionState) { g.connectionState.set(s) }
func (g *GlobalState) setTotalUnreadCount(n int)            { g.totalUnreadCount.set(n) }
func (g *GlobalState) setUnreadChannels(n int)              { g.unreadChannels.set(n) }
func (g *GlobalState) setChannelMutes(m []ChannelMute)      { g.channelMutes.set(m) }

func (g *GlobalState) setTypingChannel(cid string, users []*User) {
	current := g.typingChannels.Value()
	next := make(map[string][]*User, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	if len(users) == 0 {
		delete(next, cid)
	} else {
		next[cid] = users
	}
	g.typingChannels.set(next)
}

func (g *GlobalState) clear() {
	g.user.set(nil)
	g.connectionState.set(ConnectionOffline)
	g.totalUnreadCount.set(0)
	g.unreadChannels.set(0)
	g.channelMutes.set(nil)
	g.typingChannels.set(nil)
}

// ── sorted view helpers ──────────────────────────────────────────────

func sortedMessages(m map[string]*Message) []*Message {
	out := make([]*Message, 0, len(m))
	for _, msg := range m {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].sortTimestamp(), out[j].sortTimestamp()
		if ti.Equal(tj) {
			return out[i].ID < out[j].ID
		}
		return ti.Before(tj)
	})
	return out
}

func sortedMembers(m map[string]*Member) []*Member {
	out := make([]*Member, 0, len(m))
	for _, member := range m {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID() < out[j].UserID() })
	return out
}

func sortedUsers(m map[string]*User) []*User {
	out := make([]*User, 0, len(m))
	for _, u := range m {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
