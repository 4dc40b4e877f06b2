// Package coral is an offline-first chat client core: a local-storage
// backed, observable state engine kept in sync with the server over
// REST and a realtime event stream.
//
// Example:
//
//	store, _ := coral.OpenSQLiteStore("chat.db")
//	client := coral.NewClient("api-key", coral.WithStore(store))
//	client.Connect(ctx, &coral.User{ID: "thierry"}, token)
//
//	state, _ := client.WatchChannel(ctx, "messaging:general")
//	state.Messages().Subscribe(func(msgs []*coral.Message) { render(msgs) })
//
//	client.SendMessage(ctx, "messaging:general", "hello")
package coral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "https://chat.coral.im"
	DefaultTimeout = 30 * time.Second
)

// defaultMessagePageSize is the message page requested when the caller
// does not say otherwise.
const defaultMessagePageSize = 30

// ============================================================================
// Client
// ============================================================================

// Client is the chat client. All state it exposes is observable through
// the registry scopes; operations mutate local state first where the
// semantics allow and reconcile with the server response after.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	now        Clock

	registry *StateRegistry
	repo     *RepositoryFacade
	trimmer  *messageTrimmer
	syncMgr  *SyncManager
	realtime *RealtimeClient

	syncMaxThreshold time.Duration
	wsURL            string

	mu     sync.Mutex
	logics map[string]*ChannelLogic
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithStore attaches a local store; without one the client runs
// memory-only and offline restore is disabled.
func WithStore(store Store) ClientOption {
	return func(c *Client) { c.repo = NewRepositoryFacade(store) }
}

// WithMessageLimits bounds in-memory messages per channel type.
func WithMessageLimits(limits MessageLimitConfig) ClientOption {
	return func(c *Client) { c.trimmer = newMessageTrimmer(limits) }
}

// WithSyncMaxThreshold overrides how stale a pending write may be and
// still be replayed on reconnect.
func WithSyncMaxThreshold(d time.Duration) ClientOption {
	return func(c *Client) { c.syncMaxThreshold = d }
}

// WithClock injects the time source, for tests.
func WithClock(now Clock) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithWebsocketURL overrides the realtime endpoint derived from the
// base URL.
func WithWebsocketURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = u }
}

// NewClient creates a chat client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		now:      systemClock,
		registry: NewStateRegistry(),
		logics:   make(map[string]*ChannelLogic),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.syncMgr = newSyncManager(c.repo, c.registry, c, c.now, c.syncMaxThreshold)
	return c
}

// Registry exposes the observable state scopes.
func (c *Client) Registry() *StateRegistry { return c.registry }

// GlobalState is shorthand for Registry().Global().
func (c *Client) GlobalState() *GlobalState { return c.registry.Global() }

// logicFor returns the single write-path owner of a channel scope.
func (c *Client) logicFor(cid string) *ChannelLogic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.logics[cid]; ok {
		return l
	}
	l := newChannelLogic(c.registry.ChannelByCID(cid), c.registry, c.repo, c.trimmer, c.now)
	c.logics[cid] = l
	return l
}

// ============================================================================
// Session
// ============================================================================

// Connect establishes the session: sets the current user, opens the
// realtime connection and arms the reconnect sync loop. The returned
// error covers only setup; connection failures after that surface
// through the global connection state.
func (c *Client) Connect(ctx context.Context, user *User, token string) error {
	if user == nil || user.ID == "" {
		return &ValidationError{Field: "user", Reason: "must have an id"}
	}
	c.registry.Global().setUser(user)
	if token != "" {
		c.apiKey = token
	}
	c.syncMgr.Start()

	rt, err := newRealtimeClient(c.websocketURL(), c.apiKey, user.ID, c)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.realtime = rt
	c.mu.Unlock()
	rt.Start(ctx)
	return nil
}

// Disconnect closes the realtime connection, keeping local state and
// storage intact for a later reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	rt := c.realtime
	c.realtime = nil
	c.mu.Unlock()
	if rt != nil {
		rt.Stop()
	}
	c.syncMgr.Stop()
	c.registry.Global().setConnectionState(ConnectionOffline)
}

// Logout disconnects and drops every state scope. Storage is left to
// the caller: wiping the database on logout is an app policy decision.
func (c *Client) Logout() {
	c.Disconnect()
	c.mu.Lock()
	c.logics = make(map[string]*ChannelLogic)
	c.mu.Unlock()
	c.registry.Clear()
}

// Close releases the client: disconnects and closes the store.
func (c *Client) Close() error {
	c.Disconnect()
	if c.repo != nil {
		return c.repo.Close()
	}
	return nil
}

func (c *Client) websocketURL() string {
	if c.wsURL != "" {
		return c.wsURL
	}
	u := strings.Replace(c.baseURL, "http", "ws", 1)
	return u + "/connect"
}

// ============================================================================
// Channel queries
// ============================================================================

// QueryChannelsRequest shapes a channel-list query.
type QueryChannelsRequest struct {
	Filter       map[string]any `json:"filter"`
	Sort         []SortOption   `json:"sort,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
	MessageLimit int            `json:"messageLimit,omitempty"`
}

type queryChannelsResponse struct {
	Channels []*Channel `json:"channels"`
}

// QueryChannels runs a channel-list query offline-first: the cached
// result for this (filter, sort) renders immediately, then the network
// response replaces it. The returned scope is live; two structurally
// equal queries share it.
func (c *Client) QueryChannels(ctx context.Context, req QueryChannelsRequest) (*QueryChannelsState, error) {
	if req.Limit <= 0 {
		req.Limit = 30
	}
	if req.MessageLimit <= 0 {
		req.MessageLimit = defaultMessagePageSize
	}
	scope := c.registry.QueryChannels(req.Filter, req.Sort)
	firstPage := req.Offset == 0

	if firstPage {
		scope.setLoading(true)
		defer scope.setLoading(false)
		c.restoreQueryFromCache(ctx, scope, req.MessageLimit)
	} else {
		scope.setLoadingMore(true)
		defer scope.setLoadingMore(false)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/api/channels/query", req, nil)
	if err != nil {
		// Without a local store there is no substitute result, so the
		// failure propagates.
		if c.repo != nil && shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
			scope.setRecoveryNeeded(true)
			return scope, nil
		}
		if IsNetworkError(err) {
			scope.setRecoveryNeeded(true)
		}
		return scope, err
	}
	resp, err := decodeJSON[queryChannelsResponse](data)
	if err != nil {
		return scope, err
	}

	cids := make([]string, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		c.applyChannelResponse(ch, channelPageRequest{messageLimit: req.MessageLimit})
		cids = append(cids, ch.CID)
	}
	if firstPage {
		scope.setChannels(cids)
	} else {
		scope.appendChannels(cids)
	}
	scope.setEndOfChannels(len(resp.Channels) < req.Limit)

	if c.repo != nil {
		full := scope.Channels().Value()
		sig := scope.Signature()
		c.repo.enqueue(func() {
			_ = c.repo.InsertQuery(context.Background(), sig, full)
		})
	}
	return scope, nil
}

// restoreQueryFromCache renders the persisted result of this query
// before the network answers.
func (c *Client) restoreQueryFromCache(ctx context.Context, scope *QueryChannelsState, messageLimit int) {
	if c.repo == nil || len(scope.Channels().Value()) > 0 {
		return
	}
	cids, err := c.repo.SelectQueryCIDs(ctx, scope.Signature())
	if err != nil || len(cids) == 0 {
		return
	}
	channels, err := c.repo.SelectChannelsWithMessages(ctx, cids, messageLimit)
	if err != nil {
		return
	}
	restored := make([]string, 0, len(channels))
	for _, ch := range channels {
		c.applyChannelResponse(ch, channelPageRequest{messageLimit: messageLimit})
		restored = append(restored, ch.CID)
	}
	scope.setChannels(restored)
}

func (c *Client) applyChannelResponse(ch *Channel, req channelPageRequest) {
	if ch == nil || ch.CID == "" {
		return
	}
	c.logicFor(ch.CID).ApplyChannelPage(ch, req)
}

// ============================================================================
// Watching a channel
// ============================================================================

type channelResponse struct {
	Channel *Channel `json:"channel"`
}

type watchChannelRequest struct {
	Watch    bool            `json:"watch"`
	State    bool            `json:"state"`
	Messages *messagePageReq `json:"messages,omitempty"`
}

type messagePageReq struct {
	Limit         int        `json:"limit,omitempty"`
	CreatedBefore *time.Time `json:"createdBefore,omitempty"`
	CreatedAfter  *time.Time `json:"createdAfter,omitempty"`
	AroundID      string     `json:"aroundId,omitempty"`
}

// WatchChannel starts watching a channel: cached state renders first,
// then the server page and event subscription take over. Returns the
// live scope.
func (c *Client) WatchChannel(ctx context.Context, cid string) (*ChannelState, error) {
	if err := validateCID(cid); err != nil {
		return nil, err
	}
	state := c.registry.ChannelByCID(cid)
	logic := c.logicFor(cid)

	state.setLoading(true)
	defer state.setLoading(false)
	c.restoreChannelFromCache(ctx, cid, defaultMessagePageSize)

	req := channelPageRequest{messageLimit: defaultMessagePageSize}
	err := c.queryChannelPage(ctx, cid, watchChannelRequest{
		Watch:    true,
		State:    true,
		Messages: &messagePageReq{Limit: defaultMessagePageSize},
	}, req)
	if err != nil {
		if c.repo != nil && shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
			state.setRecoveryNeeded(true)
			return state, nil
		}
		logic.PropagateQueryError(err)
		return state, err
	}
	return state, nil
}

func (c *Client) restoreChannelFromCache(ctx context.Context, cid string, messageLimit int) {
	if c.repo == nil {
		return
	}
	channels, err := c.repo.SelectChannelsWithMessages(ctx, []string{cid}, messageLimit)
	if err != nil || len(channels) == 0 {
		return
	}
	c.applyChannelResponse(channels[0], channelPageRequest{messageLimit: messageLimit})
}

func (c *Client) queryChannelPage(ctx context.Context, cid string, body watchChannelRequest, req channelPageRequest) error {
	channelType, channelID := SplitCID(cid)
	path := fmt.Sprintf("/api/channels/%s/%s/query", channelType, channelID)
	data, err := c.doRequest(ctx, http.MethodPost, path, body, nil)
	if err != nil {
		return err
	}
	resp, err := decodeJSON[channelResponse](data)
	if err != nil {
		return err
	}
	c.applyChannelResponse(resp.Channel, req)
	return nil
}

// ============================================================================
// Message pagination
// ============================================================================

// LoadOlderMessages fetches the page preceding the oldest loaded
// message. A call while one is already in flight for the scope is
// dropped, and a scope whose history start was reached is a no-op.
func (c *Client) LoadOlderMessages(ctx context.Context, cid string, limit int) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	state := c.registry.ChannelByCID(cid)
	if state.endOfOlderMessages.Value() {
		return nil
	}
	if !state.beginLoadingOlder() {
		return nil
	}
	defer state.setLoadingOlder(false)

	page := &messagePageReq{Limit: limit}
	if msgs := state.messages.Value(); len(msgs) > 0 {
		t := msgs[0].sortTimestamp()
		page.CreatedBefore = &t
	}
	err := c.queryChannelPage(ctx, cid, watchChannelRequest{State: true, Messages: page},
		channelPageRequest{messageLimit: limit, filteringOlder: true})
	if err != nil {
		if c.repo != nil && shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
			return c.loadOlderFromStore(ctx, cid, limit, page.CreatedBefore)
		}
		return err
	}
	return nil
}

// loadOlderFromStore serves an older page from local storage while
// offline.
func (c *Client) loadOlderFromStore(ctx context.Context, cid string, limit int, before *time.Time) error {
	if c.repo == nil {
		return nil
	}
	msgs, err := c.repo.SelectMessagesForChannel(ctx, cid, MessagePagination{Limit: limit, Before: before})
	if err != nil {
		return err
	}
	c.logicFor(cid).ApplyStoredMessages(msgs)
	return nil
}

// LoadNewerMessages fetches the page following the newest loaded
// message, for scopes scrolled away from the live end.
func (c *Client) LoadNewerMessages(ctx context.Context, cid string, limit int) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	state := c.registry.ChannelByCID(cid)
	if state.endOfNewerMessages.Value() {
		return nil
	}
	if !state.beginLoadingNewer() {
		return nil
	}
	defer state.setLoadingNewer(false)

	page := &messagePageReq{Limit: limit}
	if msgs := state.messages.Value(); len(msgs) > 0 {
		t := msgs[len(msgs)-1].sortTimestamp()
		page.CreatedAfter = &t
	}
	return c.queryChannelPage(ctx, cid, watchChannelRequest{State: true, Messages: page},
		channelPageRequest{messageLimit: limit, filteringNewer: true})
}

// LoadMessagesAround fetches the page surrounding a specific message,
// for jump-to-message navigation.
func (c *Client) LoadMessagesAround(ctx context.Context, cid, messageID string, limit int) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	return c.queryChannelPage(ctx, cid, watchChannelRequest{
		State:    true,
		Messages: &messagePageReq{Limit: limit, AroundID: messageID},
	}, channelPageRequest{messageLimit: limit, filteringAround: true})
}

// ============================================================================
// Sending messages
// ============================================================================

type messageRequest struct {
	Message *Message `json:"message"`
}

type messageResponse struct {
	Message *Message `json:"message"`
}

// SendMessageOption tweaks an outgoing message.
type SendMessageOption func(*Message)

func WithParent(parentID string, showInChannel bool) SendMessageOption {
	return func(m *Message) {
		m.ParentID = parentID
		m.ShowInChannel = showInChannel
	}
}

func WithAttachments(atts ...Attachment) SendMessageOption {
	return func(m *Message) { m.Attachments = atts }
}

// SendMessage composes and sends a message. The message appears in the
// scope immediately with a client-generated id and pending status; the
// server confirmation upgrades it in place. A transport failure while
// offline is a local success, replayed by the sync loop on reconnect.
func (c *Client) SendMessage(ctx context.Context, cid, text string, opts ...SendMessageOption) (*Message, error) {
	if err := validateCID(cid); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	now := c.now()
	msg := &Message{
		ID:               uuid.NewString(),
		CID:              cid,
		Text:             text,
		Type:             MessageTypeRegular,
		User:             c.registry.Global().user.Value(),
		CreatedLocallyAt: &now,
		SyncStatus:       SyncPending,
	}
	for _, opt := range opts {
		opt(msg)
	}

	logic := c.logicFor(cid)
	logic.UpsertLocalMessage(msg)

	sent, err := c.sendMessageRemote(ctx, msg)
	if err != nil {
		return c.handleSendFailure(logic, msg, err)
	}
	logic.ApplyServerMessage(sent)
	return sent, nil
}

// UpdateMessage edits a message's text/attachments, optimistically.
func (c *Client) UpdateMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil || msg.ID == "" {
		return nil, &ValidationError{Field: "message", Reason: "must have an id"}
	}
	now := c.now()
	edited := msg.Clone()
	edited.UpdatedLocallyAt = &now
	edited.SyncStatus = SyncPending

	logic := c.logicFor(edited.CID)
	logic.UpsertLocalMessage(edited)

	path := "/api/messages/" + url.PathEscape(edited.ID)
	data, err := c.doRequest(ctx, http.MethodPut, path, messageRequest{Message: edited}, nil)
	if err != nil {
		return c.handleSendFailure(logic, edited, err)
	}
	resp, err := decodeJSON[messageResponse](data)
	if err != nil {
		return edited, err
	}
	logic.ApplyServerMessage(resp.Message)
	return resp.Message, nil
}

// handleSendFailure resolves a failed message write: offline transport
// failures keep the message pending for replay; permanent rejections
// mark it failed in place.
func (c *Client) handleSendFailure(logic *ChannelLogic, msg *Message, err error) (*Message, error) {
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return msg, nil
	}
	if isPermanentAPIError(err) {
		failed := msg.Clone()
		failed.SyncStatus = SyncFailedPermanently
		failed.Type = MessageTypeError
		logic.UpsertLocalMessage(failed)
		return failed, err
	}
	return msg, err
}

// DeleteMessage deletes a message; hard removes it from history for
// everyone, soft leaves a tombstone.
func (c *Client) DeleteMessage(ctx context.Context, cid, messageID string, hard bool) error {
	if messageID == "" {
		return &ValidationError{Field: "messageId", Reason: "must not be empty"}
	}
	logic := c.logicFor(cid)
	now := c.now()

	if hard {
		logic.HandleEvent(&MessageDeletedEvent{
			eventBase:  eventBase{CID: cid, CreatedAt: now},
			Message:    &Message{ID: messageID, CID: cid},
			HardDelete: true,
		})
	} else if current, ok := logic.State().GetMessage(messageID); ok {
		tombstone := current.Clone()
		tombstone.DeletedAt = &now
		tombstone.SyncStatus = SyncPending
		logic.UpsertLocalMessage(tombstone)
	}

	path := "/api/messages/" + url.PathEscape(messageID)
	var query map[string]string
	if hard {
		query = map[string]string{"hard": "true"}
	}
	_, err := c.doRequest(ctx, http.MethodDelete, path, nil, query)
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return nil
	}
	return err
}

// ============================================================================
// Reactions
// ============================================================================

type reactionRequest struct {
	Reaction      *Reaction `json:"reaction"`
	EnforceUnique bool      `json:"enforceUnique,omitempty"`
}

// SendReaction adds the current user's reaction to a message,
// optimistically: the message's aggregates update in place before the
// network answers. enforceUnique replaces any other reaction the user
// has on the message.
func (c *Client) SendReaction(ctx context.Context, cid, messageID, reactionType string, enforceUnique bool) error {
	if messageID == "" || reactionType == "" {
		return &ValidationError{Field: "reaction", Reason: "message id and type are required"}
	}
	logic := c.logicFor(cid)
	now := c.now()
	user := c.registry.Global().user.Value()
	reaction := &Reaction{
		MessageID:  messageID,
		Type:       reactionType,
		UserID:     c.registry.Global().CurrentUserID(),
		User:       user,
		CreatedAt:  &now,
		SyncStatus: SyncPending,
	}
	if current, ok := logic.State().GetMessage(messageID); ok {
		logic.UpsertLocalMessage(applyLocalReaction(current, reaction, enforceUnique, now))
	}
	if c.repo != nil {
		c.repo.EnqueueInsertReaction(reaction)
	}

	err := c.retrySendReaction(ctx, reaction)
	if err == nil {
		synced := *reaction
		synced.SyncStatus = SyncSynced
		if c.repo != nil {
			c.repo.EnqueueInsertReaction(&synced)
		}
		return nil
	}
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return nil
	}
	// Roll the optimistic aggregate back on a real rejection.
	if current, ok := logic.State().GetMessage(messageID); ok {
		logic.UpsertLocalMessage(removeLocalReaction(current, reaction.UserID, reactionType))
	}
	return err
}

// DeleteReaction removes the current user's reaction, optimistically.
func (c *Client) DeleteReaction(ctx context.Context, cid, messageID, reactionType string) error {
	if messageID == "" || reactionType == "" {
		return &ValidationError{Field: "reaction", Reason: "message id and type are required"}
	}
	logic := c.logicFor(cid)
	userID := c.registry.Global().CurrentUserID()
	if current, ok := logic.State().GetMessage(messageID); ok {
		next := removeLocalReaction(current, userID, reactionType)
		now := c.now()
		next.UpdatedLocallyAt = &now
		next.SyncStatus = SyncPending
		logic.UpsertLocalMessage(next)
	}
	if c.repo != nil {
		c.repo.enqueue(func() {
			_ = c.repo.DeleteReaction(context.Background(), messageID, userID, reactionType)
		})
	}

	path := fmt.Sprintf("/api/messages/%s/reaction/%s", url.PathEscape(messageID), url.PathEscape(reactionType))
	_, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return nil
	}
	return err
}

// ============================================================================
// Members, read state, typing
// ============================================================================

type membersRequest struct {
	AddMembers    []string `json:"addMembers,omitempty"`
	RemoveMembers []string `json:"removeMembers,omitempty"`
}

// AddMembers adds users to a channel.
func (c *Client) AddMembers(ctx context.Context, cid string, userIDs ...string) error {
	return c.updateMembers(ctx, cid, membersRequest{AddMembers: userIDs})
}

// RemoveMembers removes users from a channel.
func (c *Client) RemoveMembers(ctx context.Context, cid string, userIDs ...string) error {
	return c.updateMembers(ctx, cid, membersRequest{RemoveMembers: userIDs})
}

func (c *Client) updateMembers(ctx context.Context, cid string, req membersRequest) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	channelType, channelID := SplitCID(cid)
	path := fmt.Sprintf("/api/channels/%s/%s", channelType, channelID)
	data, err := c.doRequest(ctx, http.MethodPost, path, req, nil)
	if err != nil {
		return err
	}
	resp, err := decodeJSON[channelResponse](data)
	if err != nil {
		return err
	}
	c.applyChannelResponse(resp.Channel, channelPageRequest{})
	return nil
}

// MarkRead moves the current user's read cursor to now. The unread
// counter resets immediately; the server call follows.
func (c *Client) MarkRead(ctx context.Context, cid string) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	c.logicFor(cid).MarkReadLocally()
	channelType, channelID := SplitCID(cid)
	path := fmt.Sprintf("/api/channels/%s/%s/read", channelType, channelID)
	_, err := c.doRequest(ctx, http.MethodPost, path, nil, nil)
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return nil
	}
	return err
}

type typingEventRequest struct {
	Type     string `json:"type"`
	ParentID string `json:"parentId,omitempty"`
}

// Keystroke signals the current user typing in a channel. Callers fire
// it per keypress; transport failures are swallowed, typing is best
// effort.
func (c *Client) Keystroke(ctx context.Context, cid, parentID string) error {
	return c.sendTypingEvent(ctx, cid, TypeTypingStart, parentID)
}

// StopTyping clears the current user's typing signal.
func (c *Client) StopTyping(ctx context.Context, cid string) error {
	return c.sendTypingEvent(ctx, cid, TypeTypingStop, "")
}

func (c *Client) sendTypingEvent(ctx context.Context, cid, eventType, parentID string) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	channelType, channelID := SplitCID(cid)
	path := fmt.Sprintf("/api/channels/%s/%s/event", channelType, channelID)
	_, err := c.doRequest(ctx, http.MethodPost, path, typingEventRequest{Type: eventType, ParentID: parentID}, nil)
	if IsNetworkError(err) {
		return nil
	}
	return err
}

// ============================================================================
// Channel visibility and mutes
// ============================================================================

// HideChannel hides a channel from queries; clearHistory also drops its
// local message history up to now.
func (c *Client) HideChannel(ctx context.Context, cid string, clearHistory bool) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	c.logicFor(cid).HandleEvent(&ChannelHiddenEvent{
		eventBase:    eventBase{CID: cid, CreatedAt: c.now()},
		ClearHistory: clearHistory,
	})
	channelType, channelID := SplitCID(cid)
	path := fmt.Sprintf("/api/channels/%s/%s/hide", channelType, channelID)
	_, err := c.doRequest(ctx, http.MethodPost, path, map[string]bool{"clearHistory": clearHistory}, nil)
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return nil
	}
	return err
}

// ShowChannel undoes HideChannel.
func (c *Client) ShowChannel(ctx context.Context, cid string) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	c.logicFor(cid).HandleEvent(&ChannelVisibleEvent{
		eventBase: eventBase{CID: cid, CreatedAt: c.now()},
	})
	channelType, channelID := SplitCID(cid)
	path := fmt.Sprintf("/api/channels/%s/%s/show", channelType, channelID)
	_, err := c.doRequest(ctx, http.MethodPost, path, nil, nil)
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return nil
	}
	return err
}

// MuteChannel silences a channel's unread accounting for the current
// user; expiration is optional.
func (c *Client) MuteChannel(ctx context.Context, cid string, expiration time.Duration) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	mute := ChannelMute{CID: cid}
	if expiration > 0 {
		t := c.now().Add(expiration)
		mute.ExpiresAt = &t
	}
	mutes := append(append([]ChannelMute(nil), c.registry.Global().channelMutes.Value()...), mute)
	c.applyMutes(mutes)

	body := map[string]any{"channelCid": cid}
	if expiration > 0 {
		body["expiration"] = expiration.Milliseconds()
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/moderation/mute/channel", body, nil)
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return nil
	}
	return err
}

// UnmuteChannel lifts a channel mute.
func (c *Client) UnmuteChannel(ctx context.Context, cid string) error {
	if err := validateCID(cid); err != nil {
		return err
	}
	current := c.registry.Global().channelMutes.Value()
	mutes := make([]ChannelMute, 0, len(current))
	for _, m := range current {
		if m.CID != cid {
			mutes = append(mutes, m)
		}
	}
	c.applyMutes(mutes)

	_, err := c.doRequest(ctx, http.MethodPost, "/api/moderation/unmute/channel", map[string]any{"channelCid": cid}, nil)
	if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
		return nil
	}
	return err
}

func (c *Client) applyMutes(mutes []ChannelMute) {
	c.registry.Global().setChannelMutes(mutes)
	c.mu.Lock()
	logics := make([]*ChannelLogic, 0, len(c.logics))
	for _, l := range c.logics {
		logics = append(logics, l)
	}
	c.mu.Unlock()
	for _, l := range logics {
		l.syncMuteState()
	}
}

// ============================================================================
// Threads
// ============================================================================

type repliesResponse struct {
	Messages []*Message `json:"messages"`
}

// LoadThreadReplies fetches a page of replies older than the oldest
// loaded one. Duplicate in-flight calls for the scope are dropped.
func (c *Client) LoadThreadReplies(ctx context.Context, cid, parentID string, limit int) error {
	if parentID == "" {
		return &ValidationError{Field: "parentId", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	thread := c.registry.Thread(parentID)
	if thread.endOfOlderMessages.Value() || !thread.beginLoadingOlder() {
		return nil
	}
	defer thread.setLoadingOlder(false)

	query := map[string]string{"limit": fmt.Sprint(limit)}
	if replies := thread.messages.Value(); len(replies) > 0 {
		query["createdBefore"] = replies[0].sortTimestamp().Format(time.RFC3339Nano)
	}
	path := "/api/messages/" + url.PathEscape(parentID) + "/replies"
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		if shouldSubstituteOffline(err, c.registry.Global().IsOnline()) {
			return nil
		}
		return err
	}
	resp, err := decodeJSON[repliesResponse](data)
	if err != nil {
		return err
	}
	c.logicFor(cid).ApplyThreadPage(parentID, resp.Messages, len(resp.Messages) < limit)
	return nil
}

// ============================================================================
// Event dispatch
// ============================================================================

// DispatchEvent folds one realtime event into the engine. The realtime
// connection calls this for every parsed frame; tests call it directly.
func (c *Client) DispatchEvent(ev Event) {
	switch e := ev.(type) {
	case *HealthCheckEvent:
		return
	case *NotificationMutesUpdatedEvent:
		c.applyMutes(e.ChannelMutes)
		return
	case *PresenceChangedEvent:
		return
	case *NewMessageEvent:
		c.bumpQueryScopes(ev.EventCID())
	case *ChannelDeletedEvent, *ChannelHiddenEvent:
		for _, q := range c.registry.ActiveQueries() {
			q.removeChannel(ev.EventCID())
		}
	}

	cid := ev.EventCID()
	if cid == "" {
		return
	}
	// Events for channels never watched in this session are dropped;
	// their state is rebuilt from the server when first watched.
	if !c.registry.hasChannel(cid) {
		return
	}
	c.logicFor(cid).HandleEvent(ev)
}

// bumpQueryScopes surfaces a newly active channel in the query lists
// that don't have it yet.
func (c *Client) bumpQueryScopes(cid string) {
	if cid == "" {
		return
	}
	for _, q := range c.registry.ActiveQueries() {
		if !q.contains(cid) {
			q.prependChannel(cid)
		}
	}
}

// ============================================================================
// Sync loop hooks
// ============================================================================

func (c *Client) retrySendMessage(ctx context.Context, msg *Message) (*Message, error) {
	channelType, channelID := SplitCID(msg.CID)
	path := fmt.Sprintf("/api/channels/%s/%s/message", channelType, channelID)
	data, err := c.doRequest(ctx, http.MethodPost, path, messageRequest{Message: msg}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messageResponse](data)
	if err != nil {
		return nil, err
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("send message: empty response")
	}
	resp.Message.SyncStatus = SyncSynced
	return resp.Message, nil
}

func (c *Client) sendMessageRemote(ctx context.Context, msg *Message) (*Message, error) {
	return c.retrySendMessage(ctx, msg)
}

func (c *Client) retrySendReaction(ctx context.Context, r *Reaction) error {
	path := "/api/messages/" + url.PathEscape(r.MessageID) + "/reaction"
	_, err := c.doRequest(ctx, http.MethodPost, path, reactionRequest{Reaction: r}, nil)
	return err
}

func (c *Client) recoverChannel(ctx context.Context, cid string) error {
	return c.queryChannelPage(ctx, cid, watchChannelRequest{
		Watch:    true,
		State:    true,
		Messages: &messagePageReq{Limit: defaultMessagePageSize},
	}, channelPageRequest{messageLimit: defaultMessagePageSize})
}

func (c *Client) recoverQuery(ctx context.Context, q *QueryChannelsState) error {
	_, err := c.QueryChannels(ctx, QueryChannelsRequest{Filter: q.Filter(), Sort: q.Sort()})
	return err
}

func (c *Client) applySyncedMessage(msg *Message) {
	if msg == nil || msg.CID == "" {
		return
	}
	c.logicFor(msg.CID).ApplyServerMessage(msg)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return nil, &apiErr
		}
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: string(data)}
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
