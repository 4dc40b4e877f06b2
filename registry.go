package coral

import (
	"encoding/json"
	"sync"
)

// ============================================================================
// State registry
// ============================================================================

// SortOption is one component of a query-channels sort.
type SortOption struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// StateRegistry is the process-wide lookup/creation point for state
// scopes. get-or-create is idempotent: equal keys (including
// structurally-equal filter/sort values) always return the same
// container instance, so observers and writers never diverge.
//
// Scopes are never torn down individually during a session; the
// registry is cleared wholesale on logout/session switch.
type StateRegistry struct {
	mu       sync.Mutex
	global   *GlobalState
	channels map[string]*ChannelState
	threads  map[string]*ThreadState
	queries  map[string]*QueryChannelsState
}

// NewStateRegistry creates an empty registry with a fresh global scope.
func NewStateRegistry() *StateRegistry {
	r := &StateRegistry{global: newGlobalState()}
	r.initMaps()
	return r
}

func (r *StateRegistry) initMaps() {
	r.channels = make(map[string]*ChannelState)
	r.threads = make(map[string]*ThreadState)
	r.queries = make(map[string]*QueryChannelsState)
}

// Global returns the session-wide global scope.
func (r *StateRegistry) Global() *GlobalState {
	return r.global
}

// Channel returns the state scope for (channelType, channelID),
// creating it on first access.
func (r *StateRegistry) Channel(channelType, channelID string) *ChannelState {
	cid := JoinCID(channelType, channelID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.channels[cid]; ok {
		return s
	}
	s := newChannelState(channelType, channelID)
	r.channels[cid] = s
	return s
}

// ChannelByCID is Channel keyed by the joined "type:id" form.
func (r *StateRegistry) ChannelByCID(cid string) *ChannelState {
	channelType, channelID := SplitCID(cid)
	return r.Channel(channelType, channelID)
}

// hasChannel reports whether a scope already exists without creating it.
func (r *StateRegistry) hasChannel(cid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[cid]
	return ok
}

// Thread returns the reply scope for a parent message id, creating it
// on first access.
func (r *StateRegistry) Thread(parentID string) *ThreadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.threads[parentID]; ok {
		return s
	}
	s := newThreadState(parentID)
	r.threads[parentID] = s
	return s
}

// QueryChannels returns the scope for a (filter, sort) query. Equality
// is defined over the filter+sort value, not instance identity: two
// structurally equal queries share one scope.
func (r *StateRegistry) QueryChannels(filter map[string]any, sort []SortOption) *QueryChannelsState {
	sig := querySignature(filter, sort)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.queries[sig]; ok {
		return s
	}
	s := newQueryChannelsState(sig, filter, sort)
	r.queries[sig] = s
	return s
}

// ActiveChannels snapshots all live channel scopes.
func (r *StateRegistry) ActiveChannels() []*ChannelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ChannelState, 0, len(r.channels))
	for _, s := range r.channels {
		out = append(out, s)
	}
	return out
}

// ActiveQueries snapshots all live query scopes.
func (r *StateRegistry) ActiveQueries() []*QueryChannelsState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*QueryChannelsState, 0, len(r.queries))
	for _, s := range r.queries {
		out = append(out, s)
	}
	return out
}

// Clear drops every scope and resets the global state. Called on
// logout/session switch.
func (r *StateRegistry) Clear() {
	r.mu.Lock()
	r.initMaps()
	r.mu.Unlock()
	r.global.clear()
}

// querySignature derives a canonical key from the filter and sort
// values. encoding/json writes map keys in sorted order, so
// structurally equal filters produce identical signatures regardless of
// construction order.
func querySignature(filter map[string]any, sort []SortOption) string {
	fb, _ := json.Marshal(filter)
	sb, _ := json.Marshal(sort)
	return string(fb) + "|" + string(sb)
}
