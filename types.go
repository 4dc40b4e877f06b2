package coral

import (
	"time"
)

// ============================================================================
// Sync status
// ============================================================================

// SyncStatus tracks whether a locally-mutated entity has been confirmed
// by the server. Pending entities are locally authoritative until a
// Synced or FailedPermanently transition arrives.
type SyncStatus int

const (
	// SyncPending marks an entity written locally but not yet confirmed.
	SyncPending SyncStatus = iota
	// SyncSynced marks an entity confirmed by the server.
	SyncSynced
	// SyncFailedPermanently marks an entity the server rejected with a
	// non-retriable error. It stays in storage for inspection but is
	// never retried.
	SyncFailedPermanently
)

func (s SyncStatus) String() string {
	switch s {
	case SyncPending:
		return "pending"
	case SyncSynced:
		return "synced"
	case SyncFailedPermanently:
		return "failed_permanently"
	default:
		return "unknown"
	}
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the client's view of the realtime connection.
type ConnectionState string

const (
	ConnectionOffline    ConnectionState = "offline"
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionConnected  ConnectionState = "connected"
)

// ============================================================================
// Entities
// ============================================================================

// User is a chat participant.
type User struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Role       string     `json:"role,omitempty"`
	Online     bool       `json:"online,omitempty"`
	LastActive *time.Time `json:"lastActive,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

// Attachment is a file or rich-media part of a message.
type Attachment struct {
	Type      string `json:"type,omitempty"`
	Title     string `json:"title,omitempty"`
	AssetURL  string `json:"assetUrl,omitempty"`
	ThumbURL  string `json:"thumbUrl,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	FileSize  int64  `json:"fileSize,omitempty"`
	LocalPath string `json:"-"`
}

// Reaction is a single user's reaction to a message.
type Reaction struct {
	MessageID  string     `json:"messageId"`
	Type       string     `json:"type"`
	UserID     string     `json:"userId"`
	User       *User      `json:"user,omitempty"`
	Score      int        `json:"score,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	SyncStatus SyncStatus `json:"-"`
}

// ReactionGroup aggregates all reactions of one type on a message.
type ReactionGroup struct {
	Type            string     `json:"type"`
	Count           int        `json:"count"`
	SumScore        int        `json:"sumScore"`
	FirstReactionAt *time.Time `json:"firstReactionAt,omitempty"`
	LastReactionAt  *time.Time `json:"lastReactionAt,omitempty"`
}

// Message type discriminators.
const (
	MessageTypeRegular = "regular"
	MessageTypeSystem  = "system"
	MessageTypeError   = "error"
)

// Message is a single chat message. Identity is ID; for messages
// composed locally the ID is client-generated before the server
// confirms it.
//
// A message with SyncStatus == SyncSynced carries server timestamps
// (CreatedAt and friends); a pending one carries only the local
// variants.
type Message struct {
	ID              string                    `json:"id"`
	CID             string                    `json:"cid"`
	Text            string                    `json:"text"`
	Type            string                    `json:"type,omitempty"`
	User            *User                     `json:"user,omitempty"`
	ParentID        string                    `json:"parentId,omitempty"`
	ShowInChannel   bool                      `json:"showInChannel,omitempty"`
	Attachments     []Attachment              `json:"attachments,omitempty"`
	LatestReactions []*Reaction               `json:"latestReactions,omitempty"`
	OwnReactions    []*Reaction               `json:"ownReactions,omitempty"`
	ReactionCounts  map[string]int            `json:"reactionCounts,omitempty"`
	ReactionGroups  map[string]*ReactionGroup `json:"reactionGroups,omitempty"`
	Pinned          bool                      `json:"pinned,omitempty"`
	PinExpires      *time.Time                `json:"pinExpires,omitempty"`
	Shadowed        bool                      `json:"shadowed,omitempty"`
	Silent          bool                      `json:"silent,omitempty"`

	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	// Local timestamp variants, set by the compose/edit path before the
	// server echoes the message back.
	CreatedLocallyAt *time.Time `json:"-"`
	UpdatedLocallyAt *time.Time `json:"-"`

	SyncStatus SyncStatus `json:"-"`
}

// UserID returns the author id, tolerating a nil User.
func (m *Message) UserID() string {
	if m.User == nil {
		return ""
	}
	return m.User.ID
}

// sortTimestamp orders messages in a channel: server creation time,
// falling back to local creation time for unconfirmed messages.
func (m *Message) sortTimestamp() time.Time {
	if m.CreatedAt != nil {
		return *m.CreatedAt
	}
	if m.CreatedLocallyAt != nil {
		return *m.CreatedLocallyAt
	}
	return time.Time{}
}

// activityTimestamp is the message's best-available timestamp for
// channel-activity derivation: local first, then server.
func (m *Message) activityTimestamp() time.Time {
	if m.CreatedLocallyAt != nil {
		return *m.CreatedLocallyAt
	}
	if m.CreatedAt != nil {
		return *m.CreatedAt
	}
	return time.Time{}
}

// lastUpdateTime is the max of the server-confirmed timestamps.
func (m *Message) lastUpdateTime() time.Time {
	return maxTime(m.CreatedAt, m.UpdatedAt, m.DeletedAt)
}

// lastLocalUpdateTime is the max of the locally-observed timestamps.
func (m *Message) lastLocalUpdateTime() time.Time {
	return maxTime(m.CreatedLocallyAt, m.UpdatedLocallyAt, m.DeletedAt)
}

func maxTime(ts ...*time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t != nil && t.After(out) {
			out = *t
		}
	}
	return out
}

// Clone returns a deep-enough copy for snapshot-replacement semantics:
// maps and slices are copied, referenced entities are shared (they are
// treated as immutable once ingested).
func (m *Message) Clone() *Message {
	out := *m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.LatestReactions != nil {
		out.LatestReactions = append([]*Reaction(nil), m.LatestReactions...)
	}
	if m.OwnReactions != nil {
		out.OwnReactions = append([]*Reaction(nil), m.OwnReactions...)
	}
	if m.ReactionCounts != nil {
		out.ReactionCounts = make(map[string]int, len(m.ReactionCounts))
		for k, v := range m.ReactionCounts {
			out.ReactionCounts[k] = v
		}
	}
	if m.ReactionGroups != nil {
		out.ReactionGroups = make(map[string]*ReactionGroup, len(m.ReactionGroups))
		for k, v := range m.ReactionGroups {
			g := *v
			out.ReactionGroups[k] = &g
		}
	}
	return &out
}

// Member is a user's membership in a channel.
type Member struct {
	User      *User      `json:"user"`
	Role      string     `json:"role,omitempty"`
	Banned    bool       `json:"banned,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// UserID returns the member's user id, tolerating a nil User.
func (m *Member) UserID() string {
	if m.User == nil {
		return ""
	}
	return m.User.ID
}

// ChannelRead is a per-user read cursor in a channel.
type ChannelRead struct {
	User           *User     `json:"user"`
	LastRead       time.Time `json:"lastRead"`
	UnreadMessages int       `json:"unreadMessages"`
}

// ChannelConfig carries the channel-type configuration the
// reconciliation logic depends on.
type ChannelConfig struct {
	Name                           string `json:"name,omitempty"`
	TypingEventsEnabled            bool   `json:"typingEvents,omitempty"`
	ReadEventsEnabled              bool   `json:"readEvents,omitempty"`
	SkipLastMsgUpdateForSystemMsgs bool   `json:"skipLastMsgUpdateForSystemMsgs,omitempty"`
}

// ChannelMute marks a channel the current user has muted.
type ChannelMute struct {
	CID       string     `json:"cid"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Channel is the server-side channel entity as delivered by query
// responses and channel events. The live, observable representation is
// ChannelState; Channel is the wire/storage value.
type Channel struct {
	Type          string         `json:"type"`
	ID            string         `json:"id"`
	CID           string         `json:"cid"`
	Name          string         `json:"name,omitempty"`
	Frozen        bool           `json:"frozen,omitempty"`
	Hidden        bool           `json:"hidden,omitempty"`
	Config        ChannelConfig  `json:"config,omitempty"`
	CreatedBy     *User          `json:"createdBy,omitempty"`
	Members       []*Member      `json:"members,omitempty"`
	Messages      []*Message     `json:"messages,omitempty"`
	Reads         []*ChannelRead `json:"reads,omitempty"`
	WatcherCount  int            `json:"watcherCount,omitempty"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
	CreatedAt     *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt     *time.Time     `json:"updatedAt,omitempty"`
	DeletedAt     *time.Time     `json:"deletedAt,omitempty"`
	SyncStatus    SyncStatus     `json:"-"`
}

// SplitCID splits "type:id" into its components.
func SplitCID(cid string) (channelType, channelID string) {
	for i := 0; i < len(cid); i++ {
		if cid[i] == ':' {
			return cid[:i], cid[i+1:]
		}
	}
	return cid, ""
}

// JoinCID builds the canonical "type:id" channel key.
func JoinCID(channelType, channelID string) string {
	return channelType + ":" + channelID
}
