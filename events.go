package coral

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Event union
// ============================================================================

// Event is the closed set of push events the reconciliation layer folds
// into state. The set is sealed: reconciliation dispatches with an
// exhaustive type switch, not runtime inspection of payload maps.
type Event interface {
	// EventCID is the channel scope the event targets; empty for events
	// that only touch the global scope.
	EventCID() string
	// CreatedAt is the server-side event timestamp.
	EventTime() time.Time
	isEvent()
}

type eventBase struct {
	CID       string    `json:"cid,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (e eventBase) EventCID() string     { return e.CID }
func (e eventBase) EventTime() time.Time { return e.CreatedAt }
func (eventBase) isEvent()               {}

// NewMessageEvent announces a message posted to a channel.
type NewMessageEvent struct {
	eventBase
	Message          *Message `json:"message"`
	WatcherCount     int      `json:"watcherCount,omitempty"`
	TotalUnreadCount int      `json:"totalUnreadCount,omitempty"`
	UnreadChannels   int      `json:"unreadChannels,omitempty"`
}

// MessageUpdatedEvent announces an edit to an existing message.
type MessageUpdatedEvent struct {
	eventBase
	Message *Message `json:"message"`
}

// MessageDeletedEvent announces a soft or hard message deletion.
type MessageDeletedEvent struct {
	eventBase
	Message    *Message `json:"message"`
	HardDelete bool     `json:"hardDelete,omitempty"`
}

// ReactionNewEvent announces a reaction added to a message. Message is
// the server's re-derived owning message including its new aggregate.
type ReactionNewEvent struct {
	eventBase
	Message  *Message  `json:"message"`
	Reaction *Reaction `json:"reaction"`
}

// ReactionUpdatedEvent announces a reaction score/type change.
type ReactionUpdatedEvent struct {
	eventBase
	Message  *Message  `json:"message"`
	Reaction *Reaction `json:"reaction"`
}

// ReactionDeletedEvent announces a reaction removal.
type ReactionDeletedEvent struct {
	eventBase
	Message  *Message  `json:"message"`
	Reaction *Reaction `json:"reaction"`
}

// ChannelUpdatedEvent announces a change to channel metadata.
type ChannelUpdatedEvent struct {
	eventBase
	Channel *Channel `json:"channel"`
}

// ChannelDeletedEvent announces a channel deletion.
type ChannelDeletedEvent struct {
	eventBase
	Channel *Channel `json:"channel,omitempty"`
}

// ChannelHiddenEvent announces the current user hid a channel.
type ChannelHiddenEvent struct {
	eventBase
	ClearHistory bool `json:"clearHistory,omitempty"`
}

// ChannelVisibleEvent announces a previously hidden channel resurfaced.
type ChannelVisibleEvent struct {
	eventBase
}

// MemberAddedEvent announces a member joining a channel.
type MemberAddedEvent struct {
	eventBase
	Member *Member `json:"member"`
}

// MemberRemovedEvent announces a member leaving a channel.
type MemberRemovedEvent struct {
	eventBase
	Member *Member `json:"member"`
}

// TypingStartEvent announces a user started typing.
type TypingStartEvent struct {
	eventBase
	User     *User  `json:"user"`
	ParentID string `json:"parentId,omitempty"`
}

// TypingStopEvent announces a user stopped typing.
type TypingStopEvent struct {
	eventBase
	User *User `json:"user"`
}

// UserWatchingStartEvent announces a user started watching a channel.
type UserWatchingStartEvent struct {
	eventBase
	User         *User `json:"user"`
	WatcherCount int   `json:"watcherCount,omitempty"`
}

// UserWatchingStopEvent announces a user stopped watching a channel.
type UserWatchingStopEvent struct {
	eventBase
	User         *User `json:"user"`
	WatcherCount int   `json:"watcherCount,omitempty"`
}

// MessageReadEvent announces a user's read cursor moved.
type MessageReadEvent struct {
	eventBase
	User             *User `json:"user"`
	TotalUnreadCount int   `json:"totalUnreadCount,omitempty"`
	UnreadChannels   int   `json:"unreadChannels,omitempty"`
}

// NotificationMutesUpdatedEvent carries the current user's full mute
// list after a mute/unmute.
type NotificationMutesUpdatedEvent struct {
	eventBase
	ChannelMutes []ChannelMute `json:"channelMutes"`
}

// PresenceChangedEvent announces a user going online/offline.
type PresenceChangedEvent struct {
	eventBase
	User *User `json:"user"`
}

// HealthCheckEvent is the connection keepalive; it carries no state.
type HealthCheckEvent struct {
	eventBase
	ConnectionID string `json:"connectionId,omitempty"`
}

// ============================================================================
// Wire envelope
// ============================================================================

// Wire type names for the event union.
const (
	TypeNewMessage        = "message.new"
	TypeMessageUpdated    = "message.updated"
	TypeMessageDeleted    = "message.deleted"
	TypeReactionNew       = "reaction.new"
	TypeReactionUpdated   = "reaction.updated"
	TypeReactionDeleted   = "reaction.deleted"
	TypeChannelUpdated    = "channel.updated"
	TypeChannelDeleted    = "channel.deleted"
	TypeChannelHidden     = "channel.hidden"
	TypeChannelVisible    = "channel.visible"
	TypeMemberAdded       = "member.added"
	TypeMemberRemoved     = "member.removed"
	TypeTypingStart       = "typing.start"
	TypeTypingStop        = "typing.stop"
	TypeWatchingStart     = "user.watching.start"
	TypeWatchingStop      = "user.watching.stop"
	TypeMessageRead       = "message.read"
	TypeNotificationMutes = "notification.mutes_updated"
	TypePresenceChanged   = "presence.changed"
	TypeHealthCheck       = "health.check"
)

// EventEnvelope is the wire format for all push events.
type EventEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseEvent decodes a wire envelope into the typed event union.
// Unknown event types are an error so transport bugs surface instead of
// being folded into state as zero values.
func ParseEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return parseEventPayload(env.Type, env.Payload)
}

func parseEventPayload(eventType string, payload json.RawMessage) (Event, error) {
	decode := func(v Event) (Event, error) {
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return v, nil
	}

	switch eventType {
	case TypeNewMessage:
		return decode(&NewMessageEvent{})
	case TypeMessageUpdated:
		return decode(&MessageUpdatedEvent{})
	case TypeMessageDeleted:
		return decode(&MessageDeletedEvent{})
	case TypeReactionNew:
		return decode(&ReactionNewEvent{})
	case TypeReactionUpdated:
		return decode(&ReactionUpdatedEvent{})
	case TypeReactionDeleted:
		return decode(&ReactionDeletedEvent{})
	case TypeChannelUpdated:
		return decode(&ChannelUpdatedEvent{})
	case TypeChannelDeleted:
		return decode(&ChannelDeletedEvent{})
	case TypeChannelHidden:
		return decode(&ChannelHiddenEvent{})
	case TypeChannelVisible:
		return decode(&ChannelVisibleEvent{})
	case TypeMemberAdded:
		return decode(&MemberAddedEvent{})
	case TypeMemberRemoved:
		return decode(&MemberRemovedEvent{})
	case TypeTypingStart:
		return decode(&TypingStartEvent{})
	case TypeTypingStop:
		return decode(&TypingStopEvent{})
	case TypeWatchingStart:
		return decode(&UserWatchingStartEvent{})
	case TypeWatchingStop:
		return decode(&UserWatchingStopEvent{})
	case TypeMessageRead:
		return decode(&MessageReadEvent{})
	case TypeNotificationMutes:
		return decode(&NotificationMutesUpdatedEvent{})
	case TypePresenceChanged:
		return decode(&PresenceChangedEvent{})
	case TypeHealthCheck:
		return decode(&HealthCheckEvent{})
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}
