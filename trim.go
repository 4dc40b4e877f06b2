package coral

// MessageLimitConfig bounds the number of messages held in memory per
// channel scope, keyed by channel type. A zero or missing limit
// disables trimming for that type.
type MessageLimitConfig map[string]int

// trimHysteresis is the slack above the base limit before a trim
// actually runs. Trimming on every message past the limit would thrash;
// instead the count is allowed to drift this far over, then cut back to
// the base limit in one pass.
const trimHysteresis = 30

type messageTrimmer struct {
	limits MessageLimitConfig
}

func newMessageTrimmer(limits MessageLimitConfig) *messageTrimmer {
	if len(limits) == 0 {
		return nil
	}
	return &messageTrimmer{limits: limits}
}

// trim drops the oldest messages beyond the base limit once the scope
// exceeds limit+hysteresis. Skipped while an older-page load is in
// flight, since trimming then would discard the page being fetched.
// After a trim the older history is by definition incomplete again, so
// endOfOlderMessages is reset.
func (t *messageTrimmer) trim(state *ChannelState) bool {
	if t == nil {
		return false
	}
	limit := t.limits[state.channelType]
	if limit <= 0 {
		return false
	}
	if state.loadingOlderMessages.Value() {
		return false
	}
	if state.messageCount() <= limit+trimHysteresis {
		return false
	}
	if dropped := state.trimMessagesTo(limit); dropped > 0 {
		state.setEndOfOlder(false)
		return true
	}
	return false
}
