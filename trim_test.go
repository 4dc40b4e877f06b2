package coral

import (
	"fmt"
	"testing"
	"time"
)

func fillMessages(logic *ChannelLogic, n int) {
	for i := 0; i < n; i++ {
		logic.ApplyServerMessage(syncedMsg(fmt.Sprintf("m%03d", i), testBase.Add(time.Duration(i)*time.Second)))
	}
}

func newTrimLogic(t *testing.T, limit int) *ChannelLogic {
	t.Helper()
	registry := NewStateRegistry()
	state := registry.ChannelByCID("messaging:general")
	trimmer := newMessageTrimmer(MessageLimitConfig{"messaging": limit})
	return newChannelLogic(state, registry, nil, trimmer, func() time.Time { return testBase })
}

func TestTrimHysteresisBoundary(t *testing.T) {
	logic := newTrimLogic(t, 100)
	state := logic.State()

	// At limit+hysteresis the scope is left alone.
	fillMessages(logic, 130)
	if got := len(state.Messages().Value()); got != 130 {
		t.Fatalf("trim fired below threshold: %d messages", got)
	}

	// One past the threshold cuts back to the base limit.
	logic.ApplyServerMessage(syncedMsg("m130", testBase.Add(130*time.Second)))
	if got := len(state.Messages().Value()); got != 100 {
		t.Fatalf("expected trim to 100, have %d", got)
	}
}

func TestTrimDropsOldestKeepsNewest(t *testing.T) {
	logic := newTrimLogic(t, 100)
	fillMessages(logic, 131)

	msgs := logic.State().Messages().Value()
	if msgs[0].ID != "m031" {
		t.Fatalf("oldest survivor = %s, want m031", msgs[0].ID)
	}
	if msgs[len(msgs)-1].ID != "m130" {
		t.Fatalf("newest survivor = %s, want m130", msgs[len(msgs)-1].ID)
	}
}

func TestTrimResetsEndOfOlderMessages(t *testing.T) {
	logic := newTrimLogic(t, 100)
	logic.State().setEndOfOlder(true)

	fillMessages(logic, 131)
	if logic.State().EndOfOlderMessages().Value() {
		t.Fatal("endOfOlderMessages still set after trim")
	}
}

func TestTrimSkippedWhileLoadingOlder(t *testing.T) {
	logic := newTrimLogic(t, 100)
	logic.State().setLoadingOlder(true)

	fillMessages(logic, 140)
	if got := len(logic.State().Messages().Value()); got != 140 {
		t.Fatalf("trim ran during older-page load: %d messages", got)
	}

	// Finishing the load re-arms trimming on the next ingest.
	logic.State().setLoadingOlder(false)
	logic.ApplyServerMessage(syncedMsg("m140", testBase.Add(140*time.Second)))
	if got := len(logic.State().Messages().Value()); got != 100 {
		t.Fatalf("expected trim to 100 after load finished, have %d", got)
	}
}

func TestTrimDisabledForUnknownChannelType(t *testing.T) {
	registry := NewStateRegistry()
	state := registry.ChannelByCID("livestream:main")
	trimmer := newMessageTrimmer(MessageLimitConfig{"messaging": 100})
	logic := newChannelLogic(state, registry, nil, trimmer, func() time.Time { return testBase })

	for i := 0; i < 200; i++ {
		msg := syncedMsg(fmt.Sprintf("m%03d", i), testBase.Add(time.Duration(i)*time.Second))
		msg.CID = "livestream:main"
		logic.ApplyServerMessage(msg)
	}
	if got := len(state.Messages().Value()); got != 200 {
		t.Fatalf("trim fired for unconfigured type: %d messages", got)
	}
}
