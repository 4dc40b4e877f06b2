package coral

import (
	"sync"
	"testing"
)

func TestChannelScopeSingleton(t *testing.T) {
	registry := NewStateRegistry()

	a := registry.Channel("messaging", "general")
	b := registry.ChannelByCID("messaging:general")
	if a != b {
		t.Fatal("same (type, id) returned distinct scopes")
	}
	if c := registry.Channel("messaging", "random"); c == a {
		t.Fatal("distinct ids share a scope")
	}
}

func TestChannelScopeSingletonConcurrent(t *testing.T) {
	registry := NewStateRegistry()

	var wg sync.WaitGroup
	scopes := make([]*ChannelState, 32)
	for i := range scopes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scopes[i] = registry.Channel("messaging", "general")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(scopes); i++ {
		if scopes[i] != scopes[0] {
			t.Fatal("concurrent get-or-create produced distinct scopes")
		}
	}
}

func TestQueryScopeStructuralEquality(t *testing.T) {
	registry := NewStateRegistry()

	// Same structure, different construction order.
	a := registry.QueryChannels(map[string]any{
		"type":    "messaging",
		"members": []string{"me"},
	}, []SortOption{{Field: "last_message_at", Direction: -1}})
	b := registry.QueryChannels(map[string]any{
		"members": []string{"me"},
		"type":    "messaging",
	}, []SortOption{{Field: "last_message_at", Direction: -1}})
	if a != b {
		t.Fatal("structurally equal queries returned distinct scopes")
	}

	c := registry.QueryChannels(map[string]any{"type": "messaging"}, nil)
	if c == a {
		t.Fatal("different filters share a scope")
	}
}

func TestThreadScopeKeyedByParent(t *testing.T) {
	registry := NewStateRegistry()
	if registry.Thread("p1") != registry.Thread("p1") {
		t.Fatal("same parent returned distinct thread scopes")
	}
	if registry.Thread("p1") == registry.Thread("p2") {
		t.Fatal("distinct parents share a thread scope")
	}
}

func TestClearDropsScopesAndResetsGlobal(t *testing.T) {
	registry := NewStateRegistry()
	registry.Global().setUser(&User{ID: "me"})
	registry.Global().setTotalUnreadCount(7)
	old := registry.ChannelByCID("messaging:general")
	old.setUnreadCount(3)

	registry.Clear()

	if registry.Global().CurrentUserID() != "" {
		t.Fatal("global user survived Clear")
	}
	if registry.Global().TotalUnreadCount().Value() != 0 {
		t.Fatal("global unread survived Clear")
	}
	fresh := registry.ChannelByCID("messaging:general")
	if fresh == old {
		t.Fatal("channel scope survived Clear")
	}
	if fresh.UnreadCount().Value() != 0 {
		t.Fatal("expected a fresh scope after Clear")
	}
}

func TestFieldSubscribe(t *testing.T) {
	f := NewField(1)

	var got []int
	cancel := f.Subscribe(func(v int) { got = append(got, v) })
	f.set(2)
	f.set(3)
	cancel()
	f.set(4)

	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("observed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("observed %v, want %v", got, want)
		}
	}
}

func TestFieldSubscriberPanicIsolated(t *testing.T) {
	f := NewField(0)
	f.Subscribe(func(v int) {
		if v == 1 {
			panic("bad subscriber")
		}
	})
	var last int
	f.Subscribe(func(v int) { last = v })

	f.set(1)
	if last != 1 {
		t.Fatal("panicking subscriber blocked the others")
	}
}
