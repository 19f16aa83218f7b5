package relay

import (
	"testing"
	"time"
)

func TestTabAttachedMintsTargetID(t *testing.T) {
	var events []TargetEvent
	tm := NewTargetManager(30*time.Millisecond, func(e TargetEvent) { events = append(events, e) })

	tgt := tm.TabAttached("tab-1", "https://a.example", "A")
	if tgt.ID == "" {
		t.Fatal("expected a minted target id")
	}
	if len(events) != 1 || events[0].Kind != TargetEventCreated {
		t.Fatalf("expected one Created event, got %+v", events)
	}
}

func TestTabNavigatedPreservesTargetID(t *testing.T) {
	tm := NewTargetManager(30*time.Millisecond, func(TargetEvent) {})

	tgt := tm.TabAttached("tab-1", "https://a.example", "A")
	original := tgt.ID

	tm.TabNavigated("tab-1", "https://b.example", "B")

	got, ok := tm.LookupByTab("tab-1")
	if !ok {
		t.Fatal("expected tab still tracked")
	}
	if got.ID != original {
		t.Fatalf("targetId changed across navigation: %s -> %s", original, got.ID)
	}
	if got.info().URL != "https://b.example" {
		t.Fatalf("expected updated URL, got %s", got.info().URL)
	}
}

func TestTabDetachedFiresFrozenOrDropped(t *testing.T) {
	var kinds []TargetEventKind
	tm := NewTargetManager(30*time.Millisecond, func(e TargetEvent) { kinds = append(kinds, e.Kind) })

	tm.TabAttached("tab-1", "https://a.example", "A")
	tm.TabDetached("tab-1", "closed")

	if len(kinds) != 2 || kinds[1] != TargetEventFrozenOrDropped {
		t.Fatalf("expected Created then FrozenOrDropped, got %v", kinds)
	}
	if _, ok := tm.LookupByTab("tab-1"); ok {
		t.Fatal("expected tab to be forgotten after detach")
	}
}

func TestExtensionDisconnectedFreezesThenReattachReusesTargetID(t *testing.T) {
	var kinds []TargetEventKind
	tm := NewTargetManager(50*time.Millisecond, func(e TargetEvent) { kinds = append(kinds, e.Kind) })

	tgt := tm.TabAttached("tab-1", "https://a.example", "A")
	original := tgt.ID

	tm.ExtensionDisconnected()
	if len(kinds) != 2 || kinds[1] != TargetEventFrozenOrDropped {
		t.Fatalf("expected immediate FrozenOrDropped on disconnect, got %v", kinds)
	}

	reattached := tm.TabAttached("tab-1", "https://a.example", "A")
	if reattached.ID != original {
		t.Fatalf("expected targetId reuse within grace window, got %s want %s", reattached.ID, original)
	}
}

func TestFrozenTargetDroppedAfterGraceWindowWithNoFurtherEvent(t *testing.T) {
	var kinds []TargetEventKind
	tm := NewTargetManager(10*time.Millisecond, func(e TargetEvent) { kinds = append(kinds, e.Kind) })

	tm.TabAttached("tab-1", "https://a.example", "A")
	tm.ExtensionDisconnected()
	countAfterFreeze := len(kinds)

	time.Sleep(50 * time.Millisecond)

	if len(kinds) != countAfterFreeze {
		t.Fatalf("expected no further events after grace window expiry, got %v", kinds)
	}
	if _, ok := tm.LookupByTab("tab-1"); ok {
		t.Fatal("expected targetId reservation to be dropped")
	}
}
