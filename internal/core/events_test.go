package core

import (
	"fmt"
	"testing"
)

func TestEventRingEvictsOldest(t *testing.T) {
	ring := NewEventRing(3)

	for i := 0; i < 5; i++ {
		ring.Record(EventBuyOrderPlaced, map[string]interface{}{"seq": i})
	}

	if ring.Len() != 3 {
		t.Fatalf("expected 3 buffered events, got %d", ring.Len())
	}

	tail := ring.Tail(0)
	if len(tail) != 3 {
		t.Fatalf("expected full tail of 3, got %d", len(tail))
	}
	for i, evt := range tail {
		want := i + 2 // seq 2, 3, 4 survive
		if evt.Data["seq"] != want {
			t.Errorf("tail[%d]: expected seq %d, got %v", i, want, evt.Data["seq"])
		}
	}
}

func TestEventRingTailLimit(t *testing.T) {
	ring := NewEventRing(10)
	for i := 0; i < 4; i++ {
		ring.Record(EventGridLevelUpdated, map[string]interface{}{"seq": i})
	}

	tail := ring.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("expected 2 events, got %d", len(tail))
	}
	if tail[0].Data["seq"] != 2 || tail[1].Data["seq"] != 3 {
		t.Errorf("expected seq 2,3 oldest first, got %v,%v", tail[0].Data["seq"], tail[1].Data["seq"])
	}

	if got := ring.Tail(100); len(got) != 4 {
		t.Errorf("oversized n should return all 4, got %d", len(got))
	}
}

func TestEventRingSink(t *testing.T) {
	ring := NewEventRing(5)

	var seen []string
	ring.SetSink(func(evt StrategyEvent) {
		seen = append(seen, fmt.Sprintf("%s:%v", evt.Type, evt.Data["n"]))
	})

	ring.Record(EventRiskLimitHit, map[string]interface{}{"n": 1})
	ring.Record(EventEmergencyStop, map[string]interface{}{"n": 2})

	if len(seen) != 2 {
		t.Fatalf("sink should see every record, got %d", len(seen))
	}
	if seen[0] != "RISK_LIMIT_HIT:1" || seen[1] != "EMERGENCY_STOP:2" {
		t.Errorf("unexpected sink payloads: %v", seen)
	}
}

func TestMapOrderState(t *testing.T) {
	cases := map[string]ExchangeOrderState{
		"live":             StateLive,
		"new":              StateLive,
		"partially_filled": StatePartiallyFilled,
		"filled":           StateFilled,
		"cancelled":        StateCancelled,
		"canceled":         StateCancelled,
		"weird":            StateUnknown,
		"":                 StateUnknown,
	}
	for raw, want := range cases {
		if got := MapOrderState(raw); got != want {
			t.Errorf("MapOrderState(%q) = %s, want %s", raw, got, want)
		}
	}
}
