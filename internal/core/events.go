package core

import "sync"

// EventType names a strategy event.
type EventType string

const (
	EventStrategyStarted   EventType = "STRATEGY_STARTED"
	EventStrategyStopped   EventType = "STRATEGY_STOPPED"
	EventStrategyError     EventType = "STRATEGY_ERROR"
	EventBuyOrderPlaced    EventType = "BUY_ORDER_PLACED"
	EventBuyOrderCancelled EventType = "BUY_ORDER_CANCELLED"
	EventBuyOrderFilled    EventType = "BUY_ORDER_FILLED"
	EventSellOrderPlaced   EventType = "SELL_ORDER_PLACED"
	EventSellOrderFilled   EventType = "SELL_ORDER_FILLED"
	EventSellOrderFailed   EventType = "SELL_ORDER_FAILED"
	EventOrdersMerged      EventType = "ORDERS_MERGED"
	EventMergeFailed       EventType = "STRATEGY_MERGE_FAILED"
	EventRiskLimitHit      EventType = "RISK_LIMIT_HIT"
	EventConfigUpdated     EventType = "CONFIG_UPDATED"
	EventEmergencyStop     EventType = "EMERGENCY_STOP"
	EventGridBuyFilled     EventType = "GRID_BUY_FILLED"
	EventGridSellFilled    EventType = "GRID_SELL_FILLED"
	EventGridLevelUpdated  EventType = "GRID_LEVEL_UPDATED"
)

// StrategyEvent is one entry in an engine's event history.
type StrategyEvent struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// DefaultEventCapacity bounds the in-memory event history per engine.
const DefaultEventCapacity = 1000

// EventRing keeps the most recent events up to a fixed capacity, dropping
// the oldest first. Records are also forwarded to an optional sink.
type EventRing struct {
	mu   sync.Mutex
	buf  []StrategyEvent
	next int
	size int
	sink EventSink
}

func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventRing{
		buf: make([]StrategyEvent, capacity),
	}
}

// SetSink installs a forwarding sink. Pass nil to detach.
func (r *EventRing) SetSink(sink EventSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

// Record appends an event, evicting the oldest entry at capacity.
func (r *EventRing) Record(evtType EventType, data map[string]interface{}) {
	evt := StrategyEvent{
		Type:      evtType,
		Timestamp: NowMs(),
		Data:      data,
	}

	r.mu.Lock()
	r.buf[r.next] = evt
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink(evt)
	}
}

// Tail returns up to n most recent events, oldest first. n <= 0 returns the
// whole history.
func (r *EventRing) Tail(n int) []StrategyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]StrategyEvent, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Len returns the number of buffered events.
func (r *EventRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
