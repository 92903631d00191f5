// Package tracker keeps the engine's local view of its own orders and drives
// the two-step reconciliation against the venue's pending list.
package tracker

import (
	"sort"
	"sync"

	"auto_trader/internal/core"

	"github.com/shopspring/decimal"
)

// MaxHistory bounds how many non-pending orders Cleanup keeps in memory.
// Pending orders are never evicted.
const MaxHistory = 500

// Tracker is a concurrency-safe orderId -> TrackedOrder map with the derived
// views the scalping engine needs: the single active buy slot, pending sells
// in placement order, and total position notional.
type Tracker struct {
	mu          sync.Mutex
	orders      map[string]*core.TrackedOrder
	activeBuyID string
}

func New() *Tracker {
	return &Tracker{orders: make(map[string]*core.TrackedOrder)}
}

// Add registers a newly placed order. A pending buy claims the active buy
// slot.
func (t *Tracker) Add(order core.TrackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := order
	t.orders[order.OrderID] = &cp
	if order.Side == core.SideBuy && order.Status == core.OrderPending {
		t.activeBuyID = order.OrderID
	}
}

// Get returns a copy of the tracked order.
func (t *Tracker) Get(orderID string) (core.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[orderID]
	if !ok {
		return core.TrackedOrder{}, false
	}
	return *o, true
}

// ActiveBuy returns the outstanding buy, if any.
func (t *Tracker) ActiveBuy() (core.TrackedOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activeBuyID == "" {
		return core.TrackedOrder{}, false
	}
	o, ok := t.orders[t.activeBuyID]
	if !ok {
		t.activeBuyID = ""
		return core.TrackedOrder{}, false
	}
	return *o, true
}

// terminal statuses never transition again.
func terminal(s core.OrderStatus) bool {
	return s == core.OrderFilled || s == core.OrderCancelled || s == core.OrderFailed
}

// UpdateStatus applies a monotonic status transition. It returns false when
// the order is unknown or already in a terminal status. A buy leaving
// pending releases the active buy slot.
func (t *Tracker) UpdateStatus(orderID string, status core.OrderStatus, filledAt int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[orderID]
	if !ok || terminal(o.Status) {
		return false
	}
	o.Status = status
	if status == core.OrderFilled && filledAt > 0 {
		o.FilledAt = filledAt
	}
	if orderID == t.activeBuyID && status != core.OrderPending {
		t.activeBuyID = ""
	}
	return true
}

// LinkSell records the paired sell's id on the buy it closes.
func (t *Tracker) LinkSell(buyOrderID, sellOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if o, ok := t.orders[buyOrderID]; ok {
		o.LinkedOrderID = sellOrderID
	}
}

// PendingSells returns pending sells ordered by createdAt ascending.
func (t *Tracker) PendingSells() []core.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []core.TrackedOrder
	for _, o := range t.orders {
		if o.Side == core.SideSell && o.Status == core.OrderPending {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// PositionNotional sums price*size over pending sells.
func (t *Tracker) PositionNotional() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := decimal.Zero
	for _, o := range t.orders {
		if o.Side == core.SideSell && o.Status == core.OrderPending {
			total = total.Add(o.Price.Mul(o.Size))
		}
	}
	return total
}

// SnapshotPending returns a copy of every pending order. The reconciler
// captures this BEFORE fetching the venue's pending list so an order placed
// mid-fetch is never treated as disappeared.
func (t *Tracker) SnapshotPending() []core.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []core.TrackedOrder
	for _, o := range t.orders {
		if o.Status == core.OrderPending {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// FindDisappeared returns the orders from the snapshot that the venue no
// longer lists as pending and that are still pending locally.
func (t *Tracker) FindDisappeared(snapshot []core.TrackedOrder, exchangePendingIDs []string) []core.TrackedOrder {
	onVenue := make(map[string]struct{}, len(exchangePendingIDs))
	for _, id := range exchangePendingIDs {
		onVenue[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []core.TrackedOrder
	for _, snap := range snapshot {
		if _, ok := onVenue[snap.OrderID]; ok {
			continue
		}
		if o, ok := t.orders[snap.OrderID]; ok && o.Status == core.OrderPending {
			out = append(out, *o)
		}
	}
	return out
}

// PendingCount returns how many orders are pending.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, o := range t.orders {
		if o.Status == core.OrderPending {
			n++
		}
	}
	return n
}

// Len returns the total number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}

// Cleanup evicts the oldest non-pending orders beyond MaxHistory.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var done []*core.TrackedOrder
	for _, o := range t.orders {
		if terminal(o.Status) {
			done = append(done, o)
		}
	}
	if len(done) <= MaxHistory {
		return 0
	}

	sort.Slice(done, func(i, j int) bool { return done[i].CreatedAt < done[j].CreatedAt })
	evict := done[:len(done)-MaxHistory]
	for _, o := range evict {
		delete(t.orders, o.OrderID)
	}
	return len(evict)
}

// All returns a copy of every tracked order, newest first.
func (t *Tracker) All() []core.TrackedOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]core.TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}
