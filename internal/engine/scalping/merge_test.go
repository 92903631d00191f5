package scalping

import (
	"context"
	"testing"

	"auto_trader/internal/core"
	"auto_trader/internal/mock"
	apperrors "auto_trader/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mergeConfig(t *testing.T) *harness {
	h := newHarness(t, testConfig(t))
	require.NoError(t, h.engine.UpdateConfig(map[string]interface{}{
		"maxPendingOrders": 3,
		"mergeThreshold":   2,
	}))
	return h
}

// seedSell places a pending sell through the mock venue so batch cancel
// sees it.
func seedSell(h *harness, price, size string, createdAt int64) string {
	ack, _ := h.orders.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTCUSDT", Side: core.SideSell, OrderType: core.OrderTypeLimit,
		Price: d(price), Size: d(size),
	})
	h.engine.tracker.Add(core.TrackedOrder{
		OrderID: ack.OrderID, Side: core.SideSell,
		Price: d(price), Size: d(size),
		Status: core.OrderPending, CreatedAt: createdAt,
	})
	return ack.OrderID
}

func TestMergeCollapsesOldestSells(t *testing.T) {
	h := mergeConfig(t)
	ctx := context.Background()

	s1 := seedSell(h, "100.1", "1", 10)
	s2 := seedSell(h, "100.3", "2", 20)
	seedSell(h, "100.5", "3", 30)

	require.NoError(t, h.engine.reconcileTick(ctx))

	// Oldest two collapsed: weighted avg (100.1*1 + 100.3*2)/3 = 100.2333
	// rounded to pricePlace 1.
	sells := h.engine.tracker.PendingSells()
	require.Len(t, sells, 2)
	merged := sells[1] // newest by createdAt
	assert.True(t, merged.Price.Equal(d("100.2")), "got %s", merged.Price)
	assert.True(t, merged.Size.Equal(d("3")))
	assert.Empty(t, merged.LinkedOrderID)

	for _, id := range []string{s1, s2} {
		got, _ := h.engine.tracker.Get(id)
		assert.Equal(t, core.OrderCancelled, got.Status)
	}

	events := h.engine.Events(0)
	last := events[len(events)-1]
	require.Equal(t, core.EventOrdersMerged, last.Type)
	assert.Equal(t, 2, last.Data["mergedCount"])

	// Post-merge count: 3 - 2 + 1.
	assert.Len(t, h.engine.tracker.PendingSells(), 2)
}

func TestMergeSkipsBelowThreshold(t *testing.T) {
	h := mergeConfig(t)

	seedSell(h, "100.1", "1", 10)
	seedSell(h, "100.3", "2", 20)

	require.NoError(t, h.engine.reconcileTick(context.Background()))
	assert.Len(t, h.engine.tracker.PendingSells(), 2, "below maxPendingOrders, no merge")
}

func TestMergeFailsWhenNothingCancelled(t *testing.T) {
	h := mergeConfig(t)
	ctx := context.Background()

	// Tracked locally but unknown to the venue, so batch cancel fails them.
	for i, p := range []string{"100.1", "100.3", "100.5"} {
		h.engine.tracker.Add(core.TrackedOrder{
			OrderID: p, Side: core.SideSell, Price: d(p), Size: d("1"),
			Status: core.OrderPending, CreatedAt: int64(i),
		})
	}

	h.engine.maybeMerge(ctx, h.engine.Config())

	events := h.engine.Events(0)
	last := events[len(events)-1]
	assert.Equal(t, core.EventMergeFailed, last.Type)
	assert.Len(t, h.engine.tracker.PendingSells(), 3)
}

func TestMergePlacesCloseSideOnDoubleHold(t *testing.T) {
	h := mergeConfig(t)

	seedSell(h, "100.1", "1", 10)
	seedSell(h, "100.3", "2", 20)
	seedSell(h, "100.5", "3", 30)

	h.engine.maybeMerge(context.Background(), h.engine.Config())

	placed := h.orders.Placed()
	mergedReq := placed[len(placed)-1]
	assert.Equal(t, core.TradeSideClose, mergedReq.TradeSide)
	assert.Equal(t, core.ForcePostOnly, mergedReq.Force)
}

func TestMergeLatchPreventsReentry(t *testing.T) {
	h := mergeConfig(t)

	seedSell(h, "100.1", "1", 10)
	seedSell(h, "100.3", "2", 20)
	seedSell(h, "100.5", "3", 30)

	h.engine.mu.Lock()
	h.engine.merging = true
	h.engine.mu.Unlock()

	h.engine.maybeMerge(context.Background(), h.engine.Config())
	assert.Len(t, h.engine.tracker.PendingSells(), 3, "latched merge must be a no-op")
}

func TestMergeAbortsOnBatchCancelError(t *testing.T) {
	h := mergeConfig(t)

	seedSell(h, "100.1", "1", 10)
	seedSell(h, "100.3", "2", 20)
	seedSell(h, "100.5", "3", 30)

	failing := &failingBatchCancel{MockOrderService: h.orders}
	h.engine.svc.Order = failing

	h.engine.maybeMerge(context.Background(), h.engine.Config())

	assert.Len(t, h.engine.tracker.PendingSells(), 3)
	events := h.engine.Events(0)
	assert.Equal(t, core.EventMergeFailed, events[len(events)-1].Type)
}

type failingBatchCancel struct {
	*mock.MockOrderService
}

func (f *failingBatchCancel) BatchCancelOrders(ctx context.Context, symbol string, ids []string) (*core.BatchCancelResult, error) {
	return nil, apperrors.ErrNetwork
}
