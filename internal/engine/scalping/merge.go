package scalping

import (
	"context"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maybeMerge collapses the oldest mergeThreshold pending sells into one
// post-only sell at their size-weighted average price. A latch prevents
// re-entry while a merge is in flight.
func (e *Engine) maybeMerge(ctx context.Context, cfg *config.StrategyConfig) {
	e.mu.Lock()
	if e.merging {
		e.mu.Unlock()
		return
	}
	e.merging = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.merging = false
		e.mu.Unlock()
	}()

	sells := e.tracker.PendingSells()
	threshold := cfg.MergeThreshold
	if threshold < 2 || len(sells) < threshold {
		return
	}
	oldest := sells[:threshold]

	ids := make([]string, 0, len(oldest))
	for i := range oldest {
		ids = append(ids, oldest[i].OrderID)
	}

	res, err := e.svc.Order.BatchCancelOrders(ctx, cfg.Symbol, ids)
	if err != nil {
		e.events.Record(core.EventMergeFailed, map[string]interface{}{"error": err.Error()})
		e.logger.Error("Merge batch cancel failed", "error", err)
		return
	}

	cancelled := make(map[string]struct{}, len(res.Succeeded))
	for _, id := range res.Succeeded {
		cancelled[id] = struct{}{}
		if e.tracker.UpdateStatus(id, core.OrderCancelled, 0) {
			e.persist.PersistOrderStatusChange(id, core.OrderCancelled, 0, "")
		}
	}
	e.metrics.OrdersCancelled.Add(ctx, int64(len(res.Succeeded)))

	if len(cancelled) == 0 {
		e.events.Record(core.EventMergeFailed, map[string]interface{}{
			"requested": len(ids),
			"cancelled": 0,
		})
		e.logger.Warn("Merge cancelled nothing, aborting", "requested", len(ids))
		return
	}

	// Average only what actually came off the book; replacing uncancelled
	// size would oversell the inventory.
	var prices, sizes []decimal.Decimal
	for i := range oldest {
		if _, ok := cancelled[oldest[i].OrderID]; ok {
			prices = append(prices, oldest[i].Price)
			sizes = append(sizes, oldest[i].Size)
		}
	}
	totalSize := decimal.Zero
	for _, s := range sizes {
		totalSize = totalSize.Add(s)
	}

	spec := e.Spec()
	avgPrice := tradingutils.RoundPrice(tradingutils.WeightedAveragePrice(prices, sizes), spec.PricePlace)
	totalSize = tradingutils.RoundSizeDown(totalSize, spec.VolumePlace)

	req := &core.OrderRequest{
		Symbol:    cfg.Symbol,
		Side:      core.SideSell,
		OrderType: core.OrderTypeLimit,
		Price:     avgPrice,
		Size:      totalSize,
		Force:     core.ForcePostOnly,
		ClientOid: uuid.NewString(),
	}
	if cfg.IsDerivatives() && e.HoldMode() == core.HoldModeDouble {
		req.TradeSide = core.TradeSideClose
	}

	ack, err := e.svc.Order.PlaceOrder(ctx, req)
	if err != nil {
		e.events.Record(core.EventMergeFailed, map[string]interface{}{
			"cancelled": len(cancelled),
			"error":     err.Error(),
		})
		e.logger.Error("Merged sell placement failed, inventory uncovered",
			"cancelled", len(cancelled), "error", err)
		return
	}

	// The merged sell intentionally drops the buy linkage; per-pair PnL
	// attribution ends at the merge.
	merged := core.TrackedOrder{
		OrderID:   ack.OrderID,
		ClientOid: req.ClientOid,
		Side:      core.SideSell,
		Price:     avgPrice,
		Size:      totalSize,
		Status:    core.OrderPending,
		Direction: cfg.Direction,
		CreatedAt: core.NowMs(),
	}
	e.tracker.Add(merged)
	e.persist.PersistNewOrder(&merged, e.orderMeta(cfg))

	e.metrics.OrdersPlacedTotal.Add(ctx, 1)
	e.metrics.OrdersMergedTotal.Add(ctx, int64(len(cancelled)))
	e.events.Record(core.EventOrdersMerged, map[string]interface{}{
		"mergedCount": len(cancelled),
		"newOrderId":  ack.OrderID,
		"avgPrice":    avgPrice.String(),
		"totalSize":   totalSize.String(),
	})
	e.logger.Info("Merged pending sells",
		"mergedCount", len(cancelled), "newOrderId", ack.OrderID,
		"avgPrice", avgPrice.String(), "totalSize", totalSize.String())
}
