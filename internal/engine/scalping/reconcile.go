package scalping

import (
	"context"
	"fmt"
	"time"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	apperrors "auto_trader/pkg/errors"
	"auto_trader/pkg/retry"
	"auto_trader/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// sellSettleDelay gives the venue time to settle the long inventory before
// the paired sell is submitted; papertrading settles noticeably late.
const sellSettleDelay = 3 * time.Second

// sellLadderDelays paces the paired-sell attempts. Seven attempts total; the
// final zero means the last attempt gets no post-failure wait.
var sellLadderDelays = []time.Duration{
	2 * time.Second, 3 * time.Second, 4 * time.Second,
	5 * time.Second, 5 * time.Second, 3 * time.Second, 0,
}

// reconcileTick is the body of loop B: resolve disappeared orders through
// detail lookups, trigger merges, trim history, refresh equity.
func (e *Engine) reconcileTick(ctx context.Context) error {
	cfg := e.Config()

	snapshot := e.tracker.SnapshotPending()

	exchOrders, err := e.svc.Order.GetPendingOrders(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("listing venue pendings: %w", err)
	}
	exchIDs := make([]string, 0, len(exchOrders))
	for i := range exchOrders {
		exchIDs = append(exchIDs, exchOrders[i].OrderID)
	}

	for _, order := range e.tracker.FindDisappeared(snapshot, exchIDs) {
		e.resolveDisappeared(ctx, order)
	}

	if len(e.tracker.PendingSells()) >= cfg.MaxPendingOrders {
		e.maybeMerge(ctx, cfg)
	}

	e.tracker.Cleanup()
	e.metrics.SetActiveOrders(cfg.Symbol, int64(e.tracker.PendingCount()))
	e.metrics.SetPositionNotional(cfg.Symbol, e.tracker.PositionNotional().InexactFloat64())

	equity, err := e.svc.Account.GetAccountEquity(ctx)
	if err != nil {
		return fmt.Errorf("refreshing equity: %w", err)
	}
	e.riskCtl.UpdateEquity(equity.Equity)
	e.metrics.SetAccountEquity(cfg.Symbol, equity.Equity.InexactFloat64())
	e.metrics.SetDailyPnL(cfg.Symbol, e.riskCtl.Snapshot().DailyPnl.InexactFloat64())

	return nil
}

// resolveDisappeared runs the second step of the reconciliation: absence
// from the pending list alone never implies a fill, the detail endpoint is
// authoritative. A failed lookup leaves the order pending for the next tick.
func (e *Engine) resolveDisappeared(ctx context.Context, order core.TrackedOrder) {
	cfg := e.Config()

	detail, err := e.svc.Order.GetOrderDetail(ctx, cfg.Symbol, order.OrderID)
	if err != nil {
		e.logger.Warn("Order detail lookup failed, keeping pending",
			"orderId", order.OrderID, "error", err)
		return
	}

	switch detail.State {
	case core.StateLive, core.StatePartiallyFilled:
		// Query lag between the two endpoints; nothing happened.
	case core.StateFilled:
		e.onOrderFilled(ctx, order, detail)
	default:
		e.onOrderCancelledByExchange(ctx, order)
	}
}

func (e *Engine) onOrderFilled(ctx context.Context, order core.TrackedOrder, detail *core.ExchangeOrder) {
	now := core.NowMs()
	if !e.tracker.UpdateStatus(order.OrderID, core.OrderFilled, now) {
		return
	}
	e.persist.PersistOrderStatusChange(order.OrderID, core.OrderFilled, now, "")
	e.metrics.OrdersFilledTotal.Add(ctx, 1)

	fillPrice := order.Price
	if detail.AvgPrice.IsPositive() {
		fillPrice = detail.AvgPrice
	}

	if order.Side == core.SideBuy {
		e.mu.Lock()
		e.postOnlyCancels = 0
		e.mu.Unlock()

		e.events.Record(core.EventBuyOrderFilled, map[string]interface{}{
			"orderId": order.OrderID,
			"price":   fillPrice.String(),
			"size":    order.Size.String(),
		})
		e.logger.Info("Buy filled", "orderId", order.OrderID, "price", fillPrice.String())

		// Pairing is per-buy and independent; the ladder sleeps, so it must
		// not block the reconciler.
		buy := order
		buy.Price = fillPrice
		e.pairing.Add(1)
		go func() {
			defer e.pairing.Done()
			e.placePairedSell(ctx, buy)
		}()
		return
	}

	e.onSellFilled(order, fillPrice)
}

// onSellFilled books the realized round trip against the linked buy. Merged
// sells carry no linkage and are booked as volume only.
func (e *Engine) onSellFilled(sell core.TrackedOrder, fillPrice decimal.Decimal) {
	cfg := e.Config()

	data := map[string]interface{}{
		"orderId": sell.OrderID,
		"price":   fillPrice.String(),
		"size":    sell.Size.String(),
	}

	if buy, ok := e.tracker.Get(sell.LinkedOrderID); ok && sell.LinkedOrderID != "" {
		spec := e.Spec()
		_, fee, net := tradingutils.RoundTripPnl(buy.Price, fillPrice, sell.Size, spec.MakerFeeRate)

		e.riskCtl.RecordPnl(net)
		e.persist.PersistRealizedPnl(net, fee, !net.IsNegative(), cfg.StrategyType)
		e.metrics.PnLRealizedTotal.Add(context.Background(), net.InexactFloat64())

		e.mu.Lock()
		e.realizedPnl = e.realizedPnl.Add(net)
		e.mu.Unlock()

		data["netPnl"] = net.String()
		data["fee"] = fee.String()
	} else {
		e.logger.Info("Sell filled without buy linkage, skipping PnL attribution",
			"orderId", sell.OrderID)
	}

	e.events.Record(core.EventSellOrderFilled, data)
	e.logger.Info("Sell filled", "orderId", sell.OrderID, "price", fillPrice.String())
}

func (e *Engine) onOrderCancelledByExchange(ctx context.Context, order core.TrackedOrder) {
	if !e.tracker.UpdateStatus(order.OrderID, core.OrderCancelled, 0) {
		return
	}
	e.persist.PersistOrderStatusChange(order.OrderID, core.OrderCancelled, 0, "")
	e.metrics.OrdersCancelled.Add(ctx, 1)

	if order.Side == core.SideBuy {
		e.mu.Lock()
		e.lastBuyCancelledAt = core.NowMs()
		e.postOnlyCancels++
		count := e.postOnlyCancels
		e.mu.Unlock()

		e.events.Record(core.EventBuyOrderCancelled, map[string]interface{}{
			"orderId":                    order.OrderID,
			"initiator":                  "exchange",
			"consecutivePostOnlyCancels": count,
		})
		e.logger.Info("Buy cancelled by exchange",
			"orderId", order.OrderID, "consecutivePostOnlyCancels", count)
		return
	}

	e.logger.Warn("Sell cancelled by exchange, inventory unpaired", "orderId", order.OrderID)
}

// placePairedSell walks the sell ladder for one filled buy: settle wait,
// then up to seven attempts. 1-5 are post-only limits with the hold-mode
// tradeSide, 6 inverts the tradeSide in case the mode was misdetected, 7
// force-closes at market. Only "no position" (22002) and "trade side
// mismatch" (40774) rejections continue the ladder.
func (e *Engine) placePairedSell(ctx context.Context, buy core.TrackedOrder) {
	cfg := e.Config()
	spec := e.Spec()

	if e.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.settleDelay):
		}
	}

	sellPrice := tradingutils.RoundPrice(buy.Price.Add(cfg.PriceSpread), spec.PricePlace)

	var ack *core.OrderAck
	var lastReq *core.OrderRequest
	err := retry.DoWithSchedule(ctx, e.ladderDelays, e.isLadderRetryable, func(attempt int) error {
		req := e.sellRequest(cfg, buy, sellPrice, attempt)
		lastReq = req
		got, placeErr := e.svc.Order.PlaceOrder(ctx, req)
		if placeErr != nil {
			e.logger.Warn("Sell attempt rejected",
				"buyOrderId", buy.OrderID, "attempt", attempt, "error", placeErr)
			return placeErr
		}
		ack = got
		return nil
	})
	if err != nil {
		e.events.Record(core.EventSellOrderFailed, map[string]interface{}{
			"buyOrderId": buy.OrderID,
			"error":      err.Error(),
		})
		e.logger.Error("Paired sell failed after ladder", "buyOrderId", buy.OrderID, "error", err)
		return
	}

	sell := core.TrackedOrder{
		OrderID:       ack.OrderID,
		ClientOid:     lastReq.ClientOid,
		Side:          core.SideSell,
		Price:         lastReq.Price,
		Size:          buy.Size,
		Status:        core.OrderPending,
		LinkedOrderID: buy.OrderID,
		Direction:     cfg.Direction,
		CreatedAt:     core.NowMs(),
	}
	if lastReq.OrderType == core.OrderTypeMarket {
		sell.Price = sellPrice // market close; record the target for bookkeeping
	}
	e.tracker.Add(sell)
	e.tracker.LinkSell(buy.OrderID, sell.OrderID)
	e.persist.PersistNewOrder(&sell, e.orderMeta(cfg))
	e.persist.PersistOrderStatusChange(buy.OrderID, core.OrderFilled, buy.FilledAt, sell.OrderID)

	e.metrics.OrdersPlacedTotal.Add(ctx, 1)
	e.events.Record(core.EventSellOrderPlaced, map[string]interface{}{
		"orderId":    sell.OrderID,
		"buyOrderId": buy.OrderID,
		"price":      sell.Price.String(),
		"size":       sell.Size.String(),
	})
	e.logger.Info("Paired sell placed",
		"orderId", sell.OrderID, "buyOrderId", buy.OrderID, "price", sell.Price.String())
}

func (e *Engine) isLadderRetryable(err error) bool {
	return apperrors.IsNoPositionToClose(err) || apperrors.IsTradeSideMismatch(err)
}

// sellRequest builds the ladder attempt's request.
func (e *Engine) sellRequest(cfg *config.StrategyConfig, buy core.TrackedOrder, sellPrice decimal.Decimal, attempt int) *core.OrderRequest {
	req := &core.OrderRequest{
		Symbol:    cfg.Symbol,
		Side:      core.SideSell,
		OrderType: core.OrderTypeLimit,
		Price:     sellPrice,
		Size:      buy.Size,
		Force:     core.ForcePostOnly,
		ClientOid: uuid.NewString(),
	}

	closeSide := cfg.IsDerivatives() && e.HoldMode() == core.HoldModeDouble

	switch {
	case attempt <= 5:
		if closeSide {
			req.TradeSide = core.TradeSideClose
		}
	case attempt == 6:
		// Inverted: the detected mode may be wrong.
		if !closeSide && cfg.IsDerivatives() {
			req.TradeSide = core.TradeSideClose
		}
	default:
		req.OrderType = core.OrderTypeMarket
		req.Force = ""
		req.Price = decimal.Zero
		if cfg.IsDerivatives() {
			req.TradeSide = core.TradeSideClose
		}
	}
	return req
}
