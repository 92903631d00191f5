// Package grid implements the fixed price-ladder strategy: a buy rests at
// every rung below the market, and each fill is paired with a sell one rung
// higher.
package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/internal/engine/tracker"
	"auto_trader/internal/risk"
	apperrors "auto_trader/pkg/errors"
	"auto_trader/pkg/telemetry"
	"auto_trader/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	minPollInterval = 200 * time.Millisecond

	// sellSettleDelay gives the venue time to settle rung inventory before
	// the paired sell is submitted.
	sellSettleDelay  = 800 * time.Millisecond
	sellAttempts     = 3
	sellRetryBackoff = 500 * time.Millisecond

	maxConsecutiveErrors = 5
	errorRestoreDelay    = 30 * time.Second
	stopWatchdogTimeout  = 10 * time.Second
)

// Engine runs the grid strategy for a single symbol.
type Engine struct {
	mu  sync.Mutex
	cfg *config.StrategyConfig

	svc      *core.TradingServices
	specs    core.SpecSource
	persist  core.Persistence
	detector core.HoldModeDetector
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	tracker *tracker.Tracker
	events  *core.EventRing
	riskCtl *risk.Controller
	ladder  *ladder

	spec     *core.InstrumentSpec
	holdMode core.HoldMode

	status      core.EngineStatus
	startedAt   int64
	lastError   string
	consecErrs  int
	realizedPnl decimal.Decimal

	settleDelay  time.Duration
	retryBackoff time.Duration

	cancel  context.CancelFunc
	loop    sync.WaitGroup
	restore *time.Timer
}

// Deps bundles what the engine needs beyond its config.
type Deps struct {
	Services *core.TradingServices
	Specs    core.SpecSource
	Persist  core.Persistence
	Detector core.HoldModeDetector // nil for spot
	Logger   core.ILogger
	Sink     core.EventSink
}

func New(cfg *config.StrategyConfig, deps Deps) *Engine {
	e := &Engine{
		cfg:      cfg,
		svc:      deps.Services,
		specs:    deps.Specs,
		persist:  deps.Persist,
		detector: deps.Detector,
		logger:   deps.Logger.WithField("component", "grid_engine").WithField("symbol", cfg.Symbol),
		metrics:  telemetry.GetGlobalMetrics(),
		tracker:  tracker.New(),
		events:   core.NewEventRing(core.DefaultEventCapacity),
		status:   core.EngineStopped,

		settleDelay:  sellSettleDelay,
		retryBackoff: sellRetryBackoff,
	}
	e.events.SetSink(deps.Sink)
	return e
}

// Start validates the grid, materializes the ladder and arms the main loop.
// Any failure leaves the engine STOPPED.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status != core.EngineStopped {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine is %s", apperrors.ErrAlreadyRunning, e.status)
	}
	e.status = core.EngineStarting
	cfg := e.cfg
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		e.status = core.EngineStopped
		e.lastError = err.Error()
		e.mu.Unlock()
		return err
	}

	spec, err := e.specs.GetSpec(ctx, cfg.Symbol, cfg.TradingType)
	if err != nil {
		return fail(fmt.Errorf("loading instrument spec: %w", err))
	}
	cfg.PricePlace = spec.PricePlace
	cfg.VolumePlace = spec.VolumePlace

	lad, err := buildLadder(cfg, spec)
	if err != nil {
		e.events.Record(core.EventStrategyError, map[string]interface{}{"error": err.Error()})
		return fail(err)
	}

	holdMode := core.HoldModeSingle
	if cfg.IsDerivatives() {
		holdMode = e.detectHoldMode(ctx, cfg)
	}

	equity, err := e.svc.Account.GetAccountEquity(ctx)
	if err != nil {
		return fail(fmt.Errorf("fetching initial equity: %w", err))
	}

	e.mu.Lock()
	e.spec = spec
	e.ladder = lad
	e.holdMode = holdMode
	e.riskCtl = risk.NewController(risk.Limits{
		MaxDrawdownPercent: cfg.MaxDrawdownPercent.Div(decimal.NewFromInt(100)),
		MaxDailyLoss:       cfg.MaxDailyLoss,
		MaxPosition:        cfg.MaxPosition,
		Cooldown:           time.Duration(cfg.CooldownMs) * time.Millisecond,
	}, equity.Equity, e.logger)
	e.startedAt = core.NowMs()
	e.consecErrs = 0
	e.lastError = ""
	e.realizedPnl = decimal.Zero
	e.status = core.EngineRunning
	e.mu.Unlock()

	e.events.Record(core.EventStrategyStarted, map[string]interface{}{
		"symbol":   cfg.Symbol,
		"levels":   cfg.GridCount + 1,
		"gridType": cfg.GridType,
	})
	e.metrics.SetEngineRunning(cfg.Symbol, true)
	e.logger.Info("Grid started",
		"levels", cfg.GridCount+1, "lower", cfg.LowerPrice.String(), "upper", cfg.UpperPrice.String())

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	poll := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if poll < minPollInterval {
		poll = minPollInterval
	}

	e.loop.Add(1)
	go e.runLoop(runCtx, poll)
	return nil
}

func (e *Engine) detectHoldMode(ctx context.Context, cfg *config.StrategyConfig) core.HoldMode {
	if cfg.HoldModeOverride != "" {
		return cfg.HoldModeOverride
	}
	if e.detector == nil {
		return core.HoldModeDouble
	}
	mode, err := e.detector.DetectHoldMode(ctx)
	if err != nil {
		e.logger.Warn("Hold mode detection failed, assuming double hold", "error", err)
		return core.HoldModeDouble
	}
	return mode
}

func (e *Engine) runLoop(ctx context.Context, period time.Duration) {
	defer e.loop.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if e.Status() == core.EngineRunning {
			if err := e.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.noteLoopError(err)
			} else {
				e.noteLoopSuccess()
			}
		}

		timer.Reset(period)
	}
}

func (e *Engine) noteLoopError(err error) {
	e.logger.Error("Loop iteration failed", "error", err)

	e.mu.Lock()
	e.consecErrs++
	e.lastError = err.Error()
	count := e.consecErrs
	symbol := e.cfg.Symbol
	e.mu.Unlock()

	e.metrics.SetConsecutiveErrors(symbol, int64(count))

	if errors.Is(err, apperrors.ErrAuthenticationFailed) {
		e.enterError(err, false)
		return
	}
	if count >= maxConsecutiveErrors {
		e.enterError(err, true)
	}
}

func (e *Engine) noteLoopSuccess() {
	e.mu.Lock()
	if e.consecErrs != 0 {
		e.consecErrs = 0
		e.metrics.SetConsecutiveErrors(e.cfg.Symbol, 0)
	}
	e.mu.Unlock()
}

func (e *Engine) enterError(cause error, restore bool) {
	e.mu.Lock()
	if e.status != core.EngineRunning {
		e.mu.Unlock()
		return
	}
	e.status = core.EngineError
	symbol := e.cfg.Symbol
	if restore && e.restore == nil {
		e.restore = time.AfterFunc(errorRestoreDelay, e.restoreFromError)
	}
	e.mu.Unlock()

	e.metrics.SetEngineRunning(symbol, false)
	e.events.Record(core.EventStrategyError, map[string]interface{}{"error": cause.Error()})
	e.logger.Error("Engine entered error state", "error", cause, "willRestore", restore)
}

func (e *Engine) restoreFromError() {
	e.mu.Lock()
	e.restore = nil
	if e.status != core.EngineError {
		e.mu.Unlock()
		return
	}
	e.status = core.EngineRunning
	e.consecErrs = 0
	symbol := e.cfg.Symbol
	e.mu.Unlock()

	e.metrics.SetEngineRunning(symbol, true)
	e.logger.Info("Engine restored to running after error backoff")
}

// tick is one pass of the main loop: reconcile, buy below the market, pair
// sells for held inventory, refresh equity.
func (e *Engine) tick(ctx context.Context) error {
	cfg := e.Config()

	ticker, err := e.svc.Market.GetTicker(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetching ticker: %w", err)
	}
	price := ticker.LastPrice
	if !price.IsPositive() {
		return nil
	}

	if err := e.reconcile(ctx, cfg); err != nil {
		return err
	}

	e.placeBuys(ctx, cfg, price)
	e.placeSells(ctx, cfg)

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

// reconcile drives level transitions from venue order state, using the same
// two-step protocol as the scalping reconciler.
func (e *Engine) reconcile(ctx context.Context, cfg *config.StrategyConfig) error {
	snapshot := e.tracker.SnapshotPending()
	if len(snapshot) == 0 {
		return nil
	}

	exchOrders, err := e.svc.Order.GetPendingOrders(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("listing venue pendings: %w", err)
	}
	exchIDs := make([]string, 0, len(exchOrders))
	for i := range exchOrders {
		exchIDs = append(exchIDs, exchOrders[i].OrderID)
	}

	for _, order := range e.tracker.FindDisappeared(snapshot, exchIDs) {
		detail, err := e.svc.Order.GetOrderDetail(ctx, cfg.Symbol, order.OrderID)
		if err != nil {
			e.logger.Warn("Order detail lookup failed, keeping pending",
				"orderId", order.OrderID, "error", err)
			continue
		}

		lvl, ok := e.ladder.byOrderID(order.OrderID)
		if !ok {
			// Order no longer attached to a rung (stop raced the venue).
			e.tracker.UpdateStatus(order.OrderID, core.OrderCancelled, 0)
			continue
		}

		switch detail.State {
		case core.StateLive, core.StatePartiallyFilled:
			// Query lag; nothing happened.
		case core.StateFilled:
			e.onLevelOrderFilled(ctx, cfg, order, detail, lvl)
		default:
			e.onLevelOrderCancelled(ctx, cfg, order, lvl)
		}
	}
	return nil
}

func (e *Engine) onLevelOrderFilled(ctx context.Context, cfg *config.StrategyConfig, order core.TrackedOrder, detail *core.ExchangeOrder, lvl *level) {
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
		e.ladder.markBuyFilled(lvl, fillPrice)
		e.persistLevel(cfg, lvl)
		e.events.Record(core.EventGridBuyFilled, map[string]interface{}{
			"level":   lvl.index,
			"orderId": order.OrderID,
			"price":   fillPrice.String(),
		})
		e.logger.Info("Grid buy filled", "level", lvl.index, "price", fillPrice.String())
		return
	}

	// Sell fill completes the rung's round trip.
	spec := e.Spec()
	_, fee, net := tradingutils.RoundTripPnl(lvl.buyPrice, fillPrice, order.Size, spec.MakerFeeRate)
	e.riskCtl.RecordPnl(net)
	e.persist.PersistRealizedPnl(net, fee, !net.IsNegative(), cfg.StrategyType)
	e.metrics.PnLRealizedTotal.Add(ctx, net.InexactFloat64())

	e.mu.Lock()
	e.realizedPnl = e.realizedPnl.Add(net)
	e.mu.Unlock()

	e.ladder.reset(lvl)
	e.persistLevel(cfg, lvl)
	e.events.Record(core.EventGridSellFilled, map[string]interface{}{
		"level":   lvl.index,
		"orderId": order.OrderID,
		"price":   fillPrice.String(),
		"netPnl":  net.String(),
	})
	e.logger.Info("Grid sell filled",
		"level", lvl.index, "price", fillPrice.String(), "netPnl", net.String())
}

func (e *Engine) onLevelOrderCancelled(ctx context.Context, cfg *config.StrategyConfig, order core.TrackedOrder, lvl *level) {
	if !e.tracker.UpdateStatus(order.OrderID, core.OrderCancelled, 0) {
		return
	}
	e.persist.PersistOrderStatusChange(order.OrderID, core.OrderCancelled, 0, "")
	e.metrics.OrdersCancelled.Add(ctx, 1)

	if order.Side == core.SideBuy {
		e.ladder.reset(lvl)
		e.persistLevel(cfg, lvl)
		e.logger.Info("Grid buy cancelled by exchange, level reset", "level", lvl.index)
		return
	}

	// A cancelled sell leaves acquired inventory behind. The rung goes back
	// to buy_filled so the next tick re-places the sell instead of silently
	// dropping the position.
	e.ladder.rollbackSell(lvl)
	e.persistLevel(cfg, lvl)
	e.events.Record(core.EventGridLevelUpdated, map[string]interface{}{
		"level":  lvl.index,
		"reason": "sell_orphaned",
	})
	e.logger.Warn("Grid sell cancelled by exchange, inventory retained",
		"level", lvl.index, "size", lvl.size.String())
}

// placeBuys rests a gtc buy at every empty rung strictly below the market.
// The risk gate is consulted per placement and stops the pass on denial.
func (e *Engine) placeBuys(ctx context.Context, cfg *config.StrategyConfig, price decimal.Decimal) {
	for _, lvl := range e.ladder.inState(levelEmpty) {
		if !lvl.price.LessThan(price) {
			continue
		}

		decision := e.riskCtl.CheckCanTrade(e.tracker.PositionNotional())
		if !decision.Allowed {
			e.metrics.RiskDenialsTotal.Add(ctx, 1)
			e.metrics.SetRiskCoolingDown(cfg.Symbol, decision.RetryAfter > 0)
			e.logger.Debug("Risk gate stopped buy placement", "reason", decision.Reason)
			return
		}

		req := &core.OrderRequest{
			Symbol:    cfg.Symbol,
			Side:      core.SideBuy,
			OrderType: core.OrderTypeLimit,
			Price:     lvl.price,
			Size:      lvl.size,
			Force:     core.ForceGTC,
			ClientOid: uuid.NewString(),
		}
		if cfg.IsDerivatives() && e.HoldMode() == core.HoldModeDouble {
			req.TradeSide = core.TradeSideOpen
		}

		ack, err := e.svc.Order.PlaceOrder(ctx, req)
		if err != nil {
			e.logger.Warn("Grid buy placement failed", "level", lvl.index, "error", err)
			continue
		}

		order := core.TrackedOrder{
			OrderID:   ack.OrderID,
			ClientOid: req.ClientOid,
			Side:      core.SideBuy,
			Price:     lvl.price,
			Size:      lvl.size,
			Status:    core.OrderPending,
			Direction: cfg.Direction,
			CreatedAt: core.NowMs(),
		}
		e.tracker.Add(order)
		e.ladder.markBuyPending(lvl.index, ack.OrderID)
		e.persist.PersistNewOrder(&order, e.orderMeta(cfg))
		e.persistLevel(cfg, lvl)

		e.metrics.OrdersPlacedTotal.Add(ctx, 1)
		e.events.Record(core.EventBuyOrderPlaced, map[string]interface{}{
			"level":   lvl.index,
			"orderId": ack.OrderID,
			"price":   lvl.price.String(),
		})
	}
}

// placeSells pairs each buy_filled rung with a sell at the next-higher rung,
// waiting out the settle delay and retrying position errors. Persistent
// failure leaves the rung buy_filled for the next tick.
func (e *Engine) placeSells(ctx context.Context, cfg *config.StrategyConfig) {
	filled := e.ladder.inState(levelBuyFilled)
	if len(filled) == 0 {
		return
	}

	if e.settleDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.settleDelay):
		}
	}

	spec := e.Spec()
	for _, lvl := range filled {
		target := e.ladder.sellTarget(lvl, spec.PricePlace)

		var ack *core.OrderAck
		var req *core.OrderRequest
		var err error
		for attempt := 1; attempt <= sellAttempts; attempt++ {
			req = &core.OrderRequest{
				Symbol:    cfg.Symbol,
				Side:      core.SideSell,
				OrderType: core.OrderTypeLimit,
				Price:     target,
				Size:      lvl.size,
				Force:     core.ForceGTC,
				ClientOid: uuid.NewString(),
			}
			if cfg.IsDerivatives() && e.HoldMode() == core.HoldModeDouble {
				req.TradeSide = core.TradeSideClose
			}

			ack, err = e.svc.Order.PlaceOrder(ctx, req)
			if err == nil {
				break
			}
			if !apperrors.IsNoPositionToClose(err) && !apperrors.IsTradeSideMismatch(err) {
				break
			}
			if attempt < sellAttempts {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.retryBackoff):
				}
			}
		}
		if err != nil {
			e.logger.Warn("Grid sell placement failed, keeping level for next tick",
				"level", lvl.index, "error", err)
			continue
		}

		order := core.TrackedOrder{
			OrderID:       ack.OrderID,
			ClientOid:     req.ClientOid,
			Side:          core.SideSell,
			Price:         target,
			Size:          lvl.size,
			Status:        core.OrderPending,
			LinkedOrderID: lvl.buyOrderID,
			Direction:     cfg.Direction,
			CreatedAt:     core.NowMs(),
		}
		e.tracker.Add(order)
		e.ladder.markSellPending(lvl, ack.OrderID)
		e.persist.PersistNewOrder(&order, e.orderMeta(cfg))
		e.persistLevel(cfg, lvl)

		e.metrics.OrdersPlacedTotal.Add(ctx, 1)
		e.events.Record(core.EventSellOrderPlaced, map[string]interface{}{
			"level":   lvl.index,
			"orderId": ack.OrderID,
			"price":   target.String(),
		})
	}
}

func (e *Engine) persistLevel(cfg *config.StrategyConfig, lvl *level) {
	e.persist.PersistGridLevel(cfg.InstanceID, e.ladder.view(lvl))
}

func (e *Engine) orderMeta(cfg *config.StrategyConfig) core.OrderMeta {
	return core.OrderMeta{
		Symbol:       cfg.Symbol,
		VenueCode:    cfg.VenueCode(),
		MarginCoin:   cfg.MarginCoin,
		StrategyType: cfg.StrategyType,
		TradingType:  cfg.TradingType,
	}
}

// Stop cancels every pending order and resets the ladder.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.status != core.EngineRunning && e.status != core.EngineError {
		e.mu.Unlock()
		return apperrors.ErrNotRunning
	}
	e.status = core.EngineStopping
	cancel := e.cancel
	if e.restore != nil {
		e.restore.Stop()
		e.restore = nil
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.cancelAllPending(ctx)
	e.awaitLoop()

	e.mu.Lock()
	e.status = core.EngineStopped
	cfg := e.cfg
	e.mu.Unlock()

	e.metrics.SetEngineRunning(cfg.Symbol, false)
	e.events.Record(core.EventStrategyStopped, map[string]interface{}{"symbol": cfg.Symbol})
	e.logger.Info("Grid stopped")
	return nil
}

// EmergencyStop is Stop callable from any state.
func (e *Engine) EmergencyStop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	if e.restore != nil {
		e.restore.Stop()
		e.restore = nil
	}
	e.status = core.EngineStopping
	cfg := e.cfg
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	cancelled := e.cancelAllPending(ctx)
	e.awaitLoop()

	e.mu.Lock()
	e.status = core.EngineStopped
	e.mu.Unlock()

	e.metrics.SetEngineRunning(cfg.Symbol, false)
	e.events.Record(core.EventEmergencyStop, map[string]interface{}{"cancelled": cancelled})
	e.logger.Warn("Grid emergency stop complete", "cancelled", cancelled)
	return nil
}

// cancelAllPending batch-cancels outstanding orders and empties every rung.
func (e *Engine) cancelAllPending(ctx context.Context) int {
	cfg := e.Config()

	pending := e.tracker.SnapshotPending()
	ids := make([]string, 0, len(pending))
	for _, o := range pending {
		ids = append(ids, o.OrderID)
	}

	var cancelled int
	if len(ids) > 0 {
		res, err := e.svc.Order.BatchCancelOrders(ctx, cfg.Symbol, ids)
		if err != nil {
			e.logger.Error("Batch cancel failed during stop", "error", err)
		} else {
			cancelled = len(res.Succeeded)
			for _, id := range res.Succeeded {
				if e.tracker.UpdateStatus(id, core.OrderCancelled, 0) {
					e.persist.PersistOrderStatusChange(id, core.OrderCancelled, 0, "")
				}
			}
		}
	}

	if e.ladder != nil {
		e.ladder.resetAll()
	}
	return cancelled
}

func (e *Engine) awaitLoop() {
	done := make(chan struct{})
	go func() {
		e.loop.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWatchdogTimeout):
		e.logger.Warn("Loop did not drain before watchdog, detaching")
	}
}

// UpdateConfig applies a partial update; immutable keys are rejected by the
// config layer. Grid geometry changes take effect on the next start.
func (e *Engine) UpdateConfig(partial map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.cfg.Update(partial)
	if err != nil {
		return err
	}
	e.cfg = next
	e.events.Record(core.EventConfigUpdated, nil)
	return nil
}

func (e *Engine) Config() *config.StrategyConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func (e *Engine) Status() core.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) HoldMode() core.HoldMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holdMode
}

func (e *Engine) Spec() *core.InstrumentSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec
}

// State assembles the status snapshot including per-level views.
func (e *Engine) State() core.StrategyState {
	e.mu.Lock()
	cfg := e.cfg
	st := core.StrategyState{
		InstanceID:      cfg.InstanceID,
		StrategyType:    cfg.StrategyType,
		TradingType:     cfg.TradingType,
		Symbol:          cfg.Symbol,
		Status:          e.status,
		StartedAt:       e.startedAt,
		RealizedPnl:     e.realizedPnl,
		LastError:       e.lastError,
		ConsecutiveErrs: e.consecErrs,
		HoldMode:        e.holdMode,
	}
	riskCtl := e.riskCtl
	lad := e.ladder
	e.mu.Unlock()

	st.PendingSells = len(e.tracker.PendingSells())
	st.PositionNotional = e.tracker.PositionNotional()
	if riskCtl != nil {
		st.Risk = riskCtl.Snapshot()
		st.DailyPnl = st.Risk.DailyPnl
		st.TotalTrades, st.WinTrades, st.LossTrades, _, _ = riskCtl.Stats()
	}
	if lad != nil {
		st.GridLevels = lad.views()
	}
	return st
}

// Events returns the newest events up to limit.
func (e *Engine) Events(limit int) []core.StrategyEvent {
	return e.events.Tail(limit)
}
