// Package scalping implements the bid-tracking maker strategy: one resting
// buy follows the best bid, and every buy fill is paired with a sell at
// buyPrice + priceSpread.
package scalping

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
	minPollInterval       = 200 * time.Millisecond
	minOrderCheckInterval = 500 * time.Millisecond

	// buyRepriceGrace is how old a resting buy must be before the quote
	// loop will cancel it for drifting away from the bid. Prevents
	// post-only churn.
	buyRepriceGrace = 3 * time.Second

	// postOnlyCancelCooldown delays a replacement buy after the exchange
	// rejected the previous one.
	postOnlyCancelCooldown = 3 * time.Second

	maxConsecutiveErrors = 5
	errorRestoreDelay    = 30 * time.Second

	// feeCoverageFloor is the minimum priceSpread / (maker+taker) ratio
	// below which a round trip at a high reference price loses money.
	feeCoverageFloor    = 200_000
	feeReferencePrice   = 70_000
	stopWatchdogTimeout = 10 * time.Second
)

// Engine runs the scalping strategy for a single symbol.
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

	spec     *core.InstrumentSpec
	holdMode core.HoldMode

	status      core.EngineStatus
	startedAt   int64
	lastError   string
	consecErrs  int
	realizedPnl decimal.Decimal

	// Adaptive post-only state, owned by the two loops under mu.
	postOnlyCancels    int
	lastBuyCancelledAt int64
	lastRiskReason     string

	merging bool

	// Sell ladder pacing; fixed defaults, overridable in tests.
	settleDelay  time.Duration
	ladderDelays []time.Duration

	cancel  context.CancelFunc
	loops   sync.WaitGroup
	pairing sync.WaitGroup
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
		logger:   deps.Logger.WithField("component", "scalping_engine").WithField("symbol", cfg.Symbol),
		metrics:  telemetry.GetGlobalMetrics(),
		tracker:  tracker.New(),
		events:   core.NewEventRing(core.DefaultEventCapacity),
		status:   core.EngineStopped,

		settleDelay:  sellSettleDelay,
		ladderDelays: sellLadderDelays,
	}
	e.events.SetSink(deps.Sink)
	return e
}

// Start brings the engine to RUNNING: resolve the instrument spec, detect
// the hold mode, seed the risk controller from live equity, recover pending
// orders, then arm both loops. Any failure leaves the engine STOPPED.
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

	holdMode := core.HoldModeSingle
	if cfg.IsDerivatives() {
		holdMode = e.detectHoldMode(ctx, cfg)
	}

	equity, err := e.svc.Account.GetAccountEquity(ctx)
	if err != nil {
		return fail(fmt.Errorf("fetching initial equity: %w", err))
	}

	recovered, err := e.persist.LoadPendingOrders(ctx, cfg.Symbol, cfg.VenueCode())
	if err != nil {
		e.logger.Warn("Pending order recovery failed, starting clean", "error", err)
	}

	e.mu.Lock()
	e.spec = spec
	// The venue's precision rules win over whatever the config carried.
	e.cfg.PricePlace = spec.PricePlace
	e.cfg.VolumePlace = spec.VolumePlace
	e.holdMode = holdMode
	e.riskCtl = risk.NewController(risk.Limits{
		MaxDrawdownPercent: cfg.MaxDrawdownPercent.Div(decimal.NewFromInt(100)),
		MaxDailyLoss:       cfg.MaxDailyLoss,
		MaxPosition:        cfg.MaxPosition,
		Cooldown:           time.Duration(cfg.CooldownMs) * time.Millisecond,
	}, equity.Equity, e.logger)
	for i := range recovered {
		e.tracker.Add(recovered[i])
	}
	e.startedAt = core.NowMs()
	e.consecErrs = 0
	e.lastError = ""
	e.realizedPnl = decimal.Zero
	e.status = core.EngineRunning
	e.mu.Unlock()

	e.adviseFeeCoverage(spec, cfg)

	e.events.Record(core.EventStrategyStarted, map[string]interface{}{
		"symbol":    cfg.Symbol,
		"holdMode":  string(holdMode),
		"recovered": len(recovered),
	})
	e.metrics.SetEngineRunning(cfg.Symbol, true)
	e.logger.Info("Strategy started",
		"holdMode", holdMode, "recoveredOrders", len(recovered), "equity", equity.Equity.String())

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	poll := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if poll < minPollInterval {
		poll = minPollInterval
	}
	check := time.Duration(cfg.OrderCheckIntervalMs) * time.Millisecond
	if check < minOrderCheckInterval {
		check = minOrderCheckInterval
	}

	e.loops.Add(2)
	go e.runLoop(runCtx, "quote_tracker", poll, e.quoteTick)
	go e.runLoop(runCtx, "fill_reconciler", check, e.reconcileTick)

	return nil
}

// detectHoldMode resolves the derivatives position mode: config override
// first, then the venue endpoint, defaulting to double hold on failure.
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

// adviseFeeCoverage warns when the configured spread cannot cover a round
// trip's fees at a high reference price.
func (e *Engine) adviseFeeCoverage(spec *core.InstrumentSpec, cfg *config.StrategyConfig) {
	feeRate := spec.MakerFeeRate.Add(spec.TakerFeeRate)
	if !feeRate.IsPositive() || !cfg.PriceSpread.IsPositive() {
		return
	}
	coverage := cfg.PriceSpread.Div(feeRate)
	if coverage.GreaterThanOrEqual(decimal.NewFromInt(feeCoverageFloor)) {
		return
	}
	refPrice := decimal.NewFromInt(feeReferencePrice)
	size := tradingutils.OrderSize(cfg.Notional, refPrice, spec.VolumePlace)
	_, fee, net := tradingutils.RoundTripPnl(refPrice, refPrice.Add(cfg.PriceSpread), size, spec.MakerFeeRate)
	e.logger.Warn("Price spread may not cover fees",
		"priceSpread", cfg.PriceSpread.String(),
		"coverage", coverage.StringFixed(0),
		"estimatedFee", fee.String(),
		"estimatedNetAtReference", net.String())
}

// runLoop re-arms its next tick only after the body returns, so iterations
// of the same loop never overlap.
func (e *Engine) runLoop(ctx context.Context, name string, period time.Duration, body func(context.Context) error) {
	defer e.loops.Done()

	log := e.logger.WithField("loop", name)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if e.Status() == core.EngineRunning {
			if err := body(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.noteLoopError(name, err, log)
			} else {
				e.noteLoopSuccess()
			}
		}

		timer.Reset(period)
	}
}

func (e *Engine) noteLoopError(loop string, err error, log core.ILogger) {
	log.Error("Loop iteration failed", "error", err)

	e.mu.Lock()
	e.consecErrs++
	e.lastError = err.Error()
	count := e.consecErrs
	symbol := e.cfg.Symbol
	e.mu.Unlock()

	e.metrics.SetConsecutiveErrors(symbol, int64(count))

	if errors.Is(err, apperrors.ErrAuthenticationFailed) {
		// Credentials are wrong; retrying cannot help.
		e.enterError(loop, err, false)
		return
	}
	if count >= maxConsecutiveErrors {
		e.enterError(loop, err, true)
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

// enterError transitions to ERROR and, unless the cause is terminal, arms a
// timer that restores RUNNING so the loops resume.
func (e *Engine) enterError(loop string, cause error, restore bool) {
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
	e.events.Record(core.EventStrategyError, map[string]interface{}{
		"loop":  loop,
		"error": cause.Error(),
	})
	e.logger.Error("Engine entered error state", "loop", loop, "error", cause, "willRestore", restore)
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

// quoteTick is the body of loop A: keep one buy resting near the best bid.
func (e *Engine) quoteTick(ctx context.Context) error {
	cfg := e.Config()

	decision := e.riskCtl.CheckCanTrade(e.tracker.PositionNotional())
	if !decision.Allowed {
		e.noteRiskDenial(decision)
		return nil
	}
	e.mu.Lock()
	e.lastRiskReason = ""
	e.mu.Unlock()

	bid, err := e.svc.Market.GetBestBid(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetching best bid: %w", err)
	}
	if !bid.IsPositive() {
		return nil
	}

	if active, ok := e.tracker.ActiveBuy(); ok {
		e.maybeRepriceBuy(ctx, cfg, active, bid)
		return nil
	}

	e.mu.Lock()
	cooling := core.NowMs()-e.lastBuyCancelledAt < postOnlyCancelCooldown.Milliseconds()
	e.mu.Unlock()
	if cooling {
		return nil
	}

	return e.placeBuy(ctx, cfg, bid)
}

func (e *Engine) noteRiskDenial(decision risk.Decision) {
	e.metrics.RiskDenialsTotal.Add(context.Background(), 1)

	e.mu.Lock()
	repeated := e.lastRiskReason == decision.Reason
	e.lastRiskReason = decision.Reason
	symbol := e.cfg.Symbol
	e.mu.Unlock()

	e.metrics.SetRiskCoolingDown(symbol, decision.RetryAfter > 0)
	if repeated {
		return
	}
	e.events.Record(core.EventRiskLimitHit, map[string]interface{}{
		"reason":       decision.Reason,
		"retryAfterMs": decision.RetryAfter.Milliseconds(),
	})
	e.logger.Warn("Trade entry denied", "reason", decision.Reason)
}

// maybeRepriceBuy cancels a resting buy that has drifted too far from the
// bid, after the reprice grace period.
func (e *Engine) maybeRepriceBuy(ctx context.Context, cfg *config.StrategyConfig, active core.TrackedOrder, bid decimal.Decimal) {
	if active.AgeMs(core.NowMs()) < buyRepriceGrace.Milliseconds() {
		return
	}

	spread := cfg.PriceSpread
	overpaying := active.Price.GreaterThan(bid.Add(spread.Mul(decimal.NewFromInt(2))))
	tooDeep := bid.Sub(active.Price).GreaterThan(spread.Mul(decimal.NewFromInt(5)))
	if !overpaying && !tooDeep {
		return
	}

	if err := e.svc.Order.CancelOrder(ctx, cfg.Symbol, active.OrderID); err != nil {
		if !errors.Is(err, apperrors.ErrOrderNotFound) {
			e.logger.Warn("Cancelling drifted buy failed", "orderId", active.OrderID, "error", err)
			return
		}
	}

	if e.tracker.UpdateStatus(active.OrderID, core.OrderCancelled, 0) {
		e.persist.PersistOrderStatusChange(active.OrderID, core.OrderCancelled, 0, "")
		e.metrics.OrdersCancelled.Add(ctx, 1)
		e.events.Record(core.EventBuyOrderCancelled, map[string]interface{}{
			"orderId":   active.OrderID,
			"price":     active.Price.String(),
			"bid":       bid.String(),
			"initiator": "engine",
		})
		e.logger.Info("Cancelled drifted buy",
			"orderId", active.OrderID, "price", active.Price.String(), "bid", bid.String())
	}
}

// placeBuy submits a new maker buy below the bid, stepping further away and
// eventually dropping post-only as exchange cancellations accumulate.
func (e *Engine) placeBuy(ctx context.Context, cfg *config.StrategyConfig, bid decimal.Decimal) error {
	e.mu.Lock()
	cancels := e.postOnlyCancels
	spec := e.spec
	e.mu.Unlock()

	offsetTicks := 2 + cancels
	if offsetTicks > 10 {
		offsetTicks = 10
	}
	tick := tradingutils.TickSize(spec.PricePlace)
	price := tradingutils.RoundPrice(bid.Sub(tick.Mul(decimal.NewFromInt(int64(offsetTicks)))), spec.PricePlace)
	if !price.IsPositive() {
		return nil
	}

	size := tradingutils.OrderSize(cfg.Notional, price, spec.VolumePlace)
	if size.LessThan(spec.MinTradeNum) || size.LessThan(tradingutils.SizeStep(spec.VolumePlace)) {
		e.logger.Warn("Computed size below venue minimum, skipping placement",
			"size", size.String(), "minTradeNum", spec.MinTradeNum.String())
		return nil
	}

	force := core.ForcePostOnly
	if cancels >= 5 {
		// The book keeps crossing us; accept taker risk to get filled.
		force = core.ForceGTC
	}

	req := &core.OrderRequest{
		Symbol:    cfg.Symbol,
		Side:      core.SideBuy,
		OrderType: core.OrderTypeLimit,
		Price:     price,
		Size:      size,
		Force:     force,
		ClientOid: uuid.NewString(),
	}
	if cfg.IsDerivatives() && e.HoldMode() == core.HoldModeDouble {
		req.TradeSide = core.TradeSideOpen
	}

	ack, err := e.svc.Order.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("placing buy: %w", err)
	}

	order := core.TrackedOrder{
		OrderID:   ack.OrderID,
		ClientOid: req.ClientOid,
		Side:      core.SideBuy,
		Price:     price,
		Size:      size,
		Status:    core.OrderPending,
		Direction: cfg.Direction,
		CreatedAt: core.NowMs(),
	}
	e.tracker.Add(order)
	e.persist.PersistNewOrder(&order, e.orderMeta(cfg))

	e.metrics.OrdersPlacedTotal.Add(ctx, 1)
	e.metrics.SetActiveOrders(cfg.Symbol, int64(e.tracker.PendingCount()))
	e.events.Record(core.EventBuyOrderPlaced, map[string]interface{}{
		"orderId": ack.OrderID,
		"price":   price.String(),
		"size":    size.String(),
		"force":   string(force),
	})
	e.logger.Info("Buy placed",
		"orderId", ack.OrderID, "price", price.String(), "size", size.String(),
		"force", force, "offsetTicks", offsetTicks)
	return nil
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

// Stop cancels the active buy best-effort and tears both loops down.
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
	cfg := e.cfg
	e.mu.Unlock()

	if active, ok := e.tracker.ActiveBuy(); ok {
		if err := e.svc.Order.CancelOrder(ctx, cfg.Symbol, active.OrderID); err != nil {
			e.logger.Warn("Cancelling active buy on stop failed", "orderId", active.OrderID, "error", err)
		} else if e.tracker.UpdateStatus(active.OrderID, core.OrderCancelled, 0) {
			e.persist.PersistOrderStatusChange(active.OrderID, core.OrderCancelled, 0, "")
		}
	}

	if cancel != nil {
		cancel()
	}
	e.awaitLoops()

	e.mu.Lock()
	e.status = core.EngineStopped
	e.mu.Unlock()

	e.metrics.SetEngineRunning(cfg.Symbol, false)
	e.events.Record(core.EventStrategyStopped, map[string]interface{}{"symbol": cfg.Symbol})
	e.logger.Info("Strategy stopped")
	return nil
}

// EmergencyStop batch-cancels every pending order and halts, regardless of
// the current state. Paired sells are abandoned on the venue's books only if
// the cancel fails.
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

	pending := e.tracker.SnapshotPending()
	ids := make([]string, 0, len(pending))
	for _, o := range pending {
		ids = append(ids, o.OrderID)
	}

	var cancelled int
	if len(ids) > 0 {
		res, err := e.svc.Order.BatchCancelOrders(ctx, cfg.Symbol, ids)
		if err != nil {
			e.logger.Error("Emergency batch cancel failed", "error", err)
		} else {
			cancelled = len(res.Succeeded)
			for _, id := range res.Succeeded {
				if e.tracker.UpdateStatus(id, core.OrderCancelled, 0) {
					e.persist.PersistOrderStatusChange(id, core.OrderCancelled, 0, "")
				}
			}
			for _, f := range res.Failed {
				e.logger.Warn("Order survived emergency cancel", "orderId", f.OrderID, "code", f.Code, "msg", f.Msg)
			}
		}
	}

	e.awaitLoops()

	e.mu.Lock()
	e.status = core.EngineStopped
	e.mu.Unlock()

	e.metrics.SetEngineRunning(cfg.Symbol, false)
	e.events.Record(core.EventEmergencyStop, map[string]interface{}{
		"requested": len(ids),
		"cancelled": cancelled,
	})
	e.logger.Warn("Emergency stop complete", "requested", len(ids), "cancelled", cancelled)
	return nil
}

// awaitLoops waits for both loops (and any in-flight pairing) bounded by the
// stop watchdog; a hung exchange call must not block the caller forever.
func (e *Engine) awaitLoops() {
	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		e.pairing.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWatchdogTimeout):
		e.logger.Warn("Loops did not drain before watchdog, detaching")
	}
}

// UpdateConfig applies a partial update; immutable keys are rejected by the
// config layer.
func (e *Engine) UpdateConfig(partial map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.cfg.Update(partial)
	if err != nil {
		return err
	}
	e.cfg = next
	e.events.Record(core.EventConfigUpdated, map[string]interface{}{"keys": keysOf(partial)})
	return nil
}

func keysOf(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Config returns the current config pointer; the config itself is treated
// as immutable, updates swap the pointer.
func (e *Engine) Config() *config.StrategyConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Status returns the engine lifecycle status.
func (e *Engine) Status() core.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// HoldMode returns the detected (or overridden) position mode.
func (e *Engine) HoldMode() core.HoldMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holdMode
}

// Spec returns the instrument spec resolved at start.
func (e *Engine) Spec() *core.InstrumentSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec
}

// State assembles the status snapshot.
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
	e.mu.Unlock()

	if active, ok := e.tracker.ActiveBuy(); ok {
		st.ActiveBuyOrderID = active.OrderID
	}
	st.PendingSells = len(e.tracker.PendingSells())
	st.PositionNotional = e.tracker.PositionNotional()
	if riskCtl != nil {
		st.Risk = riskCtl.Snapshot()
		st.DailyPnl = st.Risk.DailyPnl
		st.TotalTrades, st.WinTrades, st.LossTrades, _, _ = riskCtl.Stats()
	}
	return st
}

// Events returns the newest events up to limit.
func (e *Engine) Events(limit int) []core.StrategyEvent {
	return e.events.Tail(limit)
}
