package grid

import (
	"context"
	"testing"
	"time"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/internal/mock"
	"auto_trader/internal/risk"
	apperrors "auto_trader/pkg/errors"
	"auto_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	engine  *Engine
	orders  *mock.MockOrderService
	market  *mock.MockMarketDataService
	account *mock.MockAccountService
	persist *mock.MockPersistence
}

func btcSpec() *core.InstrumentSpec {
	return &core.InstrumentSpec{
		Symbol:       "BTCUSDT",
		TradingType:  core.TradingDerivatives,
		BaseCoin:     "BTC",
		QuoteCoin:    "USDT",
		PricePlace:   1,
		VolumePlace:  6,
		MinTradeNum:  d("0.000001"),
		MakerFeeRate: d("0.0002"),
		TakerFeeRate: d("0.0006"),
		Status:       "normal",
		FetchedAt:    core.NowMs(),
	}
}

// gridConfig covers [100, 110] with 10 intervals, one rung per whole price.
func gridConfig(t *testing.T) *config.StrategyConfig {
	cfg, err := config.NewStrategyConfig(core.StrategyGrid, map[string]interface{}{
		"symbol":       "BTCUSDT",
		"notional":     10,
		"maxPosition":  1000,
		"maxDailyLoss": 50,
		"lowerPrice":   100,
		"upperPrice":   110,
		"gridCount":    10,
	})
	require.NoError(t, err)
	return cfg
}

// newHarness builds an engine in RUNNING state with a materialized ladder so
// tick bodies can be driven directly.
func newHarness(t *testing.T, cfg *config.StrategyConfig) *harness {
	h := &harness{
		orders:  mock.NewMockOrderService(),
		market:  &mock.MockMarketDataService{},
		account: &mock.MockAccountService{},
		persist: mock.NewMockPersistence(),
	}
	h.account.SetEquity("1000", "1000", "0")
	h.market.SetQuotes("105.5", "105.4", "105.6")

	spec := btcSpec()
	h.engine = New(cfg, Deps{
		Services: &core.TradingServices{Order: h.orders, Market: h.market, Account: h.account},
		Specs:    mock.NewMockSpecSource(spec),
		Persist:  h.persist,
		Logger:   mock.NopLogger{},
	})
	h.engine.settleDelay = 0

	cfg.PricePlace = spec.PricePlace
	cfg.VolumePlace = spec.VolumePlace
	lad, err := buildLadder(cfg, spec)
	require.NoError(t, err)

	h.engine.spec = spec
	h.engine.ladder = lad
	h.engine.holdMode = core.HoldModeDouble
	h.engine.riskCtl = risk.NewController(risk.Limits{
		MaxDrawdownPercent: d("0.05"),
		MaxDailyLoss:       cfg.MaxDailyLoss,
		MaxPosition:        cfg.MaxPosition,
		Cooldown:           time.Minute,
	}, d("1000"), mock.NopLogger{})
	h.engine.status = core.EngineRunning
	return h
}

func levelByIndex(t *testing.T, e *Engine, idx int) core.GridLevelView {
	for _, v := range e.State().GridLevels {
		if v.Index == idx {
			return v
		}
	}
	t.Fatalf("no level with index %d", idx)
	return core.GridLevelView{}
}

func TestTickPlacesBuysBelowMarket(t *testing.T) {
	h := newHarness(t, gridConfig(t))

	require.NoError(t, h.engine.tick(context.Background()))

	// Rungs strictly below 105.5: indices 0..5 (100..105). 106..110 stay empty.
	placed := h.orders.Placed()
	require.Len(t, placed, 6)
	for i, req := range placed {
		assert.Equal(t, core.SideBuy, req.Side)
		assert.Equal(t, core.ForceGTC, req.Force)
		assert.Equal(t, core.TradeSideOpen, req.TradeSide)
		want := d("100").Add(decimal.NewFromInt(int64(i)))
		assert.True(t, req.Price.Equal(want), "level %d: got %s want %s", i, req.Price, want)
	}

	for i := 0; i <= 5; i++ {
		assert.Equal(t, levelBuyPending, levelByIndex(t, h.engine, i).State)
	}
	for i := 6; i <= 10; i++ {
		assert.Equal(t, levelEmpty, levelByIndex(t, h.engine, i).State)
	}

	// Second tick: every eligible rung already occupied, nothing new.
	require.NoError(t, h.engine.tick(context.Background()))
	assert.Len(t, h.orders.Placed(), 6)
}

func TestBuyFillSchedulesSellAtNextRung(t *testing.T) {
	h := newHarness(t, gridConfig(t))
	ctx := context.Background()

	require.NoError(t, h.engine.tick(ctx))
	buyID := levelByIndex(t, h.engine, 3).BuyOrderID
	require.NotEmpty(t, buyID)
	h.orders.FillOrder(buyID)

	require.NoError(t, h.engine.tick(ctx))

	lvl := levelByIndex(t, h.engine, 3)
	assert.Equal(t, levelSellPending, lvl.State)
	require.NotEmpty(t, lvl.SellOrderID)

	sell, ok := h.engine.tracker.Get(lvl.SellOrderID)
	require.True(t, ok)
	assert.True(t, sell.Price.Equal(d("104")), "got %s", sell.Price)
	assert.Equal(t, buyID, sell.LinkedOrderID)

	placed := h.orders.Placed()
	sellReq := placed[len(placed)-1]
	assert.Equal(t, core.SideSell, sellReq.Side)
	assert.Equal(t, core.TradeSideClose, sellReq.TradeSide)
	assert.Equal(t, core.ForceGTC, sellReq.Force)

	var sawBuyFilled bool
	for _, ev := range h.engine.Events(0) {
		if ev.Type == core.EventGridBuyFilled {
			sawBuyFilled = true
		}
	}
	assert.True(t, sawBuyFilled)
}

func TestSellFillBooksPnlAndResetsLevel(t *testing.T) {
	h := newHarness(t, gridConfig(t))
	ctx := context.Background()

	require.NoError(t, h.engine.tick(ctx))
	buyID := levelByIndex(t, h.engine, 3).BuyOrderID
	h.orders.FillOrder(buyID)
	require.NoError(t, h.engine.tick(ctx))

	sellID := levelByIndex(t, h.engine, 3).SellOrderID
	h.orders.FillOrder(sellID)
	require.NoError(t, h.engine.tick(ctx))

	require.Len(t, h.persist.Pnl, 1)
	rec := h.persist.Pnl[0]
	size := tradingutils.OrderSize(d("10"), d("103"), 6)
	_, wantFee, wantNet := tradingutils.RoundTripPnl(d("103"), d("104"), size, d("0.0002"))
	assert.True(t, rec.Net.Equal(wantNet), "net %s want %s", rec.Net, wantNet)
	assert.True(t, rec.Fee.Equal(wantFee))
	assert.Equal(t, core.StrategyGrid, rec.Kind)

	// The rung is re-armed with a fresh buy in the same pass.
	lvl := levelByIndex(t, h.engine, 3)
	assert.Equal(t, levelBuyPending, lvl.State)
	assert.NotEqual(t, buyID, lvl.BuyOrderID)

	state := h.engine.State()
	assert.Equal(t, 1, state.TotalTrades)
	assert.True(t, state.RealizedPnl.Equal(rec.Net))
}

func TestOrphanedSellRollsBackToBuyFilled(t *testing.T) {
	h := newHarness(t, gridConfig(t))
	ctx := context.Background()
	cfg := h.engine.Config()

	require.NoError(t, h.engine.tick(ctx))
	buyID := levelByIndex(t, h.engine, 2).BuyOrderID
	h.orders.FillOrder(buyID)
	require.NoError(t, h.engine.tick(ctx))

	sellID := levelByIndex(t, h.engine, 2).SellOrderID
	h.orders.CancelOnVenue(sellID)

	// Reconcile alone: the rung must fall back to holding inventory.
	require.NoError(t, h.engine.reconcile(ctx, cfg))
	lvl := levelByIndex(t, h.engine, 2)
	assert.Equal(t, levelBuyFilled, lvl.State)
	assert.Empty(t, lvl.SellOrderID)

	events := h.engine.Events(0)
	last := events[len(events)-1]
	require.Equal(t, core.EventGridLevelUpdated, last.Type)
	assert.Equal(t, "sell_orphaned", last.Data["reason"])

	// The next pass re-places the sell rather than abandoning the position.
	h.engine.placeSells(ctx, cfg)
	lvl = levelByIndex(t, h.engine, 2)
	assert.Equal(t, levelSellPending, lvl.State)
	assert.NotEqual(t, sellID, lvl.SellOrderID)
}

func TestExchangeCancelledBuyResetsLevel(t *testing.T) {
	h := newHarness(t, gridConfig(t))
	ctx := context.Background()

	require.NoError(t, h.engine.tick(ctx))
	buyID := levelByIndex(t, h.engine, 4).BuyOrderID
	h.orders.CancelOnVenue(buyID)

	require.NoError(t, h.engine.reconcile(ctx, h.engine.Config()))
	lvl := levelByIndex(t, h.engine, 4)
	assert.Equal(t, levelEmpty, lvl.State)
	assert.Empty(t, lvl.BuyOrderID)

	got, _ := h.engine.tracker.Get(buyID)
	assert.Equal(t, core.OrderCancelled, got.Status)
}

func TestRiskDenialStopsBuyPass(t *testing.T) {
	cfg := gridConfig(t)
	h := newHarness(t, cfg)
	h.engine.riskCtl.RecordPnl(cfg.MaxDailyLoss.Neg().Sub(d("1")))

	require.NoError(t, h.engine.tick(context.Background()))
	assert.Empty(t, h.orders.Placed())
}

func TestSellRetriesOnNoPosition(t *testing.T) {
	h := newHarness(t, gridConfig(t))
	ctx := context.Background()

	require.NoError(t, h.engine.tick(ctx))
	buyID := levelByIndex(t, h.engine, 1).BuyOrderID
	h.orders.FillOrder(buyID)
	require.NoError(t, h.engine.reconcile(ctx, h.engine.Config()))

	attempts := 0
	h.orders.PlaceHook = func(req *core.OrderRequest) (*core.OrderAck, error) {
		attempts++
		if attempts < 3 {
			return nil, apperrors.NewExchangeError(apperrors.CodeNoPositionToClose, "no position", 0, nil)
		}
		return &core.OrderAck{OrderID: "sell-retry"}, nil
	}
	h.engine.retryBackoff = 0

	h.engine.placeSells(ctx, h.engine.Config())

	assert.Equal(t, 3, attempts)
	lvl := levelByIndex(t, h.engine, 1)
	assert.Equal(t, levelSellPending, lvl.State)
	assert.Equal(t, "sell-retry", lvl.SellOrderID)
}

func TestSellPersistentFailureKeepsInventory(t *testing.T) {
	h := newHarness(t, gridConfig(t))
	ctx := context.Background()

	require.NoError(t, h.engine.tick(ctx))
	buyID := levelByIndex(t, h.engine, 1).BuyOrderID
	h.orders.FillOrder(buyID)
	require.NoError(t, h.engine.reconcile(ctx, h.engine.Config()))

	attempts := 0
	h.orders.PlaceHook = func(req *core.OrderRequest) (*core.OrderAck, error) {
		attempts++
		return nil, apperrors.NewExchangeError(apperrors.CodeNoPositionToClose, "no position", 0, nil)
	}
	h.engine.retryBackoff = 0

	h.engine.placeSells(ctx, h.engine.Config())

	assert.Equal(t, sellAttempts, attempts)
	// The rung holds its inventory for the next tick to try again.
	assert.Equal(t, levelBuyFilled, levelByIndex(t, h.engine, 1).State)
}

func TestStopCancelsOrdersAndResetsLadder(t *testing.T) {
	h := newHarness(t, gridConfig(t))
	ctx := context.Background()

	require.NoError(t, h.engine.tick(ctx))
	require.Len(t, h.orders.Placed(), 6)

	require.NoError(t, h.engine.Stop(ctx))
	assert.Equal(t, core.EngineStopped, h.engine.Status())

	for _, o := range h.engine.tracker.All() {
		assert.Equal(t, core.OrderCancelled, o.Status, "order %s", o.OrderID)
	}
	for _, v := range h.engine.State().GridLevels {
		assert.Equal(t, levelEmpty, v.State, "level %d", v.Index)
	}

	assert.ErrorIs(t, h.engine.Stop(ctx), apperrors.ErrNotRunning)
}

func TestStartFailsOnMissingBounds(t *testing.T) {
	cfg, err := config.NewStrategyConfig(core.StrategyGrid, map[string]interface{}{
		"symbol":      "BTCUSDT",
		"notional":    10,
		"maxPosition": 1000,
	})
	require.NoError(t, err)

	orders := mock.NewMockOrderService()
	market := &mock.MockMarketDataService{}
	account := &mock.MockAccountService{}
	account.SetEquity("1000", "1000", "0")

	eng := New(cfg, Deps{
		Services: &core.TradingServices{Order: orders, Market: market, Account: account},
		Specs:    mock.NewMockSpecSource(btcSpec()),
		Persist:  mock.NewMockPersistence(),
		Logger:   mock.NopLogger{},
	})

	err = eng.Start(context.Background())
	require.ErrorIs(t, err, apperrors.ErrGridConfigInvalid)
	assert.Equal(t, core.EngineStopped, eng.Status())
}

func TestStartAndStopLifecycle(t *testing.T) {
	cfg := gridConfig(t)

	orders := mock.NewMockOrderService()
	market := &mock.MockMarketDataService{}
	market.SetQuotes("105.5", "105.4", "105.6")
	account := &mock.MockAccountService{}
	account.SetEquity("1000", "1000", "0")

	eng := New(cfg, Deps{
		Services: &core.TradingServices{Order: orders, Market: market, Account: account},
		Specs:    mock.NewMockSpecSource(btcSpec()),
		Persist:  mock.NewMockPersistence(),
		Logger:   mock.NopLogger{},
	})

	require.NoError(t, eng.Start(context.Background()))
	assert.Equal(t, core.EngineRunning, eng.Status())
	assert.ErrorIs(t, eng.Start(context.Background()), apperrors.ErrAlreadyRunning)

	require.NoError(t, eng.Stop(context.Background()))
	assert.Equal(t, core.EngineStopped, eng.Status())
}

func TestBuildLadderRejectsDustLevels(t *testing.T) {
	cfg := gridConfig(t)
	spec := btcSpec()
	spec.MinTradeNum = d("1") // 10 USDT at ~100 buys far less than one unit

	_, err := buildLadder(cfg, spec)
	require.ErrorIs(t, err, apperrors.ErrGridConfigInvalid)
}

func TestSellTargetAtCeilingUsesSpacing(t *testing.T) {
	cfg := gridConfig(t)
	lad, err := buildLadder(cfg, btcSpec())
	require.NoError(t, err)

	top := lad.levels[len(lad.levels)-1]
	assert.True(t, lad.sellTarget(top, 1).Equal(d("111")), "got %s", lad.sellTarget(top, 1))

	mid := lad.levels[4]
	assert.True(t, lad.sellTarget(mid, 1).Equal(d("105")))
}

func TestGeometricLadderSpacing(t *testing.T) {
	cfg, err := config.NewStrategyConfig(core.StrategyGrid, map[string]interface{}{
		"symbol":      "BTCUSDT",
		"notional":    10,
		"maxPosition": 1000,
		"lowerPrice":  100,
		"upperPrice":  400,
		"gridCount":   2,
		"gridType":    "geometric",
	})
	require.NoError(t, err)

	lad, err := buildLadder(cfg, btcSpec())
	require.NoError(t, err)
	require.Len(t, lad.levels, 3)
	assert.True(t, lad.levels[0].price.Equal(d("100")))
	assert.True(t, lad.levels[1].price.Equal(d("200")), "got %s", lad.levels[1].price)
	assert.True(t, lad.levels[2].price.Equal(d("400")))
}

func TestEmergencyStopFromErrorState(t *testing.T) {
	h := newHarness(t, gridConfig(t))
	ctx := context.Background()

	require.NoError(t, h.engine.tick(ctx))

	h.engine.mu.Lock()
	h.engine.status = core.EngineError
	h.engine.mu.Unlock()

	require.NoError(t, h.engine.EmergencyStop(ctx))
	assert.Equal(t, core.EngineStopped, h.engine.Status())

	events := h.engine.Events(5)
	assert.Equal(t, core.EventEmergencyStop, events[len(events)-1].Type)
	for _, v := range h.engine.State().GridLevels {
		assert.Equal(t, levelEmpty, v.State)
	}
}
