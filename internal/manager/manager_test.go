package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/internal/mock"
	apperrors "auto_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeBuilder struct {
	services *core.TradingServices
	err      error
}

func (f *fakeBuilder) Services(cfg *config.StrategyConfig) (*core.TradingServices, core.HoldModeDetector, error) {
	return f.services, nil, f.err
}

type fakeSaver struct {
	saved [][]byte
}

func (f *fakeSaver) SaveActiveConfig(configJSON []byte) {
	f.saved = append(f.saved, configJSON)
}

type fixture struct {
	manager *Manager
	orders  *mock.MockOrderService
	market  *mock.MockMarketDataService
	account *mock.MockAccountService
	persist *mock.MockPersistence
	saver   *fakeSaver
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		orders:  mock.NewMockOrderService(),
		market:  &mock.MockMarketDataService{},
		account: &mock.MockAccountService{},
		persist: mock.NewMockPersistence(),
		saver:   &fakeSaver{},
	}
	f.account.SetEquity("1000", "1000", "0")
	f.market.SetQuotes("70000.0", "70000.0", "70000.2")
	f.market.Ticker.High24h = d("71000")
	f.market.Ticker.Low24h = d("69000")

	spec := &core.InstrumentSpec{
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

	f.manager = New(Deps{
		Builder: &fakeBuilder{services: &core.TradingServices{
			Order: f.orders, Market: f.market, Account: f.account,
		}},
		Specs:   mock.NewMockSpecSource(spec),
		Persist: f.persist,
		Saver:   f.saver,
		Logger:  mock.NopLogger{},
	})
	return f
}

func scalpingOverrides() map[string]interface{} {
	return map[string]interface{}{
		"symbol":       "BTCUSDT",
		"notional":     10,
		"maxPosition":  1000,
		"maxDailyLoss": 50,
		"priceSpread":  2,
	}
}

func TestCreateAndStartEnforcesSingleInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.CreateAndStart(ctx, core.StrategyScalping, scalpingOverrides()))
	defer f.manager.StopActive(ctx)

	assert.Equal(t, core.EngineRunning, f.manager.GetState().Status)

	err := f.manager.CreateAndStart(ctx, core.StrategyScalping, scalpingOverrides())
	require.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
}

func TestConcurrentCreateStartsSingleInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.manager.CreateAndStart(ctx, core.StrategyScalping, scalpingOverrides())
		}()
	}
	wg.Wait()
	close(errs)

	var started, rejected int
	for err := range errs {
		if err == nil {
			started++
		} else {
			require.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
			rejected++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, attempts-1, rejected)

	require.NoError(t, f.manager.StopActive(ctx))
	assert.Equal(t, core.EngineStopped, f.manager.GetState().Status)
}

func TestStopActiveThenRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.CreateAndStart(ctx, core.StrategyScalping, scalpingOverrides()))
	require.NoError(t, f.manager.StopActive(ctx))
	assert.Equal(t, core.EngineStopped, f.manager.GetState().Status)

	// A stopped instance no longer blocks creation.
	require.NoError(t, f.manager.CreateAndStart(ctx, core.StrategyScalping, scalpingOverrides()))
	require.NoError(t, f.manager.StopActive(ctx))
}

func TestStopAndEmergencyStopAreNoopsWhenIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.StopActive(ctx))
	require.NoError(t, f.manager.EmergencyStopActive(ctx))
}

func TestGetStateCanonicalStoppedWhenIdle(t *testing.T) {
	f := newFixture(t)

	state := f.manager.GetState()
	assert.Equal(t, core.EngineStopped, state.Status)
	assert.Empty(t, state.Symbol)
	assert.Nil(t, f.manager.Events(10))
}

func TestEmergencyStopActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.CreateAndStart(ctx, core.StrategyScalping, scalpingOverrides()))
	require.NoError(t, f.manager.EmergencyStopActive(ctx))
	assert.Equal(t, core.EngineStopped, f.manager.GetState().Status)
}

func TestCreateAndStartRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)

	err := f.manager.CreateAndStart(context.Background(), core.StrategyScalping, map[string]interface{}{
		"notional": 10, // missing symbol
	})
	require.Error(t, err)
	assert.Equal(t, core.EngineStopped, f.manager.GetState().Status)
}

func TestUpdateActiveConfigSnapshotsResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.CreateAndStart(ctx, core.StrategyScalping, scalpingOverrides()))
	defer f.manager.StopActive(ctx)

	savedBefore := len(f.saver.saved)
	require.NoError(t, f.manager.UpdateActiveConfig(map[string]interface{}{"priceSpread": 3}))

	cfg := f.manager.ActiveConfig()
	assert.True(t, cfg.PriceSpread.Equal(d("3")))
	require.Greater(t, len(f.saver.saved), savedBefore)

	var snap config.StrategyConfig
	require.NoError(t, json.Unmarshal(f.saver.saved[len(f.saver.saved)-1], &snap))
	assert.True(t, snap.PriceSpread.Equal(d("3")))

	err := f.manager.UpdateActiveConfig(map[string]interface{}{"symbol": "ETHUSDT"})
	require.ErrorIs(t, err, apperrors.ErrConfigImmutableKey)
}

func TestUpdateActiveConfigRequiresInstance(t *testing.T) {
	f := newFixture(t)
	err := f.manager.UpdateActiveConfig(map[string]interface{}{"priceSpread": 3})
	require.ErrorIs(t, err, apperrors.ErrNotRunning)
}

func TestAutoCalcScalpingBalanced(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.AutoCalc(context.Background(), AutoCalcRequest{
		StrategyType: core.StrategyScalping,
		TradingType:  core.TradingDerivatives,
		Symbol:       "BTCUSDT",
		Notional:     d("10"),
		RiskLevel:    RiskBalanced,
	})
	require.NoError(t, err)

	// minSpread = 70000 * 0.0008 * 2.0 = 112; range24h*0.001 = 2.
	assert.True(t, d(res.Overrides["priceSpread"].(string)).Equal(d("112")))
	assert.True(t, d(res.Overrides["maxPosition"].(string)).Equal(d("200")))
	assert.True(t, d(res.Overrides["maxDailyLoss"].(string)).Equal(d("50")))
	assert.Equal(t, 200, res.Overrides["maxPendingOrders"])
	assert.Equal(t, 21, res.Overrides["mergeThreshold"])
	assert.Equal(t, int64(1000), res.Overrides["pollIntervalMs"])
	assert.Equal(t, int64(60000), res.Overrides["cooldownMs"])
	assert.Empty(t, res.Warnings)

	// The derived set must build a valid config as-is.
	_, err = config.NewStrategyConfig(core.StrategyScalping, res.Overrides)
	require.NoError(t, err)
}

func TestAutoCalcGridBalanced(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.AutoCalc(context.Background(), AutoCalcRequest{
		StrategyType: core.StrategyGrid,
		TradingType:  core.TradingDerivatives,
		Symbol:       "BTCUSDT",
		Notional:     d("10"),
		RiskLevel:    RiskBalanced,
	})
	require.NoError(t, err)

	// rangePercent 10 → ±5% around 70000.
	assert.True(t, d(res.Overrides["upperPrice"].(string)).Equal(d("73500")))
	assert.True(t, d(res.Overrides["lowerPrice"].(string)).Equal(d("66500")))
	assert.Equal(t, 20, res.Overrides["gridCount"])
	assert.Equal(t, "arithmetic", res.Overrides["gridType"])
	// spacing 350 well above break-even 56: no warning.
	assert.Empty(t, res.Warnings)

	_, err = config.NewStrategyConfig(core.StrategyGrid, res.Overrides)
	require.NoError(t, err)
}

func TestAutoCalcGridWarnsOnUnprofitableSpacing(t *testing.T) {
	f := newFixture(t)

	// Fat fees push break-even above the conservative grid's spacing.
	src := mock.NewMockSpecSource(&core.InstrumentSpec{
		Symbol: "BTCUSDT", TradingType: core.TradingDerivatives,
		PricePlace: 1, VolumePlace: 6, MinTradeNum: d("0.000001"),
		MakerFeeRate: d("0.005"), TakerFeeRate: d("0.005"), Status: "normal",
	})
	f.manager.specs = src

	res, err := f.manager.AutoCalc(context.Background(), AutoCalcRequest{
		StrategyType: core.StrategyGrid,
		TradingType:  core.TradingDerivatives,
		Symbol:       "BTCUSDT",
		Notional:     d("10"),
		RiskLevel:    RiskConservative,
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "break-even")
}

func TestAutoCalcRejectsUnknownRiskLevel(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.AutoCalc(context.Background(), AutoCalcRequest{
		StrategyType: core.StrategyScalping,
		TradingType:  core.TradingDerivatives,
		Symbol:       "BTCUSDT",
		Notional:     d("10"),
		RiskLevel:    "yolo",
	})
	require.ErrorIs(t, err, apperrors.ErrConfigInvalid)
}

func TestBoundsReflectBalanceAndRange(t *testing.T) {
	f := newFixture(t)

	bounds, err := f.manager.Bounds(context.Background(), AutoCalcRequest{
		StrategyType: core.StrategyScalping,
		TradingType:  core.TradingDerivatives,
		Symbol:       "BTCUSDT",
		Notional:     d("10"),
		RiskLevel:    RiskBalanced,
	})
	require.NoError(t, err)

	spread := bounds["priceSpread"]
	assert.True(t, spread.Min.Equal(d("112")))
	// max = range24h * 0.05 = 100 — the venue's fee floor can exceed it on
	// quiet days; the caller sees both and decides.
	assert.True(t, spread.Max.Equal(d("100")))

	pos := bounds["maxPosition"]
	assert.True(t, pos.Recommended.Equal(d("200")))
	assert.True(t, pos.Max.Equal(d("1000")))

	loss := bounds["maxDailyLoss"]
	assert.True(t, loss.Recommended.Equal(d("50")))
}
