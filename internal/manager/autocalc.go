package manager

import (
	"context"
	"fmt"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	apperrors "auto_trader/pkg/errors"
	"auto_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// RiskLevel selects a preset row for auto-calc.
type RiskLevel string

const (
	RiskConservative RiskLevel = "conservative"
	RiskBalanced     RiskLevel = "balanced"
	RiskAggressive   RiskLevel = "aggressive"
)

// preset is one row of the auto-calc table.
type preset struct {
	spreadMultiplier decimal.Decimal
	maxPositionPct   decimal.Decimal
	dailyLossPct     decimal.Decimal
	drawdownPct      decimal.Decimal
	stopLossPct      decimal.Decimal
	maxPending       int
	mergeThreshold   int
	pollMs           int64
	checkMs          int64
	cooldownMs       int64

	rangePercent decimal.Decimal
	gridCount    int
}

var presets = map[RiskLevel]preset{
	RiskConservative: {
		spreadMultiplier: decimal.NewFromFloat(3.0),
		maxPositionPct:   decimal.NewFromFloat(0.10),
		dailyLossPct:     decimal.NewFromFloat(0.02),
		drawdownPct:      decimal.NewFromInt(3),
		stopLossPct:      decimal.NewFromInt(2),
		maxPending:       100,
		mergeThreshold:   15,
		pollMs:           2000,
		checkMs:          3000,
		cooldownMs:       120000,
		rangePercent:     decimal.NewFromInt(5),
		gridCount:        10,
	},
	RiskBalanced: {
		spreadMultiplier: decimal.NewFromFloat(2.0),
		maxPositionPct:   decimal.NewFromFloat(0.20),
		dailyLossPct:     decimal.NewFromFloat(0.05),
		drawdownPct:      decimal.NewFromInt(5),
		stopLossPct:      decimal.NewFromInt(3),
		maxPending:       200,
		mergeThreshold:   21,
		pollMs:           1000,
		checkMs:          2000,
		cooldownMs:       60000,
		rangePercent:     decimal.NewFromInt(10),
		gridCount:        20,
	},
	RiskAggressive: {
		spreadMultiplier: decimal.NewFromFloat(1.5),
		maxPositionPct:   decimal.NewFromFloat(0.40),
		dailyLossPct:     decimal.NewFromFloat(0.10),
		drawdownPct:      decimal.NewFromInt(10),
		stopLossPct:      decimal.NewFromInt(5),
		maxPending:       300,
		mergeThreshold:   30,
		pollMs:           500,
		checkMs:          1000,
		cooldownMs:       30000,
		rangePercent:     decimal.NewFromInt(20),
		gridCount:        50,
	},
}

// AutoCalcRequest is the reduced parameter set a full config is derived from.
type AutoCalcRequest struct {
	StrategyType core.StrategyKind
	TradingType  core.TradingType
	Symbol       string
	Notional     decimal.Decimal
	RiskLevel    RiskLevel
	Direction    core.Direction // optional
}

// AutoCalcResult carries the derived override set, ready for CreateAndStart,
// plus advisory warnings.
type AutoCalcResult struct {
	Overrides map[string]interface{} `json:"overrides"`
	Warnings  []string               `json:"warnings,omitempty"`
}

// Bound is a per-field recommendation range.
type Bound struct {
	Min         decimal.Decimal `json:"min"`
	Recommended decimal.Decimal `json:"recommended"`
	Max         decimal.Decimal `json:"max"`
}

// AutoCalc derives a complete config from the preset table, the instrument
// spec, the current ticker and the available balance. The derivation is
// deterministic for fixed market inputs.
func (m *Manager) AutoCalc(ctx context.Context, req AutoCalcRequest) (*AutoCalcResult, error) {
	p, spec, ticker, balance, err := m.autoCalcInputs(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &AutoCalcResult{Overrides: map[string]interface{}{
		"symbol":               req.Symbol,
		"tradingType":          string(req.TradingType),
		"notional":             req.Notional.String(),
		"maxPosition":          round2(balance.Mul(p.maxPositionPct)).String(),
		"maxDailyLoss":         round2(balance.Mul(p.dailyLossPct)).String(),
		"maxDrawdownPercent":   p.drawdownPct.String(),
		"stopLossPercent":      p.stopLossPct.String(),
		"cooldownMs":           p.cooldownMs,
		"pollIntervalMs":       p.pollMs,
		"orderCheckIntervalMs": p.checkMs,
		"pricePlace":           spec.PricePlace,
		"volumePlace":          spec.VolumePlace,
	}}
	if req.Direction != "" {
		res.Overrides["direction"] = string(req.Direction)
	}

	feeRate := spec.MakerFeeRate.Add(spec.TakerFeeRate)
	range24h := ticker.High24h.Sub(ticker.Low24h)

	switch req.StrategyType {
	case core.StrategyScalping:
		minSpread := ticker.LastPrice.Mul(feeRate).Mul(p.spreadMultiplier)
		spread := tradingutils.RoundPrice(
			decimal.Max(minSpread, range24h.Mul(decimal.NewFromFloat(0.001))), spec.PricePlace)
		res.Overrides["priceSpread"] = spread.String()
		res.Overrides["maxPendingOrders"] = p.maxPending
		res.Overrides["mergeThreshold"] = p.mergeThreshold

	case core.StrategyGrid:
		half := p.rangePercent.Div(decimal.NewFromInt(200))
		upper := tradingutils.RoundPrice(ticker.LastPrice.Mul(decimal.NewFromInt(1).Add(half)), spec.PricePlace)
		lower := tradingutils.RoundPrice(ticker.LastPrice.Mul(decimal.NewFromInt(1).Sub(half)), spec.PricePlace)
		res.Overrides["upperPrice"] = upper.String()
		res.Overrides["lowerPrice"] = lower.String()
		res.Overrides["gridCount"] = p.gridCount
		res.Overrides["gridType"] = "arithmetic"

		spacing := upper.Sub(lower).Div(decimal.NewFromInt(int64(p.gridCount)))
		minProfitable := ticker.LastPrice.Mul(feeRate)
		if spacing.LessThan(minProfitable) {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"grid spacing %s is below the fee break-even spread %s; rungs may trade at a loss",
				spacing.StringFixed(int32(spec.PricePlace+2)), minProfitable.StringFixed(int32(spec.PricePlace+2))))
		}

	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", apperrors.ErrConfigInvalid, req.StrategyType)
	}

	return res, nil
}

// Bounds reports per-field min/recommended/max derived from the instrument
// spec, the balance and the 24h range.
func (m *Manager) Bounds(ctx context.Context, req AutoCalcRequest) (map[string]Bound, error) {
	p, spec, ticker, balance, err := m.autoCalcInputs(ctx, req)
	if err != nil {
		return nil, err
	}

	feeRate := spec.MakerFeeRate.Add(spec.TakerFeeRate)
	range24h := ticker.High24h.Sub(ticker.Low24h)
	minSpread := ticker.LastPrice.Mul(feeRate).Mul(p.spreadMultiplier)

	bounds := map[string]Bound{
		"priceSpread": {
			Min:         tradingutils.RoundPrice(minSpread, spec.PricePlace),
			Recommended: tradingutils.RoundPrice(decimal.Max(minSpread, range24h.Mul(decimal.NewFromFloat(0.001))), spec.PricePlace),
			Max:         tradingutils.RoundPrice(range24h.Mul(decimal.NewFromFloat(0.05)), spec.PricePlace),
		},
		"notional": {
			Min:         tradingutils.RoundPrice(spec.MinTradeNum.Mul(ticker.LastPrice), spec.PricePlace),
			Recommended: req.Notional,
			Max:         round2(balance),
		},
		"maxPosition": {
			Min:         req.Notional,
			Recommended: round2(balance.Mul(p.maxPositionPct)),
			Max:         round2(balance),
		},
		"maxDailyLoss": {
			Min:         round2(balance.Mul(decimal.NewFromFloat(0.01))),
			Recommended: round2(balance.Mul(p.dailyLossPct)),
			Max:         round2(balance.Mul(decimal.NewFromFloat(0.5))),
		},
	}
	return bounds, nil
}

func (m *Manager) autoCalcInputs(ctx context.Context, req AutoCalcRequest) (preset, *core.InstrumentSpec, *core.Ticker, decimal.Decimal, error) {
	p, ok := presets[req.RiskLevel]
	if !ok {
		return preset{}, nil, nil, decimal.Zero,
			fmt.Errorf("%w: unknown risk level %q", apperrors.ErrConfigInvalid, req.RiskLevel)
	}
	if !req.Notional.IsPositive() {
		return preset{}, nil, nil, decimal.Zero,
			fmt.Errorf("%w: notional must be positive", apperrors.ErrConfigInvalid)
	}

	spec, err := m.specs.GetSpec(ctx, req.Symbol, req.TradingType)
	if err != nil {
		return preset{}, nil, nil, decimal.Zero, fmt.Errorf("loading instrument spec: %w", err)
	}

	probe := config.DefaultStrategyConfig(req.StrategyType)
	probe.Symbol = req.Symbol
	probe.TradingType = req.TradingType
	services, _, err := m.builder.Services(probe)
	if err != nil {
		return preset{}, nil, nil, decimal.Zero, err
	}

	ticker, err := services.Market.GetTicker(ctx, req.Symbol)
	if err != nil {
		return preset{}, nil, nil, decimal.Zero, fmt.Errorf("fetching ticker: %w", err)
	}
	balance, err := services.Account.GetAvailableBalance(ctx)
	if err != nil {
		return preset{}, nil, nil, decimal.Zero, fmt.Errorf("fetching balance: %w", err)
	}

	return p, spec, ticker, balance, nil
}

func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
