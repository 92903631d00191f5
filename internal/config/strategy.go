package config

import (
	"encoding/json"
	"fmt"

	"auto_trader/internal/core"
	apperrors "auto_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// StrategyConfig is the engine-owned runtime configuration. One struct
// carries both variants; the scalping and grid sections are validated only
// for their own strategy type.
type StrategyConfig struct {
	InstanceID   string            `json:"instanceId"`
	StrategyType core.StrategyKind `json:"strategyType"`
	TradingType  core.TradingType  `json:"tradingType"`
	Symbol       string            `json:"symbol"`

	Notional    decimal.Decimal `json:"notional"`
	MaxPosition decimal.Decimal `json:"maxPosition"`

	MaxDrawdownPercent decimal.Decimal `json:"maxDrawdownPercent"`
	StopLossPercent    decimal.Decimal `json:"stopLossPercent"`
	MaxDailyLoss       decimal.Decimal `json:"maxDailyLoss"`
	CooldownMs         int64           `json:"cooldownMs"`

	PricePlace  int `json:"pricePlace"`
	VolumePlace int `json:"volumePlace"`

	PollIntervalMs       int64 `json:"pollIntervalMs"`
	OrderCheckIntervalMs int64 `json:"orderCheckIntervalMs"`

	// Derivatives only.
	ProductType      string         `json:"productType,omitempty"`
	MarginMode       string         `json:"marginMode,omitempty"`
	MarginCoin       string         `json:"marginCoin,omitempty"`
	Leverage         int            `json:"leverage,omitempty"`
	Direction        core.Direction `json:"direction,omitempty"`
	HoldModeOverride core.HoldMode  `json:"holdModeOverride,omitempty"`

	// Scalping variant.
	PriceSpread      decimal.Decimal `json:"priceSpread"`
	MaxPendingOrders int             `json:"maxPendingOrders,omitempty"`
	MergeThreshold   int             `json:"mergeThreshold,omitempty"`

	// Grid variant.
	UpperPrice decimal.Decimal `json:"upperPrice"`
	LowerPrice decimal.Decimal `json:"lowerPrice"`
	GridCount  int             `json:"gridCount,omitempty"`
	GridType   string          `json:"gridType,omitempty"` // arithmetic | geometric
}

// Keys that cannot change while a strategy instance is running. All of them
// are string-valued.
var immutableKeys = map[string]func(*StrategyConfig) string{
	"symbol":       func(c *StrategyConfig) string { return c.Symbol },
	"strategyType": func(c *StrategyConfig) string { return string(c.StrategyType) },
	"tradingType":  func(c *StrategyConfig) string { return string(c.TradingType) },
	"marginMode":   func(c *StrategyConfig) string { return c.MarginMode },
	"marginCoin":   func(c *StrategyConfig) string { return c.MarginCoin },
	"productType":  func(c *StrategyConfig) string { return c.ProductType },
	"instanceId":   func(c *StrategyConfig) string { return c.InstanceID },
}

// DefaultStrategyConfig returns the baseline config for a strategy kind,
// before overrides.
func DefaultStrategyConfig(kind core.StrategyKind) *StrategyConfig {
	cfg := &StrategyConfig{
		StrategyType:         kind,
		TradingType:          core.TradingDerivatives,
		MaxDrawdownPercent:   decimal.NewFromInt(5),
		StopLossPercent:      decimal.NewFromInt(3),
		CooldownMs:           60000,
		PollIntervalMs:       1000,
		OrderCheckIntervalMs: 2000,
		ProductType:          "USDT-FUTURES",
		MarginMode:           "crossed",
		MarginCoin:           "USDT",
		Leverage:             10,
		Direction:            core.DirectionLong,
	}

	switch kind {
	case core.StrategyScalping:
		cfg.MaxPendingOrders = 200
		cfg.MergeThreshold = 21
	case core.StrategyGrid:
		cfg.GridCount = 20
		cfg.GridType = "arithmetic"
	}

	return cfg
}

// NewStrategyConfig builds a config from defaults plus JSON-style overrides
// and validates the result.
func NewStrategyConfig(kind core.StrategyKind, overrides map[string]interface{}) (*StrategyConfig, error) {
	cfg := DefaultStrategyConfig(kind)
	if err := cfg.applyOverrides(overrides); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides merges the given keys onto the config via a JSON round
// trip, so numeric and string forms both land in decimal fields.
func (c *StrategyConfig) applyOverrides(overrides map[string]interface{}) error {
	if len(overrides) == 0 {
		return nil
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfigInvalid, err)
	}
	return nil
}

// Clone returns a deep copy.
func (c *StrategyConfig) Clone() *StrategyConfig {
	cp := *c
	return &cp
}

// Update applies a partial override set to a copy, rejecting immutable keys
// whose value would change, and re-validates. The receiver is untouched on
// any failure.
func (c *StrategyConfig) Update(partial map[string]interface{}) (*StrategyConfig, error) {
	for key, get := range immutableKeys {
		v, present := partial[key]
		if !present {
			continue
		}
		if fmt.Sprintf("%v", v) != get(c) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrConfigImmutableKey, key)
		}
	}

	next := c.Clone()
	if err := next.applyOverrides(partial); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Validate checks every rule the engines rely on. The first violation is
// returned.
func (c *StrategyConfig) Validate() error {
	if c.Symbol == "" {
		return ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if c.StrategyType != core.StrategyScalping && c.StrategyType != core.StrategyGrid {
		return ValidationError{Field: "strategyType", Value: c.StrategyType, Message: "must be scalping or grid"}
	}
	if c.TradingType != core.TradingDerivatives && c.TradingType != core.TradingSpot {
		return ValidationError{Field: "tradingType", Value: c.TradingType, Message: "must be derivatives or spot"}
	}
	if !c.Notional.IsPositive() {
		return ValidationError{Field: "notional", Value: c.Notional, Message: "must be positive"}
	}
	if !c.MaxPosition.IsPositive() {
		return ValidationError{Field: "maxPosition", Value: c.MaxPosition, Message: "must be positive"}
	}
	if c.TradingType == core.TradingDerivatives {
		if c.Leverage < 1 || c.Leverage > 125 {
			return ValidationError{Field: "leverage", Value: c.Leverage, Message: "must be in [1, 125]"}
		}
	}
	if c.PollIntervalMs < 200 {
		return ValidationError{Field: "pollIntervalMs", Value: c.PollIntervalMs, Message: "must be >= 200"}
	}
	if c.OrderCheckIntervalMs < 500 {
		return ValidationError{Field: "orderCheckIntervalMs", Value: c.OrderCheckIntervalMs, Message: "must be >= 500"}
	}
	if !c.MaxDrawdownPercent.IsPositive() || c.MaxDrawdownPercent.GreaterThan(decimal.NewFromInt(100)) {
		return ValidationError{Field: "maxDrawdownPercent", Value: c.MaxDrawdownPercent, Message: "must be in (0, 100]"}
	}
	if c.CooldownMs < 0 {
		return ValidationError{Field: "cooldownMs", Value: c.CooldownMs, Message: "must be >= 0"}
	}
	if c.PricePlace < 0 || c.PricePlace > 8 {
		return ValidationError{Field: "pricePlace", Value: c.PricePlace, Message: "must be in [0, 8]"}
	}
	if c.VolumePlace < 0 || c.VolumePlace > 8 {
		return ValidationError{Field: "volumePlace", Value: c.VolumePlace, Message: "must be in [0, 8]"}
	}

	switch c.StrategyType {
	case core.StrategyScalping:
		if !c.PriceSpread.IsPositive() {
			return ValidationError{Field: "priceSpread", Value: c.PriceSpread, Message: "must be positive"}
		}
		if c.MaxPendingOrders < 1 || c.MaxPendingOrders > 500 {
			return ValidationError{Field: "maxPendingOrders", Value: c.MaxPendingOrders, Message: "must be in [1, 500]"}
		}
		if c.MergeThreshold < 2 || c.MergeThreshold > c.MaxPendingOrders {
			return ValidationError{Field: "mergeThreshold", Value: c.MergeThreshold, Message: "must be in [2, maxPendingOrders]"}
		}
	case core.StrategyGrid:
		if c.GridCount < 2 || c.GridCount > 200 {
			return ValidationError{Field: "gridCount", Value: c.GridCount, Message: "must be in [2, 200]"}
		}
		if c.GridType != "arithmetic" && c.GridType != "geometric" {
			return ValidationError{Field: "gridType", Value: c.GridType, Message: "must be arithmetic or geometric"}
		}
		if !c.UpperPrice.IsZero() && !c.LowerPrice.IsZero() && !c.UpperPrice.GreaterThan(c.LowerPrice) {
			return fmt.Errorf("%w: upperPrice %s must exceed lowerPrice %s",
				apperrors.ErrGridConfigInvalid, c.UpperPrice, c.LowerPrice)
		}
	}

	return nil
}

// ValidateGridBounds enforces the stricter start-time grid rule: both bounds
// positive and upper strictly above lower.
func (c *StrategyConfig) ValidateGridBounds() error {
	if !c.LowerPrice.IsPositive() || !c.UpperPrice.IsPositive() {
		return fmt.Errorf("%w: bounds must be positive, got [%s, %s]",
			apperrors.ErrGridConfigInvalid, c.LowerPrice, c.UpperPrice)
	}
	if !c.UpperPrice.GreaterThan(c.LowerPrice) {
		return fmt.Errorf("%w: upperPrice %s must exceed lowerPrice %s",
			apperrors.ErrGridConfigInvalid, c.UpperPrice, c.LowerPrice)
	}
	return nil
}

// IsDerivatives reports whether the config targets the futures venue family.
func (c *StrategyConfig) IsDerivatives() bool {
	return c.TradingType == core.TradingDerivatives
}

// VenueCode is the value persisted with orders: the derivatives product type
// or "SPOT".
func (c *StrategyConfig) VenueCode() string {
	if c.IsDerivatives() {
		return c.ProductType
	}
	return "SPOT"
}
