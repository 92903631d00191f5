// Package exchange wires the venue adapters into the capability trio the
// engines consume.
package exchange

import (
	"context"
	"fmt"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/internal/exchange/bitget"
)

// Factory builds trading services on a shared signed client.
type Factory struct {
	client *bitget.Client
	logger core.ILogger
}

func NewFactory(cfg *config.ExchangeConfig, logger core.ILogger) *Factory {
	return &Factory{
		client: bitget.NewClient(cfg, logger),
		logger: logger,
	}
}

// Services builds the order/market-data/account trio for a strategy config.
// For derivatives the adapter also implements core.HoldModeDetector and is
// returned as the second value; it is nil for spot.
func (f *Factory) Services(cfg *config.StrategyConfig) (*core.TradingServices, core.HoldModeDetector, error) {
	switch cfg.TradingType {
	case core.TradingDerivatives:
		adapter := bitget.NewDerivativesAdapter(f.client, f.logger, cfg.ProductType, cfg.MarginMode, cfg.MarginCoin)
		return &core.TradingServices{
			Order:   adapter,
			Market:  adapter,
			Account: adapter,
		}, adapter, nil
	case core.TradingSpot:
		adapter := bitget.NewSpotAdapter(f.client, f.logger)
		return &core.TradingServices{
			Order:   adapter,
			Market:  adapter,
			Account: adapter,
		}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported trading type: %s", cfg.TradingType)
	}
}

// ListSpecs fetches the public instrument table for a venue family. This is
// the remote tier of the instrument cache.
func (f *Factory) ListSpecs(ctx context.Context, tradingType core.TradingType) ([]core.InstrumentSpec, error) {
	switch tradingType {
	case core.TradingDerivatives:
		return bitget.NewDerivativesAdapter(f.client, f.logger, "", "", "").ListContractSpecs(ctx)
	case core.TradingSpot:
		return bitget.NewSpotAdapter(f.client, f.logger).ListSpotSpecs(ctx)
	default:
		return nil, fmt.Errorf("unsupported trading type: %s", tradingType)
	}
}
