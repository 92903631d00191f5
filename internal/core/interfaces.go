// Package core defines the domain types and capability interfaces shared by
// the trading engines, the exchange adapters and the persistence layer.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// OrderService covers the order operations an engine needs on one venue
// family.
type OrderService interface {
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// BatchCancelOrders cancels up to 50 orders per venue call; larger input
	// is chunked by the adapter.
	BatchCancelOrders(ctx context.Context, symbol string, orderIDs []string) (*BatchCancelResult, error)
	GetPendingOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	GetOrderDetail(ctx context.Context, symbol, orderID string) (*ExchangeOrder, error)
}

// MarketDataService covers the read-only market endpoints an engine polls.
type MarketDataService interface {
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetBestBid(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBestAsk(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// AccountService covers account balance and equity lookups.
type AccountService interface {
	GetAvailableBalance(ctx context.Context) (decimal.Decimal, error)
	GetAccountEquity(ctx context.Context) (*AccountEquity, error)
}

// HoldModeDetector reports the account's derivatives position mode. Spot
// adapters do not implement it.
type HoldModeDetector interface {
	DetectHoldMode(ctx context.Context) (HoldMode, error)
}

// TradingServices bundles the per-venue capability trio handed to an engine.
type TradingServices struct {
	Order   OrderService
	Market  MarketDataService
	Account AccountService
}

// SpecSource resolves instrument specs. Implemented by the three-tier
// instrument cache.
type SpecSource interface {
	GetSpec(ctx context.Context, symbol string, tradingType TradingType) (*InstrumentSpec, error)
	RefreshSpec(ctx context.Context, symbol string, tradingType TradingType) (*InstrumentSpec, error)
}

// EventSink receives strategy events as they are recorded. Implementations
// must not block.
type EventSink func(evt StrategyEvent)

// OrderMeta carries the venue context persisted alongside an order.
type OrderMeta struct {
	Symbol       string
	VenueCode    string
	MarginCoin   string
	StrategyType StrategyKind
	TradingType  TradingType
}

// Persistence is the fire-and-forget durable sink used by the engines. The
// Persist* methods never block and never surface failures to the caller;
// the Load* methods are synchronous and used only during start.
type Persistence interface {
	PersistNewOrder(order *TrackedOrder, meta OrderMeta)
	PersistOrderStatusChange(orderID string, status OrderStatus, filledAt int64, linkedOrderID string)
	PersistRealizedPnl(net, fee decimal.Decimal, isWin bool, kind StrategyKind)
	PersistGridLevel(instanceID string, level GridLevelView)
	LoadPendingOrders(ctx context.Context, symbol, venueCode string) ([]TrackedOrder, error)
}
