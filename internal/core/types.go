package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind identifies which engine a config or order belongs to.
type StrategyKind string

const (
	StrategyScalping StrategyKind = "scalping"
	StrategyGrid     StrategyKind = "grid"
)

// TradingType selects the venue family an engine trades on.
type TradingType string

const (
	TradingDerivatives TradingType = "derivatives"
	TradingSpot        TradingType = "spot"
)

// HoldMode is the derivatives position mode of the account.
type HoldMode string

const (
	HoldModeSingle HoldMode = "single_hold"
	HoldModeDouble HoldMode = "double_hold"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Force is the time-in-force of a limit order.
type Force string

const (
	ForceGTC      Force = "gtc"
	ForcePostOnly Force = "post_only"
)

// TradeSide is the derivatives open/close flag sent in double hold mode.
// Empty means the flag is omitted from the request.
type TradeSide string

const (
	TradeSideNone  TradeSide = ""
	TradeSideOpen  TradeSide = "open"
	TradeSideClose TradeSide = "close"
)

// Direction is the derivatives position direction of a strategy.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// OrderStatus is the local lifecycle status of a tracked order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// ExchangeOrderState is the canonical venue-side order state after mapping.
type ExchangeOrderState string

const (
	StateLive            ExchangeOrderState = "live"
	StatePartiallyFilled ExchangeOrderState = "partially_filled"
	StateFilled          ExchangeOrderState = "filled"
	StateCancelled       ExchangeOrderState = "cancelled"
	StateUnknown         ExchangeOrderState = "unknown"
)

// MapOrderState normalizes a raw venue order state string.
func MapOrderState(raw string) ExchangeOrderState {
	switch raw {
	case "live", "new":
		return StateLive
	case "partially_filled":
		return StatePartiallyFilled
	case "filled":
		return StateFilled
	case "cancelled", "canceled":
		return StateCancelled
	default:
		return StateUnknown
	}
}

// TrackedOrder is the engine's local record of an order it placed.
type TrackedOrder struct {
	OrderID       string          `json:"orderId"`
	ClientOid     string          `json:"clientOid"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Status        OrderStatus     `json:"status"`
	LinkedOrderID string          `json:"linkedOrderId,omitempty"`
	Direction     Direction       `json:"direction,omitempty"`
	CreatedAt     int64           `json:"createdAt"`
	FilledAt      int64           `json:"filledAt,omitempty"`
}

// Notional returns price*size in quote currency.
func (o *TrackedOrder) Notional() decimal.Decimal {
	return o.Price.Mul(o.Size)
}

// AgeMs returns how long the order has existed, in milliseconds.
func (o *TrackedOrder) AgeMs(now int64) int64 {
	return now - o.CreatedAt
}

// OrderRequest is a venue-neutral order placement request. Venue constants
// (productType, marginMode, marginCoin) are supplied by the adapter.
type OrderRequest struct {
	Symbol    string
	Side      Side
	OrderType OrderType
	Price     decimal.Decimal // ignored for market orders
	Size      decimal.Decimal
	Force     Force // defaults to gtc when empty
	ClientOid string
	TradeSide TradeSide // derivatives double hold only
}

// OrderAck is the venue's acknowledgment of a placed order.
type OrderAck struct {
	OrderID   string
	ClientOid string
}

// ExchangeOrder is a venue-side order row from a pending list or detail
// lookup.
type ExchangeOrder struct {
	OrderID    string
	ClientOid  string
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
	State      ExchangeOrderState
	CreatedAt  int64
	UpdatedAt  int64
}

// BatchCancelFailure is one order the venue refused to cancel.
type BatchCancelFailure struct {
	OrderID string
	Code    string
	Msg     string
}

// BatchCancelResult partitions a batch cancel into per-order outcomes.
type BatchCancelResult struct {
	Succeeded []string
	Failed    []BatchCancelFailure
}

// Ticker is a venue ticker snapshot.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	High24h   decimal.Decimal
	Low24h    decimal.Decimal
	Ts        int64
}

// Range24h returns high24h - low24h.
func (t *Ticker) Range24h() decimal.Decimal {
	return t.High24h.Sub(t.Low24h)
}

// AccountEquity is an account snapshot in quote currency.
type AccountEquity struct {
	Equity       decimal.Decimal
	Available    decimal.Decimal
	UnrealizedPL decimal.Decimal
}

// InstrumentSpec carries the trading rules of one instrument on one venue
// family.
type InstrumentSpec struct {
	Symbol         string          `json:"symbol"`
	TradingType    TradingType     `json:"tradingType"`
	BaseCoin       string          `json:"baseCoin"`
	QuoteCoin      string          `json:"quoteCoin"`
	PricePlace     int             `json:"pricePlace"`
	VolumePlace    int             `json:"volumePlace"`
	MinTradeNum    decimal.Decimal `json:"minTradeNum"`
	SizeMultiplier decimal.Decimal `json:"sizeMultiplier"`
	MakerFeeRate   decimal.Decimal `json:"makerFeeRate"`
	TakerFeeRate   decimal.Decimal `json:"takerFeeRate"`
	Status         string          `json:"status"`
	FetchedAt      int64           `json:"fetchedAt"`
}

// TickSize returns the smallest price increment of the instrument.
func (s *InstrumentSpec) TickSize() decimal.Decimal {
	return decimal.New(1, -int32(s.PricePlace))
}

// EngineStatus is the lifecycle state of a strategy engine.
type EngineStatus string

const (
	EngineStopped  EngineStatus = "STOPPED"
	EngineStarting EngineStatus = "STARTING"
	EngineRunning  EngineStatus = "RUNNING"
	EngineStopping EngineStatus = "STOPPING"
	EngineError    EngineStatus = "ERROR"
)

// RiskSnapshot is the risk controller's view exposed through engine state.
type RiskSnapshot struct {
	PeakEquity     decimal.Decimal `json:"peakEquity"`
	CurrentEquity  decimal.Decimal `json:"currentEquity"`
	DailyPnl       decimal.Decimal `json:"dailyPnl"`
	DailyDate      string          `json:"dailyDate"`
	CoolingUntil   int64           `json:"coolingUntil,omitempty"`
	LastDenyReason string          `json:"lastDenyReason,omitempty"`
}

// GridLevelView is a read-only projection of one grid level for state output.
type GridLevelView struct {
	Index       int             `json:"index"`
	Price       decimal.Decimal `json:"price"`
	State       string          `json:"state"`
	BuyOrderID  string          `json:"buyOrderId,omitempty"`
	SellOrderID string          `json:"sellOrderId,omitempty"`
	Size        decimal.Decimal `json:"size,omitempty"`
}

// StrategyState is the canonical status snapshot of the running (or last)
// strategy instance.
type StrategyState struct {
	InstanceID       string          `json:"instanceId"`
	StrategyType     StrategyKind    `json:"strategyType"`
	TradingType      TradingType     `json:"tradingType"`
	Symbol           string          `json:"symbol"`
	Status           EngineStatus    `json:"status"`
	StartedAt        int64           `json:"startedAt,omitempty"`
	RealizedPnl      decimal.Decimal `json:"realizedPnl"`
	DailyPnl         decimal.Decimal `json:"dailyPnl"`
	TotalTrades      int             `json:"totalTrades"`
	WinTrades        int             `json:"winTrades"`
	LossTrades       int             `json:"lossTrades"`
	ActiveBuyOrderID string          `json:"activeBuyOrderId,omitempty"`
	PendingSells     int             `json:"pendingSells"`
	PositionNotional decimal.Decimal `json:"positionNotional"`
	ConsecutiveErrs  int             `json:"consecutiveErrors"`
	LastError        string          `json:"lastError,omitempty"`
	HoldMode         HoldMode        `json:"holdMode,omitempty"`
	Risk             RiskSnapshot    `json:"risk"`
	GridLevels       []GridLevelView `json:"gridLevels,omitempty"`
}

// NowMs returns the current wall clock in epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
