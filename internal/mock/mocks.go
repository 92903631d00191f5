// Package mock provides hand-written stateful test doubles for the core
// capability interfaces.
package mock

import (
	"context"
	"fmt"
	"sync"

	"auto_trader/internal/core"

	"github.com/shopspring/decimal"
)

// NopLogger discards everything. Implements core.ILogger.
type NopLogger struct{}

func (NopLogger) Debug(msg string, fields ...interface{})          {}
func (NopLogger) Info(msg string, fields ...interface{})           {}
func (NopLogger) Warn(msg string, fields ...interface{})           {}
func (NopLogger) Error(msg string, fields ...interface{})          {}
func (NopLogger) Fatal(msg string, fields ...interface{})          {}
func (n NopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n NopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

// MockOrderService implements core.OrderService with an in-memory order book.
// Market orders fill instantly; limit orders stay live until FillOrder or a
// cancel. Error hooks let tests inject venue failures per call.
type MockOrderService struct {
	mu     sync.Mutex
	seq    int
	orders map[string]*core.ExchangeOrder
	placed []core.OrderRequest

	PlaceErr  error
	CancelErr error
	ListErr   error
	DetailErr error
	// PlaceHook, when set, runs before default placement and may override
	// the ack entirely.
	PlaceHook func(req *core.OrderRequest) (*core.OrderAck, error)
}

func NewMockOrderService() *MockOrderService {
	return &MockOrderService{orders: make(map[string]*core.ExchangeOrder)}
}

func (m *MockOrderService) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PlaceHook != nil {
		return m.PlaceHook(req)
	}
	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}

	m.seq++
	id := fmt.Sprintf("mock-%d", m.seq)
	state := core.StateLive
	filled := decimal.Zero
	if req.OrderType == core.OrderTypeMarket {
		state = core.StateFilled
		filled = req.Size
	}
	m.orders[id] = &core.ExchangeOrder{
		OrderID:    id,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Price:      req.Price,
		Size:       req.Size,
		FilledSize: filled,
		State:      state,
		CreatedAt:  core.NowMs(),
	}
	m.placed = append(m.placed, *req)
	return &core.OrderAck{OrderID: id, ClientOid: req.ClientOid}, nil
}

func (m *MockOrderService) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	if o, ok := m.orders[orderID]; ok && o.State == core.StateLive {
		o.State = core.StateCancelled
	}
	return nil
}

func (m *MockOrderService) BatchCancelOrders(ctx context.Context, symbol string, orderIDs []string) (*core.BatchCancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &core.BatchCancelResult{}
	for _, id := range orderIDs {
		if o, ok := m.orders[id]; ok && o.State == core.StateLive {
			o.State = core.StateCancelled
			res.Succeeded = append(res.Succeeded, id)
		} else {
			res.Failed = append(res.Failed, core.BatchCancelFailure{OrderID: id, Code: "40029", Msg: "order not found"})
		}
	}
	return res, nil
}

func (m *MockOrderService) GetPendingOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []core.ExchangeOrder
	for _, o := range m.orders {
		if o.State == core.StateLive || o.State == core.StatePartiallyFilled {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MockOrderService) GetOrderDetail(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DetailErr != nil {
		return nil, m.DetailErr
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("mock: order %s not found", orderID)
	}
	cp := *o
	return &cp, nil
}

// FillOrder transitions a live order to filled.
func (m *MockOrderService) FillOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.State = core.StateFilled
		o.FilledSize = o.Size
	}
}

// CancelOnVenue marks an order cancelled without going through CancelOrder,
// simulating an out-of-band venue cancel.
func (m *MockOrderService) CancelOnVenue(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.State = core.StateCancelled
	}
}

// Placed returns a copy of every request accepted so far.
func (m *MockOrderService) Placed() []core.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.OrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

// LastOrderID returns the id assigned to the most recent placement.
func (m *MockOrderService) LastOrderID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("mock-%d", m.seq)
}

// MockMarketDataService serves settable quotes.
type MockMarketDataService struct {
	mu     sync.Mutex
	Ticker core.Ticker
	Bid    decimal.Decimal
	Ask    decimal.Decimal

	TickerErr error
}

func (m *MockMarketDataService) SetQuotes(last, bid, ask string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ticker.LastPrice = decimal.RequireFromString(last)
	m.Ticker.BestBid = decimal.RequireFromString(bid)
	m.Ticker.BestAsk = decimal.RequireFromString(ask)
	m.Bid = m.Ticker.BestBid
	m.Ask = m.Ticker.BestAsk
}

func (m *MockMarketDataService) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TickerErr != nil {
		return nil, m.TickerErr
	}
	t := m.Ticker
	t.Symbol = symbol
	return &t, nil
}

func (m *MockMarketDataService) GetBestBid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Bid, nil
}

func (m *MockMarketDataService) GetBestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Ask, nil
}

// MockAccountService serves a settable equity snapshot.
type MockAccountService struct {
	mu        sync.Mutex
	Available decimal.Decimal
	Equity    core.AccountEquity

	EquityErr error
}

func (m *MockAccountService) SetEquity(equity, available, upl string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Equity.Equity = decimal.RequireFromString(equity)
	m.Equity.Available = decimal.RequireFromString(available)
	m.Equity.UnrealizedPL = decimal.RequireFromString(upl)
	m.Available = m.Equity.Available
}

func (m *MockAccountService) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Available, nil
}

func (m *MockAccountService) GetAccountEquity(ctx context.Context) (*core.AccountEquity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EquityErr != nil {
		return nil, m.EquityErr
	}
	e := m.Equity
	return &e, nil
}

// MockSpecSource resolves specs from a fixed map.
type MockSpecSource struct {
	Specs map[string]*core.InstrumentSpec
}

func NewMockSpecSource(specs ...*core.InstrumentSpec) *MockSpecSource {
	m := &MockSpecSource{Specs: make(map[string]*core.InstrumentSpec)}
	for _, s := range specs {
		m.Specs[s.Symbol] = s
	}
	return m
}

func (m *MockSpecSource) GetSpec(ctx context.Context, symbol string, tradingType core.TradingType) (*core.InstrumentSpec, error) {
	if s, ok := m.Specs[symbol]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("mock: no spec for %s", symbol)
}

func (m *MockSpecSource) RefreshSpec(ctx context.Context, symbol string, tradingType core.TradingType) (*core.InstrumentSpec, error) {
	return m.GetSpec(ctx, symbol, tradingType)
}

// PnlRecord is one PersistRealizedPnl call.
type PnlRecord struct {
	Net   decimal.Decimal
	Fee   decimal.Decimal
	IsWin bool
	Kind  core.StrategyKind
}

// MockPersistence records every call for assertion and serves pending orders
// for recovery tests.
type MockPersistence struct {
	mu            sync.Mutex
	Inserted      []core.TrackedOrder
	StatusChanges map[string]core.OrderStatus
	Pnl           []PnlRecord
	GridLevels    []core.GridLevelView
	Pending       []core.TrackedOrder
	PendingErr    error
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{StatusChanges: make(map[string]core.OrderStatus)}
}

func (m *MockPersistence) PersistNewOrder(order *core.TrackedOrder, meta core.OrderMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inserted = append(m.Inserted, *order)
}

func (m *MockPersistence) PersistOrderStatusChange(orderID string, status core.OrderStatus, filledAt int64, linkedOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusChanges[orderID] = status
}

func (m *MockPersistence) PersistRealizedPnl(net, fee decimal.Decimal, isWin bool, kind core.StrategyKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pnl = append(m.Pnl, PnlRecord{Net: net, Fee: fee, IsWin: isWin, Kind: kind})
}

func (m *MockPersistence) PersistGridLevel(instanceID string, level core.GridLevelView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GridLevels = append(m.GridLevels, level)
}

func (m *MockPersistence) LoadPendingOrders(ctx context.Context, symbol, venueCode string) ([]core.TrackedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PendingErr != nil {
		return nil, m.PendingErr
	}
	out := make([]core.TrackedOrder, len(m.Pending))
	copy(out, m.Pending)
	return out, nil
}

// RealizedNet sums recorded net pnl.
func (m *MockPersistence) RealizedNet() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, rec := range m.Pnl {
		total = total.Add(rec.Net)
	}
	return total
}
