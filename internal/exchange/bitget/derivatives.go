package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"auto_trader/internal/core"
	apperrors "auto_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

const batchCancelChunk = 50

// DerivativesAdapter implements the order, market-data and account
// capabilities against the Bitget mix (USDT futures) endpoints. The venue
// constants are injected at construction and attached to every request.
type DerivativesAdapter struct {
	client      *Client
	logger      core.ILogger
	productType string
	marginMode  string
	marginCoin  string
}

// NewDerivativesAdapter creates a derivatives adapter with the given venue
// constants. Empty values fall back to USDT-FUTURES / crossed / USDT.
func NewDerivativesAdapter(client *Client, logger core.ILogger, productType, marginMode, marginCoin string) *DerivativesAdapter {
	if productType == "" {
		productType = "USDT-FUTURES"
	}
	if marginMode == "" {
		marginMode = "crossed"
	}
	if marginCoin == "" {
		marginCoin = "USDT"
	}
	return &DerivativesAdapter{
		client:      client,
		logger:      logger.WithField("component", "bitget_derivatives"),
		productType: productType,
		marginMode:  marginMode,
		marginCoin:  marginCoin,
	}
}

func (a *DerivativesAdapter) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderAck, error) {
	force := req.Force
	if force == "" {
		force = core.ForceGTC
	}

	body := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": a.productType,
		"marginMode":  a.marginMode,
		"marginCoin":  a.marginCoin,
		"side":        string(req.Side),
		"orderType":   string(req.OrderType),
		"size":        req.Size.String(),
	}
	if req.OrderType != core.OrderTypeMarket {
		body["price"] = req.Price.String()
		body["force"] = string(force)
	}
	if req.ClientOid != "" {
		body["clientOid"] = req.ClientOid
	}
	if req.TradeSide != core.TradeSideNone {
		body["tradeSide"] = string(req.TradeSide)
	}

	data, err := a.client.Post(ctx, "/api/v2/mix/order/place-order", body)
	if err != nil {
		return nil, err
	}

	var ack ackRow
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("decoding place-order ack: %w", err)
	}
	return &core.OrderAck{OrderID: ack.OrderID, ClientOid: ack.ClientOid}, nil
}

func (a *DerivativesAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"symbol":      symbol,
		"productType": a.productType,
		"marginCoin":  a.marginCoin,
		"orderId":     orderID,
	}

	_, err := a.client.Post(ctx, "/api/v2/mix/order/cancel-order", body)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		// Already gone; the reconciler will pick up the terminal state.
		return nil
	}
	return err
}

func (a *DerivativesAdapter) BatchCancelOrders(ctx context.Context, symbol string, orderIDs []string) (*core.BatchCancelResult, error) {
	result := &core.BatchCancelResult{}
	if len(orderIDs) == 0 {
		return result, nil
	}

	for i := 0; i < len(orderIDs); i += batchCancelChunk {
		end := i + batchCancelChunk
		if end > len(orderIDs) {
			end = len(orderIDs)
		}
		chunk := orderIDs[i:end]

		idList := make([]map[string]string, len(chunk))
		for j, id := range chunk {
			idList[j] = map[string]string{"orderId": id}
		}

		body := map[string]interface{}{
			"symbol":      symbol,
			"productType": a.productType,
			"marginCoin":  a.marginCoin,
			"orderIdList": idList,
		}

		data, err := a.client.Post(ctx, "/api/v2/mix/order/batch-cancel-orders", body)
		if err != nil {
			// A failed chunk reports every order in it as failed; later
			// chunks are still attempted.
			for _, id := range chunk {
				result.Failed = append(result.Failed, core.BatchCancelFailure{
					OrderID: id,
					Code:    apperrors.ExchangeCode(err),
					Msg:     err.Error(),
				})
			}
			continue
		}

		var row batchCancelRow
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("decoding batch-cancel result: %w", err)
		}
		chunkResult := row.toResult()
		result.Succeeded = append(result.Succeeded, chunkResult.Succeeded...)
		result.Failed = append(result.Failed, chunkResult.Failed...)
	}

	return result, nil
}

func (a *DerivativesAdapter) GetPendingOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	data, err := a.client.Get(ctx, "/api/v2/mix/order/orders-pending", map[string]string{
		"productType": a.productType,
		"symbol":      symbol,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		EntrustedList []orderRow `json:"entrustedList"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decoding pending orders: %w", err)
	}

	orders := make([]core.ExchangeOrder, 0, len(payload.EntrustedList))
	for i := range payload.EntrustedList {
		orders = append(orders, payload.EntrustedList[i].toExchangeOrder())
	}
	return orders, nil
}

func (a *DerivativesAdapter) GetOrderDetail(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	data, err := a.client.Get(ctx, "/api/v2/mix/order/detail", map[string]string{
		"symbol":      symbol,
		"productType": a.productType,
		"orderId":     orderID,
	})
	if err != nil {
		return nil, err
	}

	var row orderRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decoding order detail: %w", err)
	}
	order := row.toExchangeOrder()
	return &order, nil
}

func (a *DerivativesAdapter) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	data, err := a.client.Get(ctx, "/api/v2/mix/market/ticker", map[string]string{
		"symbol":      symbol,
		"productType": a.productType,
	})
	if err != nil {
		return nil, err
	}

	var rows []tickerRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding ticker: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no ticker for %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return rows[0].toTicker(), nil
}

// GetBestBid reads the top of book from the merge-depth endpoint at depth 1.
func (a *DerivativesAdapter) GetBestBid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	bid, _, err := a.topOfBook(ctx, symbol)
	return bid, err
}

func (a *DerivativesAdapter) GetBestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	_, ask, err := a.topOfBook(ctx, symbol)
	return ask, err
}

func (a *DerivativesAdapter) topOfBook(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error) {
	data, err := a.client.Get(ctx, "/api/v2/mix/market/merge-depth", map[string]string{
		"symbol":      symbol,
		"productType": a.productType,
		"limit":       "1",
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var book struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &book); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("decoding depth: %w", err)
	}
	if len(book.Bids) == 0 || len(book.Bids[0]) == 0 || len(book.Asks) == 0 || len(book.Asks[0]) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("empty order book for %s", symbol)
	}

	bid, err = decimal.NewFromString(book.Bids[0][0])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parsing best bid: %w", err)
	}
	ask, err = decimal.NewFromString(book.Asks[0][0])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parsing best ask: %w", err)
	}
	return bid, ask, nil
}

func (a *DerivativesAdapter) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	acct, err := a.GetAccountEquity(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Available, nil
}

func (a *DerivativesAdapter) GetAccountEquity(ctx context.Context) (*core.AccountEquity, error) {
	row, err := a.accountRow(ctx)
	if err != nil {
		return nil, err
	}

	equity, _ := decimal.NewFromString(row.AccountEquity)
	available, _ := decimal.NewFromString(row.Available)
	upl, _ := decimal.NewFromString(row.UnrealizedPL)

	return &core.AccountEquity{
		Equity:       equity,
		Available:    available,
		UnrealizedPL: upl,
	}, nil
}

// DetectHoldMode reads posMode from the account endpoint. Callers default to
// double_hold when this fails.
func (a *DerivativesAdapter) DetectHoldMode(ctx context.Context) (core.HoldMode, error) {
	row, err := a.accountRow(ctx)
	if err != nil {
		return "", err
	}

	switch row.PosMode {
	case "one_way_mode":
		return core.HoldModeSingle, nil
	case "hedge_mode":
		return core.HoldModeDouble, nil
	default:
		return "", fmt.Errorf("unknown posMode %q", row.PosMode)
	}
}

type mixAccountRow struct {
	AccountEquity string `json:"accountEquity"`
	Available     string `json:"available"`
	UnrealizedPL  string `json:"unrealizedPL"`
	PosMode       string `json:"posMode"`
}

func (a *DerivativesAdapter) accountRow(ctx context.Context) (*mixAccountRow, error) {
	data, err := a.client.Get(ctx, "/api/v2/mix/account/account", map[string]string{
		"productType": a.productType,
		"marginCoin":  a.marginCoin,
		"symbol":      "BTCUSDT",
	})
	if err != nil {
		return nil, err
	}

	var row mixAccountRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decoding account: %w", err)
	}
	return &row, nil
}

// ListContractSpecs fetches the public contracts table for the product type.
// Used by the instrument cache as its tier-3 source.
func (a *DerivativesAdapter) ListContractSpecs(ctx context.Context) ([]core.InstrumentSpec, error) {
	data, err := a.client.Get(ctx, "/api/v2/mix/market/contracts", map[string]string{
		"productType": a.productType,
	})
	if err != nil {
		return nil, err
	}

	var rows []contractRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding contracts: %w", err)
	}

	now := core.NowMs()
	specs := make([]core.InstrumentSpec, 0, len(rows))
	for i := range rows {
		specs = append(specs, rows[i].toSpec(now))
	}
	return specs, nil
}
