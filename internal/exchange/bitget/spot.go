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

// SpotAdapter implements the capability trio against the Bitget spot
// endpoints. Derivatives-only request fields (tradeSide, margin constants)
// are ignored; equity equals available balance and unrealized PnL is zero.
type SpotAdapter struct {
	client    *Client
	logger    core.ILogger
	quoteCoin string
}

func NewSpotAdapter(client *Client, logger core.ILogger) *SpotAdapter {
	return &SpotAdapter{
		client:    client,
		logger:    logger.WithField("component", "bitget_spot"),
		quoteCoin: "USDT",
	}
}

func (a *SpotAdapter) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderAck, error) {
	force := req.Force
	if force == "" {
		force = core.ForceGTC
	}

	body := map[string]interface{}{
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(req.OrderType),
		"size":      req.Size.String(),
	}
	if req.OrderType != core.OrderTypeMarket {
		body["price"] = req.Price.String()
		body["force"] = string(force)
	}
	if req.ClientOid != "" {
		body["clientOid"] = req.ClientOid
	}

	data, err := a.client.Post(ctx, "/api/v2/spot/trade/place-order", body)
	if err != nil {
		return nil, err
	}

	var ack ackRow
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("decoding place-order ack: %w", err)
	}
	return &core.OrderAck{OrderID: ack.OrderID, ClientOid: ack.ClientOid}, nil
}

func (a *SpotAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"symbol":  symbol,
		"orderId": orderID,
	}

	_, err := a.client.Post(ctx, "/api/v2/spot/trade/cancel-order", body)
	if errors.Is(err, apperrors.ErrOrderNotFound) {
		return nil
	}
	return err
}

// BatchCancelOrders uses the spot batch endpoint, degrading to per-order
// cancellation for the chunk when the batch call itself fails.
func (a *SpotAdapter) BatchCancelOrders(ctx context.Context, symbol string, orderIDs []string) (*core.BatchCancelResult, error) {
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
			"symbol":    symbol,
			"batchMode": "single",
			"orderList": idList,
		}

		data, err := a.client.Post(ctx, "/api/v2/spot/trade/batch-cancel-order", body)
		if err != nil {
			a.logger.Warn("Batch cancel failed, falling back to per-order cancel",
				"symbol", symbol, "orders", len(chunk), "error", err)
			a.cancelOneByOne(ctx, symbol, chunk, result)
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

func (a *SpotAdapter) cancelOneByOne(ctx context.Context, symbol string, orderIDs []string, result *core.BatchCancelResult) {
	for _, id := range orderIDs {
		if err := a.CancelOrder(ctx, symbol, id); err != nil {
			result.Failed = append(result.Failed, core.BatchCancelFailure{
				OrderID: id,
				Code:    apperrors.ExchangeCode(err),
				Msg:     err.Error(),
			})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
}

func (a *SpotAdapter) GetPendingOrders(ctx context.Context, symbol string) ([]core.ExchangeOrder, error) {
	data, err := a.client.Get(ctx, "/api/v2/spot/trade/unfilled-orders", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, err
	}

	var rows []orderRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding pending orders: %w", err)
	}

	orders := make([]core.ExchangeOrder, 0, len(rows))
	for i := range rows {
		orders = append(orders, rows[i].toExchangeOrder())
	}
	return orders, nil
}

func (a *SpotAdapter) GetOrderDetail(ctx context.Context, symbol, orderID string) (*core.ExchangeOrder, error) {
	data, err := a.client.Get(ctx, "/api/v2/spot/trade/orderInfo", map[string]string{
		"orderId": orderID,
	})
	if err != nil {
		return nil, err
	}

	// The spot detail endpoint returns a single-element array.
	var rows []orderRow
	if err := json.Unmarshal(data, &rows); err != nil {
		var row orderRow
		if err2 := json.Unmarshal(data, &row); err2 != nil {
			return nil, fmt.Errorf("decoding order detail: %w", err)
		}
		rows = []orderRow{row}
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	order := rows[0].toExchangeOrder()
	return &order, nil
}

func (a *SpotAdapter) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	data, err := a.client.Get(ctx, "/api/v2/spot/market/tickers", map[string]string{
		"symbol": symbol,
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

// GetBestBid derives the bid from the ticker row; spot has no depth-1
// endpoint cheap enough to poll.
func (a *SpotAdapter) GetBestBid(ctx context.Context, symbol string) (decimal.Decimal, error) {
	t, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if t.BestBid.IsZero() {
		return t.LastPrice, nil
	}
	return t.BestBid, nil
}

func (a *SpotAdapter) GetBestAsk(ctx context.Context, symbol string) (decimal.Decimal, error) {
	t, err := a.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if t.BestAsk.IsZero() {
		return t.LastPrice, nil
	}
	return t.BestAsk, nil
}

func (a *SpotAdapter) GetAvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := a.client.Get(ctx, "/api/v2/spot/account/assets", map[string]string{
		"coin": a.quoteCoin,
	})
	if err != nil {
		return decimal.Zero, err
	}

	var rows []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return decimal.Zero, fmt.Errorf("decoding assets: %w", err)
	}
	for _, row := range rows {
		if row.Coin == a.quoteCoin {
			available, _ := decimal.NewFromString(row.Available)
			return available, nil
		}
	}
	return decimal.Zero, nil
}

func (a *SpotAdapter) GetAccountEquity(ctx context.Context) (*core.AccountEquity, error) {
	available, err := a.GetAvailableBalance(ctx)
	if err != nil {
		return nil, err
	}
	return &core.AccountEquity{
		Equity:       available,
		Available:    available,
		UnrealizedPL: decimal.Zero,
	}, nil
}

// ListSpotSpecs fetches the public symbols table. Tier-3 source of the
// instrument cache for the spot family.
func (a *SpotAdapter) ListSpotSpecs(ctx context.Context) ([]core.InstrumentSpec, error) {
	data, err := a.client.Get(ctx, "/api/v2/spot/public/symbols", nil)
	if err != nil {
		return nil, err
	}

	var rows []spotSymbolRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding symbols: %w", err)
	}

	now := core.NowMs()
	specs := make([]core.InstrumentSpec, 0, len(rows))
	for i := range rows {
		specs = append(specs, rows[i].toSpec(now))
	}
	return specs, nil
}
