package bitget

import (
	"strconv"

	"auto_trader/internal/core"

	"github.com/shopspring/decimal"
)

// orderRow is the order shape shared by the pending-orders list and the
// order-detail endpoint on both venue families. Field names differ slightly
// between endpoints, so aliases are decoded into the same slot.
type orderRow struct {
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	PriceAvg   string `json:"priceAvg"`
	Size       string `json:"size"`
	BaseVolume string `json:"baseVolume"`
	Status     string `json:"status"`
	State      string `json:"state"`
	CTime      string `json:"cTime"`
	UTime      string `json:"uTime"`
}

func (r *orderRow) toExchangeOrder() core.ExchangeOrder {
	price, _ := decimal.NewFromString(r.Price)
	size, _ := decimal.NewFromString(r.Size)
	filled, _ := decimal.NewFromString(r.BaseVolume)
	avg, _ := decimal.NewFromString(r.PriceAvg)
	ctime, _ := strconv.ParseInt(r.CTime, 10, 64)
	utime, _ := strconv.ParseInt(r.UTime, 10, 64)

	state := r.Status
	if state == "" {
		state = r.State
	}

	side := core.SideBuy
	if r.Side == "sell" {
		side = core.SideSell
	}

	return core.ExchangeOrder{
		OrderID:    r.OrderID,
		ClientOid:  r.ClientOid,
		Symbol:     r.Symbol,
		Side:       side,
		Price:      price,
		Size:       size,
		FilledSize: filled,
		AvgPrice:   avg,
		State:      core.MapOrderState(state),
		CreatedAt:  ctime,
		UpdatedAt:  utime,
	}
}

// ackRow is the place-order acknowledgment.
type ackRow struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

// batchCancelRow is the batch-cancel result payload: per-order success and
// failure partitions.
type batchCancelRow struct {
	SuccessList []struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	} `json:"successList"`
	FailureList []struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
		ErrorCode string `json:"errorCode"`
		ErrorMsg  string `json:"errorMsg"`
	} `json:"failureList"`
}

func (r *batchCancelRow) toResult() *core.BatchCancelResult {
	res := &core.BatchCancelResult{}
	for _, s := range r.SuccessList {
		res.Succeeded = append(res.Succeeded, s.OrderID)
	}
	for _, f := range r.FailureList {
		res.Failed = append(res.Failed, core.BatchCancelFailure{
			OrderID: f.OrderID,
			Code:    f.ErrorCode,
			Msg:     f.ErrorMsg,
		})
	}
	return res
}

// tickerRow is a ticker entry on either family. Spot and mix share the v2
// field names.
type tickerRow struct {
	Symbol  string `json:"symbol"`
	LastPr  string `json:"lastPr"`
	BidPr   string `json:"bidPr"`
	AskPr   string `json:"askPr"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Ts      string `json:"ts"`
}

func (r *tickerRow) toTicker() *core.Ticker {
	last, _ := decimal.NewFromString(r.LastPr)
	bid, _ := decimal.NewFromString(r.BidPr)
	ask, _ := decimal.NewFromString(r.AskPr)
	high, _ := decimal.NewFromString(r.High24h)
	low, _ := decimal.NewFromString(r.Low24h)
	ts, _ := strconv.ParseInt(r.Ts, 10, 64)

	return &core.Ticker{
		Symbol:    r.Symbol,
		LastPrice: last,
		BestBid:   bid,
		BestAsk:   ask,
		High24h:   high,
		Low24h:    low,
		Ts:        ts,
	}
}

// contractRow is one entry from the mix contracts endpoint.
type contractRow struct {
	Symbol         string `json:"symbol"`
	BaseCoin       string `json:"baseCoin"`
	QuoteCoin      string `json:"quoteCoin"`
	PricePlace     string `json:"pricePlace"`
	VolumePlace    string `json:"volumePlace"`
	MinTradeNum    string `json:"minTradeNum"`
	SizeMultiplier string `json:"sizeMultiplier"`
	MakerFeeRate   string `json:"makerFeeRate"`
	TakerFeeRate   string `json:"takerFeeRate"`
	SymbolStatus   string `json:"symbolStatus"`
}

func (r *contractRow) toSpec(fetchedAt int64) core.InstrumentSpec {
	pricePlace, _ := strconv.Atoi(r.PricePlace)
	volumePlace, _ := strconv.Atoi(r.VolumePlace)
	minTradeNum, _ := decimal.NewFromString(r.MinTradeNum)
	sizeMultiplier, _ := decimal.NewFromString(r.SizeMultiplier)
	makerFee, _ := decimal.NewFromString(r.MakerFeeRate)
	takerFee, _ := decimal.NewFromString(r.TakerFeeRate)
	if sizeMultiplier.IsZero() {
		sizeMultiplier = decimal.NewFromInt(1)
	}

	return core.InstrumentSpec{
		Symbol:         r.Symbol,
		TradingType:    core.TradingDerivatives,
		BaseCoin:       r.BaseCoin,
		QuoteCoin:      r.QuoteCoin,
		PricePlace:     pricePlace,
		VolumePlace:    volumePlace,
		MinTradeNum:    minTradeNum,
		SizeMultiplier: sizeMultiplier,
		MakerFeeRate:   makerFee,
		TakerFeeRate:   takerFee,
		Status:         r.SymbolStatus,
		FetchedAt:      fetchedAt,
	}
}

// spotSymbolRow is one entry from the spot public symbols endpoint.
type spotSymbolRow struct {
	Symbol            string `json:"symbol"`
	BaseCoin          string `json:"baseCoin"`
	QuoteCoin         string `json:"quoteCoin"`
	PricePrecision    string `json:"pricePrecision"`
	QuantityPrecision string `json:"quantityPrecision"`
	MinTradeAmount    string `json:"minTradeAmount"`
	MakerFeeRate      string `json:"makerFeeRate"`
	TakerFeeRate      string `json:"takerFeeRate"`
	Status            string `json:"status"`
}

func (r *spotSymbolRow) toSpec(fetchedAt int64) core.InstrumentSpec {
	pricePlace, _ := strconv.Atoi(r.PricePrecision)
	volumePlace, _ := strconv.Atoi(r.QuantityPrecision)
	minTradeNum, _ := decimal.NewFromString(r.MinTradeAmount)
	makerFee, _ := decimal.NewFromString(r.MakerFeeRate)
	takerFee, _ := decimal.NewFromString(r.TakerFeeRate)

	return core.InstrumentSpec{
		Symbol:         r.Symbol,
		TradingType:    core.TradingSpot,
		BaseCoin:       r.BaseCoin,
		QuoteCoin:      r.QuoteCoin,
		PricePlace:     pricePlace,
		VolumePlace:    volumePlace,
		MinTradeNum:    minTradeNum,
		SizeMultiplier: decimal.NewFromInt(1),
		MakerFeeRate:   makerFee,
		TakerFeeRate:   takerFee,
		Status:         r.Status,
		FetchedAt:      fetchedAt,
	}
}
