package grid

import (
	"fmt"
	"sync"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	apperrors "auto_trader/pkg/errors"
	"auto_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Level lifecycle. A rung owns at most one buy and one sell at a time.
const (
	levelEmpty       = "empty"
	levelBuyPending  = "buy_pending"
	levelBuyFilled   = "buy_filled"
	levelSellPending = "sell_pending"
)

type level struct {
	index int
	price decimal.Decimal
	size  decimal.Decimal
	state string

	buyOrderID  string
	sellOrderID string
	// buyPrice is the actual fill price, kept for PnL when the paired
	// sell completes.
	buyPrice decimal.Decimal
}

// ladder is the fixed grid of levels, indexed 0..gridCount from lower to
// upper bound. It is guarded as a unit; the engine never holds the lock
// across exchange calls.
type ladder struct {
	mu      sync.Mutex
	levels  []*level
	spacing decimal.Decimal
	byOrder map[string]*level
}

// buildLadder validates the bounds and materializes gridCount+1 levels.
func buildLadder(cfg *config.StrategyConfig, spec *core.InstrumentSpec) (*ladder, error) {
	if err := cfg.ValidateGridBounds(); err != nil {
		return nil, err
	}
	if cfg.GridCount < 2 {
		return nil, fmt.Errorf("%w: gridCount %d < 2", apperrors.ErrGridConfigInvalid, cfg.GridCount)
	}

	var prices []decimal.Decimal
	switch cfg.GridType {
	case "geometric":
		prices = tradingutils.GeometricLevels(cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount, spec.PricePlace)
	default:
		prices = tradingutils.ArithmeticLevels(cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount, spec.PricePlace)
	}

	l := &ladder{
		spacing: cfg.UpperPrice.Sub(cfg.LowerPrice).Div(decimal.NewFromInt(int64(cfg.GridCount))),
		byOrder: make(map[string]*level),
	}
	for i, price := range prices {
		size := tradingutils.OrderSize(cfg.Notional, price, spec.VolumePlace)
		if size.LessThan(spec.MinTradeNum) {
			return nil, fmt.Errorf("%w: level %d size %s below venue minimum %s",
				apperrors.ErrGridConfigInvalid, i, size, spec.MinTradeNum)
		}
		l.levels = append(l.levels, &level{index: i, price: price, size: size, state: levelEmpty})
	}
	return l, nil
}

func (l *ladder) byOrderID(orderID string) (*level, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lvl, ok := l.byOrder[orderID]
	return lvl, ok
}

// markBuyPending attaches a placed buy to its level.
func (l *ladder) markBuyPending(idx int, orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lvl := l.levels[idx]
	lvl.state = levelBuyPending
	lvl.buyOrderID = orderID
	l.byOrder[orderID] = lvl
}

// markBuyFilled keeps the fill price for PnL attribution.
func (l *ladder) markBuyFilled(lvl *level, fillPrice decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lvl.state = levelBuyFilled
	lvl.buyPrice = fillPrice
}

func (l *ladder) markSellPending(lvl *level, orderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lvl.state = levelSellPending
	lvl.sellOrderID = orderID
	l.byOrder[orderID] = lvl
}

// rollbackSell returns a level to buy_filled; the inventory is still held.
func (l *ladder) rollbackSell(lvl *level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl.sellOrderID != "" {
		delete(l.byOrder, lvl.sellOrderID)
	}
	lvl.sellOrderID = ""
	lvl.state = levelBuyFilled
}

// reset empties a level entirely.
func (l *ladder) reset(lvl *level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl.buyOrderID != "" {
		delete(l.byOrder, lvl.buyOrderID)
	}
	if lvl.sellOrderID != "" {
		delete(l.byOrder, lvl.sellOrderID)
	}
	lvl.buyOrderID = ""
	lvl.sellOrderID = ""
	lvl.buyPrice = decimal.Zero
	lvl.state = levelEmpty
}

// resetAll empties every level; used by stop and emergency stop.
func (l *ladder) resetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, lvl := range l.levels {
		lvl.buyOrderID = ""
		lvl.sellOrderID = ""
		lvl.buyPrice = decimal.Zero
		lvl.state = levelEmpty
	}
	l.byOrder = make(map[string]*level)
}

// inState returns the levels currently in the given state, ascending.
func (l *ladder) inState(state string) []*level {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*level
	for _, lvl := range l.levels {
		if lvl.state == state {
			out = append(out, lvl)
		}
	}
	return out
}

// sellTarget is the price the paired sell rests at: the next-higher rung,
// or one spacing above the ceiling rung.
func (l *ladder) sellTarget(lvl *level, pricePlace int) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl.index+1 < len(l.levels) {
		return l.levels[lvl.index+1].price
	}
	return tradingutils.RoundPrice(lvl.price.Add(l.spacing), pricePlace)
}

// views projects the ladder for the state surface.
func (l *ladder) views() []core.GridLevelView {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]core.GridLevelView, 0, len(l.levels))
	for _, lvl := range l.levels {
		out = append(out, core.GridLevelView{
			Index:       lvl.index,
			Price:       lvl.price,
			State:       lvl.state,
			BuyOrderID:  lvl.buyOrderID,
			SellOrderID: lvl.sellOrderID,
			Size:        lvl.size,
		})
	}
	return out
}

// view projects one level.
func (l *ladder) view(lvl *level) core.GridLevelView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return core.GridLevelView{
		Index:       lvl.index,
		Price:       lvl.price,
		State:       lvl.state,
		BuyOrderID:  lvl.buyOrderID,
		SellOrderID: lvl.sellOrderID,
		Size:        lvl.size,
	}
}

// sellPendingSizeSum is the total size of inventory awaiting its sell.
func (l *ladder) sellPendingSizeSum() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, lvl := range l.levels {
		if lvl.state == levelSellPending {
			total = total.Add(lvl.size)
		}
	}
	return total
}
