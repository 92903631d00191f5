// Package risk gates trade entry on drawdown, daily loss, cooldown and
// position caps. One Controller lives per strategy instance.
package risk

import (
	"fmt"
	"sync"
	"time"

	"auto_trader/internal/core"

	"github.com/shopspring/decimal"
)

// Limits are the bounds the controller enforces. All monetary values are in
// quote currency.
type Limits struct {
	MaxDrawdownPercent decimal.Decimal // fraction, e.g. 0.10
	MaxDailyLoss       decimal.Decimal // positive quote amount
	MaxPosition        decimal.Decimal // notional cap
	Cooldown           time.Duration
}

// Decision is the outcome of one CheckCanTrade evaluation.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration // set for cooldown denials
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string, retryAfter time.Duration) Decision {
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// Controller tracks equity watermarks and realized PnL, and answers the
// entry gate. Safe for concurrent use from both engine loops; no lock is
// held across any I/O.
type Controller struct {
	mu     sync.Mutex
	limits Limits
	logger core.ILogger

	peakEquity    decimal.Decimal
	currentEquity decimal.Decimal
	dailyPnl      decimal.Decimal
	dailyResetKey string
	coolingUntil  int64 // epoch ms, 0 when idle

	// The daily-loss rule latches: it fires when the threshold is crossed,
	// not continuously while the counter sits past it. lossTripLevel holds
	// the day's PnL at the last trip; only a loss below it re-fires.
	dailyLossTripped bool
	lossTripLevel    decimal.Decimal

	totalTrades int
	wins        int
	losses      int
	sumWin      decimal.Decimal
	sumLoss     decimal.Decimal

	lastDenyReason string

	now func() time.Time
}

func NewController(limits Limits, initialEquity decimal.Decimal, logger core.ILogger) *Controller {
	c := &Controller{
		limits: limits,
		logger: logger.WithField("component", "risk_controller"),
		now:    time.Now,
	}
	c.peakEquity = initialEquity
	c.currentEquity = initialEquity
	c.dailyResetKey = c.dateKey(c.now())
	return c
}

func (c *Controller) dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CheckCanTrade evaluates the gate rules in order: daily rollover, active
// cooldown, daily loss, drawdown, then the position cap. positionNotional is
// the caller's current open exposure in quote currency.
func (c *Controller) CheckCanTrade(positionNotional decimal.Decimal) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	nowMs := now.UnixMilli()

	if key := c.dateKey(now); key != c.dailyResetKey {
		c.logger.Info("Daily PnL rollover", "from", c.dailyResetKey, "to", key)
		c.dailyResetKey = key
		c.dailyPnl = decimal.Zero
		c.dailyLossTripped = false
		c.lossTripLevel = decimal.Zero
	}

	if c.coolingUntil > nowMs {
		remaining := time.Duration(c.coolingUntil-nowMs) * time.Millisecond
		return c.denied(fmt.Sprintf("cooling down, %s remaining", remaining.Round(time.Second)), remaining)
	}
	c.coolingUntil = 0

	if c.limits.MaxDailyLoss.IsPositive() && c.dailyPnl.LessThanOrEqual(c.limits.MaxDailyLoss.Neg()) {
		if !c.dailyLossTripped || c.dailyPnl.LessThan(c.lossTripLevel) {
			c.dailyLossTripped = true
			c.lossTripLevel = c.dailyPnl
			c.coolingUntil = nowMs + c.limits.Cooldown.Milliseconds()
			c.logger.Warn("Daily loss limit hit",
				"dailyPnl", c.dailyPnl.String(), "limit", c.limits.MaxDailyLoss.String())
			return c.denied(fmt.Sprintf("daily loss limit reached (%s)", c.dailyPnl.String()), c.limits.Cooldown)
		}
	}

	if c.limits.MaxDrawdownPercent.IsPositive() && c.peakEquity.IsPositive() {
		drawdown := c.peakEquity.Sub(c.currentEquity).Div(c.peakEquity)
		if drawdown.GreaterThanOrEqual(c.limits.MaxDrawdownPercent) {
			c.coolingUntil = nowMs + c.limits.Cooldown.Milliseconds()
			c.logger.Warn("Drawdown limit hit",
				"drawdown", drawdown.String(), "limit", c.limits.MaxDrawdownPercent.String())
			return c.denied(fmt.Sprintf("drawdown %s exceeds limit", drawdown.StringFixed(4)), c.limits.Cooldown)
		}
	}

	if c.limits.MaxPosition.IsPositive() && positionNotional.GreaterThanOrEqual(c.limits.MaxPosition) {
		return c.denied(fmt.Sprintf("position %s at cap %s",
			positionNotional.String(), c.limits.MaxPosition.String()), 0)
	}

	c.lastDenyReason = ""
	return allow()
}

func (c *Controller) denied(reason string, retryAfter time.Duration) Decision {
	c.lastDenyReason = reason
	return deny(reason, retryAfter)
}

// RecordPnl folds one realized round-trip result into the daily aggregate,
// equity and win/loss stats.
func (c *Controller) RecordPnl(net decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dailyPnl = c.dailyPnl.Add(net)
	if c.dailyLossTripped && c.dailyPnl.GreaterThan(c.lossTripLevel) {
		// Wins raise the latch so the next loss past it fires again.
		c.lossTripLevel = c.dailyPnl
	}
	c.currentEquity = c.currentEquity.Add(net)
	if c.currentEquity.GreaterThan(c.peakEquity) {
		c.peakEquity = c.currentEquity
	}

	c.totalTrades++
	if net.IsNegative() {
		c.losses++
		c.sumLoss = c.sumLoss.Add(net.Abs())
	} else {
		c.wins++
		c.sumWin = c.sumWin.Add(net)
	}
}

// UpdateEquity overwrites the internal equity from an exchange snapshot so
// local PnL accounting cannot drift from reality.
func (c *Controller) UpdateEquity(equity decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentEquity = equity
	if equity.GreaterThan(c.peakEquity) {
		c.peakEquity = equity
	}
}

// Snapshot returns the current risk state for the status surface.
func (c *Controller) Snapshot() core.RiskSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return core.RiskSnapshot{
		PeakEquity:     c.peakEquity,
		CurrentEquity:  c.currentEquity,
		DailyPnl:       c.dailyPnl,
		DailyDate:      c.dailyResetKey,
		CoolingUntil:   c.coolingUntil,
		LastDenyReason: c.lastDenyReason,
	}
}

// Stats returns (totalTrades, wins, losses, sumWin, sumLoss).
func (c *Controller) Stats() (int, int, int, decimal.Decimal, decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalTrades, c.wins, c.losses, c.sumWin, c.sumLoss
}
