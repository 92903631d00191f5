package risk

import (
	"testing"
	"time"

	"auto_trader/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestController(limits Limits, equity string) (*Controller, *time.Time) {
	c := NewController(limits, d(equity), mock.NopLogger{})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.dailyResetKey = c.dateKey(now)
	return c, &now
}

func defaultLimits() Limits {
	return Limits{
		MaxDrawdownPercent: d("0.10"),
		MaxDailyLoss:       d("50"),
		MaxPosition:        d("500"),
		Cooldown:           5 * time.Minute,
	}
}

func TestCheckCanTradeAllowsWithinLimits(t *testing.T) {
	c, _ := newTestController(defaultLimits(), "1000")

	dec := c.CheckCanTrade(d("100"))
	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.Reason)
}

func TestDailyLossTriggersCooldown(t *testing.T) {
	c, now := newTestController(defaultLimits(), "1000")

	c.RecordPnl(d("-60"))

	dec := c.CheckCanTrade(decimal.Zero)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "daily loss")
	assert.Equal(t, 5*time.Minute, dec.RetryAfter)

	// Still cooling down shortly after, even though the rule already fired.
	*now = now.Add(time.Minute)
	dec = c.CheckCanTrade(decimal.Zero)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "cooling down")

	// After the cooldown expires trading resumes. The daily counter persists
	// but the rule fired on the crossing, not continuously.
	*now = now.Add(10 * time.Minute)
	assert.True(t, c.CheckCanTrade(decimal.Zero).Allowed)

	// Another loss deepens the day's total and trips the rule again.
	c.RecordPnl(d("-5"))
	dec = c.CheckCanTrade(decimal.Zero)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "daily loss")
}

func TestDailyLossLatchFollowsRecovery(t *testing.T) {
	c, now := newTestController(defaultLimits(), "1000")

	c.RecordPnl(d("-60"))
	require.False(t, c.CheckCanTrade(decimal.Zero).Allowed)
	*now = now.Add(10 * time.Minute)
	require.True(t, c.CheckCanTrade(decimal.Zero).Allowed)

	// A partial recovery raises the latch; the next loss below the recovered
	// level fires even though it stays above the original -60 trip.
	c.RecordPnl(d("5"))
	c.RecordPnl(d("-2"))
	dec := c.CheckCanTrade(decimal.Zero)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "daily loss")
}

func TestDailyRolloverResetsPnl(t *testing.T) {
	c, now := newTestController(defaultLimits(), "1000")

	c.RecordPnl(d("-60"))
	require.False(t, c.CheckCanTrade(decimal.Zero).Allowed)

	// Next UTC day, past the cooldown.
	*now = now.Add(24 * time.Hour)
	dec := c.CheckCanTrade(decimal.Zero)
	assert.True(t, dec.Allowed)
	assert.True(t, c.Snapshot().DailyPnl.IsZero())
}

func TestDrawdownTriggersCooldown(t *testing.T) {
	c, _ := newTestController(defaultLimits(), "1000")

	// Equity drops 15% against the peak watermark.
	c.UpdateEquity(d("850"))

	dec := c.CheckCanTrade(decimal.Zero)
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "drawdown")
	assert.Equal(t, 5*time.Minute, dec.RetryAfter)
}

func TestPositionCapDeniesWithoutCooldown(t *testing.T) {
	c, now := newTestController(defaultLimits(), "1000")

	dec := c.CheckCanTrade(d("500"))
	require.False(t, dec.Allowed)
	assert.Contains(t, dec.Reason, "position")
	assert.Zero(t, dec.RetryAfter)

	// The cap denial does not poison later checks with smaller exposure.
	*now = now.Add(time.Second)
	assert.True(t, c.CheckCanTrade(d("100")).Allowed)
}

func TestPeakEquityIsMonotonic(t *testing.T) {
	c, _ := newTestController(defaultLimits(), "1000")

	c.UpdateEquity(d("1200"))
	c.UpdateEquity(d("1100"))

	snap := c.Snapshot()
	assert.True(t, snap.PeakEquity.Equal(d("1200")))
	assert.True(t, snap.CurrentEquity.Equal(d("1100")))
}

func TestRecordPnlStats(t *testing.T) {
	c, _ := newTestController(defaultLimits(), "1000")

	c.RecordPnl(d("10"))
	c.RecordPnl(d("-4"))
	c.RecordPnl(d("6"))

	total, wins, losses, sumWin, sumLoss := c.Stats()
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, wins)
	assert.Equal(t, 1, losses)
	assert.True(t, sumWin.Equal(d("16")))
	assert.True(t, sumLoss.Equal(d("4")))
	assert.True(t, c.Snapshot().DailyPnl.Equal(d("12")))
}

func TestZeroLimitsDisableRules(t *testing.T) {
	c, _ := newTestController(Limits{}, "1000")

	c.RecordPnl(d("-10000"))
	assert.True(t, c.CheckCanTrade(d("999999")).Allowed)
}
