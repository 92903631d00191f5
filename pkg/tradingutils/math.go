package tradingutils

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundPrice rounds a price to the instrument's price precision (half up).
func RoundPrice(price decimal.Decimal, pricePlace int) decimal.Decimal {
	return price.Round(int32(pricePlace))
}

// RoundSizeDown truncates a size to the instrument's volume precision.
// Sizes always truncate toward zero.
func RoundSizeDown(size decimal.Decimal, volumePlace int) decimal.Decimal {
	return size.RoundDown(int32(volumePlace))
}

// OrderSize converts a quote-currency notional into a base size at the given
// price, truncated to volumePlace decimals.
func OrderSize(notional, price decimal.Decimal, volumePlace int) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	return notional.Div(price).RoundDown(int32(volumePlace))
}

// TickSize returns the smallest price increment at a price precision.
func TickSize(pricePlace int) decimal.Decimal {
	return decimal.New(1, -int32(pricePlace))
}

// SizeStep returns the smallest representable size at a volume precision.
func SizeStep(volumePlace int) decimal.Decimal {
	return decimal.New(1, -int32(volumePlace))
}

// WeightedAveragePrice computes sum(price*size)/sum(size) over parallel
// slices. Returns zero when the slices mismatch or the sizes sum to zero.
func WeightedAveragePrice(prices, sizes []decimal.Decimal) decimal.Decimal {
	if len(prices) != len(sizes) || len(prices) == 0 {
		return decimal.Zero
	}
	notional := decimal.Zero
	total := decimal.Zero
	for i := range prices {
		notional = notional.Add(prices[i].Mul(sizes[i]))
		total = total.Add(sizes[i])
	}
	if total.IsZero() {
		return decimal.Zero
	}
	return notional.Div(total)
}

// ArithmeticLevels builds gridCount+1 evenly spaced prices from lower to
// upper inclusive, each rounded to pricePlace.
func ArithmeticLevels(lower, upper decimal.Decimal, gridCount, pricePlace int) []decimal.Decimal {
	levels := make([]decimal.Decimal, 0, gridCount+1)
	span := upper.Sub(lower)
	n := decimal.NewFromInt(int64(gridCount))
	for i := 0; i <= gridCount; i++ {
		lvl := lower.Add(span.Mul(decimal.NewFromInt(int64(i))).Div(n))
		levels = append(levels, RoundPrice(lvl, pricePlace))
	}
	return levels
}

// GeometricLevels builds gridCount+1 prices spaced by a constant ratio from
// lower to upper inclusive, each rounded to pricePlace. The endpoints are
// pinned exactly; interior levels go through float64 for the fractional
// exponent.
func GeometricLevels(lower, upper decimal.Decimal, gridCount, pricePlace int) []decimal.Decimal {
	levels := make([]decimal.Decimal, 0, gridCount+1)
	lo, _ := lower.Float64()
	hi, _ := upper.Float64()
	for i := 0; i <= gridCount; i++ {
		lvl := lo * math.Pow(hi/lo, float64(i)/float64(gridCount))
		levels = append(levels, decimal.NewFromFloat(lvl).Round(int32(pricePlace)))
	}
	levels[0] = RoundPrice(lower, pricePlace)
	levels[gridCount] = RoundPrice(upper, pricePlace)
	return levels
}

// RoundTripPnl returns the gross, fee and net PnL of a completed buy/sell
// pair. Both legs are charged at the maker rate against the sell notional.
func RoundTripPnl(buyPrice, sellPrice, size, makerFeeRate decimal.Decimal) (gross, fee, net decimal.Decimal) {
	gross = sellPrice.Sub(buyPrice).Mul(size)
	fee = decimal.NewFromInt(2).Mul(sellPrice.Mul(size)).Mul(makerFeeRate)
	net = gross.Sub(fee)
	return gross, fee, net
}
