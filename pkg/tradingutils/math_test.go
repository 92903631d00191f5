package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestOrderSizeTruncates(t *testing.T) {
	// 10 USDT at 70000.0 with 6 volume decimals: 0.000142857... -> 0.000142
	size := OrderSize(dec("10"), dec("70000.0"), 6)
	if !size.Equal(dec("0.000142")) {
		t.Errorf("expected 0.000142, got %s", size)
	}

	if !OrderSize(dec("10"), decimal.Zero, 6).IsZero() {
		t.Error("zero price should produce zero size")
	}
}

func TestRoundSizeDownNeverRoundsUp(t *testing.T) {
	size := RoundSizeDown(dec("0.0001429"), 4)
	if !size.Equal(dec("0.0001")) {
		t.Errorf("expected 0.0001, got %s", size)
	}
}

func TestTickSize(t *testing.T) {
	if !TickSize(1).Equal(dec("0.1")) {
		t.Errorf("pricePlace 1: got %s", TickSize(1))
	}
	if !TickSize(0).Equal(dec("1")) {
		t.Errorf("pricePlace 0: got %s", TickSize(0))
	}
	if !SizeStep(3).Equal(dec("0.001")) {
		t.Errorf("volumePlace 3: got %s", SizeStep(3))
	}
}

func TestWeightedAveragePrice(t *testing.T) {
	prices := []decimal.Decimal{dec("100.1"), dec("100.3")}
	sizes := []decimal.Decimal{dec("1"), dec("2")}

	avg := WeightedAveragePrice(prices, sizes)
	// (100.1*1 + 100.3*2) / 3 = 300.7/3 = 100.2333...
	if !avg.Round(4).Equal(dec("100.2333")) {
		t.Errorf("expected 100.2333, got %s", avg.Round(4))
	}

	if !WeightedAveragePrice(prices, sizes[:1]).IsZero() {
		t.Error("mismatched slices should return zero")
	}
	if !WeightedAveragePrice(nil, nil).IsZero() {
		t.Error("empty input should return zero")
	}
}

func TestArithmeticLevels(t *testing.T) {
	levels := ArithmeticLevels(dec("100"), dec("110"), 10, 1)
	if len(levels) != 11 {
		t.Fatalf("expected 11 levels, got %d", len(levels))
	}
	if !levels[0].Equal(dec("100")) || !levels[10].Equal(dec("110")) {
		t.Errorf("endpoints wrong: %s .. %s", levels[0], levels[10])
	}
	if !levels[5].Equal(dec("105")) {
		t.Errorf("midpoint wrong: %s", levels[5])
	}
}

func TestGeometricLevelsEndpointsPinned(t *testing.T) {
	levels := GeometricLevels(dec("100"), dec("400"), 2, 1)
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	if !levels[0].Equal(dec("100")) || !levels[2].Equal(dec("400")) {
		t.Errorf("endpoints wrong: %s .. %s", levels[0], levels[2])
	}
	// ratio 2 per step: 100, 200, 400
	if !levels[1].Equal(dec("200")) {
		t.Errorf("expected 200, got %s", levels[1])
	}
}

func TestRoundTripPnl(t *testing.T) {
	gross, fee, net := RoundTripPnl(dec("69999.8"), dec("70001.8"), dec("0.000143"), dec("0.0002"))

	if !gross.Equal(dec("0.000286")) {
		t.Errorf("gross: expected 0.000286, got %s", gross)
	}
	// 2 * 70001.8*0.000143 * 0.0002
	wantFee := dec("2").Mul(dec("70001.8")).Mul(dec("0.000143")).Mul(dec("0.0002"))
	if !fee.Equal(wantFee) {
		t.Errorf("fee: expected %s, got %s", wantFee, fee)
	}
	if !net.Equal(gross.Sub(fee)) {
		t.Errorf("net: expected %s, got %s", gross.Sub(fee), net)
	}
}
