package instrument

import (
	"context"
	"errors"
	"testing"

	"auto_trader/internal/core"
	"auto_trader/internal/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	specs []core.InstrumentSpec
	err   error
	calls int
}

func (f *fakeRemote) ListSpecs(ctx context.Context, tradingType core.TradingType) ([]core.InstrumentSpec, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.InstrumentSpec, len(f.specs))
	copy(out, f.specs)
	for i := range out {
		out[i].FetchedAt = core.NowMs()
	}
	return out, nil
}

type fakeStore struct {
	specs   map[string]*core.InstrumentSpec
	upserts int
}

func (f *fakeStore) GetSpec(ctx context.Context, symbol string, tradingType core.TradingType, productType string) (*core.InstrumentSpec, error) {
	if s, ok := f.specs[symbol]; ok {
		return s, nil
	}
	return nil, nil
}

func (f *fakeStore) UpsertSpec(ctx context.Context, spec *core.InstrumentSpec, productType string, raw []byte) error {
	f.upserts++
	if f.specs == nil {
		f.specs = make(map[string]*core.InstrumentSpec)
	}
	cp := *spec
	f.specs[spec.Symbol] = &cp
	return nil
}

func spec(symbol, base, quote, status string) core.InstrumentSpec {
	return core.InstrumentSpec{
		Symbol:       symbol,
		TradingType:  core.TradingDerivatives,
		BaseCoin:     base,
		QuoteCoin:    quote,
		PricePlace:   1,
		VolumePlace:  3,
		MinTradeNum:  decimal.RequireFromString("0.001"),
		MakerFeeRate: decimal.RequireFromString("0.0002"),
		TakerFeeRate: decimal.RequireFromString("0.0006"),
		Status:       status,
	}
}

func TestGetSpecFetchesRemoteAndPersists(t *testing.T) {
	remote := &fakeRemote{specs: []core.InstrumentSpec{
		spec("BTCUSDT", "BTC", "USDT", "normal"),
		spec("ETHUSDT", "ETH", "USDT", "normal"),
	}}
	store := &fakeStore{}
	cache := NewCache(remote, store, "USDT-FUTURES", mock.NopLogger{})

	got, err := cache.GetSpec(context.Background(), "BTCUSDT", core.TradingDerivatives)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, 1, remote.calls)
	assert.Equal(t, 2, store.upserts, "whole family is persisted")

	// Second lookup, even for a sibling symbol, is served from memory.
	_, err = cache.GetSpec(context.Background(), "ETHUSDT", core.TradingDerivatives)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.calls)
}

func TestGetSpecExpiredEntryRefetches(t *testing.T) {
	remote := &fakeRemote{specs: []core.InstrumentSpec{spec("BTCUSDT", "BTC", "USDT", "normal")}}
	cache := NewCache(remote, nil, "", mock.NopLogger{})

	first, err := cache.GetSpec(context.Background(), "BTCUSDT", core.TradingDerivatives)
	require.NoError(t, err)

	// Age the cached entry past the TTL.
	first.FetchedAt = core.NowMs() - SpecTTL.Milliseconds() - 1

	_, err = cache.GetSpec(context.Background(), "BTCUSDT", core.TradingDerivatives)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.calls)
}

func TestGetSpecServedFromDurableTier(t *testing.T) {
	stored := spec("BTCUSDT", "BTC", "USDT", "normal")
	stored.FetchedAt = core.NowMs()
	remote := &fakeRemote{err: errors.New("venue down")}
	store := &fakeStore{specs: map[string]*core.InstrumentSpec{"BTCUSDT": &stored}}
	cache := NewCache(remote, store, "", mock.NopLogger{})

	got, err := cache.GetSpec(context.Background(), "BTCUSDT", core.TradingDerivatives)
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, 0, remote.calls)
}

func TestRefreshSpecUnknownSymbol(t *testing.T) {
	remote := &fakeRemote{specs: []core.InstrumentSpec{spec("BTCUSDT", "BTC", "USDT", "normal")}}
	cache := NewCache(remote, nil, "", mock.NopLogger{})

	_, err := cache.GetSpec(context.Background(), "NOPEUSDT", core.TradingDerivatives)
	require.Error(t, err)
}

func TestListAvailableFiltersAndCaps(t *testing.T) {
	specs := []core.InstrumentSpec{
		spec("BTCUSDT", "BTC", "USDT", "normal"),
		spec("ETHUSDT", "ETH", "USDT", "normal"),
		spec("DEADUSDT", "DEAD", "USDT", "offline"),
	}
	remote := &fakeRemote{specs: specs}
	cache := NewCache(remote, nil, "", mock.NopLogger{})

	out, err := cache.ListAvailable(context.Background(), core.TradingDerivatives, "btc")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "BTCUSDT", out[0].Symbol)

	out, err = cache.ListAvailable(context.Background(), core.TradingDerivatives, "")
	require.NoError(t, err)
	assert.Len(t, out, 2, "offline instruments are excluded")
}

func TestListAvailableSpotRequiresUSDTQuote(t *testing.T) {
	btc := spec("BTCUSDC", "BTC", "USDC", "online")
	btc.TradingType = core.TradingSpot
	eth := spec("ETHUSDT", "ETH", "USDT", "online")
	eth.TradingType = core.TradingSpot
	remote := &fakeRemote{specs: []core.InstrumentSpec{btc, eth}}
	cache := NewCache(remote, nil, "", mock.NopLogger{})

	out, err := cache.ListAvailable(context.Background(), core.TradingSpot, "")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ETHUSDT", out[0].Symbol)
}

func TestGetHotPairsSkipsFailures(t *testing.T) {
	remote := &fakeRemote{specs: []core.InstrumentSpec{
		spec("BTCUSDT", "BTC", "USDT", "normal"),
		spec("ETHUSDT", "ETH", "USDT", "normal"),
	}}
	cache := NewCache(remote, nil, "", mock.NopLogger{})

	out := cache.GetHotPairs(context.Background(), core.TradingDerivatives)
	assert.Len(t, out, 2)
}
