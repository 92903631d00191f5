// Package instrument resolves per-symbol trading rules through a three-tier
// cache: in-memory with a 1 hour TTL, the durable store, and the venue's
// public instrument tables.
package instrument

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"auto_trader/internal/core"
	apperrors "auto_trader/pkg/errors"
)

// SpecTTL bounds how old an in-memory or durable entry may be before the
// remote tier is consulted again.
const SpecTTL = time.Hour

// listLimit caps ListAvailable output.
const listLimit = 50

// hotPairs is the fixed popularity list served by GetHotPairs.
var hotPairs = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT",
	"DOGEUSDT", "BNBUSDT", "ADAUSDT", "AVAXUSDT",
}

// RemoteSource lists the venue's public instrument table for one family.
type RemoteSource interface {
	ListSpecs(ctx context.Context, tradingType core.TradingType) ([]core.InstrumentSpec, error)
}

// DurableStore is the persistence tier of the cache.
type DurableStore interface {
	GetSpec(ctx context.Context, symbol string, tradingType core.TradingType, productType string) (*core.InstrumentSpec, error)
	UpsertSpec(ctx context.Context, spec *core.InstrumentSpec, productType string, raw []byte) error
}

type cacheKey struct {
	symbol      string
	tradingType core.TradingType
}

// Cache is the process-wide instrument spec cache.
type Cache struct {
	remote      RemoteSource
	store       DurableStore
	productType string
	logger      core.ILogger

	mu      sync.RWMutex
	entries map[cacheKey]*core.InstrumentSpec
}

func NewCache(remote RemoteSource, store DurableStore, productType string, logger core.ILogger) *Cache {
	if productType == "" {
		productType = "USDT-FUTURES"
	}
	return &Cache{
		remote:      remote,
		store:       store,
		productType: productType,
		logger:      logger.WithField("component", "instrument_cache"),
		entries:     make(map[cacheKey]*core.InstrumentSpec),
	}
}

func fresh(spec *core.InstrumentSpec) bool {
	return spec != nil && core.NowMs()-spec.FetchedAt <= SpecTTL.Milliseconds()
}

// GetSpec walks the tiers in order: memory, durable store, remote fetch.
// Every returned entry is at most SpecTTL old.
func (c *Cache) GetSpec(ctx context.Context, symbol string, tradingType core.TradingType) (*core.InstrumentSpec, error) {
	key := cacheKey{symbol: symbol, tradingType: tradingType}

	c.mu.RLock()
	cached := c.entries[key]
	c.mu.RUnlock()
	if fresh(cached) {
		return cached, nil
	}

	if c.store != nil {
		stored, err := c.store.GetSpec(ctx, symbol, tradingType, c.productType)
		if err != nil {
			c.logger.Warn("Durable spec lookup failed", "symbol", symbol, "error", err)
		} else if fresh(stored) {
			c.mu.Lock()
			c.entries[key] = stored
			c.mu.Unlock()
			return stored, nil
		}
	}

	return c.RefreshSpec(ctx, symbol, tradingType)
}

// RefreshSpec forces a remote fetch, repopulating memory and the durable
// store for every symbol of the family.
func (c *Cache) RefreshSpec(ctx context.Context, symbol string, tradingType core.TradingType) (*core.InstrumentSpec, error) {
	specs, err := c.remote.ListSpecs(ctx, tradingType)
	if err != nil {
		return nil, err
	}

	var found *core.InstrumentSpec
	c.mu.Lock()
	for i := range specs {
		spec := specs[i]
		c.entries[cacheKey{symbol: spec.Symbol, tradingType: tradingType}] = &spec
		if spec.Symbol == symbol {
			found = &spec
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		for i := range specs {
			if err := c.store.UpsertSpec(ctx, &specs[i], c.productType, nil); err != nil {
				c.logger.Warn("Persisting spec failed", "symbol", specs[i].Symbol, "error", err)
				break
			}
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: %s (%s)", apperrors.ErrSpecNotFound, symbol, tradingType)
	}
	return found, nil
}

func tradable(spec *core.InstrumentSpec) bool {
	switch spec.Status {
	case "online", "normal":
	default:
		return false
	}
	if spec.TradingType == core.TradingSpot && spec.QuoteCoin != "USDT" {
		return false
	}
	return true
}

// ListAvailable returns up to 50 tradable instruments of a family, filtered
// by an uppercase substring match on symbol or base coin.
func (c *Cache) ListAvailable(ctx context.Context, tradingType core.TradingType, search string) ([]core.InstrumentSpec, error) {
	specs, err := c.remote.ListSpecs(ctx, tradingType)
	if err != nil {
		return nil, err
	}

	search = strings.ToUpper(strings.TrimSpace(search))
	out := make([]core.InstrumentSpec, 0, listLimit)
	for i := range specs {
		spec := &specs[i]
		if !tradable(spec) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToUpper(spec.Symbol), search) &&
			!strings.Contains(strings.ToUpper(spec.BaseCoin), search) {
			continue
		}
		out = append(out, *spec)
		if len(out) == listLimit {
			break
		}
	}
	return out, nil
}

// GetHotPairs resolves the fixed popularity list, skipping entries that fail
// lookup.
func (c *Cache) GetHotPairs(ctx context.Context, tradingType core.TradingType) []core.InstrumentSpec {
	out := make([]core.InstrumentSpec, 0, len(hotPairs))
	for _, symbol := range hotPairs {
		spec, err := c.GetSpec(ctx, symbol, tradingType)
		if err != nil {
			c.logger.Debug("Hot pair lookup failed", "symbol", symbol, "error", err)
			continue
		}
		out = append(out, *spec)
	}
	return out
}
