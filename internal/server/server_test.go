package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/internal/manager"
	"auto_trader/internal/mock"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeBuilder struct {
	services *core.TradingServices
}

func (f *fakeBuilder) Services(cfg *config.StrategyConfig) (*core.TradingServices, core.HoldModeDetector, error) {
	return f.services, nil, nil
}

type fakeDirectory struct {
	specs      []core.InstrumentSpec
	hot        []core.InstrumentSpec
	lastSearch string
}

func (f *fakeDirectory) ListAvailable(ctx context.Context, tradingType core.TradingType, search string) ([]core.InstrumentSpec, error) {
	f.lastSearch = search
	return f.specs, nil
}

func (f *fakeDirectory) GetHotPairs(ctx context.Context, tradingType core.TradingType) []core.InstrumentSpec {
	return f.hot
}

type harness struct {
	ts        *httptest.Server
	server    *Server
	manager   *manager.Manager
	directory *fakeDirectory
	cancelHub context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	orders := mock.NewMockOrderService()
	market := &mock.MockMarketDataService{}
	account := &mock.MockAccountService{}
	account.SetEquity("1000", "1000", "0")
	market.SetQuotes("70000.0", "70000.0", "70000.2")
	market.Ticker.High24h = d("71000")
	market.Ticker.Low24h = d("69000")

	spec := &core.InstrumentSpec{
		Symbol:       "BTCUSDT",
		TradingType:  core.TradingDerivatives,
		BaseCoin:     "BTC",
		QuoteCoin:    "USDT",
		PricePlace:   1,
		VolumePlace:  6,
		MinTradeNum:  d("0.000001"),
		MakerFeeRate: d("0.0002"),
		TakerFeeRate: d("0.0006"),
		Status:       "normal",
		FetchedAt:    core.NowMs(),
	}

	mgr := manager.New(manager.Deps{
		Builder: &fakeBuilder{services: &core.TradingServices{
			Order: orders, Market: market, Account: account,
		}},
		Specs:   mock.NewMockSpecSource(spec),
		Persist: mock.NewMockPersistence(),
		Logger:  mock.NopLogger{},
	})

	hub := NewHub(mock.NopLogger{})
	hubCtx, cancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	directory := &fakeDirectory{
		specs: []core.InstrumentSpec{*spec},
		hot:   []core.InstrumentSpec{*spec},
	}

	srv := New(Deps{
		Hub:            hub,
		Manager:        mgr,
		Instruments:    directory,
		Logger:         mock.NopLogger{},
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	h := &harness{
		ts:        httptest.NewServer(srv.routes()),
		server:    srv,
		manager:   mgr,
		directory: directory,
		cancelHub: cancel,
	}
	t.Cleanup(func() {
		h.manager.StopActive(context.Background())
		h.cancelHub()
		h.ts.Close()
	})
	return h
}

func (h *harness) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(h.ts.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func startBody() map[string]interface{} {
	return map[string]interface{}{
		"strategyType": "scalping",
		"config": map[string]interface{}{
			"symbol":       "BTCUSDT",
			"notional":     10,
			"maxPosition":  1000,
			"maxDailyLoss": 50,
			"priceSpread":  2,
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "clients")
}

func TestStateEndpointWhenIdle(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/v1/strategy/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state core.StrategyState
	decodeBody(t, resp, &state)
	assert.Equal(t, core.EngineStopped, state.Status)
}

func TestStartStopLifecycle(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/strategy/start", startBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state core.StrategyState
	decodeBody(t, resp, &state)
	assert.Equal(t, core.EngineRunning, state.Status)
	assert.Equal(t, "BTCUSDT", state.Symbol)

	// Second start while running conflicts.
	resp = h.postJSON(t, "/api/v1/strategy/start", startBody())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = h.postJSON(t, "/api/v1/strategy/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &state)
	assert.Equal(t, core.EngineStopped, state.Status)
}

func TestStartRejectsUnknownStrategyType(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/strategy/start", map[string]interface{}{
		"strategyType": "martingale",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)

	body := startBody()
	delete(body["config"].(map[string]interface{}), "symbol")
	resp := h.postJSON(t, "/api/v1/strategy/start", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmergencyStopEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/strategy/start", startBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = h.postJSON(t, "/api/v1/strategy/emergency-stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state core.StrategyState
	decodeBody(t, resp, &state)
	assert.Equal(t, core.EngineStopped, state.Status)
}

func TestUpdateConfigEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/strategy/start", startBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPut, h.ts.URL+"/api/v1/strategy/config",
		strings.NewReader(`{"priceSpread": 3}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg config.StrategyConfig
	decodeBody(t, resp, &cfg)
	assert.True(t, cfg.PriceSpread.Equal(d("3")))

	// Immutable keys stay locked while running.
	req, err = http.NewRequest(http.MethodPut, h.ts.URL+"/api/v1/strategy/config",
		strings.NewReader(`{"symbol": "ETHUSDT"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateConfigRequiresRunningInstance(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPut, h.ts.URL+"/api/v1/strategy/config",
		strings.NewReader(`{"priceSpread": 3}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/v1/strategy/events?limit=bogus")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.get(t, "/api/v1/strategy/events")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []core.StrategyEvent
	decodeBody(t, resp, &events)
	assert.NotNil(t, events)
}

func TestAutoCalcEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/autocalc", map[string]interface{}{
		"strategyType": "scalping",
		"tradingType":  "derivatives",
		"symbol":       "BTCUSDT",
		"notional":     "10",
		"riskLevel":    "balanced",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result manager.AutoCalcResult
	decodeBody(t, resp, &result)

	// minSpread = 70000 * 0.0008 * 2.0 = 112
	assert.Equal(t, "112", result.Overrides["priceSpread"])
	assert.Equal(t, "200", result.Overrides["maxPosition"])
}

func TestAutoCalcRejectsBadNotional(t *testing.T) {
	h := newHarness(t)

	resp := h.postJSON(t, "/api/v1/autocalc", map[string]interface{}{
		"strategyType": "scalping",
		"symbol":       "BTCUSDT",
		"notional":     "not-a-number",
		"riskLevel":    "balanced",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBoundsEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/v1/autocalc/bounds?strategyType=scalping&symbol=BTCUSDT&notional=10&riskLevel=balanced")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var bounds map[string]manager.Bound
	decodeBody(t, resp, &bounds)
	assert.Contains(t, bounds, "priceSpread")
	assert.Contains(t, bounds, "notional")
}

func TestInstrumentsEndpoint(t *testing.T) {
	h := newHarness(t)

	resp := h.get(t, "/api/v1/instruments?tradingType=derivatives&search=btc")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var specs []core.InstrumentSpec
	decodeBody(t, resp, &specs)
	require.Len(t, specs, 1)
	assert.Equal(t, "BTCUSDT", specs[0].Symbol)
	assert.Equal(t, "btc", h.directory.lastSearch)

	resp = h.get(t, "/api/v1/instruments/hot")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &specs)
	assert.Len(t, specs, 1)
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestWebSocketRejectsUnknownOrigin(t *testing.T) {
	h := newHarness(t)

	header := http.Header{"Origin": {"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(h.ts), header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	if resp != nil {
		resp.Body.Close()
	}
}

func TestWebSocketDeliversStateSnapshot(t *testing.T) {
	h := newHarness(t)

	header := http.Header{"Origin": {"http://localhost:3000"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(h.ts), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeState, msg.Type)
}

func TestEventSinkBroadcastsToClients(t *testing.T) {
	h := newHarness(t)

	header := http.Header{"Origin": {"http://localhost:3000"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(h.ts), header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Drain the greeting snapshot first.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, TypeState, msg.Type)

	sink := h.server.EventSink()
	sink(core.StrategyEvent{Type: core.EventBuyOrderPlaced, Timestamp: core.NowMs()})

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeEvent, msg.Type)
}

func TestCheckOriginWildcardBlockedInProduction(t *testing.T) {
	srv := New(Deps{
		Hub:            NewHub(mock.NopLogger{}),
		Logger:         mock.NopLogger{},
		AllowedOrigins: []string{"*"},
		Production:     true,
	})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	assert.False(t, srv.checkOrigin(req))

	srv.production = false
	assert.True(t, srv.checkOrigin(req))
}
