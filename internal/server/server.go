// Package server exposes the control-plane HTTP API and the dashboard
// WebSocket stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"auto_trader/internal/config"
	"auto_trader/internal/core"
	"auto_trader/internal/manager"
	apperrors "auto_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	wsActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "auto_trader_ws_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	wsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auto_trader_ws_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(wsActiveConnections)
	prometheus.MustRegister(wsRejectedTotal)
}

// InstrumentDirectory is the instrument-cache surface the API serves.
// Implemented by instrument.Cache.
type InstrumentDirectory interface {
	ListAvailable(ctx context.Context, tradingType core.TradingType, search string) ([]core.InstrumentSpec, error)
	GetHotPairs(ctx context.Context, tradingType core.TradingType) []core.InstrumentSpec
}

// Server hosts the REST control plane, /ws, /health and /metrics.
type Server struct {
	mu  sync.Mutex
	srv *http.Server

	hub         *Hub
	manager     *manager.Manager
	instruments InstrumentDirectory
	logger      core.ILogger

	upgrader       websocket.Upgrader
	allowedOrigins []string
	production     bool

	maxConnections int
	connSemaphore  chan struct{}

	rateLimitEnabled bool
	ipLimiters       sync.Map
	rateLimit        rate.Limit
	rateBurst        int
}

type Deps struct {
	Hub            *Hub
	Manager        *manager.Manager
	Instruments    InstrumentDirectory
	Logger         core.ILogger
	AllowedOrigins []string
	Production     bool
}

func New(deps Deps) *Server {
	s := &Server{
		hub:            deps.Hub,
		manager:        deps.Manager,
		instruments:    deps.Instruments,
		logger:         deps.Logger.WithField("component", "api_server"),
		allowedOrigins: deps.AllowedOrigins,
		production:     deps.Production,

		maxConnections: 1000,
		connSemaphore:  make(chan struct{}, 1000),

		rateLimitEnabled: true,
		rateLimit:        10,
		rateBurst:        20,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// EventSink bridges the strategy event stream to the WebSocket hub.
func (s *Server) EventSink() core.EventSink {
	return func(evt core.StrategyEvent) {
		s.hub.Broadcast(Message{Type: TypeEvent, Data: evt})
	}
}

// BroadcastState pushes the current strategy state to all clients; the
// bootstrap drives this on a ticker.
func (s *Server) BroadcastState() {
	s.hub.Broadcast(Message{Type: TypeState, Data: s.manager.GetState()})
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/strategy/state", s.handleState)
	mux.HandleFunc("GET /api/v1/strategy/events", s.handleEvents)
	mux.HandleFunc("POST /api/v1/strategy/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/strategy/stop", s.handleStop)
	mux.HandleFunc("POST /api/v1/strategy/emergency-stop", s.handleEmergencyStop)
	mux.HandleFunc("PUT /api/v1/strategy/config", s.handleUpdateConfig)

	mux.HandleFunc("POST /api/v1/autocalc", s.handleAutoCalc)
	mux.HandleFunc("GET /api/v1/autocalc/bounds", s.handleBounds)

	mux.HandleFunc("GET /api/v1/instruments", s.handleInstruments)
	mux.HandleFunc("GET /api/v1/instruments/hot", s.handleHotPairs)

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info("Starting API server", "addr", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.srv.Shutdown(ctx)
}

// -- REST handlers --

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetState())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events := s.manager.Events(limit)
	if events == nil {
		events = []core.StrategyEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type startRequest struct {
	StrategyType string                 `json:"strategyType"`
	Config       map[string]interface{} `json:"config"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	kind := core.StrategyKind(req.StrategyType)
	if kind != core.StrategyScalping && kind != core.StrategyGrid {
		writeError(w, http.StatusBadRequest, "strategyType must be scalping or grid")
		return
	}

	if err := s.manager.CreateAndStart(r.Context(), kind, req.Config); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.GetState())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopActive(r.Context()); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.GetState())
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.EmergencyStopActive(r.Context()); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.GetState())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var partial map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.manager.UpdateActiveConfig(partial); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.ActiveConfig())
}

type autoCalcRequest struct {
	StrategyType string `json:"strategyType"`
	TradingType  string `json:"tradingType"`
	Symbol       string `json:"symbol"`
	Notional     string `json:"notional"`
	RiskLevel    string `json:"riskLevel"`
	Direction    string `json:"direction,omitempty"`
}

func (r autoCalcRequest) toDomain() (manager.AutoCalcRequest, error) {
	notional, err := decimal.NewFromString(r.Notional)
	if err != nil {
		return manager.AutoCalcRequest{}, errors.New("notional must be a decimal string")
	}
	tradingType := core.TradingType(r.TradingType)
	if tradingType == "" {
		tradingType = core.TradingDerivatives
	}
	return manager.AutoCalcRequest{
		StrategyType: core.StrategyKind(r.StrategyType),
		TradingType:  tradingType,
		Symbol:       r.Symbol,
		Notional:     notional,
		RiskLevel:    manager.RiskLevel(r.RiskLevel),
		Direction:    core.Direction(r.Direction),
	}, nil
}

func (s *Server) handleAutoCalc(w http.ResponseWriter, r *http.Request) {
	var req autoCalcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	domainReq, err := req.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.manager.AutoCalc(r.Context(), domainReq)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBounds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := autoCalcRequest{
		StrategyType: q.Get("strategyType"),
		TradingType:  q.Get("tradingType"),
		Symbol:       q.Get("symbol"),
		Notional:     q.Get("notional"),
		RiskLevel:    q.Get("riskLevel"),
	}
	domainReq, err := req.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bounds, err := s.manager.Bounds(r.Context(), domainReq)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bounds)
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	tradingType := parseTradingType(r.URL.Query().Get("tradingType"))
	specs, err := s.instruments.ListAvailable(r.Context(), tradingType, r.URL.Query().Get("search"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

func (s *Server) handleHotPairs(w http.ResponseWriter, r *http.Request) {
	tradingType := parseTradingType(r.URL.Query().Get("tradingType"))
	writeJSON(w, http.StatusOK, s.instruments.GetHotPairs(r.Context(), tradingType))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

func parseTradingType(raw string) core.TradingType {
	if t := core.TradingType(raw); t == core.TradingSpot {
		return core.TradingSpot
	}
	return core.TradingDerivatives
}

// -- WebSocket --

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.logger.Warn("Rejected WebSocket connection with missing Origin header", "remoteAddr", r.RemoteAddr)
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		s.logger.Warn("Rejected WebSocket connection with invalid Origin", "origin", origin, "error", err)
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			if s.production {
				wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			s.logger.Warn("WebSocket connection allowed via wildcard origin", "origin", origin)
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
		"origin", origin, "remoteAddr", r.RemoteAddr)
	wsRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.rateLimitEnabled {
		ip := remoteIP(r)
		if !s.ipLimiter(ip).Allow() {
			s.logger.Warn("IP rate limit exceeded", "ip", ip)
			wsRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	select {
	case s.connSemaphore <- struct{}{}:
		wsActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			wsActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		s.logger.Warn("Max connections reached")
		wsRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.NewString())
	s.hub.Register(client)

	// Greet the new client with the current state so the dashboard renders
	// without waiting for the next broadcast.
	client.Send(Message{Type: TypeState, Data: s.manager.GetState()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.SendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// The stream is server-push only; reads exist to notice disconnects and
	// service pongs.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(s.rateLimit, s.rateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

// SetMaxConnections resizes the connection cap; applies to new connections.
func (s *Server) SetMaxConnections(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConnections = max
	s.connSemaphore = make(chan struct{}, max)
}

// SetRateLimit replaces the per-IP limits; existing limiters are discarded.
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rate.Limit(limit)
	s.rateBurst = burst
	s.ipLimiters = sync.Map{}
}

// -- response helpers --

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrAlreadyRunning), errors.Is(err, apperrors.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrConfigInvalid),
		errors.Is(err, apperrors.ErrConfigImmutableKey),
		errors.Is(err, apperrors.ErrGridConfigInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrSpecNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		var validation config.ValidationError
		if errors.As(err, &validation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
