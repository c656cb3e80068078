// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantdesk/trading-desk/internal/backtest"
	"github.com/quantdesk/trading-desk/internal/config"
	"github.com/quantdesk/trading-desk/internal/data"
	"github.com/quantdesk/trading-desk/internal/execution"
	"github.com/quantdesk/trading-desk/internal/strategy"
	"github.com/quantdesk/trading-desk/internal/workers"
	"github.com/quantdesk/trading-desk/pkg/types"
)

// Deps are the collaborators the server exposes over HTTP.
type Deps struct {
	DataStore  *data.Store
	Engine     *backtest.Engine
	Pool       *workers.Pool
	Orders     *execution.Manager
	Broker     execution.Broker
	Strategies *strategy.Registry
	Limits     types.RiskLimits
	Sizing     strategy.SizingConfig
	Fills      backtest.FillConfig
	Rebalance  backtest.Frequency
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     config.ServerConfig
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	hub        *hub
	backtests  map[string]*backtestState
}

// backtestState tracks one submitted backtest run.
type backtestState struct {
	ID      string                   `json:"id"`
	Status  string                   `json:"status"`
	Started time.Time                `json:"started"`
	Error   string                   `json:"error,omitempty"`
	Result  *backtest.Result         `json:"result,omitempty"`
	Metrics types.PerformanceMetrics `json:"metrics"`
}

// NewServer creates the API server and registers its routes.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		config:    cfg,
		deps:      deps,
		router:    mux.NewRouter(),
		backtests: make(map[string]*backtestState),
	}
	s.hub = newHub(s.logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/data/history/{symbol}", s.handleGetHistory).Methods("GET")

	s.router.HandleFunc("/api/v1/backtests", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtests/{id}", s.handleGetBacktest).Methods("GET")

	s.router.HandleFunc("/api/v1/account", s.handleGetAccount).Methods("GET")
	s.router.HandleFunc("/api/v1/positions", s.handleGetPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/orders", s.handleGetOrders).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleGetStrategies).Methods("GET")

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.HandleFunc("/ws", s.hub.handleWebSocket)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.closeAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = string(types.Timeframe1d)
	}

	start := time.Now().AddDate(0, -1, 0)
	end := time.Now()
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}

	bars, err := s.deps.DataStore.GetBars(r.Context(), symbol, types.Timeframe(timeframe), start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
		"count":     len(bars),
	})
}

// BacktestRequest is the POST /api/v1/backtests body.
type BacktestRequest struct {
	Symbols        []string `json:"symbols"`
	Start          string   `json:"start"`
	End            string   `json:"end"`
	InitialCapital float64  `json:"initialCapital"`
	Strategy       string   `json:"strategy"`
	Rebalance      string   `json:"rebalance"`
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	cfg, err := s.backtestConfig(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.New().String()
	state := &backtestState{
		ID:      id,
		Status:  "running",
		Started: time.Now(),
	}
	s.mu.Lock()
	s.backtests[id] = state
	s.mu.Unlock()

	err = s.deps.Pool.SubmitFunc(func(ctx context.Context) error {
		result, runErr := s.deps.Engine.Run(ctx, cfg)

		s.mu.Lock()
		if runErr != nil {
			state.Status = "failed"
			state.Error = runErr.Error()
		} else {
			state.Status = "completed"
			state.Result = result
			state.Metrics = result.Metrics
		}
		s.mu.Unlock()

		s.hub.broadcast(&Message{
			ID:        uuid.New().String(),
			Type:      "event",
			Method:    "backtest:complete",
			Payload:   map[string]interface{}{"id": id, "status": state.Status},
			Timestamp: time.Now().UnixMilli(),
		})
		return runErr
	})
	if err != nil {
		s.mu.Lock()
		delete(s.backtests, id)
		s.mu.Unlock()
		http.Error(w, "Backtest queue full", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":      id,
		"status":  "running",
		"started": state.Started.Unix(),
	})
}

// backtestConfig builds an engine config from the request, falling back to
// the server's configured sizing, limits and fill model.
func (s *Server) backtestConfig(req BacktestRequest) (backtest.Config, error) {
	if len(req.Symbols) == 0 {
		return backtest.Config{}, fmt.Errorf("symbols are required")
	}

	start, err := time.Parse("2006-01-02", req.Start)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("invalid start date %q", req.Start)
	}
	end, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("invalid end date %q", req.End)
	}
	if !end.After(start) {
		return backtest.Config{}, fmt.Errorf("end date must follow start date")
	}

	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = "momentum"
	}
	strat, ok := s.deps.Strategies.Create(strategyName)
	if !ok {
		return backtest.Config{}, fmt.Errorf("unknown strategy %q", strategyName)
	}

	capital := req.InitialCapital
	if capital <= 0 {
		capital = 100000
	}
	rebalance := s.deps.Rebalance
	if req.Rebalance != "" {
		rebalance = backtest.Frequency(req.Rebalance)
	}

	return backtest.Config{
		Symbols:        req.Symbols,
		Start:          start,
		End:            end,
		InitialCapital: decimal.NewFromFloat(capital),
		Timeframe:      types.Timeframe1d,
		Rebalance:      rebalance,
		Strategy:       strat,
		Sizing:         s.deps.Sizing,
		Limits:         s.deps.Limits,
		Fills:          s.deps.Fills,
	}, nil
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.backtests[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "Backtest not found", http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.deps.Broker.GetAccount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, account)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Broker.GetPositions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	symbols := make([]string, 0, len(positions))
	for symbol := range positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	out := make([]map[string]interface{}, 0, len(symbols))
	for _, symbol := range symbols {
		out = append(out, map[string]interface{}{
			"symbol":      symbol,
			"marketValue": positions[symbol],
		})
	}
	writeJSON(w, map[string]interface{}{"positions": out, "count": len(out)})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.deps.Orders.History()
	writeJSON(w, map[string]interface{}{"orders": orders, "count": len(orders)})
}

func (s *Server) handleGetStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"strategies": s.deps.Strategies.List()})
}

// BroadcastFill publishes a fill event to WebSocket clients.
func (s *Server) BroadcastFill(fill execution.Fill) {
	s.hub.broadcast(&Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    "order:fill",
		Payload:   fill,
		Timestamp: time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
