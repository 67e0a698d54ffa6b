// Package api exposes the simulation engine over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fundsim/backtest-backend/internal/agent"
	"github.com/fundsim/backtest-backend/internal/backtester"
	"github.com/fundsim/backtest-backend/internal/data"
	"github.com/fundsim/backtest-backend/pkg/types"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backtest_runs_started_total",
		Help: "Number of backtest runs started.",
	})
	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_runs_finished_total",
		Help: "Number of backtest runs finished, by terminal status.",
	}, []string{"status"})
	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_runs_in_flight",
		Help: "Number of backtest runs currently executing.",
	})
	daysProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_days_processed_total",
		Help: "Trading days processed across all runs, by outcome.",
	}, []string{"outcome"})
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	store      *data.Store
	prices     backtester.PriceSource
	agent      agent.Agent
	runs       map[string]*RunState
}

// Client represents a WebSocket client.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Subs map[string]bool
}

// RunState tracks a backtest run owned by this server.
type RunState struct {
	ID      string
	Config  *types.BacktestConfig
	Engine  *backtester.Engine
	Status  string
	Started time.Time
	Result  *types.BacktestResult
	Err     string
}

// Message represents a WebSocket message.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request, response, event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer creates an API server. The price source backs every simulation;
// the store additionally serves the ticker and price listing endpoints and
// may be the same object as prices.
func NewServer(logger *zap.Logger, config *types.ServerConfig, store *data.Store, prices backtester.PriceSource, decider agent.Agent) *Server {
	server := &Server{
		logger:  logger,
		config:  config,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		store:   store,
		prices:  prices,
		agent:   decider,
		runs:    make(map[string]*RunState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/tickers", s.handleGetTickers).Methods("GET")
	s.router.HandleFunc("/api/v1/prices/{ticker}", s.handleGetPrices).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/values", s.handleGetBacktestValues).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/rows", s.handleGetBacktestRows).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server.
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
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetTickers(w http.ResponseWriter, r *http.Request) {
	tickers := s.store.Tickers()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"tickers": tickers,
		"count":   len(tickers),
	})
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ticker := vars["ticker"]

	start := time.Now().AddDate(0, -1, 0)
	end := time.Now()

	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "Invalid start date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			http.Error(w, "Invalid end date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		end = t
	}

	prices, err := s.prices.GetPrices(r.Context(), ticker, start, end)
	if err != nil {
		if errors.Is(err, data.ErrNoPrices) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ticker": ticker,
		"prices": prices,
		"count":  len(prices),
	})
}

// handleRunBacktest starts a run in the background and returns its ID.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := config.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}

	state := s.startRun(&config)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      config.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	})
}

// startRun registers the run, wires its progress stream to WebSocket clients
// and launches the engine in a goroutine.
func (s *Server) startRun(config *types.BacktestConfig) *RunState {
	engine := backtester.NewEngine(s.logger.Named("engine"), s.prices, s.agent)

	state := &RunState{
		ID:      config.ID,
		Config:  config,
		Engine:  engine,
		Status:  "running",
		Started: time.Now(),
	}

	s.mu.Lock()
	s.runs[config.ID] = state
	s.mu.Unlock()

	runsStarted.Inc()
	runsInFlight.Inc()

	go func() {
		for progress := range engine.ProgressChan() {
			s.broadcast(&Message{
				ID:        uuid.New().String(),
				Type:      "event",
				Method:    "backtest:progress",
				Payload:   progress,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}()

	go func() {
		defer runsInFlight.Dec()

		result, err := engine.Run(context.Background(), config)

		s.mu.Lock()
		if errors.Is(err, backtester.ErrCancelled) {
			state.Status = "cancelled"
		} else if err != nil {
			state.Status = "failed"
			state.Err = err.Error()
			s.logger.Error("Backtest failed", zap.String("id", config.ID), zap.Error(err))
		} else {
			state.Status = "completed"
			state.Result = result
			daysProcessed.WithLabelValues("simulated").Add(float64(result.DaysSimulated))
			daysProcessed.WithLabelValues("skipped").Add(float64(result.DaysSkipped))
		}
		status := state.Status
		s.mu.Unlock()

		runsFinished.WithLabelValues(status).Inc()

		s.broadcast(&Message{
			ID:        uuid.New().String(),
			Type:      "event",
			Method:    "backtest:complete",
			Payload:   map[string]interface{}{"id": config.ID, "status": status},
			Timestamp: time.Now().UnixMilli(),
		})
	}()

	return state
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "Backtest not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}

	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Err != "" {
		response["error"] = state.Err
	}
	if state.Status == "running" {
		response["progress"] = state.Engine.GetProgress()
	}

	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleGetBacktestValues(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "Backtest not found", http.StatusNotFound)
		return
	}
	if state.Result == nil {
		http.Error(w, "Backtest not complete", http.StatusBadRequest)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     id,
		"values": state.Result.Values,
		"count":  len(state.Result.Values),
	})
}

func (s *Server) handleGetBacktestRows(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "Backtest not found", http.StatusNotFound)
		return
	}
	if state.Result == nil {
		http.Error(w, "Backtest not complete", http.StatusBadRequest)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":    id,
		"rows":  state.Result.Rows,
		"count": len(state.Result.Rows),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "Backtest not found", http.StatusNotFound)
		return
	}

	if state.Status != "running" {
		http.Error(w, "Backtest not running", http.StatusBadRequest)
		return
	}

	state.Engine.Cancel()

	s.mu.Lock()
	state.Status = "cancelled"
	s.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     id,
		"status": "cancelled",
	})
}

// handleWebSocket upgrades the connection and starts the client pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Subs: make(map[string]bool),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Info("WebSocket client connected", zap.String("id", client.ID))

	go s.readPump(client)
	go s.writePump(client)
}

// readPump handles incoming WebSocket messages.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
		s.logger.Info("WebSocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(512 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			s.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}

		s.handleMessage(client, &msg)
	}
}

// writePump handles outgoing WebSocket messages and keepalive pings.
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches a WebSocket request.
func (s *Server) handleMessage(client *Client, msg *Message) {
	response := &Message{
		ID:        msg.ID,
		Type:      "response",
		Method:    msg.Method,
		Timestamp: time.Now().UnixMilli(),
	}

	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}

	case "backtest:run":
		payload, ok := msg.Payload.(map[string]interface{})
		if !ok {
			response.Error = "Invalid payload"
			break
		}

		configBytes, _ := json.Marshal(payload)
		var config types.BacktestConfig
		if err := json.Unmarshal(configBytes, &config); err != nil {
			response.Error = "Invalid config"
			break
		}
		if err := config.Validate(); err != nil {
			response.Error = err.Error()
			break
		}
		if config.ID == "" {
			config.ID = uuid.New().String()
		}

		s.startRun(&config)
		response.Payload = map[string]interface{}{
			"id":     config.ID,
			"status": "running",
		}

	case "backtest:status":
		payload, _ := msg.Payload.(map[string]interface{})
		id, _ := payload["id"].(string)

		s.mu.RLock()
		state, ok := s.runs[id]
		s.mu.RUnlock()

		if !ok {
			response.Error = "Backtest not found"
		} else {
			response.Payload = map[string]interface{}{
				"id":       state.ID,
				"status":   state.Status,
				"progress": state.Engine.GetProgress(),
			}
		}

	case "backtest:cancel":
		payload, _ := msg.Payload.(map[string]interface{})
		id, _ := payload["id"].(string)

		s.mu.RLock()
		state, ok := s.runs[id]
		s.mu.RUnlock()

		if !ok {
			response.Error = "Backtest not found"
		} else {
			state.Engine.Cancel()
			response.Payload = map[string]string{"status": "cancelled"}
		}

	case "subscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		client.Subs[channel] = true
		response.Payload = map[string]string{"subscribed": channel}

	case "unsubscribe":
		payload, _ := msg.Payload.(map[string]interface{})
		channel, _ := payload["channel"].(string)
		delete(client.Subs, channel)
		response.Payload = map[string]string{"unsubscribed": channel}

	default:
		response.Error = "Unknown method"
	}

	responseBytes, _ := json.Marshal(response)
	client.Send <- responseBytes
}

// broadcast sends a message to all connected clients, dropping it for any
// client whose send buffer is full.
func (s *Server) broadcast(msg *Message) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.Send <- msgBytes:
		default:
		}
	}
}
