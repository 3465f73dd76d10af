// Package api exposes the command surface over HTTP and streams bus events
// to websocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"hftsim-go/internal/command"
	"hftsim-go/internal/execution"
	"hftsim-go/internal/risk"
	"hftsim-go/internal/signal"
)

// Server handles REST commands and the /ws event stream.
type Server struct {
	log        zerolog.Logger
	trader     command.Trader
	dispatcher *command.Dispatcher
	hub        *Hub
	router     *mux.Router
	origins    []string
}

// NewServer wires routes for trader. allowedOrigins empty allows any origin.
func NewServer(trader command.Trader, dispatcher *command.Dispatcher, hub *Hub, log zerolog.Logger, allowedOrigins []string) *Server {
	s := &Server{
		log:        log.With().Str("component", "api").Logger(),
		trader:     trader,
		dispatcher: dispatcher,
		hub:        hub,
		router:     mux.NewRouter(),
		origins:    allowedOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/portfolio", s.handlePortfolio).Methods("GET")
	api.HandleFunc("/trades", s.handleOpenTrade).Methods("POST")
	api.HandleFunc("/trades/{orderId}/close", s.handleCloseTrade).Methods("POST")
	api.HandleFunc("/bot", s.handleBot).Methods("POST")
	api.HandleFunc("/strategy", s.handleStrategy).Methods("GET", "POST")
	api.HandleFunc("/reviews", s.handleListReviews).Methods("GET")
	api.HandleFunc("/reviews", s.handleRequestReview).Methods("POST")
	api.HandleFunc("/reviews/approve", s.handleApprove).Methods("POST")
	api.HandleFunc("/reviews/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/commands", s.handleCommand).Methods("POST")

	if s.hub != nil {
		s.router.Handle("/ws", s.hub)
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.trader.PortfolioSnapshot())
}

func (s *Server) handleOpenTrade(w http.ResponseWriter, r *http.Request) {
	var body OpenTradeRequest
	if !decode(w, r, &body) {
		return
	}
	side, err := signal.ParseSide(body.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_side", err.Error())
		return
	}
	typ := signal.Market
	if body.Type != "" {
		if typ, err = signal.ParseOrderType(body.Type); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_type", err.Error())
			return
		}
	}
	receipt, err := s.trader.OpenTrade(signal.OrderRequest{
		Instrument: strings.ToUpper(strings.TrimSpace(body.Instrument)),
		Quantity:   body.Quantity,
		Side:       side,
		Type:       typ,
		LimitPrice: body.LimitPrice,
		Strategy:   s.trader.Strategy(),
		Source:     signal.SourceManual,
	})
	if err != nil {
		s.respondTradeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleCloseTrade(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.trader.CloseTrade(mux.Vars(r)["orderId"])
	if err != nil {
		s.respondTradeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleBot(w http.ResponseWriter, r *http.Request) {
	var body BotRequest
	if !decode(w, r, &body) {
		return
	}
	s.trader.SetBotRunning(body.Running)
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var body StrategyRequest
		if !decode(w, r, &body) {
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			respondError(w, http.StatusBadRequest, "invalid_strategy", "name is required")
			return
		}
		s.trader.SwitchStrategy(body.Name)
	}
	respondJSON(w, http.StatusOK, StrategyRequest{Name: s.trader.Strategy()})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	pending := s.dispatcher.Reviews().List()
	if pending == nil {
		pending = []signal.ReviewRequest{}
	}
	respondJSON(w, http.StatusOK, ReviewsResponse{Pending: pending})
}

func (s *Server) handleRequestReview(w http.ResponseWriter, r *http.Request) {
	var body ReviewBody
	if !decode(w, r, &body) {
		return
	}
	side, err := signal.ParseSide(body.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_side", err.Error())
		return
	}
	if strings.TrimSpace(body.Instrument) == "" || body.Quantity <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_review", "instrument and positive quantity required")
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "Manual review request"
	}
	req := s.trader.RequestReview(signal.OrderRequest{
		Instrument: strings.ToUpper(body.Instrument),
		Quantity:   body.Quantity,
		Side:       side,
		Type:       signal.Market,
		Strategy:   s.trader.Strategy(),
		Source:     signal.SourceAuto,
	}, reason)
	respondJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.dispatcher.Approve()
	if err != nil {
		s.respondTradeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	rv, err := s.dispatcher.Reject()
	if err != nil {
		s.respondTradeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rv)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body CommandRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := s.dispatcher.Execute(body.Line)
	if err != nil {
		s.respondTradeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// respondTradeError maps domain errors onto HTTP status codes.
func (s *Server) respondTradeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	var rej *risk.RejectError
	switch {
	case errors.As(err, &rej):
		status, code = http.StatusUnprocessableEntity, string(rej.Limit)
	case errors.Is(err, risk.ErrRejected):
		status, code = http.StatusUnprocessableEntity, "risk_reject"
	case errors.Is(err, execution.ErrPositionNotFound), errors.Is(err, command.ErrNoReview), errors.Is(err, command.ErrNoOpenOrder):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, execution.ErrClosePending):
		status, code = http.StatusConflict, "close_pending"
	case errors.Is(err, execution.ErrNotRunning):
		status, code = http.StatusServiceUnavailable, "not_running"
	case errors.Is(err, execution.ErrInvalidOrder), errors.Is(err, command.ErrUnknownCommand),
		errors.Is(err, command.ErrEmptyCommand), errors.Is(err, command.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "bad_request"
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	respondError(w, status, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: code, Message: message})
}
