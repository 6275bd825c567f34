// Package server is the drawsettle HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/drawsettle/internal/domain"
	"github.com/alanyoungcy/drawsettle/internal/metrics"
	"github.com/alanyoungcy/drawsettle/internal/server/handler"
	"github.com/alanyoungcy/drawsettle/internal/server/middleware"
	"github.com/alanyoungcy/drawsettle/internal/server/ws"
)

type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int
	// DepositWebhookSigned exempts the deposit endpoint from the API key
	// because it carries its own HMAC signature.
	DepositWebhookSigned bool
}

// Handlers groups the route handlers. Any nil group is not mounted.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Positions   *handler.PositionHandler
	Relayer     *handler.RelayerHandler
	Predictions *handler.PredictionHandler
	History     *handler.HistoryHandler
	Ledger      *handler.LedgerHandler
	PnL         *handler.PnLHandler
	Windows     *handler.WindowHandler
}

// Server is the HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route on a ServeMux and wraps it in the
// middleware chain: metrics, CORS, logging, rate limit, auth.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	public := []string{"/api/health", "/api/status", "/metrics"}

	if h.Health != nil {
		mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	}
	if h.Status != nil {
		mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	}
	mux.Handle("GET /metrics", metrics.Handler())

	if h.Positions != nil {
		mux.HandleFunc("POST /api/positions/{id}/close", h.Positions.Close)
		mux.HandleFunc("GET /api/positions/{id}/state", h.Positions.State)
	}
	if h.Relayer != nil {
		mux.HandleFunc("POST /api/relayer/fund", h.Relayer.Fund)
		mux.HandleFunc("GET /api/relayer/nonce", h.Relayer.Nonce)
	}
	if h.Predictions != nil {
		mux.HandleFunc("POST /api/predictions", h.Predictions.Put)
	}
	if h.History != nil {
		mux.HandleFunc("GET /api/history", h.History.List)
		mux.HandleFunc("GET /api/history/user/{addr}", h.History.ByUser)
		mux.HandleFunc("GET /api/leaderboard", h.History.Leaderboard)
		mux.HandleFunc("GET /api/stats", h.History.Stats)
	}
	if h.Ledger != nil {
		mux.HandleFunc("GET /api/ledger/{addr}", h.Ledger.Balance)
		mux.HandleFunc("POST /api/ledger/deposits", h.Ledger.Deposit)
		if cfg.DepositWebhookSigned {
			public = append(public, "/api/ledger/deposits")
		}
	}
	if h.PnL != nil {
		mux.HandleFunc("POST /api/pnl/estimate", h.PnL.Estimate)
	}
	if h.Windows != nil {
		mux.HandleFunc("GET /api/windows/{start}", h.Windows.Get)
		mux.HandleFunc("POST /api/windows/{start}/requeue", h.Windows.Requeue)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var chain http.Handler = mux
	chain = middleware.Auth(cfg.APIKey, public...)(chain)
	chain = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, logger)(chain)
	chain = middleware.Logging(logger, "/metrics", "/api/health")(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)
	chain = metrics.Middleware(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Closes wait on chain receipts.
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		handler: chain,
		logger:  logger.With(slog.String("component", "server")),
	}
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
