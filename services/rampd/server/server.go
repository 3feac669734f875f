package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cryptoramp/services/rampd/assets"
	"cryptoramp/services/rampd/engine"
	"cryptoramp/services/rampd/models"
	"cryptoramp/services/rampd/notify"
	"cryptoramp/services/rampd/settlement"
)

// Ramp is the lifecycle engine surface served over HTTP.
type Ramp interface {
	CreateSellTransaction(ctx context.Context, req engine.SellRequest) (*models.Transaction, error)
	CreateBuyTransaction(ctx context.Context, req engine.BuyRequest) (*models.Transaction, error)
	ProcessCharge(ctx context.Context, id string) (*models.Transaction, error)
	StartWatch(tx *models.Transaction)
	Get(ctx context.Context, id string) (*models.Transaction, error)
	ConfirmTransaction(ctx context.Context, id string) bool
	LatestPending(ctx context.Context, userID int64) (*models.Transaction, error)
	CancelSession(sessionKey string)
}

// Banks resolves payout accounts and lists the bank directory.
type Banks interface {
	ResolveBankAccount(ctx context.Context, accountNumber, bankCode string) (*settlement.BankAccount, error)
	ListBanks(ctx context.Context) ([]settlement.Bank, error)
}

// Rates quotes the current fiat price of an asset.
type Rates interface {
	CurrentRate(asset assets.Asset) (decimal.Decimal, error)
}

// Sessions streams session scoped messages.
type Sessions interface {
	Subscribe(sessionKey string) (<-chan notify.Message, func())
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress   string
	RateLimit       RateLimit
	ShutdownTimeout time.Duration
	// OriginPatterns are the hosts allowed to open event streams from a browser.
	OriginPatterns []string
	// TrustProxyHeaders takes the client address from X-Real-IP or
	// X-Forwarded-For. Enable it only behind a proxy that sets them.
	TrustProxyHeaders bool
}

// Server hosts the rampd API.
type Server struct {
	cfg      Config
	ramp     Ramp
	banks    Banks
	rates    Rates
	sessions Sessions
	limiter  *RateLimiter
	logger   *slog.Logger

	router http.Handler
}

// New constructs the server and its router.
func New(cfg Config, ramp Ramp, banks Banks, rates Rates, sessions Sessions, logger *slog.Logger) (*Server, error) {
	if ramp == nil {
		return nil, fmt.Errorf("engine required")
	}
	if banks == nil {
		return nil, fmt.Errorf("bank directory required")
	}
	if rates == nil {
		return nil, fmt.Errorf("rate source required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	srv := &Server{
		cfg:      cfg,
		ramp:     ramp,
		banks:    banks,
		rates:    rates,
		sessions: sessions,
		limiter:  NewRateLimiter(cfg.RateLimit),
		logger:   logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Post("/transactions/sell", s.handleCreateSell)
		api.Post("/transactions/buy", s.handleCreateBuy)
		api.Get("/transactions/{id}", s.handleGetTransaction)
		api.Post("/transactions/{id}/confirm", s.handleConfirm)
		api.Get("/users/{userID}/pending", s.handleLatestPending)
		api.Delete("/sessions/{key}", s.handleCancelSession)
		api.Get("/sessions/{key}/events", s.handleSessionEvents)
		api.Get("/rates", s.handleRates)
		api.Get("/banks", s.handleBanks)
	})

	return otelhttp.NewHandler(r, "rampd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func trimmedParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}
