package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"satgate/internal/catalog"
	"satgate/internal/database"
	"satgate/internal/proxy"
	"satgate/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	serviceName    = "satgate"
	serviceVersion = "0.6.0"
)

type Config struct {
	Host string
	Port string
}

// Server owns the HTTP surface: the wallet and catalogue routes plus
// the catch-all that meters everything else through the proxy.
type Server struct {
	cfg     Config
	catalog *catalog.Catalog
	wallet  *walletHandler
	proxy   http.Handler

	httpServer *http.Server
}

func New(cfg Config, cat *catalog.Catalog, accounts WalletAccounts, redeemer TokenWallet, proxyHandler http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		catalog: cat,
		wallet:  &walletHandler{accounts: accounts, wallet: redeemer},
		proxy:   proxyHandler,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/v1/models", s.handleModels)
	r.Get("/models", s.handleModels)

	r.Route("/v1/wallet", func(r chi.Router) {
		r.Get("/", s.wallet.handleInfo)
		r.Post("/topup", s.wallet.handleTopup)
		r.Post("/refund", s.wallet.handleRefund)
	})

	// Everything else is a metered upstream call.
	r.NotFound(s.proxy.ServeHTTP)
	r.MethodNotAllowed(s.proxy.ServeHTTP)

	s.httpServer = &http.Server{
		Addr:              cfg.Host + ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: proxied completions stream for as long as
		// the upstream keeps talking.
	}
	return s
}

// ListenAndServe blocks until the server stops. A closed-server error
// after Shutdown is not a failure.
func (s *Server) ListenAndServe() error {
	logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       serviceName,
		"version":    serviceVersion,
		"models_url": "/v1/models",
	})
}

// handleModels serves the current catalogue snapshot in list shape.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.Models()
	if models == nil {
		models = []catalog.Model{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("Failed to write response", zap.Error(err))
	}
}

// WalletAccounts is the ledger surface of the wallet routes.
type WalletAccounts interface {
	GetByHashedKey(ctx context.Context, hashedKey string) (*database.Account, error)
	Credit(ctx context.Context, hashedKey string, amountMsat int64) (*database.Account, error)
	Drain(ctx context.Context, hashedKey string) (int64, error)
}

var _ WalletAccounts = (*database.AccountRepository)(nil)
var _ proxy.Accounts = (*database.AccountRepository)(nil)
