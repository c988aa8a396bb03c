// Package httpapi exposes the REST and WebSocket surface: chi routing, the
// common response envelope, JWT/API-key authentication, and per-tenant
// isolation on every /tenants/{tenantId} subtree.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"openpos/internal/auth"
	"openpos/internal/bus"
	"openpos/internal/cart"
	"openpos/internal/config"
	"openpos/internal/hub"
	"openpos/internal/journal"
	"openpos/internal/report"
	"openpos/internal/scheduler"
	"openpos/internal/stock"
	"openpos/internal/terminal"
)

// Server wires the engines into the HTTP surface.
type Server struct {
	cfg       config.ServerConfig
	broker    *auth.Broker
	accounts  *auth.Accounts
	terminals *terminal.Engine
	carts     *cart.Engine
	stocks    *stock.Engine
	sched     *scheduler.Scheduler
	events    *bus.Bus
	alerts    *hub.Hub
	reports   *report.Sink
	journals  *journal.Sink
	server    *http.Server
	logger    *slog.Logger
}

// Deps carries the constructed engines into the server.
type Deps struct {
	Broker    *auth.Broker
	Accounts  *auth.Accounts
	Terminals *terminal.Engine
	Carts     *cart.Engine
	Stocks    *stock.Engine
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus
	Hub       *hub.Hub
	Reports   *report.Sink
	Journals  *journal.Sink
	Registry  *prometheus.Registry
}

func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		broker:    deps.Broker,
		accounts:  deps.Accounts,
		terminals: deps.Terminals,
		carts:     deps.Carts,
		stocks:    deps.Stocks,
		sched:     deps.Scheduler,
		events:    deps.Bus,
		alerts:    deps.Hub,
		reports:   deps.Reports,
		journals:  deps.Journals,
		logger:    logger.With("component", "api-server"),
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(deps.Registry),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	r.Get("/ws/{tenantId}/{storeCode}", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts/token", s.handleToken)
		r.Post("/accounts/register", s.handleRegister)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/accounts/register/user", s.handleRegisterUser)

			// Event ingress; tenant scoping comes from the payload.
			r.Post("/tranlog", s.handleIngressTranlog)
			r.Post("/cashlog", s.handleIngressCashlog)
			r.Post("/opencloselog", s.handleIngressOpenCloseLog)

			r.Route("/tenants/{tenantId}", func(r chi.Router) {
				r.Use(s.tenantGuard)

				r.Get("/", s.handleGetTenant)
				r.Delete("/", s.handleDeleteTenant)

				r.Route("/stores", func(r chi.Router) {
					r.Post("/", s.handleCreateStore)
					r.Get("/", s.handleListStores)

					r.Route("/{storeCode}", func(r chi.Router) {
						r.Get("/", s.handleGetStore)
						r.Delete("/", s.handleDeleteStore)

						r.Route("/terminals", func(r chi.Router) {
							r.Post("/", s.handleCreateTerminal)
							r.Get("/", s.handleListTerminals)

							r.Route("/{terminalNo}", func(r chi.Router) {
								r.Get("/", s.handleGetTerminal)
								r.Delete("/", s.handleDeleteTerminal)
								r.Post("/sign-in", s.handleSignIn)
								r.Post("/sign-out", s.handleSignOut)
								r.Post("/open", s.handleOpen)
								r.Post("/close", s.handleClose)
								r.Post("/cash-in", s.handleCashIn)
								r.Post("/cash-out", s.handleCashOut)
								r.Put("/function_mode", s.handleFunctionMode)
								r.Put("/description", s.handleDescription)

								r.Route("/carts", func(r chi.Router) {
									r.Post("/", s.handleCreateCart)
									r.Route("/{cartId}", func(r chi.Router) {
										r.Get("/", s.handleGetCart)
										r.Post("/items", s.handleAddItem)
										r.Post("/items/{lineNo}/cancel", s.handleCancelLine)
										r.Post("/items/{lineNo}/discount", s.handleLineDiscount)
										r.Post("/discount", s.handleCartDiscount)
										r.Post("/subtotal", s.handleSubtotal)
										r.Post("/back", s.handleBack)
										r.Post("/payments", s.handleAddPayment)
										r.Post("/complete", s.handleCompleteCart)
										r.Post("/cancel", s.handleCancelCart)
										r.Post("/pause", s.handlePauseCart)
										r.Post("/resume", s.handleResumeCart)
									})
								})

								r.Get("/tranlogs", s.handleListTranlogs)
								r.Get("/tranlogs/{transactionNo}", s.handleGetTranlog)
							})
						})

						r.Route("/stock", func(r chi.Router) {
							r.Get("/", s.handleListStock)
							r.Get("/low", s.handleLowStock)
							r.Get("/reorder-alerts", s.handleReorderAlerts)
							r.Post("/snapshot", s.handleCreateSnapshot)
							r.Route("/{itemCode}", func(r chi.Router) {
								r.Get("/", s.handleGetStock)
								r.Put("/update", s.handleUpdateStock)
								r.Get("/history", s.handleStockHistory)
								r.Put("/minimum", s.handleSetMinimum)
								r.Put("/reorder", s.handleSetReorder)
							})
						})
					})
				})

				r.Route("/stock", func(r chi.Router) {
					r.Get("/snapshots", s.handleListSnapshots)
					r.Get("/snapshot/{snapshotId}", s.handleGetSnapshot)
					r.Delete("/snapshot/{snapshotId}", s.handleDeleteSnapshot)
					r.Put("/snapshot-schedule", s.handlePutSchedule)
					r.Get("/snapshot-schedule", s.handleGetSchedule)
					r.Delete("/snapshot-schedule", s.handleDeleteSchedule)
				})

				r.Get("/reports/{terminalId}/{businessDate}/sales", s.handleReportSales)
				r.Get("/reports/{terminalId}/{businessDate}/cash", s.handleReportCash)
				r.Get("/reports/{terminalId}/{businessDate}/open-close", s.handleReportOpenClose)
				r.Get("/journals/{terminalId}/{businessDate}", s.handleJournals)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, "health", map[string]string{"status": "ok"})
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }
