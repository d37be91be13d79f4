// Package dashboard serves the ledger's HTTP API: position views, intent
// submission and on-demand reconciliation.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/dispatch"
	"github.com/eddiefleurent/position_ledger/internal/metrics"
	"github.com/eddiefleurent/position_ledger/internal/models"
	"github.com/eddiefleurent/position_ledger/internal/reconcile"
	"github.com/eddiefleurent/position_ledger/internal/storage"
)

const maxIntentBytes = 64 << 10

// Dispatcher executes trade intents.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Intent) (*dispatch.Outcome, error)
}

// Reconciler runs one broker sync pass.
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.SyncReport, error)
}

type Server struct {
	router         *chi.Mux
	server         *http.Server
	storage        storage.Reader
	dispatcher     Dispatcher
	reconciler     Reconciler
	logger         *logrus.Logger
	port           int
	authToken      string
	requestTimeout time.Duration
}

type Config struct {
	Port           int
	AuthToken      string
	RequestTimeout time.Duration
}

// PositionDetail is a position with its lots.
type PositionDetail struct {
	Position models.Position `json:"position"`
	Lots     []models.Lot    `json:"lots"`
}

type intentResponse struct {
	*dispatch.Outcome
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

type reconcileResponse struct {
	*reconcile.SyncReport
	Error string `json:"error,omitempty"`
}

func NewServer(cfg Config, store storage.Reader, d Dispatcher, r Reconciler, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		router:         chi.NewRouter(),
		storage:        store,
		dispatcher:     d,
		reconciler:     r,
		logger:         logger,
		port:           cfg.Port,
		authToken:      cfg.AuthToken,
		requestTimeout: cfg.RequestTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))
		r.Get("/health", s.handleHealth)
		r.Get("/api/positions", s.handleGetPositions)
		r.Get("/api/positions/{ci}", s.handleGetPosition)
		r.Post("/api/reconcile", s.handleReconcile)
		r.Handle("/metrics", metrics.Handler())
	})

	// Sell cascades outlive any sensible request timeout.
	s.router.Post("/api/intents", s.handleIntent)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting ledger API on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().Unix(),
		"open_positions": len(s.storage.ListOpen("")),
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	ticker := r.URL.Query().Get("ticker")
	var positions []models.Position
	if r.URL.Query().Get("all") == "true" {
		root := contract.Symbols.TraderSymbol(ticker)
		for _, p := range s.storage.List() {
			if ticker == "" || p.Ticker == root {
				positions = append(positions, p)
			}
		}
	} else {
		positions = s.storage.ListOpen(ticker)
	}
	if positions == nil {
		positions = []models.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	ci := chi.URLParam(r, "ci")

	position, found := s.storage.Get(ci)
	if !found {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, PositionDetail{Position: position, Lots: s.storage.Lots(ci)})
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		http.Error(w, "intents disabled", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIntentBytes+1))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(body) > maxIntentBytes {
		http.Error(w, "intent too large", http.StatusRequestEntityTooLarge)
		return
	}
	in, err := dispatch.ParseIntent(body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, intentResponse{Error: err.Error(), ErrorCode: "InvalidIntent"})
		return
	}

	// A client hanging up must not abort a sell halfway through its cascade.
	out, err := s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), in)
	resp := intentResponse{Outcome: out}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorCode = models.ErrorCode(err)
	}
	s.writeJSON(w, intentStatus(err), resp)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		http.Error(w, "reconciliation disabled", http.StatusServiceUnavailable)
		return
	}
	report, err := s.reconciler.RunOnce(r.Context())
	resp := reconcileResponse{SyncReport: report}
	status := http.StatusOK
	if err != nil {
		s.logger.WithError(err).Warn("On-demand reconciliation reported errors")
		resp.Error = err.Error()
		status = http.StatusBadGateway
		if report != nil {
			status = http.StatusMultiStatus
		}
	}
	s.writeJSON(w, status, resp)
}

// intentStatus maps an execution error to an HTTP status.
func intentStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, models.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAmbiguousPosition), errors.Is(err, models.ErrLockBusy):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientQuantity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrBrokerRejected):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrBrokerTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
