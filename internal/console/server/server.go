package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/approval-orchestrator/internal/console/handler"
	"github.com/xela07ax/approval-orchestrator/internal/domain"
	"github.com/xela07ax/approval-orchestrator/internal/infra/auth"
	"go.uber.org/zap"
)

// Health — проверка зависимостей для /health (ping БД и т.п.), может быть nil
type Health func(r *http.Request) error

type CommandServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator
	metrics       prometheus.Gatherer
	health        Health

	approvalHandler *handler.ApprovalHandler // /v1/approvals
}

// NewCommandServer инициализирует Command API со всеми зависимостями
func NewCommandServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	gatherer prometheus.Gatherer,
	health Health,
	approvalH *handler.ApprovalHandler,
) *CommandServer {
	s := &CommandServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("command-api"),
		authValidator:   validator,
		metrics:         gatherer,
		health:          health,
		approvalHandler: approvalH,
	}

	s.routes()
	return s
}

func (s *CommandServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		if s.metrics != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List) // Очередь решений
			r.With(auth.RequireScope(domain.ScopeApprovalsRequest)).Post("/", s.approvalHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.With(auth.RequireScope(domain.ScopeApprovalsRequest)).Delete("/", s.approvalHandler.Cancel)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(domain.ScopeApprovalsDecide))
					r.Post("/approve", s.approvalHandler.Approve) // Исполнение действия
					r.Post("/reject", s.approvalHandler.Reject)
				})
			})
		})
	})
}

func (s *CommandServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать CommandServer как стандартный http.Handler
func (s *CommandServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
