package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/mediaroute/internal/ledger"
	"github.com/digkill/mediaroute/internal/models"
	"github.com/digkill/mediaroute/internal/orchestrator"
	"github.com/digkill/mediaroute/internal/selector"
	"github.com/digkill/mediaroute/internal/session"
)

type Server struct {
	addr     string
	log      *slog.Logger
	pipeline *orchestrator.Orchestrator
	ledger   *ledger.Ledger
	sessions session.Store
	router   *chi.Mux
}

func NewServer(addr string, log *slog.Logger, pipeline *orchestrator.Orchestrator, led *ledger.Ledger, sessions session.Store) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		log:      log,
		pipeline: pipeline,
		ledger:   led,
		sessions: sessions,
		router:   r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/generations", s.handleGenerate)
	r.Route("/v1/credits/{userID}", func(r chi.Router) {
		r.Get("/availability", s.handleAvailability)
		r.Get("/transactions", s.handleTransactions)
	})
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req models.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt required")
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	result, err := s.pipeline.Process(r.Context(), req)
	if err != nil {
		status, message := mapPipelineError(err)
		s.log.Warn("generation failed", "user_id", req.UserID, "status", status, "err", err)
		var rateErr *orchestrator.RateLimitedError
		if errors.As(err, &rateErr) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())+1))
		}
		writeJSON(w, status, struct {
			*models.GenerationResult
			Message string `json:"message"`
		}{result, message})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	workflow := models.WorkflowType(r.URL.Query().Get("workflow"))
	if !workflow.Valid() {
		writeError(w, http.StatusBadRequest, "unknown workflow type")
		return
	}

	avail, err := s.ledger.CheckAvailability(r.Context(), userID, workflow)
	if err != nil {
		s.log.Error("availability check failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	now := time.Now().UTC()
	from := parseTime(r.URL.Query().Get("from"), now.AddDate(0, -1, 0))
	to := parseTime(r.URL.Query().Get("to"), now.Add(time.Minute))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	txs, err := s.ledger.Transactions(r.Context(), userID, from, to, limit)
	if err != nil {
		s.log.Error("list transactions failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.log.Error("load session failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.log.Error("delete session failed", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"breakers": s.pipeline.BreakerStates(),
	})
}

func mapPipelineError(err error) (int, string) {
	var insufficientErr *ledger.InsufficientFundsError
	var rateErr *orchestrator.RateLimitedError
	var providerErr *orchestrator.ProviderUnavailableError

	switch {
	case errors.As(err, &insufficientErr):
		return http.StatusPaymentRequired, insufficientErr.Guidance
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, rateErr.Error()
	case errors.Is(err, selector.ErrUnsupportedWorkflow):
		return http.StatusBadRequest, "no model supports the detected workflow"
	case errors.Is(err, orchestrator.ErrNoEditTarget):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &providerErr):
		return http.StatusBadGateway, providerErr.Error()
	case errors.Is(err, ledger.ErrConsistency):
		return http.StatusInternalServerError, "credit ledger inconsistency; request failed closed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func parseTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return t
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
