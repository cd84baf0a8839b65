package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campora/places-sync/internal/importer"
	"github.com/campora/places-sync/internal/ingest"
	"github.com/campora/places-sync/internal/model"
	"github.com/campora/places-sync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env, cfg.Server.AllowedOrigins),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the admin API routes on top of the shared environment.
func newRouter(env *appEnv, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}

	h := &apiHandler{env: env}

	r.Get("/health", h.health)
	r.Route("/sync", func(r chi.Router) {
		r.Post("/trigger", h.triggerSync)
		r.Post("/cancel", h.cancelSync)
		r.Get("/status", h.syncStatus)
		r.Get("/logs", h.syncLogs)
	})
	r.Route("/candidates", func(r chi.Router) {
		r.Get("/", h.listCandidates)
		r.Get("/{id}", h.getCandidate)
		r.Post("/{id}/approve", h.approveCandidate)
		r.Post("/{id}/reject", h.rejectCandidate)
	})

	return r
}

type apiHandler struct {
	env *appEnv
}

func (h *apiHandler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.env.Store.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *apiHandler) triggerSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope     string `json:"scope"`
		SyncType  string `json:"sync_type"`
		MaxPlaces int    `json:"max_places"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Scope == "" {
		respondError(w, http.StatusBadRequest, "scope is required")
		return
	}
	syncType := model.SyncType(req.SyncType)
	if req.SyncType == "" {
		syncType = model.SyncTypeFull
	}
	if syncType != model.SyncTypeFull && syncType != model.SyncTypeIncremental {
		respondError(w, http.StatusBadRequest, "sync_type must be full or incremental")
		return
	}

	job, err := h.env.Orchestrator.Trigger(r.Context(), req.Scope, syncType, req.MaxPlaces)
	if err != nil {
		var running *ingest.RunningError
		if eris.As(err, &running) {
			respondJSON(w, http.StatusConflict, map[string]string{
				"error":         "sync already running",
				"scope":         running.Scope,
				"active_job_id": running.JobID,
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (h *apiHandler) cancelSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		respondError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	job, err := h.env.Orchestrator.Cancel(r.Context(), req.JobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (h *apiHandler) syncStatus(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		respondError(w, http.StatusBadRequest, "scope is required")
		return
	}

	job, err := h.env.Orchestrator.Status(r.Context(), scope)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"active": job})
}

func (h *apiHandler) syncLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	jobs, err := h.env.Orchestrator.Logs(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *apiHandler) listCandidates(w http.ResponseWriter, r *http.Request) {
	filter := store.CandidateFilter{
		Status: model.CandidateStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("is_duplicate"); v != "" {
		dup, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "is_duplicate must be a boolean")
			return
		}
		filter.IsDuplicate = &dup
	}

	candidates, total, err := h.env.Store.ListCandidates(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if candidates == nil {
		candidates = []model.ImportCandidate{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"candidates": candidates,
		"total":      total,
	})
}

func (h *apiHandler) getCandidate(w http.ResponseWriter, r *http.Request) {
	c, err := h.env.Store.GetCandidate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (h *apiHandler) approveCandidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		DecidedBy string `json:"decided_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.DecidedBy == "" {
		req.DecidedBy = "api"
	}

	if _, err := h.env.Store.DecideCandidate(r.Context(), id, model.CandidateStatusApproved, req.DecidedBy, ""); err != nil {
		// An approved candidate whose earlier import failed may be
		// retried; anything else is a real conflict.
		c, gerr := h.env.Store.GetCandidate(r.Context(), id)
		if !eris.Is(err, store.ErrConflictAlreadyDecided) || gerr != nil || c.Status != model.CandidateStatusApproved {
			writeDomainError(w, err)
			return
		}
	}

	// The approval is durable at this point; a failed import leaves the
	// candidate approved and retryable.
	imported, err := h.env.Importer.Import(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"candidate":  imported,
		"listing_id": imported.ImportedListingID,
	})
}

func (h *apiHandler) rejectCandidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		DecidedBy string `json:"decided_by"`
		Reason    string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.DecidedBy == "" {
		req.DecidedBy = "api"
	}

	c, err := h.env.Store.DecideCandidate(r.Context(), id, model.CandidateStatusRejected, req.DecidedBy, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// writeDomainError maps pipeline errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, store.ErrCandidateNotFound),
		eris.Is(err, store.ErrJobNotFound),
		eris.Is(err, ingest.ErrScopeNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case eris.Is(err, store.ErrConflictAlreadyDecided),
		eris.Is(err, store.ErrActiveJobExists):
		respondError(w, http.StatusConflict, err.Error())
	case eris.Is(err, store.ErrInvalidStateTransition),
		eris.Is(err, store.ErrRejectionReasonRequired),
		eris.Is(err, store.ErrPendingCandidateExists):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case eris.Is(err, importer.ErrImportPersistenceFailed):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		zap.L().Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
