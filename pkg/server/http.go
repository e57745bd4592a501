package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NicolasHaas/gatekeep/pkg/model"
)

// restrictionResponse is the JSON body of GET /restrictions/{userID}.
type restrictionResponse struct {
	UserID      int64      `json:"user_id"`
	Reason      string     `json:"reason"`
	ModeratorID int64      `json:"moderator_id"`
	ExpiresAt   *time.Time `json:"expires_at"` // null = never
	Permanent   bool       `json:"permanent"`
	CreatedAt   time.Time  `json:"created_at"`
}

type errorBody struct {
	Error string `json:"error"`
}

// routes builds the HTTP API:
//
//	GET /metrics                  Prometheus exposition
//	GET /healthz                  liveness
//	GET /restrictions/{userID}    active restriction, 404 if none
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/restrictions/{userID}", s.handleGetRestriction)
	return r
}

func (s *Server) handleGetRestriction(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid user id"})
		return
	}

	ctx := r.Context()
	d, err := s.gate.Check(ctx, userID, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "restriction lookup failed", "user_id", userID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	if d.Allowed() {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not blacklisted"})
		return
	}
	writeJSON(w, http.StatusOK, toRestrictionResponse(d.Restriction))
}

func toRestrictionResponse(r *model.Restriction) restrictionResponse {
	resp := restrictionResponse{
		UserID:      r.UserID,
		Reason:      r.Reason,
		ModeratorID: r.ModeratorID,
		Permanent:   r.Permanent(),
		CreatedAt:   r.CreatedAt,
	}
	if !r.Permanent() {
		expiresAt := r.ExpiresAt
		resp.ExpiresAt = &expiresAt
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
