package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mike2153/NestWatcher-sub000/internal/config"
	"github.com/mike2153/NestWatcher-sub000/internal/models"
	"github.com/mike2153/NestWatcher-sub000/internal/ratelimit"
	"github.com/mike2153/NestWatcher-sub000/internal/store"
	"github.com/mike2153/NestWatcher-sub000/internal/telemetry"
)

// Store is the job persistence surface the API serves from.
type Store interface {
	GetJob(ctx context.Context, key string) (models.Job, bool, error)
	ListEvents(ctx context.Context, key string, limit int) ([]models.JobEvent, error)
	UpdateLifecycle(ctx context.Context, key, target string, opts store.LifecycleOptions) (models.LifecycleResult, error)
	ResetForRestage(ctx context.Context, key string) (models.RestageResult, error)
}

// Reserver handles soft reservations and controller-confirmed locks.
type Reserver interface {
	Reserve(ctx context.Context, key, actor string) (bool, error)
	Unreserve(ctx context.Context, key, actor string) (bool, error)
	Lock(ctx context.Context, key, actor string) (models.LockBatchResult, error)
	LockBatch(ctx context.Context, keys []string, actor string) (models.LockBatchResult, error)
	Unlock(ctx context.Context, keys []string, actor string) (models.UnlockResult, error)
}

// Server wires HTTP handlers for the control-plane API.
type Server struct {
	cfg      config.Config
	store    Store
	reserver Reserver
	limiter  *ratelimit.TokenBucket
	feed     http.HandlerFunc
}

// New constructs the API server. limiter and feed may be nil; lock
// endpoints are then unthrottled and no event feed is mounted.
func New(cfg config.Config, st Store, rs Reserver, limiter *ratelimit.TokenBucket, feed http.HandlerFunc) *Server {
	return &Server{cfg: cfg, store: st, reserver: rs, limiter: limiter, feed: feed}
}

// allowExchange gates endpoints that turn into file traffic on the
// controller share.
func (s *Server) allowExchange(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), "rl:exchange:"+actorFromRequest(r))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.LockRateRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())
	if s.feed != nil {
		r.Get("/ws", s.feed)
	}

	r.Get("/jobs/{key}", s.handleGetJob)
	r.Get("/jobs/{key}/events", s.handleListEvents)
	r.Post("/jobs/{key}/reserve", s.handleReserve)
	r.Post("/jobs/{key}/unreserve", s.handleUnreserve)
	r.Post("/jobs/{key}/lock", s.handleLock)
	r.Post("/jobs/{key}/lifecycle", s.handleLifecycle)
	r.Post("/jobs/{key}/restage", s.handleRestage)
	r.Post("/locks/batch", s.handleLockBatch)
	r.Post("/locks/release", s.handleRelease)
	return r
}

// jobKeyParam extracts the {key} segment. Keys are relative program paths,
// so slashes arrive percent-encoded and must be unescaped before lookup.
func jobKeyParam(r *http.Request) string {
	key := chi.URLParam(r, "key")
	if unescaped, err := url.PathUnescape(key); err == nil {
		return unescaped
	}
	return key
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key := jobKeyParam(r)
	job, found, err := s.store.GetJob(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "reason": models.ReasonNotFound})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	key := jobKeyParam(r)
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.store.ListEvents(r.Context(), key, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	s.handleSoftReservation(w, r, s.reserver.Reserve)
}

func (s *Server) handleUnreserve(w http.ResponseWriter, r *http.Request) {
	s.handleSoftReservation(w, r, s.reserver.Unreserve)
}

func (s *Server) handleSoftReservation(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (bool, error)) {
	key := jobKeyParam(r)
	ok, err := op(r.Context(), key, actorFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if !ok {
		// The flag was already in the requested state, or the job is gone.
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]any{"ok": ok})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if !s.allowExchange(w, r) {
		return
	}
	key := jobKeyParam(r)
	res, err := s.reserver.Lock(r.Context(), key, actorFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeLockResult(w, res)
}

type batchRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleLockBatch(w http.ResponseWriter, r *http.Request) {
	if !s.allowExchange(w, r) {
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.reserver.LockBatch(r.Context(), req.Keys, actorFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeLockResult(w, res)
}

func writeLockResult(w http.ResponseWriter, res models.LockBatchResult) {
	code := http.StatusOK
	switch res.Reason {
	case models.ReasonNotFound:
		code = http.StatusNotFound
	case models.ReasonInsufficientStock:
		telemetry.BatchLockRejects.Inc()
		code = http.StatusConflict
	case models.ReasonEmptyBatch:
		code = http.StatusBadRequest
	case "":
	default:
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !s.allowExchange(w, r) {
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.reserver.Unlock(r.Context(), req.Keys, actorFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	if !res.OK {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

type lifecycleRequest struct {
	Status    string         `json:"status"`
	MachineID *int           `json:"machine_id"`
	Pallet    *string        `json:"pallet"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	key := jobKeyParam(r)
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}
	res, err := s.store.UpdateLifecycle(r.Context(), key, req.Status, store.LifecycleOptions{
		MachineID: req.MachineID,
		Pallet:    req.Pallet,
		Source:    actorFromRequest(r),
		Payload:   req.Payload,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	switch res.Reason {
	case models.ReasonNotFound:
		code = http.StatusNotFound
	case models.ReasonInvalidTransition:
		telemetry.TransitionsRejected.Inc()
		code = http.StatusConflict
	}
	if res.OK {
		telemetry.TransitionsApplied.Inc()
	}
	writeJSON(w, code, res)
}

func (s *Server) handleRestage(w http.ResponseWriter, r *http.Request) {
	key := jobKeyParam(r)
	res, err := s.store.ResetForRestage(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusOK
	switch res.Reason {
	case models.ReasonNotFound:
		code = http.StatusNotFound
	case models.ReasonInvalidTransition:
		code = http.StatusConflict
	}
	if res.Reset {
		telemetry.RestagesTotal.Inc()
	}
	writeJSON(w, code, res)
}

func actorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
