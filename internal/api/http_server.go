// Package api exposes the manual sync trigger and failed-sync operations
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ordersync/internal/config"
	"ordersync/internal/database"
	"ordersync/internal/metrics"
	"ordersync/internal/models"
	"ordersync/internal/pipeline"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultListLimit     = 100
	maxListLimit         = 1000
	requestIDHeader      = "X-Request-Id"
	dateLayout           = "2006-01-02"
	maxTriggerBodyLength = 1 << 16
)

// Syncer is implemented by *pipeline.Pipeline.
type Syncer interface {
	RunSync(ctx context.Context, rng models.DateRange, opts ...pipeline.RunOption) (pipeline.RunResult, error)
	Running() bool
	Progress() (models.SyncProgressSnapshot, bool)
	LastResult() (pipeline.RunResult, bool)
}

// FailedSyncs is implemented by *recovery.Service.
type FailedSyncs interface {
	List(ctx context.Context, status string, limit int) ([]*models.FailedSyncRecord, error)
	Requeue(ctx context.Context, id int64) error
}

type HTTPServer struct {
	cfg          config.APIConfig
	syncer       Syncer
	failed       FailedSyncs
	lookbackDays int
	server       *http.Server
	auth         *HTTPAuth
	logger       *zerolog.Logger
	baseCtx      context.Context
	now          func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, syncCfg config.SyncConfig, syncer Syncer, failed FailedSyncs, logger *zerolog.Logger) *HTTPServer {
	lookback := syncCfg.LookbackDays
	if lookback <= 0 {
		lookback = models.DefaultLookbackDays
	}
	l := logger.With().Str("component", "http").Logger()
	srv := &HTTPServer{
		cfg:          cfg,
		syncer:       syncer,
		failed:       failed,
		lookbackDays: lookback,
		auth:         NewHTTPAuth(cfg),
		logger:       &l,
		baseCtx:      context.Background(),
		now:          time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("POST /api/v1/sync", srv.handleTriggerSync)
	mux.HandleFunc("GET /api/v1/sync/progress", srv.handleProgress)
	mux.HandleFunc("GET /api/v1/failed-syncs", srv.handleListFailedSyncs)
	mux.HandleFunc("POST /api/v1/failed-syncs/{id}/requeue", srv.handleRequeue)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown. Background syncs started over HTTP inherit
// ctx, so cancelling it stops them at the next page or chunk boundary.
func (s *HTTPServer) Start(ctx context.Context) error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.baseCtx = ctx
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type triggerRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Force bool   `json:"force"`
}

// handleTriggerSync starts a manual sync. With ?wait=true the run happens
// inside the request and its result is returned; otherwise the run is
// started in the background and 202 is returned.
func (s *HTTPServer) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var body triggerRequest
	data, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBodyLength))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	rng, err := s.parseRange(body.From, body.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := []pipeline.RunOption{pipeline.WithTrigger(pipeline.TriggerManual)}
	if body.Force {
		opts = append(opts, pipeline.WithForce())
	}

	if s.syncer.Running() {
		writeError(w, http.StatusConflict, pipeline.ErrSyncInProgress.Error())
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		res, err := s.syncer.RunSync(r.Context(), rng, opts...)
		switch {
		case errors.Is(err, pipeline.ErrSyncInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, pipeline.ErrInvalidRange):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeJSON(w, http.StatusOK, map[string]any{"result": res})
		}
		return
	}

	go func() {
		if _, err := s.syncer.RunSync(s.baseCtx, rng, opts...); err != nil && !errors.Is(err, pipeline.ErrSyncInProgress) {
			s.logger.Error().Err(err).Msg("manual sync failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "range": rng})
}

// parseRange accepts RFC 3339 timestamps or YYYY-MM-DD dates. A missing
// bound defaults to the configured lookback window ending now.
func (s *HTTPServer) parseRange(from, to string) (models.DateRange, error) {
	rng := models.LastDays(s.now(), s.lookbackDays)
	if from != "" {
		t, err := parseTime(from)
		if err != nil {
			return rng, fmt.Errorf("invalid from: %w", err)
		}
		rng.From = t
	}
	if to != "" {
		t, err := parseTime(to)
		if err != nil {
			return rng, fmt.Errorf("invalid to: %w", err)
		}
		if len(to) == len(dateLayout) {
			// A bare date names a whole day; the range end is exclusive.
			t = t.AddDate(0, 0, 1)
		}
		rng.To = t
	}
	if !rng.Valid() {
		return rng, errors.New("from must not be after to")
	}
	return rng, nil
}

func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, value)
}

func (s *HTTPServer) handleProgress(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"running": s.syncer.Running()}
	if snap, ok := s.syncer.Progress(); ok {
		resp["progress"] = snap
	}
	if last, ok := s.syncer.LastResult(); ok {
		resp["last_run"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleListFailedSyncs(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	switch status {
	case "", models.FailedSyncPending, models.FailedSyncResolved, models.FailedSyncExhausted:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending, resolved or exhausted")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := s.failed.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list failed syncs")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []*models.FailedSyncRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_syncs": records})
}

func (s *HTTPServer) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := s.failed.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no exhausted failed sync with this id")
			return
		}
		s.logger.Error().Err(err).Int64("failed_sync_id", id).Msg("requeue failed sync")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.FailedSyncPending})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
