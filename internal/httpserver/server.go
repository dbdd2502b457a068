package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/flowlens/internal/auth"
	"github.com/ILLUVRSE/flowlens/internal/explain"
	"github.com/ILLUVRSE/flowlens/internal/ingestion"
	"github.com/ILLUVRSE/flowlens/internal/models"
	"github.com/ILLUVRSE/flowlens/internal/ratelimit"
	"github.com/ILLUVRSE/flowlens/internal/signature"
	"github.com/ILLUVRSE/flowlens/internal/store"
)

const (
	CodeBadRequest  = "FLOWLENS_BAD_REQUEST"
	CodeAuth        = "FLOWLENS_AUTH"
	CodeRateLimited = "FLOWLENS_RATE_LIMITED"
	CodeInternal    = "FLOWLENS_INTERNAL"

	msgInternal         = "Internal server error"
	msgInvalidSignature = "Invalid signature"

	defaultMaxBodyBytes = 64 * 1024
)

type Options struct {
	Signature *signature.Verifier
	Ingestion *ingestion.Service
	Explain   *explain.Service
	Store     store.Store

	// Reader enables bearer auth on read routes when set.
	Reader *auth.BearerVerifier
	// Limiter throttles ingestion per client when set.
	Limiter *ratelimit.Limiter

	MaxBodyBytes  int64
	AllowedOrigin string
	Logger        *zap.Logger
}

type Server struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{opts: opts, log: log.Named("http")}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.opts.Limiter.Enabled() {
				r.Use(s.opts.Limiter.Middleware(s.denyRateLimited))
			}
			r.Post("/log", s.handleLog)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.cors)
			if s.opts.Reader != nil {
				r.Use(s.opts.Reader.Middleware(s.denyUnauthenticated))
			}
			r.Options("/explain", s.handlePreflight)
			r.Get("/explain", s.handleExplain)
			r.Options("/logs", s.handlePreflight)
			r.Get("/logs", s.handleLogs)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.opts.Store.Ping(ctx); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		status["ok"] = false
		status["db"] = "unavailable"
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type logResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, s.opts.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "Request body too large")
			return
		}
		respondError(w, http.StatusBadRequest, CodeBadRequest, "Unable to read request body")
		return
	}

	if !s.opts.Signature.Bypassed() && !s.opts.Signature.Verify(r.Header.Get(signature.Header), body) {
		respondError(w, http.StatusUnauthorized, CodeAuth, msgInvalidSignature)
		return
	}

	ev, err := s.opts.Ingestion.Record(r.Context(), body)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			respondError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		s.log.Error("record checkpoint failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		respondError(w, http.StatusInternalServerError, CodeInternal, msgInternal)
		return
	}
	respondJSON(w, http.StatusOK, logResponse{OK: true, ID: ev.ID.String()})
}

type explainMeta struct {
	LogsAnalyzed int    `json:"logsAnalyzed"`
	DealFetched  bool   `json:"dealFetched"`
	PortalID     string `json:"portalId"`
	WorkflowID   string `json:"workflowId"`
	DealID       string `json:"dealId"`
}

type explainResponse struct {
	OK bool `json:"ok"`
	models.ExplanationResult
	Meta explainMeta `json:"meta"`
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := explain.Query{
		PortalID:    q.Get("portalId"),
		WorkflowID:  q.Get("workflowId"),
		DealID:      q.Get("dealId"),
		Expectation: q.Get("expectation"),
	}
	if raw := q.Get("timeoutMs"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			respondError(w, http.StatusBadRequest, CodeBadRequest, "Invalid timeoutMs: must be a positive integer")
			return
		}
		query.Timeout = time.Duration(ms) * time.Millisecond
	}
	if !s.canRead(r, query.PortalID) {
		respondError(w, http.StatusForbidden, CodeAuth, "Token is not valid for this portal")
		return
	}

	res, err := s.opts.Explain.Explain(r.Context(), query)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			respondError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		s.log.Error("explain failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		respondError(w, http.StatusInternalServerError, CodeInternal, msgInternal)
		return
	}
	respondJSON(w, http.StatusOK, explainResponse{
		OK:                true,
		ExplanationResult: res.Explanation,
		Meta: explainMeta{
			LogsAnalyzed: res.LogsAnalyzed,
			DealFetched:  res.ContextFetched,
			PortalID:     query.PortalID,
			WorkflowID:   query.WorkflowID,
			DealID:       query.DealID,
		},
	})
}

type logsResponse struct {
	OK    bool                     `json:"ok"`
	Logs  []models.CheckpointEvent `json:"logs"`
	Count int                      `json:"count"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	portalID, objectID := q.Get("portalId"), q.Get("objectId")
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, CodeBadRequest, "Invalid limit: must be a positive integer")
			return
		}
		limit = n
	}
	if !s.canRead(r, portalID) {
		respondError(w, http.StatusForbidden, CodeAuth, "Token is not valid for this portal")
		return
	}

	logs, err := s.opts.Explain.SubjectLogs(r.Context(), portalID, objectID, limit)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			respondError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
			return
		}
		s.log.Error("list logs failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		respondError(w, http.StatusInternalServerError, CodeInternal, msgInternal)
		return
	}
	respondJSON(w, http.StatusOK, logsResponse{OK: true, Logs: logs, Count: len(logs)})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{})
}

// canRead applies the token's portal restriction. Requests without a portal
// are left to parameter validation.
func (s *Server) canRead(r *http.Request, portalID string) bool {
	if portalID == "" {
		return true
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return true
	}
	return p.CanRead(portalID)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) denyUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Info("read rejected", zap.String("path", r.URL.Path), zap.Error(err))
	respondError(w, http.StatusUnauthorized, CodeAuth, "Unauthorized")
}

func (s *Server) denyRateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	respondError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, errorResponse{Error: msg, Code: code})
}
