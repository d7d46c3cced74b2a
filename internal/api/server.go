package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/shelfbox/internal/access"
	"github.com/JakeFAU/shelfbox/internal/config"
	"github.com/JakeFAU/shelfbox/internal/ingest"
	"github.com/JakeFAU/shelfbox/internal/metrics"
	"github.com/JakeFAU/shelfbox/internal/service"
	"github.com/JakeFAU/shelfbox/internal/upload"
)

// ShelvesHeader carries the caller's shelf memberships, comma separated.
const ShelvesHeader = "X-Shelves"

const (
	requestTimeout = 60 * time.Second
	defaultWait    = 30 * time.Second
	maxWait        = 55 * time.Second
)

// Ingestion is the service surface the handlers call.
type Ingestion interface {
	StartCrawl(ctx context.Context, shelves []string, boxID string) (string, error)
	ResumeCrawl(ctx context.Context, shelves []string, boxID string) (string, error)
	RetryCrawl(ctx context.Context, shelves []string, boxID string) (string, error)
	CancelCrawl(ctx context.Context, shelves []string, sessionID string) error
	WaitForCompletion(ctx context.Context, shelves []string, sessionID string) (ingest.SessionResult, error)
	Session(ctx context.Context, shelves []string, sessionID string) (ingest.CrawlSession, error)
	UploadFiles(ctx context.Context, shelves []string, boxID, source string, opts upload.Options) (string, error)
	WaitForUpload(ctx context.Context, shelves []string, operationID string) (ingest.UploadResult, error)
	BoxPages(ctx context.Context, shelves []string, boxID string) ([]ingest.Page, error)
	CreateBox(ctx context.Context, shelves []string, box ingest.Box) (ingest.Box, error)
	GetBox(ctx context.Context, shelves []string, boxID string) (service.BoxInfo, error)
	ListBoxes(ctx context.Context, shelves []string) ([]service.BoxInfo, error)
	DeleteBox(ctx context.Context, shelves []string, boxID string) error
}

// Server wires HTTP handlers to the ingestion service.
type Server struct {
	router chi.Router
	svc    Ingestion
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Ingestion, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/boxes", func(r chi.Router) {
			r.Get("/", s.listBoxes)
			r.Post("/", s.createBox)
			r.Route("/{box_id}", func(r chi.Router) {
				r.Get("/", s.getBox)
				r.Delete("/", s.deleteBox)
				r.Get("/pages", s.boxPages)
				r.Post("/crawl", s.startCrawl)
				r.Post("/crawl/resume", s.resumeCrawl)
				r.Post("/crawl/retry", s.retryCrawl)
				r.Post("/uploads", s.uploadFiles)
			})
		})
		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/cancel", s.cancelSession)
			r.Get("/result", s.sessionResult)
		})
		r.Get("/uploads/{upload_id}/result", s.uploadResult)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.ListBoxes(r.Context(), nil); err != nil {
		writeError(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listBoxes(w http.ResponseWriter, r *http.Request) {
	boxes, err := s.svc.ListBoxes(r.Context(), shelves(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boxes": boxes})
}

type createBoxRequest struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	SeedURL    string   `json:"seed_url"`
	CrawlDepth int      `json:"crawl_depth"`
	MaxPages   *int     `json:"max_pages"`
	RateLimit  *float64 `json:"rate_limit"`
	ShelfID    string   `json:"shelf_id"`
}

func (req createBoxRequest) box() ingest.Box {
	box := ingest.Box{
		Name:       strings.TrimSpace(req.Name),
		Type:       ingest.BoxType(req.Type),
		SeedURL:    strings.TrimSpace(req.SeedURL),
		CrawlDepth: req.CrawlDepth,
		MaxPages:   config.DefaultMaxPages,
		RateLimit:  config.DefaultRateLimit,
		ShelfID:    strings.TrimSpace(req.ShelfID),
	}
	if req.MaxPages != nil {
		box.MaxPages = *req.MaxPages
	}
	if req.RateLimit != nil {
		box.RateLimit = *req.RateLimit
	}
	return box
}

func (s *Server) createBox(w http.ResponseWriter, r *http.Request) {
	var req createBoxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	box, err := s.svc.CreateBox(r.Context(), shelves(r), req.box())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, box)
}

func (s *Server) getBox(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetBox(r.Context(), shelves(r), chi.URLParam(r, "box_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) deleteBox(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteBox(r.Context(), shelves(r), chi.URLParam(r, "box_id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) boxPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.svc.BoxPages(r.Context(), shelves(r), chi.URLParam(r, "box_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

type crawlStarter func(ctx context.Context, shelves []string, boxID string) (string, error)

func (s *Server) crawl(start crawlStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := start(r.Context(), shelves(r), chi.URLParam(r, "box_id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
	}
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	s.crawl(s.svc.StartCrawl)(w, r)
}

func (s *Server) resumeCrawl(w http.ResponseWriter, r *http.Request) {
	s.crawl(s.svc.ResumeCrawl)(w, r)
}

func (s *Server) retryCrawl(w http.ResponseWriter, r *http.Request) {
	s.crawl(s.svc.RetryCrawl)(w, r)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Session(r.Context(), shelves(r), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	if err := s.svc.CancelCrawl(r.Context(), shelves(r), sessionID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID, "status": string(ingest.StatusCancelled)})
}

func (s *Server) sessionResult(w http.ResponseWriter, r *http.Request) {
	wait, err := waitDuration(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	res, err := s.svc.WaitForCompletion(ctx, shelves(r), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type uploadRequest struct {
	Source    string `json:"source"`
	Recursive *bool  `json:"recursive"`
	Pattern   string `json:"pattern"`
}

func (s *Server) uploadFiles(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts := upload.Options{Recursive: req.Recursive, Pattern: req.Pattern}
	id, err := s.svc.UploadFiles(r.Context(), shelves(r), chi.URLParam(r, "box_id"), req.Source, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"upload_id": id})
}

func (s *Server) uploadResult(w http.ResponseWriter, r *http.Request) {
	wait, err := waitDuration(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	res, err := s.svc.WaitForUpload(ctx, shelves(r), chi.URLParam(r, "upload_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// waitDuration reads the optional ?wait= duration, capped below the request timeout.
func waitDuration(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("wait")
	if raw == "" {
		return defaultWait, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return min(d, maxWait), nil
}

func shelves(r *http.Request) []string {
	return access.ParseShelves(r.Header.Get(ShelvesHeader))
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrNotFound), errors.Is(err, ingest.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ingest.ErrInvalidBox), errors.Is(err, ingest.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
