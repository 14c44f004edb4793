package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"matchlock/internal/changefeed"
	"matchlock/internal/locate"
	"matchlock/internal/model"
	"matchlock/internal/obs"
)

const maxBodyBytes = 64 << 10

// Deps are the collaborators the HTTP surface is built from. Feed and Locator
// are optional; Metrics defaults to the global Prometheus handler.
type Deps struct {
	Service   *model.Service
	Feed      changefeed.Feed
	Locator   *locate.Acquirer
	Logger    pslog.Logger
	Metrics   http.Handler
	RateLimit float64 // requests per second per client IP, 0 = unlimited
	Burst     int
}

type Server struct {
	svc     *model.Service
	feed    changefeed.Feed
	locator *locate.Acquirer
	logger  pslog.Logger
	metrics http.Handler
	limiter *RateLimiter
	mux     *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func NewServer(d Deps) *Server {
	s := &Server{
		svc:     d.Service,
		feed:    d.Feed,
		locator: d.Locator,
		logger:  obs.EnsureLogger(d.Logger).With("svc", "http"),
		metrics: d.Metrics,
		mux:     http.NewServeMux(),
	}
	if s.locator == nil {
		s.locator = &locate.Acquirer{}
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	if d.RateLimit > 0 {
		s.limiter = NewRateLimiter(d.RateLimit, d.Burst)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return withRequestID(s.withAccessLog(h))
}

// Close releases background resources held by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("/metrics", s.metrics)

	// Simple path parsing to avoid extra router deps.
	s.mux.HandleFunc("/v1/requests", s.handleRequestsRoot)
	s.mux.HandleFunc("/v1/requests/", s.handleRequest)
	s.mux.HandleFunc("/v1/requesters/", s.handleRequester)
	s.mux.HandleFunc("/v1/providers/", s.handleProvider)
	s.mux.HandleFunc("/v1/parties/", s.handleParty)
	s.mux.HandleFunc("/v1/notifications", s.handleNotifications)
	s.mux.HandleFunc("/v1/rank", s.handleRank)
	s.mux.HandleFunc("/v1/locate", s.handleLocate)
	s.mux.HandleFunc("/v1/admin/expire-sweep", s.handleExpireSweep)
}

// splitPath returns the segments after prefix, or nil when the id is missing.
func splitPath(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"latency_ms", time.Since(start).Milliseconds(),
			"req_id", RequestID(r.Context()),
		)
	})
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceErr maps engine errors: invalid input is 400, an unavailable
// store is 503 with Retry-After.
func writeServiceErr(w http.ResponseWriter, err error) {
	var uerr *model.UnavailableError
	switch {
	case errors.Is(err, model.ErrInvalid):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &uerr):
		secs := int(math.Ceil(uerr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeErr(w, http.StatusServiceUnavailable, "store unavailable, retry")
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func unixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
