package server

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ossgate/ossgate/internal/auth"
	apperr "github.com/ossgate/ossgate/internal/errors"
	"github.com/ossgate/ossgate/internal/jsonutil"
	"github.com/ossgate/ossgate/internal/logging"
	"github.com/ossgate/ossgate/internal/metrics"
	"github.com/ossgate/ossgate/internal/ratelimit"
)

// commonHeaders sets the headers every response carries.
func commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "ossgate")
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	if rr, ok := w.(*responseRecorder); ok {
		return rr
	}
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += int64(n)
	return n, err
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rr *responseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// metricsMiddleware records Prometheus metrics for each request:
// request count, duration, request size, and response size.
// The /metrics endpoint is excluded from self-instrumentation to avoid recursion.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := newResponseRecorder(w)
		next.ServeHTTP(rec, r)

		path := metrics.NormalizePath(r.URL.Path)
		method := r.Method
		metrics.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(rec.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if r.ContentLength > 0 {
			metrics.HTTPRequestSize.WithLabelValues(method, path).Observe(float64(r.ContentLength))
		}
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(rec.bytesWritten))
		}
	})
}

// requestLogger attaches a request-scoped logger carrying the request id to
// the context and writes one access line per request. The auth middleware
// adds the actor to the same logger.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ctx := logger.WithContext(r.Context())

			rec := newResponseRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			l := zerolog.Ctx(ctx)
			var ev *zerolog.Event
			switch {
			case rec.statusCode >= http.StatusInternalServerError:
				ev = l.Error()
			case rec.statusCode >= http.StatusBadRequest:
				ev = l.Warn()
			default:
				ev = l.Info()
			}
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				ev = l.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_ip", auth.ClientIP(r)).
				Int("status", rec.statusCode).
				Int64("bytes", rec.bytesWritten).
				Dur("duration", time.Since(start))
			if q := r.URL.Query(); len(q) > 0 {
				params := make(map[string]string, len(q))
				for k := range q {
					params[k] = q.Get(k)
				}
				dict := zerolog.Dict()
				for k, v := range logging.MaskFields(params) {
					dict = dict.Str(k, v)
				}
				ev.Dict("query", dict)
			}
			ev.Msg("Request handled")
		})
	}
}

// recoverer turns a handler panic into a 500 error envelope.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			zerolog.Ctx(r.Context()).Error().
				Interface("panic", rvr).
				Bytes("stack", debug.Stack()).
				Msg("Handler panicked")
			jsonutil.WriteError(w, r, apperr.New(apperr.KindInternal, "internal server error"))
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit refuses requests from addresses over their budget. Limiter
// failures let the request through.
func rateLimit(l ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/healthz", "/readyz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			ip := auth.ClientIP(r)
			res, err := l.Check(r.Context(), ip)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Str("ip", ip).Msg("Rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				reason := "burst"
				if res.Blocked {
					reason = "blocked"
				}
				metrics.RateLimitedTotal.WithLabelValues(reason).Inc()
				jsonutil.WriteError(w, r, apperr.New(apperr.KindTooManyRequests, "%s", res.Reason))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
