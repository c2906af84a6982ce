package observe

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder remembers the status code a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// quietPaths are scraped or probed every few seconds and log at debug level.
var quietPaths = map[string]bool{
	"/metrics": true,
	"/healthz": true,
	"/readyz":  true,
}

// unmatchedRoute labels requests no mux pattern matched, so arbitrary paths
// cannot blow up metric cardinality.
const unmatchedRoute = "unmatched"

// Middleware instruments the operations server. Every request gets a server
// span joined to an incoming W3C trace context and an X-Correlation-ID
// response header. Its duration is recorded by method, route pattern and
// status. A panicking handler is answered with 500 and logged.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := w3c.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			req := r.WithContext(ctx)

			defer func() {
				if p := recover(); p != nil {
					if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
						panic(p)
					}
					if !rec.wrote {
						rec.WriteHeader(http.StatusInternalServerError)
					} else {
						rec.status = http.StatusInternalServerError
					}
					span.SetStatus(codes.Error, fmt.Sprint(p))
					slog.ErrorContext(ctx, "handler panicked", "path", r.URL.Path, "panic", p, "trace_id", cid)
				}

				route := req.Pattern
				if route == "" {
					route = unmatchedRoute
				}
				elapsed := time.Since(start)
				m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
					metric.WithAttributes(
						attribute.String("method", r.Method),
						attribute.String("route", route),
						attribute.Int("status", rec.status),
					),
				)
				span.SetAttributes(
					semconv.HTTPResponseStatusCode(rec.status),
					semconv.HTTPRoute(route),
				)

				level := slog.LevelInfo
				if quietPaths[r.URL.Path] && rec.status < http.StatusInternalServerError {
					level = slog.LevelDebug
				}
				slog.LogAttrs(ctx, level, "request completed",
					slog.String("trace_id", cid),
					slog.String("method", r.Method),
					slog.String("route", route),
					slog.Int("status", rec.status),
					slog.Duration("duration", elapsed),
				)
			}()

			next.ServeHTTP(rec, req)
		})
	}
}
