package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for MaestroCat spans.
const tracerName = "github.com/dusterbloom/maestrocat"

// statusWriter captures the response status and size written by a status
// endpoint handler.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

// Middleware instruments the status server's handlers (/healthz, /readyz,
// /metrics): each request gets a server span and a duration observation on
// [Metrics.HTTPRequestDuration] tagged with route and status.
//
// The callers are Prometheus scrapers and orchestrator probes, so there is no
// inbound trace context to continue and completions are logged at debug to
// keep periodic scrape traffic out of the normal log stream.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, span := otel.Tracer(tracerName).Start(r.Context(),
				"status "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			elapsed := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("route", r.URL.Path),
					attribute.Int("status", sw.status),
				),
			)

			slog.Debug("status request",
				"route", r.URL.Path,
				"status", sw.status,
				"bytes", sw.bytes,
				"duration", elapsed,
			)
		})
	}
}
