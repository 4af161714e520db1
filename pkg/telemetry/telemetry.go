// Package telemetry provides low-overhead request timing. Every request
// feeds a prometheus histogram; only slow requests are logged individually.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"loom/pkg/logger"
)

var slowThreshold = 200 * time.Millisecond

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "loom_http_request_duration_seconds",
	Help:    "HTTP request latency by method and status.",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "status"})

// SetSlowThreshold sets the duration above which a request gets its own log
// line. Non-positive disables slow logging.
func SetSlowThreshold(d time.Duration) {
	slowThreshold = d
}

// Middleware records duration and status for every request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)
		dur := time.Since(start)
		requestDuration.WithLabelValues(r.Method, strconv.Itoa(srw.status)).Observe(dur.Seconds())
		if slowThreshold > 0 && dur > slowThreshold {
			logger.Warn("slow_request", "method", r.Method, "path", r.URL.Path,
				"status", srw.status, "duration_ms", dur.Milliseconds())
		}
	})
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
