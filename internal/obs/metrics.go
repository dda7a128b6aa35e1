package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh token redemptions by outcome.",
		},
		[]string{"outcome"},
	)

	authzTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by result.",
		},
		[]string{"decision"},
	)

	roleCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_role_cache_total",
			Help: "Role resolution cache lookups by result.",
		},
		[]string{"result"},
	)

	tokensPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_purged_total",
			Help: "Expired token records removed by the sweeper.",
		},
		[]string{"store"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	initOnce sync.Once
)

// Init registers the metrics with the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginTotal, refreshTotal, authzTotal, roleCacheTotal, tokensPurged, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func LoginOutcome(outcome string)   { loginTotal.WithLabelValues(outcome).Inc() }
func RefreshOutcome(outcome string) { refreshTotal.WithLabelValues(outcome).Inc() }
func AuthzDecision(decision string) { authzTotal.WithLabelValues(decision).Inc() }
func RoleCacheResult(result string) { roleCacheTotal.WithLabelValues(result).Inc() }

// TokensPurged adds n removed records for the named store.
func TokensPurged(store string, n int64) {
	if n > 0 {
		tokensPurged.WithLabelValues(store).Add(float64(n))
	}
}

// SetReady records the readiness probe result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// CanonicalPath labels a request by its route template so ids in the path
// do not explode metric cardinality.
func CanonicalPath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Instrument records count, latency and in-flight gauge. Install it as a
// router middleware so the matched route is known.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
