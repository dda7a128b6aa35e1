package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/obs"
)

const serviceName = "pantrykit-authd"

// Pinger is a dependency the readiness probe can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings every named dependency.
type ReadyProbe struct {
	Deps    map[string]Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if len(rp.Deps) == 0 {
		return nil
	}
	if rp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rp.Timeout)
		defer cancel()
	}
	names := make([]string, 0, len(rp.Deps))
	for name := range rp.Deps {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := rp.Deps[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Config tunes the HTTP layer.
type Config struct {
	Version          string
	TenantHeader     string
	TenantHostSuffix string
	RatePerSec       float64
	RateBurst        int
	MaxBodyBytes     int64
}

// API is the HTTP layer.
type API struct {
	svc     *auth.Service
	ready   readinessChecker
	cfg     Config
	log     *logrus.Entry
	router  *mux.Router
	routes  map[string]route
	limiter *rateLimiter
}

// New builds the router and its capability table.
func New(svc *auth.Service, rp readinessChecker, cfg Config) *API {
	if cfg.TenantHeader == "" {
		cfg.TenantHeader = "X-Tenant-ID"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{
		svc:     svc,
		ready:   rp,
		cfg:     cfg,
		log:     obs.Component("http"),
		router:  mux.NewRouter(),
		routes:  make(map[string]route),
		limiter: newRateLimiter(cfg.RatePerSec, cfg.RateBurst),
	}
	a.router.Use(obs.Instrument)
	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, auth.KindNotFound, "resource not found")
	})
	a.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	a.register(a.routeTable())
	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.cfg.MaxBodyBytes)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = Logging(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		a.log.WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
