package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dsrlabs/bastion/pkg/backup"
	"github.com/dsrlabs/bastion/pkg/balancer"
	"github.com/dsrlabs/bastion/pkg/breaker"
	"github.com/dsrlabs/bastion/pkg/cache"
	"github.com/dsrlabs/bastion/pkg/dr"
	"github.com/dsrlabs/bastion/pkg/failover"
	"github.com/dsrlabs/bastion/pkg/health"
	"github.com/dsrlabs/bastion/pkg/log"
	"github.com/dsrlabs/bastion/pkg/metrics"
	"github.com/dsrlabs/bastion/pkg/poolmon"
	"github.com/dsrlabs/bastion/pkg/registry"
	"github.com/dsrlabs/bastion/pkg/storage"
	"github.com/dsrlabs/bastion/pkg/types"
)

// Deps bundles the components the admin surface exposes. Nil members
// disable their endpoint groups with 503 responses.
type Deps struct {
	Registry   *registry.Registry
	Dispatcher *balancer.Dispatcher
	Breakers   *breaker.Set
	Prober     *health.Prober
	Tracker    *metrics.Tracker
	Cache      *cache.Coordinator
	CacheNodes []string
	Backups    *backup.Engine
	Failovers  *failover.Engine
	DR         *dr.Orchestrator
	Pools      *poolmon.Monitor
	Store      storage.Store
}

// Server is the administrative HTTP surface. Authorization is handled
// outside the core; anything that can reach this listener is trusted.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	http *http.Server
}

// NewServer creates the admin server and registers all routes
func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /admin/load-balancer/health", s.handleLBHealth)
	s.mux.HandleFunc("GET /admin/load-balancer/statistics", s.handleLBStatistics)
	s.mux.HandleFunc("GET /admin/load-balancer/services/{name}/instances", s.handleListInstances)
	s.mux.HandleFunc("POST /admin/load-balancer/services/{name}/instances", s.handleRegisterInstance)
	s.mux.HandleFunc("DELETE /admin/load-balancer/services/{name}/instances/{id}", s.handleDeregisterInstance)
	s.mux.HandleFunc("POST /admin/load-balancer/services/{name}/route", s.handleRoute)
	s.mux.HandleFunc("GET /admin/load-balancer/circuit-breakers", s.handleBreakers)
	s.mux.HandleFunc("POST /admin/load-balancer/circuit-breakers/{id}/reset", s.handleBreakerReset)
	s.mux.HandleFunc("POST /admin/load-balancer/health-check", s.handleHealthCheck)
	s.mux.HandleFunc("GET /admin/load-balancer/strategies", s.handleStrategies)
	s.mux.HandleFunc("POST /admin/load-balancer/metrics/{id}", s.handleRecordMetrics)

	s.mux.HandleFunc("GET /admin/redis-cluster/health", s.handleCacheHealth)
	s.mux.HandleFunc("GET /admin/redis-cluster/info", s.handleCacheInfo)
	s.mux.HandleFunc("GET /admin/redis-cluster/statistics", s.handleCacheStatistics)
	s.mux.HandleFunc("GET /admin/redis-cluster/metrics", s.handleCacheMetrics)
	s.mux.HandleFunc("GET /admin/redis-cluster/nodes", s.handleCacheNodes)
	s.mux.HandleFunc("POST /admin/redis-cluster/warmup", s.handleCacheWarmup)
	s.mux.HandleFunc("POST /admin/redis-cluster/health-check", s.handleCacheHealthCheck)
	s.mux.HandleFunc("DELETE /admin/redis-cluster/cache", s.handleCacheClearAll)
	s.mux.HandleFunc("DELETE /admin/redis-cluster/cache/{name}", s.handleCacheClear)
	s.mux.HandleFunc("GET /admin/redis-cluster/cache/{name}/hit-rate", s.handleCacheHitRate)

	s.mux.HandleFunc("GET /admin/pools", s.handlePools)
	s.mux.HandleFunc("GET /admin/pools/recommendations", s.handlePoolRecommendations)

	s.mux.HandleFunc("POST /admin/dr/backups", s.handleBackupRun)
	s.mux.HandleFunc("GET /admin/dr/backups", s.handleBackupList)
	s.mux.HandleFunc("POST /admin/dr/backups/{id}/verify", s.handleBackupVerify)
	s.mux.HandleFunc("POST /admin/dr/backups/{id}/restore", s.handleBackupRestore)
	s.mux.HandleFunc("GET /admin/dr/status", s.handleDRStatus)
	s.mux.HandleFunc("POST /admin/dr/failover", s.handleDRFailover)
	s.mux.HandleFunc("GET /admin/dr/failovers", s.handleFailoverHistory)
}

// Handler returns the route table for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the admin surface on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("admin server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if s.deps.Store != nil {
		if _, err := s.deps.Store.ListBackups(); err != nil {
			checks["storage"] = "error: " + err.Error()
			ready = false
		} else {
			checks["storage"] = "ok"
		}
	}
	if s.deps.Cache != nil {
		if s.deps.Cache.Healthy(r.Context()) {
			checks["cache"] = "ok"
		} else {
			checks["cache"] = "unreachable"
			ready = false
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    state,
		"checks":    checks,
		"timestamp": time.Now(),
	})
}

// errorBody is the structured error envelope of every failed request
type errorBody struct {
	Kind      types.Kind `json:"kind"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var kinded *types.Error
	if !errors.As(err, &kinded) {
		kinded = types.Wrap(types.KindAdapter, err, "internal error")
	}
	writeJSON(w, statusFor(kinded.Kind), errorBody{
		Kind:      kinded.Kind,
		Message:   kinded.Message,
		Retryable: kinded.Retryable(),
	})
}

func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindUnavailable:
		return http.StatusServiceUnavailable
	case types.KindTimeout:
		return http.StatusGatewayTimeout
	case types.KindIntegrity:
		return http.StatusUnprocessableEntity
	case types.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.Wrap(types.KindValidation, err, "malformed request body")
	}
	return nil
}

// unavailable reports endpoint groups whose component is not wired
func unavailable(w http.ResponseWriter, component string) {
	writeJSON(w, http.StatusServiceUnavailable, errorBody{
		Kind:      types.KindUnavailable,
		Message:   component + " is not configured",
		Retryable: false,
	})
}
