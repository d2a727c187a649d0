package api

import (
	"net/http"
	"strconv"

	"github.com/dsrlabs/bastion/pkg/types"
)

type instanceRequest struct {
	ID     string            `json:"id"`
	Host   string            `json:"host"`
	Port   int               `json:"port"`
	Weight int               `json:"weight"`
	Labels map[string]string `json:"labels,omitempty"`
}

type serviceHealth struct {
	Service   string                       `json:"service"`
	Healthy   int                          `json:"healthy"`
	Total     int                          `json:"total"`
	Instances map[string]types.HealthState `json:"instances"`
}

func (s *Server) handleLBHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, "load balancer")
		return
	}

	out := make([]serviceHealth, 0)
	for _, service := range s.deps.Registry.Services() {
		entry := serviceHealth{
			Service:   service,
			Instances: make(map[string]types.HealthState),
		}
		for _, inst := range s.deps.Registry.List(service) {
			entry.Total++
			entry.Instances[inst.ID] = inst.HealthStatus
			if inst.HealthStatus == types.HealthHealthy || inst.HealthStatus == types.HealthDegraded {
				entry.Healthy++
			}
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

type instanceStatistics struct {
	Instance *types.ServiceInstance `json:"instance"`
	Metrics  types.MetricsSnapshot  `json:"metrics"`
	Breaker  types.BreakerStatus    `json:"breaker"`
}

func (s *Server) handleLBStatistics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil || s.deps.Tracker == nil {
		unavailable(w, "load balancer")
		return
	}

	out := make(map[string][]instanceStatistics)
	for _, service := range s.deps.Registry.Services() {
		for _, inst := range s.deps.Registry.List(service) {
			stat := instanceStatistics{
				Instance: inst,
				Metrics:  s.deps.Tracker.Snapshot(inst.ID),
			}
			if s.deps.Breakers != nil {
				stat.Breaker = s.deps.Breakers.Status(inst.ID)
			}
			out[service] = append(out[service], stat)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, "load balancer")
		return
	}
	service := r.PathValue("name")

	instances := s.deps.Registry.ListHealthy(service)
	if r.URL.Query().Get("all") == "true" {
		instances = s.deps.Registry.List(service)
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, "load balancer")
		return
	}
	service := r.PathValue("name")

	var req instanceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	inst := &types.ServiceInstance{
		ID:          req.ID,
		ServiceName: service,
		Host:        req.Host,
		Port:        req.Port,
		Weight:      req.Weight,
		Labels:      req.Labels,
	}
	if err := s.deps.Registry.Register(inst); err != nil {
		writeError(w, err)
		return
	}
	registered, err := s.deps.Registry.Get(service, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) handleDeregisterInstance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, "load balancer")
		return
	}
	if err := s.deps.Registry.Deregister(r.PathValue("name"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		unavailable(w, "load balancer")
		return
	}
	service := r.PathValue("name")
	strategy := types.Strategy(r.URL.Query().Get("strategy"))
	if strategy == "" {
		strategy = types.StrategyRoundRobin
	}
	key := r.URL.Query().Get("key")

	inst, err := s.deps.Dispatcher.Route(service, strategy, key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance": inst,
		"strategy": strategy,
		"address":  inst.Address(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breakers == nil {
		unavailable(w, "circuit breakers")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Breakers.All())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Breakers == nil {
		unavailable(w, "circuit breakers")
		return
	}
	id := r.PathValue("id")
	s.deps.Breakers.Reset(id)
	writeJSON(w, http.StatusOK, s.deps.Breakers.Status(id))
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prober == nil {
		unavailable(w, "health prober")
		return
	}
	s.deps.Prober.ProbeAll(r.Context())
	writeJSON(w, http.StatusOK, s.deps.Prober.Snapshot())
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		unavailable(w, "load balancer")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Dispatcher.Strategies())
}

func (s *Server) handleRecordMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil || s.deps.Registry == nil {
		unavailable(w, "load balancer")
		return
	}
	id := r.PathValue("id")
	query := r.URL.Query()

	latency, err := strconv.ParseInt(query.Get("responseTimeMs"), 10, 64)
	if err != nil || latency < 0 {
		writeError(w, types.E(types.KindValidation, "responseTimeMs must be a non-negative integer"))
		return
	}
	success, err := strconv.ParseBool(query.Get("success"))
	if err != nil {
		writeError(w, types.E(types.KindValidation, "success must be a boolean"))
		return
	}

	service := query.Get("service")
	if service == "" {
		service = s.findService(id)
	}
	if service == "" {
		writeError(w, types.E(types.KindNotFound, "instance not registered: %s", id))
		return
	}

	s.deps.Dispatcher.RecordOutcome(service, id, latency, success)
	writeJSON(w, http.StatusOK, s.deps.Tracker.Snapshot(id))
}

// findService resolves an instance ID to its owning service
func (s *Server) findService(instanceID string) string {
	for _, service := range s.deps.Registry.Services() {
		for _, inst := range s.deps.Registry.List(service) {
			if inst.ID == instanceID {
				return service
			}
		}
	}
	return ""
}
