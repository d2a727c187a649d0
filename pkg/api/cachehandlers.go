package api

import (
	"net/http"

	"github.com/dsrlabs/bastion/pkg/types"
)

func (s *Server) handleCacheHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	healthy := s.deps.Cache.Healthy(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"healthy": healthy})
}

func (s *Server) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	info, err := s.deps.Cache.ClusterInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCacheStatistics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type namespaceMetrics struct {
	Namespace types.CacheNamespace `json:"namespace"`
	HitRate   float64              `json:"hitRate"`
}

func (s *Server) handleCacheMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	out := make([]namespaceMetrics, 0)
	for _, ns := range s.deps.Cache.Namespaces() {
		rate, err := s.deps.Cache.HitRate(ns.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, namespaceMetrics{Namespace: ns, HitRate: rate})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCacheNodes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	info, err := s.deps.Cache.ClusterInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"configured": s.deps.CacheNodes,
		"cluster":    info,
	})
}

type warmupRequest struct {
	Namespace string            `json:"namespace"`
	Entries   map[string]string `json:"entries"`
}

func (s *Server) handleCacheWarmup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	var req warmupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Cache.Warmup(r.Context(), req.Namespace, req.Entries); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"loaded": len(req.Entries)})
}

func (s *Server) handleCacheHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	healthy := s.deps.Cache.Healthy(r.Context())
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":    healthy,
		"statistics": stats,
	})
}

func (s *Server) handleCacheClearAll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	removed := make(map[string]int64)
	for _, ns := range s.deps.Cache.Namespaces() {
		n, err := s.deps.Cache.Clear(r.Context(), ns.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		removed[ns.Name] = n
	}
	writeJSON(w, http.StatusOK, removed)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	name := r.PathValue("name")
	removed, err := s.deps.Cache.Clear(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) handleCacheHitRate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		unavailable(w, "cache")
		return
	}
	name := r.PathValue("name")
	rate, err := s.deps.Cache.HitRate(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"namespace": name,
		"hitRate":   rate,
	})
}
