package api

import (
	"net/http"

	"github.com/dsrlabs/bastion/pkg/dr"
	"github.com/dsrlabs/bastion/pkg/poolmon"
	"github.com/dsrlabs/bastion/pkg/types"
)

func (s *Server) handleBackupRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backups == nil {
		unavailable(w, "backup engine")
		return
	}
	var plan types.BackupPlan
	if err := decodeBody(r, &plan); err != nil {
		writeError(w, err)
		return
	}
	meta, err := s.deps.Backups.Execute(r.Context(), &plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleBackupList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backups == nil {
		unavailable(w, "backup engine")
		return
	}
	backups, err := s.deps.Backups.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (s *Server) handleBackupVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backups == nil {
		unavailable(w, "backup engine")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Backups.Verify(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backupId": id,
		"verified": true,
	})
}

func (s *Server) handleBackupRestore(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backups == nil {
		unavailable(w, "backup engine")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Backups.Restore(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backupId": id,
		"restored": true,
	})
}

func (s *Server) handleDRStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.DR == nil {
		unavailable(w, "disaster recovery")
		return
	}
	status, err := s.deps.DR.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDRFailover(w http.ResponseWriter, r *http.Request) {
	if s.deps.DR == nil {
		unavailable(w, "disaster recovery")
		return
	}
	var req dr.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.deps.DR.Initiate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleFailoverHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "failover history")
		return
	}
	history, err := s.deps.Store.ListFailovers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type poolStatus struct {
	Current *poolmon.PoolSample  `json:"current,omitempty"`
	Window  []poolmon.PoolSample `json:"window"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pools == nil {
		unavailable(w, "pool monitor")
		return
	}
	out := poolStatus{Window: s.deps.Pools.Window()}
	if current, ok := s.deps.Pools.Current(); ok {
		out.Current = &current
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePoolRecommendations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pools == nil {
		unavailable(w, "pool monitor")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pools.Recommendations())
}
