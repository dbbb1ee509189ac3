package server

import (
	"net/http"
	"time"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	qs := s.Queue.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"queued":             qs.Queued,
		"results":            qs.Results,
		"agents":             s.Registry.ActiveCount(activeWindowMs),
		"pending_dependents": s.Queue.PendingDependents(),
		"peers":              s.Mesh.PeerCount(),
	})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.capacitySignals())
}

func (s *Server) handleHealthRuntime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"env":            s.Config.Server.Env,
		"coordinator_id": s.Config.Server.CoordinatorID,
		"uptime_ms":      time.Now().UnixMilli() - s.startedAtMs,
		"chain_length":   s.Ledger.Len(),
		"peers":          s.Mesh.PeerCount(),
	})
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"features": map[string]bool{
			"gossip_mesh":         true,
			"agent_tunnels":       true,
			"direct_work_offers":  true,
			"offline_ledger_sync": true,
			"payments":            s.Payments != nil,
			"portal_validation":   s.Config.Portal.ServiceURL != "",
			"issuance":            true,
			"model_rollouts":      true,
		},
	})
}
