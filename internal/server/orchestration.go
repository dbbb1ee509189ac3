package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/edgeswarm/coordinator/internal/registry"
)

// Rollout is one model-rollout directive: agents matching the resource
// class learn the target model through their heartbeat responses.
type Rollout struct {
	ResourceClass string `json:"resource_class"`
	TargetModel   string `json:"target_model"`
	UpdatedAtMs   int64  `json:"updated_at_ms"`
	UpdatedBy     string `json:"updated_by,omitempty"`
}

type rolloutState struct {
	mu      sync.RWMutex
	byClass map[string]Rollout
}

func newRolloutState() *rolloutState {
	return &rolloutState{byClass: make(map[string]Rollout)}
}

func (rs *rolloutState) set(r Rollout) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r.UpdatedAtMs = time.Now().UnixMilli()
	rs.byClass[r.ResourceClass] = r
}

func (rs *rolloutState) list() []Rollout {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rollout, 0, len(rs.byClass))
	for _, r := range rs.byClass {
		out = append(out, r)
	}
	return out
}

// targetFor resolves the rollout hint for an agent. Agents with a GPU
// provider follow the gpu class when one is set; everyone else follows
// cpu. No hint is returned once the agent already runs the target.
func (rs *rolloutState) targetFor(caps registry.Capabilities, activeModel string) (string, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	class := "cpu"
	if caps.LocalModelProvider != "" {
		if _, ok := rs.byClass["gpu"]; ok {
			class = "gpu"
		}
	}
	r, ok := rs.byClass[class]
	if !ok || r.TargetModel == "" || r.TargetModel == activeModel {
		return "", false
	}
	return r.TargetModel, true
}

func (s *Server) handleRolloutSet(w http.ResponseWriter, r *http.Request) {
	var req Rollout
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.ResourceClass == "" || req.TargetModel == "" {
		writeValidationError(w, "resource_class and target_model are required")
		return
	}
	s.rollouts.set(req)
	logger.Printf("rollout set: %s -> %s", req.ResourceClass, req.TargetModel)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleRolloutStatus reports adoption: how many active agents already
// run each rollout's target model.
func (s *Server) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	rollouts := s.rollouts.list()
	cutoff := time.Now().UnixMilli() - activeWindowMs

	type adoption struct {
		Rollout
		ActiveAgents int `json:"active_agents"`
		Adopted      int `json:"adopted"`
	}
	out := make([]adoption, 0, len(rollouts))
	for _, ro := range rollouts {
		a := adoption{Rollout: ro}
		for _, agent := range s.Registry.List() {
			if agent.LastHeartbeatMs < cutoff {
				continue
			}
			a.ActiveAgents++
			if agent.ActiveModel == ro.TargetModel {
				a.Adopted++
			}
		}
		out = append(out, a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollouts": out})
}
