package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edgeswarm/coordinator/internal/tunnel"
)

func (s *Server) handleTunnelOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InitiatorAgentID string `json:"initiator_agent_id"`
		TargetAgentID    string `json:"target_agent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.InitiatorAgentID == "" || req.TargetAgentID == "" {
		writeValidationError(w, "initiator_agent_id and target_agent_id are required")
		return
	}
	if err := s.Registry.Touch(req.InitiatorAgentID); err != nil {
		writeError(w, err)
		return
	}

	t := s.Tunnels.Open(req.InitiatorAgentID, req.TargetAgentID)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTunnelAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}

	if err := s.Tunnels.Accept(mux.Vars(r)["tunnelId"], req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTunnelClose(w http.ResponseWriter, r *http.Request) {
	s.Tunnels.Close(mux.Vars(r)["tunnelId"])
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTunnelGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Tunnels.Get(mux.Vars(r)["tunnelId"])
	if !ok {
		writeError(w, tunnel.ErrTunnelNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleRelayWebSocket upgrades an agent connection into the relay.
// Frames are forwarded between the two ends of an accepted tunnel; the
// relay consults the manager's rate windows on every frame.
func (s *Server) handleRelayWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeValidationError(w, "agent_id query parameter is required")
		return
	}
	if err := s.Registry.Touch(agentID); err != nil {
		writeError(w, err)
		return
	}
	s.Relay.HandleWebSocket(w, r, agentID)
}

func (s *Server) handleOfferCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAgentID   string  `json:"from_agent_id"`
		ToAgentID     string  `json:"to_agent_id"`
		TaskSummary   string  `json:"task_summary"`
		RewardCredits float64 `json:"reward_credits"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.FromAgentID == "" || req.ToAgentID == "" {
		writeValidationError(w, "from_agent_id and to_agent_id are required")
		return
	}
	if err := s.Registry.Touch(req.FromAgentID); err != nil {
		writeError(w, err)
		return
	}

	offer, err := s.Tunnels.CreateOffer(req.FromAgentID, req.ToAgentID, req.TaskSummary, req.RewardCredits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleOfferList(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeValidationError(w, "agent_id query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": s.Tunnels.OffersFor(agentID)})
}

func (s *Server) handleOfferRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Accept  bool   `json:"accept"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}

	offer, err := s.Tunnels.RespondOffer(mux.Vars(r)["offerId"], req.AgentID, req.Accept)
	if err != nil {
		writeError(w, err)
		return
	}

	// An accepted offer gets its relay channel opened immediately.
	// Accepting the offer is accepting the tunnel: both agents can start
	// exchanging frames without a second handshake.
	resp := map[string]any{"offer": offer}
	if req.Accept {
		t := s.Tunnels.Open(offer.FromAgentID, offer.ToAgentID)
		if err := s.Tunnels.Accept(t.TunnelID, offer.ToAgentID); err == nil {
			t.Accepted = true
		}
		resp["tunnel"] = t
	}
	writeJSON(w, http.StatusOK, resp)
}
