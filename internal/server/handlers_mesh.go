package server

import (
	"net/http"

	"github.com/edgeswarm/coordinator/internal/blacklist"
	"github.com/edgeswarm/coordinator/internal/ledger"
	"github.com/edgeswarm/coordinator/internal/mesh"
)

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Mesh.Identity(s.Config.Server.SelfURL))
}

func (s *Server) handleMeshPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"peers": s.Mesh.ListPeers()})
}

func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var identity mesh.PeerIdentity
	if err := decodeBody(r, &identity); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if identity.PeerID == "" || identity.PublicKey == "" {
		writeValidationError(w, "peer_id and public_key are required")
		return
	}

	s.Mesh.AddPeer(identity)
	// Explicit peer registration admits the coordinator to the issuance
	// quorum; peers learned passively over gossip stay outside it.
	s.Issuance.ApproveCoordinator(identity.PeerID)
	s.Metrics.PeersKnown.Set(float64(s.Mesh.PeerCount()))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"peer_count": s.Mesh.PeerCount(),
	})
}

func (s *Server) handleMeshIngest(w http.ResponseWriter, r *http.Request) {
	var env mesh.Envelope
	if err := decodeBody(r, &env); err != nil {
		writeValidationError(w, "malformed envelope")
		return
	}

	if err := s.Mesh.Ingest(env); err != nil {
		s.Metrics.GossipRejected.WithLabelValues(err.Error()).Inc()
		writeError(w, err)
		return
	}
	s.Metrics.GossipIngested.WithLabelValues(env.Type).Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMeshReputation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"reputation": s.Mesh.ReputationSnapshot()})
}

func (s *Server) handleLedgerSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"coordinator_id": s.Config.Server.CoordinatorID,
		"public_key":     s.Signer.PublicKeyHex(),
		"records":        s.Ledger.Snapshot(),
	})
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	ordering := ledger.Verify(s.Ledger.Snapshot(), s.Signer.PublicKeyHex())
	_, blErr := blacklist.VerifyChain(s.Blacklist.Records())
	writeJSON(w, http.StatusOK, map[string]any{
		"ordering_chain":     ordering,
		"blacklist_chain_ok": blErr == nil,
	})
}

// handleBlacklistPost accepts either a local suspension report or a
// fully formed record from another coordinator. A body carrying an
// event hash is treated as remote and merged through the same
// validation gossip ingest uses.
func (s *Server) handleBlacklistPost(w http.ResponseWriter, r *http.Request) {
	var rec blacklist.Record
	if err := decodeBody(r, &rec); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if rec.AgentID == "" {
		writeValidationError(w, "agent_id is required")
		return
	}

	if rec.EventHash != "" {
		if err := s.Blacklist.IngestRemote(rec); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "merged": true})
		return
	}

	appended, err := s.Blacklist.Append(blacklist.AppendInput{
		AgentID:            rec.AgentID,
		ReasonCode:         rec.ReasonCode,
		Reason:             rec.Reason,
		EvidenceHashSha256: rec.EvidenceHashSha256,
		ReporterID:         rec.ReporterID,
		ReporterPublicKey:  rec.ReporterPublicKey,
		ReporterSignature:  rec.ReporterSignature,
		ExpiresAtMs:        rec.ExpiresAtMs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appended)
}

func (s *Server) handleBlacklistGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.Blacklist.Version(),
		"records": s.Blacklist.Records(),
	})
}

func (s *Server) handleBlacklistAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"audit": s.Blacklist.Audit(200)})
}
