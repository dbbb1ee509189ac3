// Package server is the coordinator's HTTP boundary: agent lifecycle
// endpoints, peer-coordination endpoints, ledger and blacklist exports,
// the economy surface, and the agent-mesh tunnel API. Handlers validate
// and translate; all state lives in the domain packages.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeswarm/coordinator/internal/blacklist"
	"github.com/edgeswarm/coordinator/internal/config"
	"github.com/edgeswarm/coordinator/internal/cryptoutil"
	"github.com/edgeswarm/coordinator/internal/economy"
	"github.com/edgeswarm/coordinator/internal/events"
	"github.com/edgeswarm/coordinator/internal/ledger"
	"github.com/edgeswarm/coordinator/internal/mesh"
	"github.com/edgeswarm/coordinator/internal/metrics"
	"github.com/edgeswarm/coordinator/internal/queue"
	"github.com/edgeswarm/coordinator/internal/registry"
	"github.com/edgeswarm/coordinator/internal/store"
	"github.com/edgeswarm/coordinator/internal/tunnel"
)

var logger = log.New(os.Stdout, "[SERVER] ", log.LstdFlags)

// Header names agents present after registering.
const (
	headerMeshToken = "x-mesh-token"
	headerAgentID   = "x-agent-id"
)

// RewardCredits is accrued to an agent's account per completed subtask.
const RewardCredits = 5

// activeWindowMs bounds how stale a heartbeat may be for an agent to
// count as active.
const activeWindowMs = int64(60_000)

// Deps carries every domain component the server fronts.
type Deps struct {
	Config    config.Config
	Signer    *cryptoutil.Signer
	Registry  *registry.Registry
	Queue     *queue.Queue
	Ledger    *ledger.OrderingChain
	Blacklist *blacklist.Chain
	Mesh      *mesh.Mesh
	Accounts  *economy.Accounts
	Pricing   *economy.Pricing
	Issuance  *economy.Issuance
	Payments  *economy.Payments
	Treasury  *economy.Treasury
	Offline   *economy.OfflineLedger
	Tunnels   *tunnel.Manager
	Relay     *tunnel.Relay
	Mirror    *store.Mirror
	Events    events.Emitter
	Metrics   *metrics.Metrics
}

// Server glues the domain components behind the HTTP surface.
type Server struct {
	Deps

	rollouts    *rolloutState
	startedAtMs int64
}

// New wires a server and binds the cross-component callbacks: gossip
// handlers, blacklist broadcast, price/issuance persistence hooks.
func New(deps Deps) *Server {
	s := &Server{
		Deps:        deps,
		rollouts:    newRolloutState(),
		startedAtMs: time.Now().UnixMilli(),
	}
	s.bindGossipHandlers()
	s.bindDomainCallbacks()
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)
	r.Use(s.authMiddleware)

	// Agent lifecycle.
	r.HandleFunc("/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/heartbeat", s.handleHeartbeat).Methods("POST")
	r.HandleFunc("/submit", s.handleSubmit).Methods("POST")
	r.HandleFunc("/pull", s.handlePull).Methods("POST")
	r.HandleFunc("/result", s.handleResult).Methods("POST")

	// Observability.
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/capacity", s.handleCapacity).Methods("GET")
	r.HandleFunc("/health/runtime", s.handleHealthRuntime).Methods("GET")
	r.HandleFunc("/features", s.handleFeatures).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Peer coordination.
	r.HandleFunc("/identity", s.handleIdentity).Methods("GET")
	r.HandleFunc("/mesh/peers", s.handleMeshPeers).Methods("GET")
	r.HandleFunc("/mesh/register-peer", s.handleRegisterPeer).Methods("POST")
	r.HandleFunc("/mesh/ingest", s.handleMeshIngest).Methods("POST")
	r.HandleFunc("/mesh/reputation", s.handleMeshReputation).Methods("GET")

	// Ledger export and audit.
	r.HandleFunc("/ledger/snapshot", s.handleLedgerSnapshot).Methods("GET")
	r.HandleFunc("/ledger/verify", s.handleLedgerVerify).Methods("GET")

	// Blacklist.
	r.HandleFunc("/security/blacklist", s.handleBlacklistGet).Methods("GET")
	r.HandleFunc("/security/blacklist", s.handleBlacklistPost).Methods("POST")
	r.HandleFunc("/security/blacklist/audit", s.handleBlacklistAudit).Methods("GET")

	// Agent mesh: tunnels, relay, direct work offers.
	r.HandleFunc("/agent-mesh/tunnels/open", s.handleTunnelOpen).Methods("POST")
	r.HandleFunc("/agent-mesh/tunnels/{tunnelId}/accept", s.handleTunnelAccept).Methods("POST")
	r.HandleFunc("/agent-mesh/tunnels/{tunnelId}/close", s.handleTunnelClose).Methods("POST")
	r.HandleFunc("/agent-mesh/tunnels/{tunnelId}", s.handleTunnelGet).Methods("GET")
	r.HandleFunc("/agent-mesh/relay", s.handleRelayWebSocket).Methods("GET")
	r.HandleFunc("/agent-mesh/offers", s.handleOfferCreate).Methods("POST")
	r.HandleFunc("/agent-mesh/offers", s.handleOfferList).Methods("GET")
	r.HandleFunc("/agent-mesh/offers/{offerId}/respond", s.handleOfferRespond).Methods("POST")

	// Economy: pricing, payments, credits, issuance, treasury, offline.
	r.HandleFunc("/economy/price/quote", s.handlePriceQuote).Methods("GET")
	r.HandleFunc("/economy/price/consensus", s.handlePriceConsensus).Methods("POST")
	r.HandleFunc("/economy/price/epochs", s.handlePriceEpochs).Methods("GET")
	r.HandleFunc("/economy/payments/intent", s.handleIntentCreate).Methods("POST")
	r.HandleFunc("/economy/payments/intent/{intentId}", s.handleIntentGet).Methods("GET")
	r.HandleFunc("/economy/payments/settle", s.handleIntentSettle).Methods("POST")
	r.HandleFunc("/economy/credits/{accountId}", s.handleCreditsGet).Methods("GET")
	r.HandleFunc("/economy/issuance/epoch", s.handleIssuanceEpoch).Methods("GET")
	r.HandleFunc("/economy/issuance/recalc", s.handleIssuanceRecalc).Methods("POST")
	r.HandleFunc("/economy/issuance/vote", s.handleIssuanceVote).Methods("POST")
	r.HandleFunc("/economy/issuance/quorum", s.handleIssuanceQuorum).Methods("GET")
	r.HandleFunc("/economy/issuance/anchors", s.handleIssuanceAnchors).Methods("GET")
	r.HandleFunc("/economy/treasury/policy", s.handleTreasuryGet).Methods("GET")
	r.HandleFunc("/economy/treasury/policy", s.handleTreasurySet).Methods("POST")
	r.HandleFunc("/economy/offline-ledger/sync", s.handleOfflineSync).Methods("POST")

	// Orchestration: model rollout coordination.
	r.HandleFunc("/orchestration/rollout", s.handleRolloutSet).Methods("POST")
	r.HandleFunc("/orchestration/status", s.handleRolloutStatus).Methods("GET")

	return r
}

// authExempt lists the paths reachable without a mesh token.
func authExempt(path string) bool {
	switch path {
	case "/register", "/identity", "/health/runtime", "/features", "/metrics":
		return true
	}
	return false
}

// authMiddleware enforces the mesh token on every non-exempt path.
// Peer coordinators authenticate with the shared MESH_AUTH_TOKEN;
// agents with the per-agent token issued on register. Gossip ingest
// additionally verifies envelope signatures, so it stays reachable
// when no shared token is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(headerMeshToken)
		shared := s.Config.Mesh.AuthToken
		if shared != "" && token == shared {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/mesh/") && shared == "" {
			next.ServeHTTP(w, r)
			return
		}
		if agentID := r.Header.Get(headerAgentID); agentID != "" && s.Registry.VerifyMeshToken(agentID, token) {
			next.ServeHTTP(w, r)
			return
		}
		writeUnauthorized(w)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.Metrics != nil {
			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			s.Metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

// capacitySignals snapshots the live capacity inputs shared by pricing
// and issuance. CPU capacity is the summed task concurrency of active
// agents; GPU capacity counts active agents advertising a local model
// provider.
func (s *Server) capacitySignals() economy.CapacitySignals {
	cutoff := time.Now().UnixMilli() - activeWindowMs
	signals := economy.CapacitySignals{}
	for _, agent := range s.Registry.List() {
		if agent.LastHeartbeatMs < cutoff {
			continue
		}
		signals.ActiveAgents++
		signals.CPUCapacity += float64(agent.Capabilities.MaxConcurrentTasks)
		if agent.Capabilities.LocalModelProvider != "" {
			signals.GPUCapacity++
		}
	}
	signals.QueuedTasks = s.Queue.Status().Queued
	return signals
}

// bindDomainCallbacks hooks the chains and economy engines into gossip,
// the event bus, metrics, and the store mirror.
func (s *Server) bindDomainCallbacks() {
	s.Blacklist.OnAppend(func(rec blacklist.Record) {
		s.Mesh.Broadcast(mesh.MsgBlacklistUpdate, rec)
		s.Mirror.Enqueue("blacklist_record", func(ctx context.Context) error {
			return s.Mirror.Store().SaveBlacklistRecord(ctx, rec)
		})
		s.Events.Emit(events.TypeBlacklistAppend, rec.AgentID, map[string]any{
			"event_id":    rec.EventID,
			"reason_code": rec.ReasonCode,
		})
	})

	s.Pricing.OnEpoch(func(epoch economy.PriceEpoch) {
		s.Metrics.PriceEpochs.WithLabelValues(epoch.ResourceClass).Inc()
		s.Mirror.Enqueue("price_epoch", func(ctx context.Context) error {
			return s.Mirror.Store().SavePriceEpoch(ctx, epoch)
		})
		s.Events.Emit(events.TypePriceEpoch, epoch.ResourceClass, map[string]any{
			"epoch_id": epoch.EpochID,
			"price":    epoch.PricePerComputeUnitSats,
		})
	})

	s.Issuance.OnProposal(func(epoch economy.IssuanceEpoch) {
		s.Mesh.Broadcast(mesh.MsgIssuanceProposal, epoch)
		s.Mirror.Enqueue("issuance_epoch", func(ctx context.Context) error {
			return s.Mirror.Store().SaveIssuanceEpoch(ctx, epoch)
		})
	})

	s.Issuance.OnCommit(func(epoch economy.IssuanceEpoch) {
		s.Mesh.Broadcast(mesh.MsgIssuanceCommit, epoch)
		s.Metrics.CreditsIssued.Add(epoch.HourlyTokens)
		s.Mirror.Enqueue("issuance_epoch", func(ctx context.Context) error {
			return s.Mirror.Store().SaveIssuanceEpoch(ctx, epoch)
		})
		s.Events.Emit(events.TypeIssuanceCommit, epoch.IssuanceEpochID, map[string]any{
			"hourly_tokens": epoch.HourlyTokens,
			"allocations":   len(epoch.Allocations),
		})
	})
}

// bindGossipHandlers registers the mesh message dispatch table.
func (s *Server) bindGossipHandlers() {
	s.Mesh.RegisterHandler(mesh.MsgPeerAnnounce, func(env mesh.Envelope) error {
		var identity mesh.PeerIdentity
		if err := json.Unmarshal(env.Payload, &identity); err != nil {
			return err
		}
		s.Mesh.AddPeer(identity)
		s.Metrics.PeersKnown.Set(float64(s.Mesh.PeerCount()))
		return nil
	})

	s.Mesh.RegisterHandler(mesh.MsgTaskClaim, func(env mesh.Envelope) error {
		var claim struct {
			SubtaskID string `json:"subtask_id"`
		}
		if err := json.Unmarshal(env.Payload, &claim); err != nil {
			return err
		}
		if s.Queue.MarkRemoteClaimed(claim.SubtaskID) {
			logger.Printf("subtask %s claimed remotely by %s", claim.SubtaskID, env.FromPeerID)
		}
		return nil
	})

	s.Mesh.RegisterHandler(mesh.MsgBlacklistUpdate, func(env mesh.Envelope) error {
		var rec blacklist.Record
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return err
		}
		return s.Blacklist.IngestRemote(rec)
	})

	s.Mesh.RegisterHandler(mesh.MsgIssuanceVote, func(env mesh.Envelope) error {
		var vote struct {
			EpochID string `json:"epoch_id"`
		}
		if err := json.Unmarshal(env.Payload, &vote); err != nil {
			return err
		}
		return s.Issuance.Vote(vote.EpochID, env.FromPeerID)
	})

	s.Mesh.RegisterHandler(mesh.MsgIssuanceProposal, func(env mesh.Envelope) error {
		// A peer's proposal is answered with this coordinator's vote.
		var epoch economy.IssuanceEpoch
		if err := json.Unmarshal(env.Payload, &epoch); err != nil {
			return err
		}
		return s.Mesh.Broadcast(mesh.MsgIssuanceVote, map[string]string{"epoch_id": epoch.IssuanceEpochID})
	})

	s.Mesh.RegisterHandler(mesh.MsgQueueSummary, func(env mesh.Envelope) error {
		// Observational only; the summary informs local pricing via the
		// capacity endpoints, not the queue itself.
		return nil
	})

	s.Mesh.RegisterHandler(mesh.MsgResultAnnounce, func(env mesh.Envelope) error {
		return nil
	})
}
