package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edgeswarm/coordinator/internal/economy"
	"github.com/edgeswarm/coordinator/internal/events"
	"github.com/edgeswarm/coordinator/internal/store"
)

func (s *Server) handlePriceQuote(w http.ResponseWriter, r *http.Request) {
	resourceClass := r.URL.Query().Get("resource_class")
	if resourceClass == "" {
		resourceClass = "cpu"
	}
	writeJSON(w, http.StatusOK, economy.Quote{
		CoordinatorID:    s.Config.Server.CoordinatorID,
		Price:            s.Pricing.LocalQuote(resourceClass, s.capacitySignals()),
		ReputationWeight: 100,
	})
}

func (s *Server) handlePriceConsensus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceClass string `json:"resource_class"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.ResourceClass == "" {
		req.ResourceClass = "cpu"
	}
	epoch := s.Pricing.Consensus(r.Context(), req.ResourceClass, s.capacitySignals())
	writeJSON(w, http.StatusOK, epoch)
}

func (s *Server) handlePriceEpochs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"epochs": s.Pricing.Epochs()})
}

func (s *Server) handleIntentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID  string `json:"account_id"`
		WalletType string `json:"wallet_type"`
		AmountSats int64  `json:"amount_sats"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.AccountID == "" || req.AmountSats <= 0 {
		writeValidationError(w, "account_id and a positive amount_sats are required")
		return
	}

	intent, err := s.Payments.CreateIntent(r.Context(), req.AccountID, req.WalletType, req.AmountSats)
	if err != nil {
		s.Metrics.PaymentsRejected.WithLabelValues("provider_error").Inc()
		writeError(w, err)
		return
	}
	s.mirrorIntent(intent)
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleIntentGet(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.Payments.Get(mux.Vars(r)["intentId"])
	if !ok {
		writeError(w, economy.ErrIntentNotFound)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleIntentSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntentID string `json:"intent_id"`
		TxRef    string `json:"tx_ref"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.IntentID == "" || req.TxRef == "" {
		writeValidationError(w, "intent_id and tx_ref are required")
		return
	}

	intent, err := s.Payments.Settle(req.IntentID, req.TxRef)
	if err != nil {
		s.Metrics.PaymentsRejected.WithLabelValues(err.Error()).Inc()
		writeError(w, err)
		return
	}
	s.Metrics.PaymentsSettled.Inc()
	s.mirrorIntent(intent)
	s.Events.Emit(events.TypePaymentSettled, intent.IntentID, map[string]any{
		"account_id":     intent.AccountID,
		"net_sats":       intent.NetSats,
		"quoted_credits": intent.QuotedCredits,
	})
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleCreditsGet(w http.ResponseWriter, r *http.Request) {
	account, ok := s.Accounts.Get(mux.Vars(r)["accountId"])
	if !ok {
		// Unknown accounts read as empty, not as errors; agents poll
		// this before they have earned anything.
		account.AccountID = mux.Vars(r)["accountId"]
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleIssuanceEpoch(w http.ResponseWriter, r *http.Request) {
	epoch, ok := s.Issuance.LatestEpoch()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"epoch": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epoch": epoch})
}

func (s *Server) handleIssuanceRecalc(w http.ResponseWriter, r *http.Request) {
	epoch, err := s.Issuance.Recalc(s.capacitySignals())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epoch)
}

func (s *Server) handleIssuanceVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EpochID string `json:"epoch_id"`
		VoterID string `json:"voter_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.EpochID == "" || req.VoterID == "" {
		writeValidationError(w, "epoch_id and voter_id are required")
		return
	}
	if err := s.Issuance.Vote(req.EpochID, req.VoterID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleIssuanceQuorum(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"quorum_ledger": s.Issuance.QuorumLedger()})
}

func (s *Server) handleIssuanceAnchors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"anchors": s.Issuance.Anchors()})
}

func (s *Server) handleTreasuryGet(w http.ResponseWriter, r *http.Request) {
	policy, err := s.Treasury.Policy()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleTreasurySet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContributorShare  float64 `json:"contributor_share"`
		CoordinatorShare  float64 `json:"coordinator_share"`
		ReserveShare      float64 `json:"reserve_share"`
		ReserveTargetSats int64   `json:"reserve_target_sats"`
		UpdatedBy         string  `json:"updated_by"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}

	policy := s.Treasury.SetPolicy(economy.PayoutSplit{
		ContributorShare: req.ContributorShare,
		CoordinatorShare: req.CoordinatorShare,
		ReserveShare:     req.ReserveShare,
	}, req.ReserveTargetSats, req.UpdatedBy)
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleOfflineSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []economy.OfflineEntry `json:"entries"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if len(req.Entries) == 0 {
		writeValidationError(w, "entries is required")
		return
	}

	result := s.Offline.Sync(req.Entries)
	for _, entry := range result.AcceptedEntries {
		entry := entry
		s.Mirror.Enqueue("offline_contribution", func(ctx context.Context) error {
			return s.Mirror.Store().RecordContribution(ctx, store.Contribution{
				AccountID:    entry.AgentID,
				Kind:         store.ContributionOfflineEarn,
				Weight:       entry.Credits,
				RecordedAtMs: entry.RecordedAtMs,
			})
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) mirrorIntent(intent economy.PaymentIntent) {
	s.Mirror.Enqueue("payment_intent", func(ctx context.Context) error {
		return s.Mirror.Store().SavePaymentIntent(ctx, intent)
	})
}
