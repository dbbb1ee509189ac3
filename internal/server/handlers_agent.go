package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/edgeswarm/coordinator/internal/events"
	"github.com/edgeswarm/coordinator/internal/ledger"
	"github.com/edgeswarm/coordinator/internal/mesh"
	"github.com/edgeswarm/coordinator/internal/queue"
	"github.com/edgeswarm/coordinator/internal/registry"
	"github.com/edgeswarm/coordinator/internal/store"
)

type registerRequest struct {
	AgentID           string                `json:"agent_id"`
	Capabilities      registry.Capabilities `json:"capabilities"`
	RegistrationToken string                `json:"registration_token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.AgentID == "" {
		writeValidationError(w, "agent_id is required")
		return
	}
	if req.Capabilities.SourceIP == "" {
		req.Capabilities.SourceIP = r.RemoteAddr
	}

	outcome, err := s.Registry.Register(r.Context(), req.AgentID, req.Capabilities, req.RegistrationToken)
	if err != nil {
		rec := s.Ledger.Append(ledger.AppendInput{
			EventType:   ledger.EventNodeValidation,
			ActorID:     req.AgentID,
			PayloadJSON: fmt.Sprintf(`{"allowed":false,"reason":%q}`, err.Error()),
		})
		s.mirrorLedgerRecord(rec)
		writeError(w, err)
		return
	}

	rec := s.Ledger.Append(ledger.AppendInput{
		EventType:   ledger.EventNodeApproval,
		ActorID:     req.AgentID,
		PayloadJSON: fmt.Sprintf(`{"allowed":true,"reason":%q}`, outcome.PortalReason),
	})
	s.mirrorLedgerRecord(rec)

	s.Metrics.AgentsRegistered.Inc()
	s.Metrics.AgentsActive.Set(float64(s.Registry.ActiveCount(activeWindowMs)))
	s.Events.Emit(events.TypeAgentRegistered, req.AgentID, map[string]any{
		"client_type": req.Capabilities.ClientType,
		"os":          req.Capabilities.OS,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":      req.AgentID,
		"mesh_token":    outcome.MeshToken,
		"portal_reason": outcome.PortalReason,
	})
}

type heartbeatRequest struct {
	AgentID     string                  `json:"agent_id"`
	ActiveModel string                  `json:"active_model,omitempty"`
	Power       registry.PowerTelemetry `json:"power"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.AgentID == "" {
		writeValidationError(w, "agent_id is required")
		return
	}

	if err := s.Registry.Heartbeat(req.AgentID, req.ActiveModel); err != nil {
		s.Metrics.HeartbeatRejects.WithLabelValues(err.Error()).Inc()
		writeError(w, err)
		return
	}
	s.Metrics.AgentsActive.Set(float64(s.Registry.ActiveCount(activeWindowMs)))

	agent, _ := s.Registry.Get(req.AgentID)
	decision := registry.EvaluatePower(agent.Capabilities, req.Power,
		s.Registry.LastTaskAssigned(req.AgentID), time.Now().UnixMilli(), s.powerConfig())

	resp := map[string]any{
		"status":         "ok",
		"power":          decision,
		"tunnel_invites": s.Tunnels.InvitesFor(req.AgentID),
		"work_offers":    s.Tunnels.OffersFor(req.AgentID),
	}
	if target, ok := s.rollouts.targetFor(agent.Capabilities, req.ActiveModel); ok {
		resp["target_model"] = target
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	TaskID        string `json:"task_id"`
	Prompt        string `json:"prompt"`
	Language      string `json:"language,omitempty"`
	TimeoutMs     int64  `json:"timeout_ms,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	ResourceClass string `json:"resource_class"`
	Priority      int    `json:"priority"`
	Model         string `json:"model,omitempty"`
	AccountID     string `json:"account_id,omitempty"`
	ClaimDelayMs  int64  `json:"claim_delay_ms,omitempty"`

	// Subtasks, when present, bypass the decomposition stub: the caller
	// already split the task and may declare depends_on edges.
	Subtasks []queue.Subtask `json:"subtasks,omitempty"`
}

// decompose is the decomposition stub: one subtask per task until a
// real planner lands. Caller-supplied subtasks pass through with the
// task-level fields defaulted in.
func decompose(req submitRequest) []queue.Subtask {
	if len(req.Subtasks) == 0 {
		return []queue.Subtask{{
			TaskID:         req.TaskID,
			Input:          req.Prompt,
			Language:       req.Language,
			TimeoutMs:      req.TimeoutMs,
			ProjectID:      req.ProjectID,
			TenantID:       req.TenantID,
			ResourceClass:  req.ResourceClass,
			Priority:       req.Priority,
			RequestedModel: req.Model,
		}}
	}
	batch := make([]queue.Subtask, len(req.Subtasks))
	copy(batch, req.Subtasks)
	for i := range batch {
		if batch[i].TaskID == "" {
			batch[i].TaskID = req.TaskID
		}
		if batch[i].ProjectID == "" {
			batch[i].ProjectID = req.ProjectID
		}
		if batch[i].ResourceClass == "" {
			batch[i].ResourceClass = req.ResourceClass
		}
		if batch[i].Priority == 0 {
			batch[i].Priority = req.Priority
		}
	}
	return batch
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.TaskID == "" {
		writeValidationError(w, "task_id is required")
		return
	}
	if req.Prompt == "" && len(req.Subtasks) == 0 {
		writeValidationError(w, "prompt or subtasks required")
		return
	}

	if err := s.Accounts.AuthorizeSubmission(req.AccountID,
		s.Config.Economy.ContributionBurstCredits, s.Config.Economy.MinContributionRatio); err != nil {
		writeError(w, err)
		return
	}

	entered, err := s.Queue.SubmitBatch(decompose(req), queue.EnqueueOptions{ClaimDelayMs: req.ClaimDelayMs})
	if err != nil {
		var cycle *queue.CycleError
		if errors.As(err, &cycle) {
			writeValidationError(w, cycle.Error())
			return
		}
		writeError(w, err)
		return
	}

	for _, st := range entered {
		rec := s.Ledger.Append(ledger.AppendInput{
			EventType: ledger.EventTaskEnqueue,
			TaskID:    st.TaskID,
			SubtaskID: st.SubtaskID,
			ActorID:   req.AccountID,
		})
		s.mirrorLedgerRecord(rec)
		s.Metrics.SubtasksEnqueued.WithLabelValues(st.ProjectID).Inc()
		s.Events.Emit(events.TypeTaskEnqueued, st.TaskID, map[string]any{"subtask_id": st.SubtaskID})
	}
	s.Metrics.QueueDepth.Set(float64(s.Queue.Status().Queued))

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  req.TaskID,
		"queued":   len(entered),
		"subtasks": entered,
	})
}

type pullRequest struct {
	AgentID     string                  `json:"agent_id"`
	ActiveModel string                  `json:"active_model,omitempty"`
	Power       registry.PowerTelemetry `json:"power"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.AgentID == "" {
		writeValidationError(w, "agent_id is required")
		return
	}
	if err := s.Registry.Touch(req.AgentID); err != nil {
		writeError(w, err)
		return
	}

	agent, _ := s.Registry.Get(req.AgentID)
	decision := registry.EvaluatePower(agent.Capabilities, req.Power,
		s.Registry.LastTaskAssigned(req.AgentID), time.Now().UnixMilli(), s.powerConfig())
	if !decision.AllowCoordinatorTasks {
		s.Metrics.PowerDeferrals.WithLabelValues(decision.Reason).Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"subtask":  nil,
			"reason":   decision.Reason,
			"defer_ms": decision.DeferMs,
		})
		return
	}

	st := s.Queue.Claim(req.AgentID, req.ActiveModel)
	if st == nil {
		writeJSON(w, http.StatusOK, map[string]any{"subtask": nil})
		return
	}

	s.Registry.RecordTaskAssigned(req.AgentID)
	rec := s.Ledger.Append(ledger.AppendInput{
		EventType: ledger.EventTaskClaim,
		TaskID:    st.TaskID,
		SubtaskID: st.SubtaskID,
		ActorID:   req.AgentID,
	})
	s.mirrorLedgerRecord(rec)
	s.Metrics.SubtasksClaimed.Inc()
	s.Metrics.QueueDepth.Set(float64(s.Queue.Status().Queued))
	s.Mesh.Broadcast(mesh.MsgTaskClaim, map[string]string{"subtask_id": st.SubtaskID})

	writeJSON(w, http.StatusOK, map[string]any{"subtask": st})
}

type resultRequest struct {
	SubtaskID string `json:"subtask_id"`
	AgentID   string `json:"agent_id"`
	Output    string `json:"output"`
	OK        bool   `json:"ok"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decodeBody(r, &req); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if req.SubtaskID == "" || req.AgentID == "" {
		writeValidationError(w, "subtask_id and agent_id are required")
		return
	}
	if err := s.Registry.Touch(req.AgentID); err != nil {
		writeError(w, err)
		return
	}

	result := queue.Result{
		SubtaskID: req.SubtaskID,
		AgentID:   req.AgentID,
		Output:    req.Output,
		OK:        req.OK,
	}
	released, err := s.Queue.Complete(result)
	if err != nil {
		writeError(w, err)
		return
	}

	rec := s.Ledger.Append(ledger.AppendInput{
		EventType: ledger.EventTaskComplete,
		TaskID:    result.TaskID,
		SubtaskID: result.SubtaskID,
		ActorID:   req.AgentID,
	})
	s.mirrorLedgerRecord(rec)
	s.Mirror.Enqueue("result", func(ctx context.Context) error {
		return s.Mirror.Store().SaveResult(ctx, result)
	})

	if req.OK {
		s.Accounts.CreditEarned(req.AgentID, RewardCredits)
		accrual := s.Ledger.Append(ledger.AppendInput{
			EventType:   ledger.EventEarningsAccrual,
			TaskID:      result.TaskID,
			SubtaskID:   result.SubtaskID,
			ActorID:     req.AgentID,
			PayloadJSON: fmt.Sprintf(`{"credits":%d}`, RewardCredits),
		})
		s.mirrorLedgerRecord(accrual)
		s.Mirror.Enqueue("contribution", func(ctx context.Context) error {
			return s.Mirror.Store().RecordContribution(ctx, store.Contribution{
				AccountID:    req.AgentID,
				Kind:         store.ContributionTaskComplete,
				Weight:       1,
				RecordedAtMs: time.Now().UnixMilli(),
			})
		})
	}

	// Dependents released by this completion re-enter the queue now.
	for _, dep := range released {
		depRec := s.Ledger.Append(ledger.AppendInput{
			EventType: ledger.EventTaskEnqueue,
			TaskID:    dep.TaskID,
			SubtaskID: dep.SubtaskID,
			ActorID:   "dependency_release",
		})
		s.mirrorLedgerRecord(depRec)
		s.Metrics.SubtasksEnqueued.WithLabelValues(dep.ProjectID).Inc()
	}
	s.Metrics.QueueDepth.Set(float64(s.Queue.Status().Queued))
	s.Events.Emit(events.TypeTaskCompleted, result.TaskID, map[string]any{
		"subtask_id": result.SubtaskID,
		"agent_id":   req.AgentID,
		"ok":         req.OK,
	})
	s.Mesh.Broadcast(mesh.MsgResultAnnounce, map[string]any{
		"subtask_id": result.SubtaskID,
		"ok":         req.OK,
	})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "released": len(released)})
}

func (s *Server) powerConfig() registry.PowerPolicyConfig {
	cfg := registry.DefaultPowerPolicyConfig()
	if s.Config.Power.IOSBatteryStopLevelPct > 0 {
		cfg.IOSBatteryStopLevelPct = s.Config.Power.IOSBatteryStopLevelPct
	}
	return cfg
}

// mirrorLedgerRecord queues an async persistence write for a chain
// record. The in-memory chain is authoritative; failures retry in the
// background.
func (s *Server) mirrorLedgerRecord(rec ledger.Record) {
	s.Mirror.Enqueue("ledger_record", func(ctx context.Context) error {
		return s.Mirror.Store().SaveLedgerRecord(ctx, rec)
	})
}

