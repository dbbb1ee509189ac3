package server

import (
	"context"
	"time"

	"github.com/edgeswarm/coordinator/internal/mesh"
)

// Background cadences. The issuance and anchor intervals come from
// config; these are fixed by the protocol.
const (
	staleRequeueInterval = 15 * time.Second
	reconcileInterval    = 30 * time.Second
	tunnelGCInterval     = 30 * time.Second

	staleClaimTimeoutMs = int64(120_000)
)

// RunBackground drives the periodic maintenance loops until ctx is
// cancelled: stale-claim requeue, payment reconciliation, tunnel GC,
// issuance recalculation, and anchor commits.
func (s *Server) RunBackground(ctx context.Context) {
	go s.loop(ctx, staleRequeueInterval, s.requeueStale)
	go s.loop(ctx, reconcileInterval, func(ctx context.Context) { s.Payments.Reconcile(ctx) })
	go s.loop(ctx, tunnelGCInterval, func(context.Context) { s.Tunnels.GC() })

	recalcEvery := time.Duration(s.Config.Economy.IssuanceRecalcMs) * time.Millisecond
	if recalcEvery > 0 {
		go s.loop(ctx, recalcEvery, s.issuanceTick)
	}
	anchorEvery := time.Duration(s.Config.Economy.AnchorIntervalMs) * time.Millisecond
	if anchorEvery > 0 {
		go s.loop(ctx, anchorEvery, s.anchorTick)
	}
}

func (s *Server) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Server) requeueStale(context.Context) {
	if n := s.Queue.RequeueStale(staleClaimTimeoutMs); n > 0 {
		s.Metrics.SubtasksRequeued.Add(float64(n))
		logger.Printf("requeued %d stale claims", n)
	}
}

func (s *Server) issuanceTick(context.Context) {
	if _, err := s.Issuance.Recalc(s.capacitySignals()); err != nil {
		logger.Printf("issuance recalc failed: %v", err)
	}
}

func (s *Server) anchorTick(context.Context) {
	if anchor, ok := s.Issuance.AnchorLatest(s.Config.Economy.AnchorExternalRef); ok {
		s.Mesh.Broadcast(mesh.MsgIssuanceCheckpoint, anchor)
	}
}
