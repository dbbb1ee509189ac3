package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/edgeswarm/coordinator/internal/blacklist"
	"github.com/edgeswarm/coordinator/internal/economy"
	"github.com/edgeswarm/coordinator/internal/mesh"
	"github.com/edgeswarm/coordinator/internal/queue"
	"github.com/edgeswarm/coordinator/internal/registry"
	"github.com/edgeswarm/coordinator/internal/tunnel"
)

// Wire codes the server produces itself; everything else comes from the
// domain sentinel errors, whose Error() strings are the wire codes.
const (
	codeMeshUnauthorized = "mesh_unauthorized"
	codeValidationError  = "validation_error"
	codeInternal         = "internal_error"
)

// errorStatus maps a domain error to its HTTP status. Unrecognised
// errors are treated as upstream failures and surface as 502.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrAgentBlacklisted),
		errors.Is(err, registry.ErrAgentUnknown),
		errors.Is(err, registry.ErrPortalRejected),
		errors.Is(err, registry.ErrNodeNotActivated),
		errors.Is(err, registry.ErrCapabilityMismatch),
		errors.Is(err, mesh.ErrPeerUnknown),
		errors.Is(err, queue.ErrSessionOwnerMismatch),
		errors.Is(err, economy.ErrCoordinatorNotApproved),
		errors.Is(err, economy.ErrContributeFirst):
		return http.StatusForbidden
	case errors.Is(err, economy.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, mesh.ErrBadSignature),
		errors.Is(err, mesh.ErrMessageExpired),
		errors.Is(err, mesh.ErrDuplicateMessage),
		errors.Is(err, blacklist.ErrInvalidPayload),
		errors.Is(err, blacklist.ErrReporterSignature):
		return http.StatusBadRequest
	case errors.Is(err, mesh.ErrPeerRateLimited),
		errors.Is(err, tunnel.ErrRelayRateLimited),
		errors.Is(err, tunnel.ErrRelayCapReached),
		errors.Is(err, tunnel.ErrOfferRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, tunnel.ErrTunnelNotFound),
		errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, economy.ErrIntentNotFound),
		errors.Is(err, economy.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, economy.ErrIntentExpired):
		return http.StatusGone
	case errors.Is(err, economy.ErrDuplicateTxRef),
		errors.Is(err, queue.ErrTaskNotClaimable),
		errors.Is(err, tunnel.ErrOfferNotAvailable):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError sends the taxonomy string for a domain error.
func writeError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	body := map[string]string{"error": err.Error()}
	if status == http.StatusBadGateway {
		body = map[string]string{"error": codeInternal, "reason": err.Error()}
	}
	writeJSON(w, status, body)
}

// writeValidationError sends validation_error with a human detail.
func writeValidationError(w http.ResponseWriter, detail string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":   codeValidationError,
		"details": detail,
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": codeMeshUnauthorized})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
