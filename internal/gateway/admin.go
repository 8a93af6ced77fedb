package gateway

import (
	"errors"
	"net/http"

	"github.com/crosslogic/metering/internal/billing"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// adminPrincipal loads the principal named by the principal_id route
// parameter. It writes the error response itself and returns nil on failure.
func (g *Gateway) adminPrincipal(w http.ResponseWriter, r *http.Request) *models.Principal {
	id, err := uuid.Parse(chi.URLParam(r, "principal_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid principal id")
		return nil
	}
	p, err := g.auth.Principal(r.Context(), id)
	if errors.Is(err, billing.ErrPrincipalNotFound) {
		g.writeError(w, http.StatusNotFound, "principal not found")
		return nil
	}
	if err != nil {
		g.logger.Error("failed to load principal", zap.String("principal_id", id.String()), zap.Error(err))
		g.writeErrorType(w, http.StatusInternalServerError, "api_error", "failed to load principal")
		return nil
	}
	return p
}

func actionClassParam(r *http.Request) string {
	if c := r.URL.Query().Get("action_class"); c != "" {
		return c
	}
	return quota.ActionAIRequest
}

// handleAdminQuota shows a principal's window and daily standing.
func (g *Gateway) handleAdminQuota(w http.ResponseWriter, r *http.Request) {
	p := g.adminPrincipal(w, r)
	if p == nil {
		return
	}
	actionClass := actionClassParam(r)

	policy, err := g.plans.Resolve(r.Context(), p, actionClass)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	usage, err := g.quota.Usage(r.Context(), p.ID.String(), actionClass, policy)
	if err != nil {
		g.writeQuotaError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"principal": p,
		"policy":    policy,
		"usage":     usage,
	})
}

// handleAdminResetWindow clears a principal's burst window. The daily
// counter is left alone.
func (g *Gateway) handleAdminResetWindow(w http.ResponseWriter, r *http.Request) {
	p := g.adminPrincipal(w, r)
	if p == nil {
		return
	}
	actionClass := actionClassParam(r)

	if err := g.quota.ResetWindow(r.Context(), p.ID.String(), actionClass); err != nil {
		g.writeQuotaError(w, err)
		return
	}
	g.logger.Info("rate window reset by admin",
		zap.String("principal_id", p.ID.String()),
		zap.String("action_class", actionClass),
	)
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"principal_id": p.ID,
		"action_class": actionClass,
		"reset":        true,
	})
}

func (g *Gateway) handleAdminToolStats(w http.ResponseWriter, r *http.Request) {
	toolID := chi.URLParam(r, "tool_id")
	stats, err := g.quota.ToolStats(r.Context(), toolID)
	if err != nil {
		g.writeQuotaError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleAdminDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := g.quota.DeadLetters(r.Context())
	if err != nil {
		g.logger.Error("failed to count dead letters", zap.Error(err))
		g.writeErrorType(w, http.StatusServiceUnavailable, "api_error", "dead letter queue unavailable")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int64{"dead_letters": n})
}

func (g *Gateway) handleAdminReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := g.quota.Reconcile(r.Context())
	if err != nil {
		g.logger.Error("reconcile failed", zap.Error(err))
		g.writeErrorType(w, http.StatusServiceUnavailable, "api_error", "reconcile failed")
		return
	}
	g.logger.Info("reconcile run by admin",
		zap.Int("replayed", report.Replayed),
		zap.Int("failed", report.Failed),
		zap.Int64("remaining", report.Remaining),
	)
	g.writeJSON(w, http.StatusOK, report)
}
