package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/internal/tools"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxToolInput mirrors the runner's input bound so oversized input is
// rejected before it consumes quota.
const maxToolInput = 32 << 10

type invokeRequest struct {
	Input string `json:"input"`
}

type invokeUsage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	DurationMs       int64 `json:"duration_ms"`
}

type invokeQuota struct {
	WindowRemaining int64 `json:"window_remaining"`
	DailyRemaining  int64 `json:"daily_remaining"`
}

type invokeResponse struct {
	ToolID string      `json:"tool_id"`
	Model  string      `json:"model"`
	Output string      `json:"output"`
	Usage  invokeUsage `json:"usage"`
	Quota  invokeQuota `json:"quota"`
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	list, err := g.catalog.ListTools(r.Context())
	if err != nil {
		g.logger.Error("failed to list tools", zap.Error(err))
		g.writeErrorType(w, http.StatusInternalServerError, "api_error", "failed to list tools")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   list,
	})
}

// handleInvokeTool runs one metered tool invocation.
//
// The attempt is admitted before the backend is called. Once the backend
// has been reached the attempt is committed whether it succeeded or not;
// only an attempt that never ran hands its window slot back.
func (g *Gateway) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		g.writeErrorType(w, http.StatusUnauthorized, "authentication_error", "unauthenticated")
		return
	}
	toolID := chi.URLParam(r, "tool_id")

	tool, err := g.catalog.GetTool(ctx, toolID)
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		g.writeError(w, http.StatusNotFound, "tool not found")
		return
	case errors.Is(err, tools.ErrToolDisabled):
		g.writeError(w, http.StatusForbidden, "tool is disabled")
		return
	case err != nil:
		g.logger.Error("failed to load tool", zap.String("tool_id", toolID), zap.Error(err))
		g.writeErrorType(w, http.StatusInternalServerError, "api_error", "failed to load tool")
		return
	}

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		g.writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	if len(req.Input) > maxToolInput {
		g.writeError(w, http.StatusBadRequest, "input too long")
		return
	}

	policy, err := g.plans.Resolve(ctx, principal, quota.ActionAIRequest)
	if err != nil {
		g.logger.Error("no plan for principal",
			zap.String("principal_id", principal.ID.String()),
			zap.String("plan_tier", principal.PlanTier),
			zap.Error(err),
		)
		g.writeErrorType(w, http.StatusInternalServerError, "api_error", "no plan configured")
		return
	}

	res, err := g.quota.Admit(ctx, principal.ID.String(), quota.ActionAIRequest, policy)
	if res == nil {
		g.logger.Error("admission failed",
			zap.String("principal_id", principal.ID.String()),
			zap.Error(err),
		)
		g.writeErrorType(w, http.StatusInternalServerError, "api_error", "admission failed")
		return
	}
	setRateLimitHeaders(w, res)
	if !res.Allowed {
		g.writeDenial(w, res)
		return
	}

	result, runErr := g.runner.Run(ctx, tool, req.Input)
	if errors.Is(runErr, tools.ErrBackendUnavailable) {
		g.releaseTicket(ctx, res.Ticket)
		w.Header().Set("Retry-After", "1")
		g.writeErrorType(w, http.StatusServiceUnavailable, "api_error", "tool backend unavailable")
		return
	}
	if errors.Is(runErr, tools.ErrEmptyInput) || errors.Is(runErr, tools.ErrInputTooLong) {
		g.releaseTicket(ctx, res.Ticket)
		g.writeError(w, http.StatusBadRequest, runErr.Error())
		return
	}

	outcome := quota.Outcome{ToolID: tool.ID, Success: runErr == nil}
	if runErr != nil {
		outcome.Error = runErr.Error()
	} else {
		outcome.Duration = result.Duration
	}
	// The commit outlives a caller that hung up after the backend ran.
	if _, err := g.quota.Commit(context.WithoutCancel(ctx), res.Ticket, outcome); err != nil {
		g.logger.Warn("usage commit deferred",
			zap.String("principal_id", principal.ID.String()),
			zap.String("tool_id", tool.ID),
			zap.Error(err),
		)
		w.Header().Set("X-Usage-Accounting", "deferred")
		deferredAccounting.WithLabelValues(tool.ID).Inc()
	}

	if runErr != nil {
		g.logger.Warn("tool invocation failed",
			zap.String("principal_id", principal.ID.String()),
			zap.String("tool_id", tool.ID),
			zap.Error(runErr),
		)
		g.writeErrorType(w, http.StatusBadGateway, "api_error", "tool invocation failed")
		return
	}

	g.writeJSON(w, http.StatusOK, invokeResponse{
		ToolID: tool.ID,
		Model:  result.Model,
		Output: result.Content,
		Usage: invokeUsage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			DurationMs:       result.Duration.Milliseconds(),
		},
		Quota: invokeQuota{
			WindowRemaining: res.WindowRemaining,
			DailyRemaining:  res.DailyRemaining,
		},
	})
}

func (g *Gateway) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		g.writeErrorType(w, http.StatusUnauthorized, "authentication_error", "unauthenticated")
		return
	}
	actionClass := r.URL.Query().Get("action_class")
	if actionClass == "" {
		actionClass = quota.ActionAIRequest
	}

	policy, err := g.plans.Resolve(ctx, principal, actionClass)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "unknown action class")
		return
	}
	usage, err := g.quota.Usage(ctx, principal.ID.String(), actionClass, policy)
	if err != nil {
		g.writeQuotaError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan_tier": principal.PlanTier,
		"status":    principal.Status,
		"usage":     usage,
	})
}

func (g *Gateway) releaseTicket(ctx context.Context, ticket *quota.Ticket) {
	if err := g.quota.Release(context.WithoutCancel(ctx), ticket); err != nil {
		g.logger.Warn("failed to release window slot", zap.Error(err))
	}
}

// writeQuotaError renders an error returned by the quota service.
func (g *Gateway) writeQuotaError(w http.ResponseWriter, err error) {
	switch quota.CodeOf(err) {
	case quota.CodeInvalidInput:
		g.writeError(w, http.StatusBadRequest, err.Error())
	case quota.CodeRateLimitUnavailable:
		g.logger.Error("quota store unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		g.writeErrorType(w, http.StatusServiceUnavailable, quota.ReasonUnavailable, "quota store unavailable")
	default:
		g.logger.Error("quota operation failed", zap.Error(err))
		g.writeErrorType(w, http.StatusInternalServerError, "api_error", "quota operation failed")
	}
}
