package billing

import (
	"context"
	"fmt"

	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/pkg/models"
	"go.uber.org/zap"
)

// PlanResolver maps a principal's subscription to the limits it is held to.
type PlanResolver struct {
	plans  config.Plans
	logger *zap.Logger
}

// NewPlanResolver creates a resolver over the configured plan table
func NewPlanResolver(plans config.Plans, logger *zap.Logger) *PlanResolver {
	return &PlanResolver{plans: plans, logger: logger}
}

// Resolve returns the policy for principal and actionClass. Principals that
// are not active keep their tier's window but get a daily limit of zero,
// which blocks them outright. Unknown tiers fall back to free.
func (r *PlanResolver) Resolve(ctx context.Context, principal *models.Principal, actionClass string) (quota.Policy, error) {
	if principal == nil {
		return quota.Policy{}, fmt.Errorf("principal is required")
	}

	tier := principal.PlanTier
	limits, ok := r.plans.Lookup(tier, actionClass)
	if !ok {
		if _, known := r.plans[tier]; !known {
			r.logger.Warn("unknown plan tier, using free limits",
				zap.String("principal_id", principal.ID.String()),
				zap.String("plan_tier", tier),
			)
		}
		limits, ok = r.plans.Lookup(models.TierFree, actionClass)
	}
	if !ok {
		return quota.Policy{}, fmt.Errorf("no plan limits for action class %q", actionClass)
	}

	policy := quota.Policy{
		WindowLimit: limits.WindowLimit,
		Window:      limits.Window,
		DailyLimit:  limits.DailyLimit,
	}
	if !principal.Active() {
		policy.DailyLimit = 0
	}
	return policy, nil
}

// Tiers returns the configured plan table.
func (r *PlanResolver) Tiers() config.Plans {
	return r.plans
}
