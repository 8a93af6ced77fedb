package billing

import (
	"context"
	"testing"
	"time"

	"github.com/crosslogic/metering/internal/config"
	"github.com/crosslogic/metering/internal/quota"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPlanResolverResolve(t *testing.T) {
	r := NewPlanResolver(config.DefaultPlans(), zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name   string
		tier   string
		status models.PrincipalStatus
		class  string
		want   quota.Policy
	}{
		{
			name:   "free ai request",
			tier:   models.TierFree,
			status: models.PrincipalActive,
			class:  quota.ActionAIRequest,
			want:   quota.Policy{WindowLimit: 5, Window: time.Minute, DailyLimit: 50},
		},
		{
			name:   "pro falls back to wildcard class",
			tier:   models.TierPro,
			status: models.PrincipalActive,
			class:  "export",
			want:   quota.Policy{WindowLimit: 120, Window: time.Minute, DailyLimit: 50000},
		},
		{
			name:   "unknown tier uses free",
			tier:   "platinum",
			status: models.PrincipalActive,
			class:  quota.ActionAIRequest,
			want:   quota.Policy{WindowLimit: 5, Window: time.Minute, DailyLimit: 50},
		},
		{
			name:   "suspended principal is blocked",
			tier:   models.TierEnterprise,
			status: models.PrincipalSuspended,
			class:  quota.ActionAIRequest,
			want:   quota.Policy{WindowLimit: 300, Window: time.Minute, DailyLimit: 0},
		},
		{
			name:   "banned principal is blocked",
			tier:   models.TierStarter,
			status: models.PrincipalBanned,
			class:  quota.ActionAIRequest,
			want:   quota.Policy{WindowLimit: 20, Window: time.Minute, DailyLimit: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &models.Principal{ID: uuid.New(), PlanTier: tt.tier, Status: tt.status}
			got, err := r.Resolve(ctx, p, tt.class)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanResolverMissingClass(t *testing.T) {
	plans := config.Plans{
		models.TierFree: {quota.ActionAIRequest: {WindowLimit: 1, Window: time.Second, DailyLimit: 1}},
	}
	r := NewPlanResolver(plans, zap.NewNop())

	_, err := r.Resolve(context.Background(), &models.Principal{PlanTier: models.TierFree, Status: models.PrincipalActive}, "export")
	assert.Error(t, err)

	_, err = r.Resolve(context.Background(), nil, quota.ActionAIRequest)
	assert.Error(t, err)
}
