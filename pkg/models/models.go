package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription tiers
const (
	TierFree       = "free"
	TierStarter    = "starter"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// PrincipalStatus is the account standing of a metered identity.
type PrincipalStatus string

const (
	PrincipalActive    PrincipalStatus = "active"
	PrincipalSuspended PrincipalStatus = "suspended"
	PrincipalBanned    PrincipalStatus = "banned"
)

// Principal is an identity usage is metered against: a user account or an
// API key belonging to one.
type Principal struct {
	ID               uuid.UUID       `json:"id"`
	Email            string          `json:"email"`
	PlanTier         string          `json:"plan_tier"`
	Status           PrincipalStatus `json:"status"`
	StripeCustomerID string          `json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Active reports whether the principal may consume quota at all.
func (p *Principal) Active() bool {
	return p.Status == PrincipalActive
}

// Tool is an entry in the AI tools catalog.
type Tool struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"-"`
	MaxTokens    int       `json:"max_tokens"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolStats are the aggregate invocation statistics kept per tool.
type ToolStats struct {
	ToolID        string    `json:"tool_id"`
	Invocations   int64     `json:"invocations"`
	AvgResponseMs float64   `json:"avg_response_ms"`
	LastInvokedAt time.Time `json:"last_invoked_at"`
}
