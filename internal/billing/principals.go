package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/metering/pkg/database"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrPrincipalNotFound is returned when no principal matches a lookup.
var ErrPrincipalNotFound = errors.New("principal not found")

// PrincipalStore reads and updates metered identities.
type PrincipalStore interface {
	GetByAPIKeyHash(ctx context.Context, keyHash string) (*models.Principal, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	// UpdateSubscription applies a subscription change to the principal
	// billed under customerID. Banned principals stay banned.
	UpdateSubscription(ctx context.Context, customerID, tier string, status models.PrincipalStatus) (*models.Principal, error)
}

const principalColumns = `p.id, p.email, p.plan_tier, p.status, COALESCE(p.stripe_customer_id, ''), p.created_at`

// PostgresPrincipals is the PostgreSQL PrincipalStore.
type PostgresPrincipals struct {
	db *database.Database
}

// NewPostgresPrincipals creates a principal store on db
func NewPostgresPrincipals(db *database.Database) *PostgresPrincipals {
	return &PostgresPrincipals{db: db}
}

func scanPrincipal(row pgx.Row) (*models.Principal, error) {
	var (
		p      models.Principal
		status string
	)
	err := row.Scan(&p.ID, &p.Email, &p.PlanTier, &status, &p.StripeCustomerID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = models.PrincipalStatus(status)
	return &p, nil
}

// GetByAPIKeyHash implements PrincipalStore. Revoked keys do not match.
func (s *PostgresPrincipals) GetByAPIKeyHash(ctx context.Context, keyHash string) (*models.Principal, error) {
	p, err := scanPrincipal(s.db.Pool.QueryRow(ctx, `
		SELECT `+principalColumns+`
		FROM api_keys k
		JOIN principals p ON p.id = k.principal_id
		WHERE k.key_hash = $1 AND k.revoked_at IS NULL
	`, keyHash))
	if err != nil && !errors.Is(err, ErrPrincipalNotFound) {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return p, err
}

// GetByID implements PrincipalStore.
func (s *PostgresPrincipals) GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	p, err := scanPrincipal(s.db.Pool.QueryRow(ctx, `
		SELECT `+principalColumns+`
		FROM principals p
		WHERE p.id = $1
	`, id))
	if err != nil && !errors.Is(err, ErrPrincipalNotFound) {
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}
	return p, err
}

// UpdateSubscription implements PrincipalStore.
func (s *PostgresPrincipals) UpdateSubscription(ctx context.Context, customerID, tier string, status models.PrincipalStatus) (*models.Principal, error) {
	var updated *models.Principal
	err := s.db.RunInTx(ctx, func(tx pgx.Tx) error {
		p, err := scanPrincipal(tx.QueryRow(ctx, `
			UPDATE principals p
			SET plan_tier = $1,
			    status = CASE WHEN p.status = 'banned' THEN p.status ELSE $2 END
			WHERE p.stripe_customer_id = $3
			RETURNING `+principalColumns+`
		`, tier, string(status), customerID))
		if err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return updated, nil
}
