package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"expensio/internal/types"
)

// OrganizationRepository provides data access for the organizations table.
// The webhook pipeline only reads organizations; creation and mutation happen
// through the account-management surface.
type OrganizationRepository struct {
	db DBTX
}

// NewOrganizationRepository creates a new OrganizationRepository backed by the
// given database connection (pool or transaction).
func NewOrganizationRepository(db DBTX) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// orgColumns defines the standard set of columns selected for organization
// queries. Used consistently across all query methods to avoid column drift.
const orgColumns = `o.id, o.name, o.billing_email, o.stripe_customer_id,
	o.created_at, o.updated_at`

// scanOrg scans a single organization row into a types.Organization struct.
// The columns must match the order defined in orgColumns.
func scanOrg(row pgx.Row) (*types.Organization, error) {
	var org types.Organization
	var stripeCustomerID *string

	err := row.Scan(
		&org.ID,
		&org.Name,
		&org.BillingEmail,
		&stripeCustomerID,
		&org.CreatedAt,
		&org.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stripeCustomerID != nil {
		org.StripeCustomerID = *stripeCustomerID
	}
	return &org, nil
}

// GetByID retrieves an organization by its internal ID.
// Returns ErrCodeNotFoundOrg if no organization is found.
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*types.Organization, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+orgColumns+`
		 FROM organizations o
		 WHERE o.id = $1`,
		id,
	)

	org, err := scanOrg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve organization", err)
	}
	return org, nil
}

// GetByStripeCustomerID retrieves the organization whose external customer
// reference matches. This is the lookup-fallback path of entity resolution,
// used when an event carries no explicit organization metadata.
func (r *OrganizationRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Organization, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+orgColumns+`
		 FROM organizations o
		 WHERE o.stripe_customer_id = $1`,
		customerID,
	)

	org, err := scanOrg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found for customer", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve organization by customer", err)
	}
	return org, nil
}
