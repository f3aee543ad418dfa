package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"expensio/internal/types"
)

// PlanRepository provides data access for the plans table. Plans are
// reference data: seeded by operations tooling, read-only to this service.
type PlanRepository struct {
	db DBTX
}

// NewPlanRepository creates a new PlanRepository backed by the given database
// connection (pool or transaction).
func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `p.id, p.name, p.stripe_product_id,
	p.stripe_price_monthly_id, p.stripe_price_annual_id, p.is_free`

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var plan types.Plan
	var productID, monthlyID, annualID *string

	err := row.Scan(
		&plan.ID,
		&plan.Name,
		&productID,
		&monthlyID,
		&annualID,
		&plan.IsFree,
	)
	if err != nil {
		return nil, err
	}
	if productID != nil {
		plan.StripeProductID = *productID
	}
	if monthlyID != nil {
		plan.StripePriceMonthlyID = *monthlyID
	}
	if annualID != nil {
		plan.StripePriceAnnualID = *annualID
	}
	return &plan, nil
}

// GetByID retrieves a plan by its internal ID.
// Returns ErrCodeNotFoundPlan if no plan is found.
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans p WHERE p.id = $1`,
		id,
	)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan", err)
	}
	return plan, nil
}

// GetByProductID retrieves the plan matching an external product identifier.
func (r *PlanRepository) GetByProductID(ctx context.Context, productID string) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans p WHERE p.stripe_product_id = $1`,
		productID,
	)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found for product", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan by product", err)
	}
	return plan, nil
}

// GetByPriceID retrieves the plan whose monthly or annual price identifier
// matches. Price IDs are unique across plans, so at most one row matches.
func (r *PlanRepository) GetByPriceID(ctx context.Context, priceID string) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans p
		 WHERE p.stripe_price_monthly_id = $1 OR p.stripe_price_annual_id = $1`,
		priceID,
	)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found for price", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan by price", err)
	}
	return plan, nil
}
