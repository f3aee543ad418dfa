package billing

import (
	"context"

	"expensio/internal/types"
)

// OrgDirectory is the subset of the organization repository needed for
// resolution.
type OrgDirectory interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Organization, error)
}

// PlanCatalog is the subset of the plan repository needed for resolution.
type PlanCatalog interface {
	GetByID(ctx context.Context, id string) (*types.Plan, error)
	GetByProductID(ctx context.Context, productID string) (*types.Plan, error)
	GetByPriceID(ctx context.Context, priceID string) (*types.Plan, error)
}

// Resolver maps external customer/product/price identifiers to internal
// organizations and plans. Resolution is metadata-first: an explicit internal
// ID planted in event metadata at checkout time wins over any lookup, because
// it survives customer-record edits on the provider side.
type Resolver struct {
	orgs  OrgDirectory
	plans PlanCatalog
}

// NewResolver creates a Resolver over the given directories.
func NewResolver(orgs OrgDirectory, plans PlanCatalog) *Resolver {
	return &Resolver{orgs: orgs, plans: plans}
}

// ResolveOrg finds the organization for an event. metadata carries the
// event's metadata map (may be nil); customerID is the event's external
// customer reference. Returns ErrCodeNotFoundOrg when neither path resolves.
func (r *Resolver) ResolveOrg(ctx context.Context, metadata map[string]string, customerID string) (*types.Organization, error) {
	if orgID := metadata["org_id"]; orgID != "" {
		return r.orgs.GetByID(ctx, orgID)
	}
	if customerID == "" {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "event carries no organization metadata and no customer reference", nil)
	}
	return r.orgs.GetByStripeCustomerID(ctx, customerID)
}

// ResolvePlan finds the plan referenced by a subscription event and derives
// the billing cycle. Resolution order: explicit plan_id metadata, then the
// line item's product identifier, then either of the plan's price
// identifiers. The cycle is annual exactly when the event's price ID equals
// the resolved plan's annual price ID.
func (r *Resolver) ResolvePlan(ctx context.Context, ev *SubscriptionEvent) (*types.Plan, types.BillingCycle, error) {
	plan, err := r.lookupPlan(ctx, ev)
	if err != nil {
		return nil, "", err
	}

	cycle := types.CycleMonthly
	if priceID := ev.PriceID(); priceID != "" && priceID == plan.StripePriceAnnualID {
		cycle = types.CycleAnnual
	}
	return plan, cycle, nil
}

func (r *Resolver) lookupPlan(ctx context.Context, ev *SubscriptionEvent) (*types.Plan, error) {
	if planID := ev.Metadata["plan_id"]; planID != "" {
		return r.plans.GetByID(ctx, planID)
	}

	if productID := ev.ProductID(); productID != "" {
		plan, err := r.plans.GetByProductID(ctx, productID)
		if err == nil {
			return plan, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	if priceID := ev.PriceID(); priceID != "" {
		return r.plans.GetByPriceID(ctx, priceID)
	}

	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "event carries no plan metadata, product, or price reference", nil)
}
