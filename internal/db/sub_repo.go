package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"expensio/internal/types"
)

// SubscriptionRepository manages the reconciled subscription state.
//
// Key invariants:
//   - One subscription row per organization, enforced by a unique constraint
//     on org_id. UpsertByOrg relies on it so re-delivered creation events
//     update rather than duplicate.
//   - The external subscription ID is unique; a concurrent duplicate create
//     attempt fails the constraint instead of corrupting data.
//   - Rows are never deleted. Cancellation rewrites the row to the free plan.
type SubscriptionRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by the
// given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subColumns = `s.id, s.org_id, s.plan_id, s.stripe_subscription_id,
	s.status, s.billing_cycle, s.current_period_start, s.current_period_end,
	s.trial_start, s.trial_end, s.cancel_at_period_end, s.canceled_at,
	s.created_at, s.updated_at`

func scanSub(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	var stripeSubID, cycle *string

	err := row.Scan(
		&sub.ID,
		&sub.OrgID,
		&sub.PlanID,
		&stripeSubID,
		&sub.Status,
		&cycle,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.TrialStart,
		&sub.TrialEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stripeSubID != nil {
		sub.StripeSubscriptionID = *stripeSubID
	}
	if cycle != nil {
		sub.BillingCycle = types.BillingCycle(*cycle)
	}
	return &sub, nil
}

// GetByOrgID retrieves the subscription row for an organization.
// Returns ErrCodeNotFoundSubscription if none exists yet.
func (r *SubscriptionRepository) GetByOrgID(ctx context.Context, orgID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions s WHERE s.org_id = $1`,
		orgID,
	)

	sub, err := scanSub(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found for organization", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// GetByStripeSubscriptionID retrieves a subscription by its external ID.
// Returns ErrCodeNotFoundSubscription if none exists; callers use this to
// self-heal against missed creation events by treating an update as a create.
func (r *SubscriptionRepository) GetByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions s WHERE s.stripe_subscription_id = $1`,
		stripeSubID,
	)

	sub, err := scanSub(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// UpsertByOrg inserts or rewrites the organization's single subscription row.
// The conflict target is org_id: re-delivery of a creation event, or a
// creation event racing an update treated-as-create, lands on the same row.
func (r *SubscriptionRepository) UpsertByOrg(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (id, org_id, plan_id, stripe_subscription_id,
		   status, billing_cycle, current_period_start, current_period_end,
		   trial_start, trial_end, cancel_at_period_end, canceled_at,
		   created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		 ON CONFLICT (org_id) DO UPDATE SET
		   plan_id = EXCLUDED.plan_id,
		   stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		   status = EXCLUDED.status,
		   billing_cycle = EXCLUDED.billing_cycle,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end = EXCLUDED.current_period_end,
		   trial_start = EXCLUDED.trial_start,
		   trial_end = EXCLUDED.trial_end,
		   cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		   canceled_at = EXCLUDED.canceled_at,
		   updated_at = NOW()`,
		sub.ID,
		sub.OrgID,
		sub.PlanID,
		nilIfEmpty(sub.StripeSubscriptionID),
		sub.Status,
		nilIfEmpty(string(sub.BillingCycle)),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialStart,
		sub.TrialEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// A concurrent delivery won the insert race on the external
			// subscription ID. Benign: the winning write carries the same
			// event payload.
			r.logger.InfoContext(ctx, "subscription upsert lost benign insert race",
				slog.String("org_id", sub.OrgID),
				slog.String("stripe_subscription_id", sub.StripeSubscriptionID),
			)
			return types.NewAppError(types.ErrCodeConflictDuplicate, "subscription already recorded by concurrent delivery", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return nil
}

// MarkPastDue sets the organization's subscription status to past_due.
// Applied unconditionally: a payment failure always parks the subscription
// in dunning regardless of its previous state.
func (r *SubscriptionRepository) MarkPastDue(ctx context.Context, orgID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1, updated_at = NOW()
		 WHERE org_id = $2`,
		types.SubStatusPastDue,
		orgID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark subscription past_due", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found for organization", nil)
	}
	return nil
}

// HealPastDue flips a past_due subscription back to active. It is a no-op
// for any other status; the bool reports whether a flip happened. This is
// the only path that recovers a subscription from dunning short of a fresh
// subscription update event.
func (r *SubscriptionRepository) HealPastDue(ctx context.Context, orgID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1, updated_at = NOW()
		 WHERE org_id = $2 AND status = $3`,
		types.SubStatusActive,
		orgID,
		types.SubStatusPastDue,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to heal past_due subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DowngradeToFree rewrites the subscription row to the designated free plan
// after the provider deletes the subscription: status active, external ID and
// cycle cleared, cancellation fields reset, period restarted at periodStart.
func (r *SubscriptionRepository) DowngradeToFree(ctx context.Context, orgID, freePlanID string, periodStart time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan_id = $1,
		     stripe_subscription_id = NULL,
		     status = $2,
		     billing_cycle = NULL,
		     current_period_start = $3,
		     current_period_end = NULL,
		     trial_start = NULL,
		     trial_end = NULL,
		     cancel_at_period_end = FALSE,
		     canceled_at = NULL,
		     updated_at = NOW()
		 WHERE org_id = $4`,
		freePlanID,
		types.SubStatusActive,
		periodStart,
		orgID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to downgrade subscription to free plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found for organization", nil)
	}
	return nil
}
