package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"expensio/internal/external"
	"expensio/internal/types"
)

// SubscriptionStore is the persistence contract for reconciled subscription
// state, satisfied by db.SubscriptionRepository.
type SubscriptionStore interface {
	GetByStripeSubscriptionID(ctx context.Context, stripeSubID string) (*types.Subscription, error)
	UpsertByOrg(ctx context.Context, sub *types.Subscription) error
	MarkPastDue(ctx context.Context, orgID string) error
	HealPastDue(ctx context.Context, orgID string) (bool, error)
	DowngradeToFree(ctx context.Context, orgID, freePlanID string, periodStart time.Time) error
}

// InvoiceStore is the persistence contract for the invoice mirror, satisfied
// by db.InvoiceRepository.
type InvoiceStore interface {
	Upsert(ctx context.Context, inv *types.Invoice) error
}

// AuditTrail records reconciliation actions and security alerts, satisfied by
// audit.Logger.
type AuditTrail interface {
	Action(ctx context.Context, orgID string, action types.AuditAction, detail types.AuditDetail)
	SecurityAlert(ctx context.Context, orgID string, detail types.AuditDetail)
}

// HandlerFunc processes one decoded event payload. The raw bytes are the
// event's data.object.
type HandlerFunc func(ctx context.Context, raw json.RawMessage) error

// Reconciler hosts the event handlers of the webhook pipeline. Every handler
// is an idempotent upsert: subscription writes are keyed by organization,
// invoice writes by external invoice ID, so re-delivery of any event is safe
// even after the replay-guard entry has expired.
//
// Unresolvable external references are deliberately swallowed after writing a
// security alert: returning an error would make the provider retry forever
// against a permanently broken mapping. Operators reconcile those from the
// audit trail.
type Reconciler struct {
	resolver   *Resolver
	plans      PlanCatalog
	subs       SubscriptionStore
	invoices   InvoiceStore
	audit      AuditTrail
	freePlanID string
	logger     *slog.Logger
	now        func() time.Time
}

// NewReconciler creates a Reconciler. freePlanID names the plan organizations
// are rewound to when their subscription is deleted at the provider.
func NewReconciler(
	resolver *Resolver,
	plans PlanCatalog,
	subs SubscriptionStore,
	invoices InvoiceStore,
	auditTrail AuditTrail,
	freePlanID string,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		resolver:   resolver,
		plans:      plans,
		subs:       subs,
		invoices:   invoices,
		audit:      auditTrail,
		freePlanID: freePlanID,
		logger:     logger,
		now:        time.Now,
	}
}

// Routes returns the dispatch table mapping provider event types to handlers.
// Adding support for a new event type is a one-line registration here.
func (r *Reconciler) Routes() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		external.EventSubCreated:       r.SubscriptionCreated,
		external.EventSubUpdated:       r.SubscriptionUpdated,
		external.EventSubDeleted:       r.SubscriptionDeleted,
		external.EventSubTrialEnding:   r.TrialWillEnd,
		external.EventInvoicePaid:      r.InvoicePaid,
		external.EventInvoiceFailed:    r.InvoicePaymentFailed,
		external.EventInvoiceFinalized: r.InvoiceFinalized,
	}
}

// ---------------------------------------------------------------------------
// Subscription handlers
// ---------------------------------------------------------------------------

// SubscriptionCreated records a new subscription for the organization.
// The upsert is keyed by organization, so a re-delivered creation event (or
// one racing an update treated-as-create) converges on the same row.
func (r *Reconciler) SubscriptionCreated(ctx context.Context, raw json.RawMessage) error {
	ev, err := DecodeSubscriptionEvent(raw)
	if err != nil {
		return err
	}
	return r.createSubscription(ctx, ev)
}

// createSubscription is shared by SubscriptionCreated and the self-healing
// path of SubscriptionUpdated.
func (r *Reconciler) createSubscription(ctx context.Context, ev *SubscriptionEvent) error {
	org, err := r.resolver.ResolveOrg(ctx, ev.Metadata, ev.Customer)
	if err != nil {
		return r.softFailUnresolvable(ctx, err, types.AuditDetail{
			"reason":          "unresolvable_customer",
			"customer":        ev.Customer,
			"subscription_id": ev.ID,
		})
	}

	plan, cycle, err := r.resolver.ResolvePlan(ctx, ev)
	if err != nil {
		return r.softFailUnresolvable(ctx, err, types.AuditDetail{
			"reason":          "unresolvable_plan",
			"org_id":          org.ID,
			"subscription_id": ev.ID,
			"price_id":        ev.PriceID(),
			"product_id":      ev.ProductID(),
		})
	}

	status := MapSubscriptionStatus(ev.Status)
	periodStart := ev.PeriodStart()
	if periodStart.IsZero() {
		periodStart = r.now().UTC()
	}

	sub := &types.Subscription{
		ID:                   uuid.NewString(),
		OrgID:                org.ID,
		PlanID:               plan.ID,
		StripeSubscriptionID: ev.ID,
		Status:               status,
		BillingCycle:         cycle,
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     ev.PeriodEnd(),
		TrialStart:           ev.TrialStartAt(),
		TrialEnd:             ev.TrialEndAt(),
		CancelAtPeriodEnd:    ev.CancelAtPeriodEnd,
		CanceledAt:           ev.CanceledAtTime(),
	}

	if err := r.subs.UpsertByOrg(ctx, sub); err != nil {
		if hasCode(err, types.ErrCodeConflictDuplicate) {
			// A concurrent delivery of the same subscription won the
			// insert race; the winner carries the same payload.
			return nil
		}
		return err
	}

	r.audit.Action(ctx, org.ID, types.AuditSubscriptionCreated, types.AuditDetail{
		"subscription_id": ev.ID,
		"plan_id":         plan.ID,
		"status":          string(status),
		"billing_cycle":   string(cycle),
		"provider_status": ev.Status,
	})
	return nil
}

// SubscriptionUpdated converges local state onto the event. A missing local
// row is treated as a creation (self-healing against missed or out-of-order
// creation events). Period bounds, the cancel-at-period-end flag, and the
// cancellation timestamp are taken from the event unconditionally: the event
// is the source of truth for those fields.
func (r *Reconciler) SubscriptionUpdated(ctx context.Context, raw json.RawMessage) error {
	ev, err := DecodeSubscriptionEvent(raw)
	if err != nil {
		return err
	}

	existing, err := r.subs.GetByStripeSubscriptionID(ctx, ev.ID)
	if err != nil {
		if hasCode(err, types.ErrCodeNotFoundSubscription) {
			r.logger.InfoContext(ctx, "subscription update for unknown subscription, treating as create",
				slog.String("subscription_id", ev.ID),
			)
			return r.createSubscription(ctx, ev)
		}
		return err
	}

	planID := existing.PlanID
	cycle := existing.BillingCycle
	if plan, resolvedCycle, perr := r.resolver.ResolvePlan(ctx, ev); perr == nil {
		planID = plan.ID
		cycle = resolvedCycle
	} else if !isNotFound(perr) {
		return perr
	} else {
		r.audit.SecurityAlert(ctx, existing.OrgID, types.AuditDetail{
			"reason":          "unresolvable_plan",
			"subscription_id": ev.ID,
			"price_id":        ev.PriceID(),
		})
	}

	status := MapSubscriptionStatus(ev.Status)
	periodStart := ev.PeriodStart()
	if periodStart.IsZero() {
		periodStart = existing.CurrentPeriodStart
	}

	sub := &types.Subscription{
		ID:                   existing.ID,
		OrgID:                existing.OrgID,
		PlanID:               planID,
		StripeSubscriptionID: ev.ID,
		Status:               status,
		BillingCycle:         cycle,
		CurrentPeriodStart:   periodStart,
		CurrentPeriodEnd:     ev.PeriodEnd(),
		TrialStart:           ev.TrialStartAt(),
		TrialEnd:             ev.TrialEndAt(),
		CancelAtPeriodEnd:    ev.CancelAtPeriodEnd,
		CanceledAt:           ev.CanceledAtTime(),
	}

	if err := r.subs.UpsertByOrg(ctx, sub); err != nil {
		return err
	}

	// Exactly one audit action, in priority order.
	switch {
	case planID != existing.PlanID:
		r.audit.Action(ctx, existing.OrgID, types.AuditPlanChanged, types.AuditDetail{
			"subscription_id": ev.ID,
			"old_plan_id":     existing.PlanID,
			"new_plan_id":     planID,
			"status":          string(status),
		})
	case status != existing.Status:
		r.audit.Action(ctx, existing.OrgID, types.AuditStatusChanged, types.AuditDetail{
			"subscription_id": ev.ID,
			"old_status":      string(existing.Status),
			"new_status":      string(status),
		})
	default:
		r.audit.Action(ctx, existing.OrgID, types.AuditSubscriptionUpdated, types.AuditDetail{
			"subscription_id":      ev.ID,
			"status":               string(status),
			"cancel_at_period_end": ev.CancelAtPeriodEnd,
		})
	}
	return nil
}

// SubscriptionDeleted rewinds the organization to the designated free plan.
// The subscription row is rewritten, never deleted: external ID, cycle, and
// cancellation fields are cleared and the period restarts now.
func (r *Reconciler) SubscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	ev, err := DecodeSubscriptionEvent(raw)
	if err != nil {
		return err
	}

	org, err := r.resolver.ResolveOrg(ctx, ev.Metadata, ev.Customer)
	if err != nil {
		return r.softFailUnresolvable(ctx, err, types.AuditDetail{
			"reason":          "unresolvable_customer",
			"customer":        ev.Customer,
			"subscription_id": ev.ID,
		})
	}

	freePlan, err := r.plans.GetByID(ctx, r.freePlanID)
	if err != nil {
		// Misconfiguration, not event data: surface it as an internal
		// error (500, provider retries) rather than a not-found, which
		// would map to a status outside the webhook response contract.
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"configured free plan does not exist", err)
	}

	if err := r.subs.DowngradeToFree(ctx, org.ID, freePlan.ID, r.now().UTC()); err != nil {
		if hasCode(err, types.ErrCodeNotFoundSubscription) {
			r.logger.WarnContext(ctx, "subscription deletion for organization with no subscription row",
				slog.String("org_id", org.ID),
				slog.String("subscription_id", ev.ID),
			)
			return nil
		}
		return err
	}

	r.audit.Action(ctx, org.ID, types.AuditSubscriptionEnded, types.AuditDetail{
		"subscription_id": ev.ID,
		"free_plan_id":    freePlan.ID,
	})
	return nil
}

// TrialWillEnd records the approaching trial expiry in the audit trail with
// the computed days remaining. No subscription mutation happens here; the
// customer-facing reminder is dispatched by the notification collaborator.
func (r *Reconciler) TrialWillEnd(ctx context.Context, raw json.RawMessage) error {
	ev, err := DecodeSubscriptionEvent(raw)
	if err != nil {
		return err
	}

	org, err := r.resolver.ResolveOrg(ctx, ev.Metadata, ev.Customer)
	if err != nil {
		return r.softFailUnresolvable(ctx, err, types.AuditDetail{
			"reason":          "unresolvable_customer",
			"customer":        ev.Customer,
			"subscription_id": ev.ID,
		})
	}

	trialEnd := ev.TrialEndAt()
	if trialEnd == nil {
		r.logger.WarnContext(ctx, "trial ending event without trial_end",
			slog.String("subscription_id", ev.ID),
		)
		return nil
	}

	daysRemaining := int(math.Ceil(trialEnd.Sub(r.now()).Hours() / 24))
	if daysRemaining < 0 {
		daysRemaining = 0
	}

	r.audit.Action(ctx, org.ID, types.AuditTrialEnding, types.AuditDetail{
		"subscription_id": ev.ID,
		"trial_end":       trialEnd.Format(time.RFC3339),
		"days_remaining":  daysRemaining,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Invoice handlers
// ---------------------------------------------------------------------------

// InvoicePaid mirrors the paid invoice and heals a past_due subscription back
// to active. This is the only path that recovers a subscription from dunning
// short of a fresh subscription update event.
func (r *Reconciler) InvoicePaid(ctx context.Context, raw json.RawMessage) error {
	ev, err := DecodeInvoiceEvent(raw)
	if err != nil {
		return err
	}

	org, err := r.resolveInvoiceOrg(ctx, ev)
	if err != nil {
		return r.softFailUnresolvable(ctx, err, types.AuditDetail{
			"reason":     "unresolvable_customer",
			"customer":   ev.Customer,
			"invoice_id": ev.ID,
		})
	}

	paidAt := r.now().UTC()
	inv := &types.Invoice{
		ID:                   uuid.NewString(),
		OrgID:                org.ID,
		StripeInvoiceID:      ev.ID,
		StripeSubscriptionID: ev.Subscription,
		AmountDue:            ev.AmountDue,
		AmountPaid:           ev.AmountPaid,
		Currency:             ev.Currency,
		Status:               types.InvoiceStatusPaid,
		HostedInvoiceURL:     ev.HostedInvoiceURL,
		InvoicePDF:           ev.InvoicePDF,
		Lines:                ev.LineItems(),
		PaidAt:               &paidAt,
	}
	if err := r.invoices.Upsert(ctx, inv); err != nil {
		return err
	}

	healed, err := r.subs.HealPastDue(ctx, org.ID)
	if err != nil {
		return err
	}

	r.audit.Action(ctx, org.ID, types.AuditPaymentSucceeded, types.AuditDetail{
		"invoice_id":      ev.ID,
		"amount_paid":     ev.AmountPaid,
		"currency":        ev.Currency,
		"healed_past_due": healed,
	})
	return nil
}

// InvoicePaymentFailed parks the subscription in past_due and mirrors the
// open invoice with nothing paid.
func (r *Reconciler) InvoicePaymentFailed(ctx context.Context, raw json.RawMessage) error {
	ev, err := DecodeInvoiceEvent(raw)
	if err != nil {
		return err
	}

	org, err := r.resolveInvoiceOrg(ctx, ev)
	if err != nil {
		return r.softFailUnresolvable(ctx, err, types.AuditDetail{
			"reason":     "unresolvable_customer",
			"customer":   ev.Customer,
			"invoice_id": ev.ID,
		})
	}

	if err := r.subs.MarkPastDue(ctx, org.ID); err != nil {
		if !hasCode(err, types.ErrCodeNotFoundSubscription) {
			return err
		}
		r.logger.WarnContext(ctx, "payment failure for organization with no subscription row",
			slog.String("org_id", org.ID),
			slog.String("invoice_id", ev.ID),
		)
	}

	inv := &types.Invoice{
		ID:                   uuid.NewString(),
		OrgID:                org.ID,
		StripeInvoiceID:      ev.ID,
		StripeSubscriptionID: ev.Subscription,
		AmountDue:            ev.AmountDue,
		AmountPaid:           0,
		Currency:             ev.Currency,
		Status:               types.InvoiceStatusOpen,
		HostedInvoiceURL:     ev.HostedInvoiceURL,
		InvoicePDF:           ev.InvoicePDF,
		Lines:                ev.LineItems(),
	}
	if err := r.invoices.Upsert(ctx, inv); err != nil {
		return err
	}

	r.audit.Action(ctx, org.ID, types.AuditPaymentFailed, types.AuditDetail{
		"invoice_id": ev.ID,
		"amount_due": ev.AmountDue,
		"currency":   ev.Currency,
	})
	return nil
}

// InvoiceFinalized snapshots the finalized invoice as open, including line
// items and hosted document URLs. This is distinct from the paid/failed
// terminal states: payment may still be in flight.
func (r *Reconciler) InvoiceFinalized(ctx context.Context, raw json.RawMessage) error {
	ev, err := DecodeInvoiceEvent(raw)
	if err != nil {
		return err
	}

	org, err := r.resolveInvoiceOrg(ctx, ev)
	if err != nil {
		return r.softFailUnresolvable(ctx, err, types.AuditDetail{
			"reason":     "unresolvable_customer",
			"customer":   ev.Customer,
			"invoice_id": ev.ID,
		})
	}

	inv := &types.Invoice{
		ID:                   uuid.NewString(),
		OrgID:                org.ID,
		StripeInvoiceID:      ev.ID,
		StripeSubscriptionID: ev.Subscription,
		AmountDue:            ev.AmountDue,
		AmountPaid:           ev.AmountPaid,
		Currency:             ev.Currency,
		Status:               types.InvoiceStatusOpen,
		HostedInvoiceURL:     ev.HostedInvoiceURL,
		InvoicePDF:           ev.InvoicePDF,
		Lines:                ev.LineItems(),
	}
	if err := r.invoices.Upsert(ctx, inv); err != nil {
		return err
	}

	r.audit.Action(ctx, org.ID, types.AuditInvoiceFinalized, types.AuditDetail{
		"invoice_id":         ev.ID,
		"amount_due":         ev.AmountDue,
		"currency":           ev.Currency,
		"hosted_invoice_url": ev.HostedInvoiceURL,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveInvoiceOrg resolves the organization for an invoice event, using the
// event's explicit metadata first and the customer reference as fallback.
func (r *Reconciler) resolveInvoiceOrg(ctx context.Context, ev *InvoiceEvent) (*types.Organization, error) {
	metadata := map[string]string{}
	if orgID := ev.OrgMetadata(); orgID != "" {
		metadata["org_id"] = orgID
	}
	return r.resolver.ResolveOrg(ctx, metadata, ev.Customer)
}

// softFailUnresolvable converts a not-found resolution error into a security
// alert plus success, so the provider stops retrying an event that can never
// resolve. Any other error propagates for a 500 and a provider retry.
func (r *Reconciler) softFailUnresolvable(ctx context.Context, err error, detail types.AuditDetail) error {
	if !isNotFound(err) {
		return err
	}
	r.audit.SecurityAlert(ctx, "", detail)
	return nil
}

// isNotFound reports whether err is an AppError with a not_found code.
func isNotFound(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case types.ErrCodeNotFoundOrg, types.ErrCodeNotFoundPlan,
		types.ErrCodeNotFoundSubscription, types.ErrCodeNotFoundInvoice:
		return true
	}
	return false
}

// hasCode reports whether err is an AppError with the given code.
func hasCode(err error, code types.ErrorCode) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
