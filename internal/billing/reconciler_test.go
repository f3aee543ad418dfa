package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expensio/internal/types"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeOrgDirectory struct {
	byID       map[string]*types.Organization
	byCustomer map[string]*types.Organization
	err        error
}

func (f *fakeOrgDirectory) GetByID(_ context.Context, id string) (*types.Organization, error) {
	if f.err != nil {
		return nil, f.err
	}
	if org, ok := f.byID[id]; ok {
		return org, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
}

func (f *fakeOrgDirectory) GetByStripeCustomerID(_ context.Context, customerID string) (*types.Organization, error) {
	if f.err != nil {
		return nil, f.err
	}
	if org, ok := f.byCustomer[customerID]; ok {
		return org, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found for customer", nil)
}

type fakePlanCatalog struct {
	plans []*types.Plan
	err   error
}

func (f *fakePlanCatalog) GetByID(_ context.Context, id string) (*types.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, p := range f.plans {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
}

func (f *fakePlanCatalog) GetByProductID(_ context.Context, productID string) (*types.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, p := range f.plans {
		if p.StripeProductID == productID {
			return p, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found for product", nil)
}

func (f *fakePlanCatalog) GetByPriceID(_ context.Context, priceID string) (*types.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, p := range f.plans {
		if p.StripePriceMonthlyID == priceID || p.StripePriceAnnualID == priceID {
			return p, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found for price", nil)
}

// fakeSubStore keys subscriptions by org ID, mirroring the unique constraint.
type fakeSubStore struct {
	byOrg      map[string]*types.Subscription
	upsertErr  error
	downgrades []downgradeCall
	pastDue    []string
	healed     []string
}

type downgradeCall struct {
	OrgID       string
	FreePlanID  string
	PeriodStart time.Time
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{byOrg: make(map[string]*types.Subscription)}
}

func (f *fakeSubStore) GetByStripeSubscriptionID(_ context.Context, stripeSubID string) (*types.Subscription, error) {
	for _, sub := range f.byOrg {
		if sub.StripeSubscriptionID == stripeSubID {
			return sub, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

func (f *fakeSubStore) UpsertByOrg(_ context.Context, sub *types.Subscription) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	clone := *sub
	f.byOrg[sub.OrgID] = &clone
	return nil
}

func (f *fakeSubStore) MarkPastDue(_ context.Context, orgID string) error {
	sub, ok := f.byOrg[orgID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found for organization", nil)
	}
	sub.Status = types.SubStatusPastDue
	f.pastDue = append(f.pastDue, orgID)
	return nil
}

func (f *fakeSubStore) HealPastDue(_ context.Context, orgID string) (bool, error) {
	sub, ok := f.byOrg[orgID]
	if !ok || sub.Status != types.SubStatusPastDue {
		return false, nil
	}
	sub.Status = types.SubStatusActive
	f.healed = append(f.healed, orgID)
	return true, nil
}

func (f *fakeSubStore) DowngradeToFree(_ context.Context, orgID, freePlanID string, periodStart time.Time) error {
	sub, ok := f.byOrg[orgID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found for organization", nil)
	}
	sub.PlanID = freePlanID
	sub.StripeSubscriptionID = ""
	sub.Status = types.SubStatusActive
	sub.BillingCycle = ""
	sub.CurrentPeriodStart = periodStart
	sub.CurrentPeriodEnd = nil
	sub.TrialStart = nil
	sub.TrialEnd = nil
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = nil
	f.downgrades = append(f.downgrades, downgradeCall{orgID, freePlanID, periodStart})
	return nil
}

type fakeInvoiceStore struct {
	byExternalID map[string]*types.Invoice
	upsertErr    error
	upsertCount  int
}

func newFakeInvoiceStore() *fakeInvoiceStore {
	return &fakeInvoiceStore{byExternalID: make(map[string]*types.Invoice)}
}

func (f *fakeInvoiceStore) Upsert(_ context.Context, inv *types.Invoice) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upsertCount++
	clone := *inv
	f.byExternalID[inv.StripeInvoiceID] = &clone
	return nil
}

type auditCall struct {
	OrgID  string
	Action types.AuditAction
	Detail types.AuditDetail
}

type fakeAuditTrail struct {
	actions []auditCall
	alerts  []auditCall
}

func (f *fakeAuditTrail) Action(_ context.Context, orgID string, action types.AuditAction, detail types.AuditDetail) {
	f.actions = append(f.actions, auditCall{orgID, action, detail})
}

func (f *fakeAuditTrail) SecurityAlert(_ context.Context, orgID string, detail types.AuditDetail) {
	f.alerts = append(f.alerts, auditCall{orgID, types.AuditSecurityAlert, detail})
}

// ---------------------------------------------------------------------------
// Test fixture
// ---------------------------------------------------------------------------

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type reconcilerFixture struct {
	reconciler *Reconciler
	orgs       *fakeOrgDirectory
	plans      *fakePlanCatalog
	subs       *fakeSubStore
	invoices   *fakeInvoiceStore
	audit      *fakeAuditTrail
}

func newFixture() *reconcilerFixture {
	orgs := &fakeOrgDirectory{
		byID: map[string]*types.Organization{
			"org_1": {ID: "org_1", Name: "Acme", StripeCustomerID: "cus_1"},
		},
		byCustomer: map[string]*types.Organization{
			"cus_1": {ID: "org_1", Name: "Acme", StripeCustomerID: "cus_1"},
		},
	}
	plans := &fakePlanCatalog{
		plans: []*types.Plan{
			{ID: "plan_free", Name: "Free", IsFree: true},
			{
				ID:                   "plan_team",
				Name:                 "Team",
				StripeProductID:      "prod_team",
				StripePriceMonthlyID: "price_team_monthly",
				StripePriceAnnualID:  "price_team_annual",
			},
			{
				ID:                   "plan_business",
				Name:                 "Business",
				StripeProductID:      "prod_business",
				StripePriceMonthlyID: "price_biz_monthly",
				StripePriceAnnualID:  "price_biz_annual",
			},
		},
	}
	subs := newFakeSubStore()
	invoices := newFakeInvoiceStore()
	trail := &fakeAuditTrail{}

	rec := NewReconciler(NewResolver(orgs, plans), plans, subs, invoices, trail, "plan_free", nil)
	rec.now = func() time.Time { return testNow }

	return &reconcilerFixture{
		reconciler: rec,
		orgs:       orgs,
		plans:      plans,
		subs:       subs,
		invoices:   invoices,
		audit:      trail,
	}
}

func subPayload(t *testing.T, overrides map[string]any) json.RawMessage {
	t.Helper()
	base := map[string]any{
		"id":                   "sub_1",
		"customer":             "cus_1",
		"status":               "active",
		"current_period_start": testNow.Unix(),
		"current_period_end":   testNow.Add(30 * 24 * time.Hour).Unix(),
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_team_monthly", "product": "prod_team"}},
			},
		},
	}
	for k, v := range overrides {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	require.NoError(t, err)
	return raw
}

func invoicePayload(t *testing.T, overrides map[string]any) json.RawMessage {
	t.Helper()
	base := map[string]any{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"amount_due":   4900,
		"amount_paid":  4900,
		"currency":     "usd",
		"lines": map[string]any{
			"data": []map[string]any{
				{"description": "Team plan", "amount": 4900, "currency": "usd",
					"price": map[string]any{"id": "price_team_monthly"}},
			},
		},
	}
	for k, v := range overrides {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	require.NoError(t, err)
	return raw
}

// ---------------------------------------------------------------------------
// Subscription created
// ---------------------------------------------------------------------------

func TestReconciler_SubscriptionCreated(t *testing.T) {
	fx := newFixture()

	err := fx.reconciler.SubscriptionCreated(context.Background(), subPayload(t, nil))
	require.NoError(t, err)

	sub := fx.subs.byOrg["org_1"]
	require.NotNil(t, sub)
	assert.Equal(t, "plan_team", sub.PlanID)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	assert.Equal(t, types.SubStatusActive, sub.Status)
	assert.Equal(t, types.CycleMonthly, sub.BillingCycle)

	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditSubscriptionCreated, fx.audit.actions[0].Action)
	assert.Equal(t, "org_1", fx.audit.actions[0].OrgID)
}

func TestReconciler_SubscriptionCreated_AnnualCycle(t *testing.T) {
	fx := newFixture()

	payload := subPayload(t, map[string]any{
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_team_annual", "product": "prod_team"}},
			},
		},
	})
	require.NoError(t, fx.reconciler.SubscriptionCreated(context.Background(), payload))

	assert.Equal(t, types.CycleAnnual, fx.subs.byOrg["org_1"].BillingCycle)
}

func TestReconciler_SubscriptionCreated_MetadataWinsOverCustomerLookup(t *testing.T) {
	fx := newFixture()
	fx.orgs.byID["org_2"] = &types.Organization{ID: "org_2", Name: "Other"}

	payload := subPayload(t, map[string]any{
		"metadata": map[string]string{"org_id": "org_2"},
	})
	require.NoError(t, fx.reconciler.SubscriptionCreated(context.Background(), payload))

	assert.NotNil(t, fx.subs.byOrg["org_2"])
	assert.Nil(t, fx.subs.byOrg["org_1"])
}

func TestReconciler_SubscriptionCreated_TrialingWithDates(t *testing.T) {
	fx := newFixture()

	trialEnd := testNow.Add(14 * 24 * time.Hour)
	payload := subPayload(t, map[string]any{
		"status":      "trialing",
		"trial_start": testNow.Unix(),
		"trial_end":   trialEnd.Unix(),
	})
	require.NoError(t, fx.reconciler.SubscriptionCreated(context.Background(), payload))

	sub := fx.subs.byOrg["org_1"]
	assert.Equal(t, types.SubStatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEnd)
	assert.Equal(t, trialEnd.Unix(), sub.TrialEnd.Unix())
}

func TestReconciler_SubscriptionCreated_UnresolvableCustomerSoftFails(t *testing.T) {
	fx := newFixture()

	payload := subPayload(t, map[string]any{"customer": "cus_stranger"})
	err := fx.reconciler.SubscriptionCreated(context.Background(), payload)

	require.NoError(t, err, "unresolvable customer must not surface an error")
	assert.Empty(t, fx.subs.byOrg)
	require.Len(t, fx.audit.alerts, 1)
	assert.Equal(t, "unresolvable_customer", fx.audit.alerts[0].Detail["reason"])
}

func TestReconciler_SubscriptionCreated_UnresolvablePlanSoftFails(t *testing.T) {
	fx := newFixture()

	payload := subPayload(t, map[string]any{
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_mystery", "product": "prod_mystery"}},
			},
		},
	})
	err := fx.reconciler.SubscriptionCreated(context.Background(), payload)

	require.NoError(t, err)
	assert.Empty(t, fx.subs.byOrg)
	require.Len(t, fx.audit.alerts, 1)
	assert.Equal(t, "unresolvable_plan", fx.audit.alerts[0].Detail["reason"])
}

func TestReconciler_SubscriptionCreated_Redelivery_Idempotent(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	payload := subPayload(t, nil)

	require.NoError(t, fx.reconciler.SubscriptionCreated(ctx, payload))
	require.NoError(t, fx.reconciler.SubscriptionCreated(ctx, payload))

	assert.Len(t, fx.subs.byOrg, 1, "re-delivery must converge on the same row")
}

func TestReconciler_SubscriptionCreated_DuplicateRaceSwallowed(t *testing.T) {
	fx := newFixture()
	fx.subs.upsertErr = types.NewAppError(types.ErrCodeConflictDuplicate,
		"subscription already recorded by concurrent delivery", nil)

	err := fx.reconciler.SubscriptionCreated(context.Background(), subPayload(t, nil))
	assert.NoError(t, err)
}

func TestReconciler_SubscriptionCreated_PersistenceErrorPropagates(t *testing.T) {
	fx := newFixture()
	fx.subs.upsertErr = types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", errors.New("boom"))

	err := fx.reconciler.SubscriptionCreated(context.Background(), subPayload(t, nil))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestReconciler_SubscriptionCreated_MalformedPayloadRejected(t *testing.T) {
	fx := newFixture()

	err := fx.reconciler.SubscriptionCreated(context.Background(), json.RawMessage(`{"customer":"cus_1"}`))
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
}

// ---------------------------------------------------------------------------
// Subscription updated
// ---------------------------------------------------------------------------

func seedSubscription(fx *reconcilerFixture) {
	fx.subs.byOrg["org_1"] = &types.Subscription{
		ID:                   "local_sub_1",
		OrgID:                "org_1",
		PlanID:               "plan_team",
		StripeSubscriptionID: "sub_1",
		Status:               types.SubStatusActive,
		BillingCycle:         types.CycleMonthly,
		CurrentPeriodStart:   testNow.Add(-15 * 24 * time.Hour),
	}
}

func TestReconciler_SubscriptionUpdated_PlanChange(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := subPayload(t, map[string]any{
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_biz_monthly", "product": "prod_business"}},
			},
		},
	})
	require.NoError(t, fx.reconciler.SubscriptionUpdated(context.Background(), payload))

	sub := fx.subs.byOrg["org_1"]
	assert.Equal(t, "plan_business", sub.PlanID)
	assert.Equal(t, "local_sub_1", sub.ID, "local row identity survives updates")

	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditPlanChanged, fx.audit.actions[0].Action)
	assert.Equal(t, "plan_team", fx.audit.actions[0].Detail["old_plan_id"])
	assert.Equal(t, "plan_business", fx.audit.actions[0].Detail["new_plan_id"])
}

func TestReconciler_SubscriptionUpdated_StatusChange(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := subPayload(t, map[string]any{"status": "past_due"})
	require.NoError(t, fx.reconciler.SubscriptionUpdated(context.Background(), payload))

	assert.Equal(t, types.SubStatusPastDue, fx.subs.byOrg["org_1"].Status)
	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditStatusChanged, fx.audit.actions[0].Action)
}

func TestReconciler_SubscriptionUpdated_PlanChangeOutranksStatusChange(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := subPayload(t, map[string]any{
		"status": "past_due",
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_biz_monthly", "product": "prod_business"}},
			},
		},
	})
	require.NoError(t, fx.reconciler.SubscriptionUpdated(context.Background(), payload))

	require.Len(t, fx.audit.actions, 1, "exactly one audit action per update")
	assert.Equal(t, types.AuditPlanChanged, fx.audit.actions[0].Action)
}

func TestReconciler_SubscriptionUpdated_NoChange(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	require.NoError(t, fx.reconciler.SubscriptionUpdated(context.Background(), subPayload(t, nil)))

	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditSubscriptionUpdated, fx.audit.actions[0].Action)
}

func TestReconciler_SubscriptionUpdated_CancelAtPeriodEnd(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	canceledAt := testNow.Add(-time.Hour)
	payload := subPayload(t, map[string]any{
		"cancel_at_period_end": true,
		"canceled_at":          canceledAt.Unix(),
	})
	require.NoError(t, fx.reconciler.SubscriptionUpdated(context.Background(), payload))

	sub := fx.subs.byOrg["org_1"]
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, canceledAt.Unix(), sub.CanceledAt.Unix())
}

func TestReconciler_SubscriptionUpdated_UnknownSubscriptionTreatedAsCreate(t *testing.T) {
	fx := newFixture()

	require.NoError(t, fx.reconciler.SubscriptionUpdated(context.Background(), subPayload(t, nil)))

	require.NotNil(t, fx.subs.byOrg["org_1"], "missing local row must self-heal into a create")
	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditSubscriptionCreated, fx.audit.actions[0].Action)
}

func TestReconciler_SubscriptionUpdated_UnresolvablePlanKeepsStoredPlan(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := subPayload(t, map[string]any{
		"status": "past_due",
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_mystery", "product": "prod_mystery"}},
			},
		},
	})
	require.NoError(t, fx.reconciler.SubscriptionUpdated(context.Background(), payload))

	sub := fx.subs.byOrg["org_1"]
	assert.Equal(t, "plan_team", sub.PlanID, "stored plan survives an unresolvable price")
	assert.Equal(t, types.SubStatusPastDue, sub.Status, "status still converges")
	require.Len(t, fx.audit.alerts, 1)
	assert.Equal(t, "unresolvable_plan", fx.audit.alerts[0].Detail["reason"])
}

// ---------------------------------------------------------------------------
// Subscription deleted
// ---------------------------------------------------------------------------

func TestReconciler_SubscriptionDeleted_DowngradesToFree(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := subPayload(t, map[string]any{"status": "canceled"})
	require.NoError(t, fx.reconciler.SubscriptionDeleted(context.Background(), payload))

	sub := fx.subs.byOrg["org_1"]
	assert.Equal(t, "plan_free", sub.PlanID)
	assert.Equal(t, types.SubStatusActive, sub.Status)
	assert.Empty(t, sub.StripeSubscriptionID)
	assert.Empty(t, string(sub.BillingCycle))
	assert.Equal(t, testNow, sub.CurrentPeriodStart)

	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditSubscriptionEnded, fx.audit.actions[0].Action)
}

func TestReconciler_SubscriptionDeleted_NoLocalRowIsQuietNoop(t *testing.T) {
	fx := newFixture()

	payload := subPayload(t, map[string]any{"status": "canceled"})
	require.NoError(t, fx.reconciler.SubscriptionDeleted(context.Background(), payload))
	assert.Empty(t, fx.audit.actions)
}

func TestReconciler_SubscriptionDeleted_MissingFreePlanFailsHard(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)
	fx.reconciler.freePlanID = "plan_missing"

	err := fx.reconciler.SubscriptionDeleted(context.Background(), subPayload(t, nil))
	require.Error(t, err, "a misconfigured free plan must surface so the event retries")

	// The failure is a deployment problem, not missing event data: it must
	// reach the provider as a 500, never as a 404.
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalUnexpected, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.HTTPStatus())
}

// ---------------------------------------------------------------------------
// Trial will end
// ---------------------------------------------------------------------------

func TestReconciler_TrialWillEnd_RecordsDaysRemaining(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := subPayload(t, map[string]any{
		"status":    "trialing",
		"trial_end": testNow.Add(3*24*time.Hour + time.Hour).Unix(),
	})
	require.NoError(t, fx.reconciler.TrialWillEnd(context.Background(), payload))

	require.Len(t, fx.audit.actions, 1)
	entry := fx.audit.actions[0]
	assert.Equal(t, types.AuditTrialEnding, entry.Action)
	assert.Equal(t, 4, entry.Detail["days_remaining"], "partial days round up")

	// No subscription mutation.
	assert.Equal(t, types.SubStatusActive, fx.subs.byOrg["org_1"].Status)
}

func TestReconciler_TrialWillEnd_PastTrialEndClampsToZero(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := subPayload(t, map[string]any{
		"trial_end": testNow.Add(-time.Hour).Unix(),
	})
	require.NoError(t, fx.reconciler.TrialWillEnd(context.Background(), payload))

	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, 0, fx.audit.actions[0].Detail["days_remaining"])
}

func TestReconciler_TrialWillEnd_MissingTrialEndIsNoop(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	require.NoError(t, fx.reconciler.TrialWillEnd(context.Background(), subPayload(t, nil)))
	assert.Empty(t, fx.audit.actions)
}

// ---------------------------------------------------------------------------
// Invoice paid
// ---------------------------------------------------------------------------

func TestReconciler_InvoicePaid(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	require.NoError(t, fx.reconciler.InvoicePaid(context.Background(), invoicePayload(t, nil)))

	inv := fx.invoices.byExternalID["in_1"]
	require.NotNil(t, inv)
	assert.Equal(t, types.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, int64(4900), inv.AmountPaid)
	require.NotNil(t, inv.PaidAt)
	assert.Equal(t, testNow, *inv.PaidAt)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "Team plan", inv.Lines[0].Description)

	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditPaymentSucceeded, fx.audit.actions[0].Action)
	assert.Equal(t, false, fx.audit.actions[0].Detail["healed_past_due"])
}

func TestReconciler_InvoicePaid_HealsPastDue(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)
	fx.subs.byOrg["org_1"].Status = types.SubStatusPastDue

	require.NoError(t, fx.reconciler.InvoicePaid(context.Background(), invoicePayload(t, nil)))

	assert.Equal(t, types.SubStatusActive, fx.subs.byOrg["org_1"].Status)
	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, true, fx.audit.actions[0].Detail["healed_past_due"])
}

func TestReconciler_InvoicePaid_DoesNotTouchCanceled(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)
	fx.subs.byOrg["org_1"].Status = types.SubStatusCanceled

	require.NoError(t, fx.reconciler.InvoicePaid(context.Background(), invoicePayload(t, nil)))

	assert.Equal(t, types.SubStatusCanceled, fx.subs.byOrg["org_1"].Status,
		"healing only applies to past_due")
}

func TestReconciler_InvoicePaid_Redelivery_Idempotent(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.InvoicePaid(ctx, invoicePayload(t, nil)))
	require.NoError(t, fx.reconciler.InvoicePaid(ctx, invoicePayload(t, nil)))

	assert.Len(t, fx.invoices.byExternalID, 1, "same external invoice ID converges on one row")
}

func TestReconciler_InvoicePaid_ResolvesViaSubscriptionDetailsMetadata(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := invoicePayload(t, map[string]any{
		"customer": "cus_stranger",
		"subscription_details": map[string]any{
			"metadata": map[string]string{"org_id": "org_1"},
		},
	})
	require.NoError(t, fx.reconciler.InvoicePaid(context.Background(), payload))
	assert.NotNil(t, fx.invoices.byExternalID["in_1"])
}

func TestReconciler_InvoicePaid_UnresolvableCustomerSoftFails(t *testing.T) {
	fx := newFixture()

	payload := invoicePayload(t, map[string]any{"customer": "cus_stranger"})
	require.NoError(t, fx.reconciler.InvoicePaid(context.Background(), payload))

	assert.Empty(t, fx.invoices.byExternalID)
	require.Len(t, fx.audit.alerts, 1)
}

func TestReconciler_InvoicePaid_PersistenceErrorPropagates(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)
	fx.invoices.upsertErr = types.NewAppError(types.ErrCodeInternalDB, "failed to upsert invoice", errors.New("boom"))

	err := fx.reconciler.InvoicePaid(context.Background(), invoicePayload(t, nil))
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Invoice payment failed
// ---------------------------------------------------------------------------

func TestReconciler_InvoicePaymentFailed(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := invoicePayload(t, map[string]any{"amount_paid": 0})
	require.NoError(t, fx.reconciler.InvoicePaymentFailed(context.Background(), payload))

	assert.Equal(t, types.SubStatusPastDue, fx.subs.byOrg["org_1"].Status)

	inv := fx.invoices.byExternalID["in_1"]
	require.NotNil(t, inv)
	assert.Equal(t, types.InvoiceStatusOpen, inv.Status)
	assert.Equal(t, int64(0), inv.AmountPaid)
	assert.Nil(t, inv.PaidAt)

	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditPaymentFailed, fx.audit.actions[0].Action)
}

func TestReconciler_InvoicePaymentFailed_MarksPastDueFromTrialing(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)
	fx.subs.byOrg["org_1"].Status = types.SubStatusTrialing

	require.NoError(t, fx.reconciler.InvoicePaymentFailed(context.Background(), invoicePayload(t, nil)))
	assert.Equal(t, types.SubStatusPastDue, fx.subs.byOrg["org_1"].Status,
		"payment failure parks the subscription in dunning regardless of prior state")
}

func TestReconciler_InvoicePaymentFailed_NoSubscriptionRowStillRecordsInvoice(t *testing.T) {
	fx := newFixture()

	require.NoError(t, fx.reconciler.InvoicePaymentFailed(context.Background(), invoicePayload(t, nil)))

	assert.NotNil(t, fx.invoices.byExternalID["in_1"])
	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditPaymentFailed, fx.audit.actions[0].Action)
}

// ---------------------------------------------------------------------------
// Invoice finalized
// ---------------------------------------------------------------------------

func TestReconciler_InvoiceFinalized(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)

	payload := invoicePayload(t, map[string]any{
		"amount_paid":        0,
		"hosted_invoice_url": "https://pay.example.com/in_1",
		"invoice_pdf":        "https://pay.example.com/in_1.pdf",
	})
	require.NoError(t, fx.reconciler.InvoiceFinalized(context.Background(), payload))

	inv := fx.invoices.byExternalID["in_1"]
	require.NotNil(t, inv)
	assert.Equal(t, types.InvoiceStatusOpen, inv.Status)
	assert.Nil(t, inv.PaidAt)
	assert.Equal(t, "https://pay.example.com/in_1", inv.HostedInvoiceURL)
	assert.Equal(t, "https://pay.example.com/in_1.pdf", inv.InvoicePDF)

	require.Len(t, fx.audit.actions, 1)
	assert.Equal(t, types.AuditInvoiceFinalized, fx.audit.actions[0].Action)
}

func TestReconciler_InvoiceFinalized_ThenPaid(t *testing.T) {
	fx := newFixture()
	seedSubscription(fx)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.InvoiceFinalized(ctx, invoicePayload(t, map[string]any{"amount_paid": 0})))
	require.NoError(t, fx.reconciler.InvoicePaid(ctx, invoicePayload(t, nil)))

	assert.Len(t, fx.invoices.byExternalID, 1)
	inv := fx.invoices.byExternalID["in_1"]
	assert.Equal(t, types.InvoiceStatusPaid, inv.Status)
	assert.Equal(t, int64(4900), inv.AmountPaid)
}

// ---------------------------------------------------------------------------
// Dispatch table
// ---------------------------------------------------------------------------

func TestReconciler_Routes_CoversAllEventTypes(t *testing.T) {
	fx := newFixture()
	routes := fx.reconciler.Routes()

	expected := []string{
		"customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.trial_will_end",
		"invoice.paid",
		"invoice.payment_failed",
		"invoice.finalized",
	}
	for _, eventType := range expected {
		assert.Contains(t, routes, eventType)
	}
	assert.Len(t, routes, len(expected))
}
