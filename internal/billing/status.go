package billing

import "expensio/internal/types"

// statusTable is the total mapping from the provider's subscription status
// vocabulary to the internal enum. "incomplete" means the first payment is
// still settling, so the subscription is treated as live; an expired
// incomplete subscription never activated and maps to canceled.
var statusTable = map[string]types.SubscriptionStatus{
	"active":             types.SubStatusActive,
	"trialing":           types.SubStatusTrialing,
	"past_due":           types.SubStatusPastDue,
	"canceled":           types.SubStatusCanceled,
	"unpaid":             types.SubStatusUnpaid,
	"incomplete":         types.SubStatusActive,
	"incomplete_expired": types.SubStatusCanceled,
}

// MapSubscriptionStatus translates a provider status string into the internal
// subscription status. Unrecognized values map to active: a new provider
// status should not strand a paying customer, and the fallback is visible in
// the audit trail because the raw status is recorded there.
func MapSubscriptionStatus(providerStatus string) types.SubscriptionStatus {
	if status, ok := statusTable[providerStatus]; ok {
		return status
	}
	return types.SubStatusActive
}
