package types

// SubscriptionStatus represents the internal subscription lifecycle state.
type SubscriptionStatus string

const (
	SubStatusTrialing SubscriptionStatus = "trialing"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)

// BillingCycle identifies how often a subscription renews.
// Empty means unknown/not applicable (e.g., free plan).
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// InvoiceStatus represents the internal invoice state.
// Finalized-but-unpaid invoices stay "open"; "paid" is terminal.
type InvoiceStatus string

const (
	InvoiceStatusOpen InvoiceStatus = "open"
	InvoiceStatusPaid InvoiceStatus = "paid"
)

// AuditAction tags an audit log entry with the reconciliation or security
// action that produced it.
type AuditAction string

const (
	AuditSubscriptionCreated AuditAction = "subscription_created"
	AuditSubscriptionUpdated AuditAction = "subscription_updated"
	AuditSubscriptionEnded   AuditAction = "subscription_ended"
	AuditPlanChanged         AuditAction = "plan_changed"
	AuditStatusChanged       AuditAction = "status_changed"
	AuditTrialEnding         AuditAction = "trial_ending"
	AuditPaymentSucceeded    AuditAction = "payment_succeeded"
	AuditPaymentFailed       AuditAction = "payment_failed"
	AuditInvoiceFinalized    AuditAction = "invoice_finalized"
	AuditSecurityAlert       AuditAction = "security_alert"
)
