package external

// SignatureHeader is the request header carrying the webhook signature.
const SignatureHeader = "Stripe-Signature"

// Provider event type constants prevent magic strings in webhook handlers.
const (
	EventSubCreated     = "customer.subscription.created"
	EventSubUpdated     = "customer.subscription.updated"
	EventSubDeleted     = "customer.subscription.deleted"
	EventSubTrialEnding = "customer.subscription.trial_will_end"

	EventInvoicePaid      = "invoice.paid"
	EventInvoiceFailed    = "invoice.payment_failed"
	EventInvoiceFinalized = "invoice.finalized"
)
