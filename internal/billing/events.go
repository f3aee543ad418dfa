// Package billing implements the webhook reconciliation engine: typed event
// payloads, entity resolution, status mapping, and the idempotent handlers
// that converge local subscription and invoice state onto what the payment
// provider reports.
package billing

import (
	"encoding/json"
	"time"

	"expensio/internal/types"
)

// The provider delivers event payloads as loosely shaped JSON. Each event
// type is decoded into a closed struct and validated before any handler
// runs, so malformed payloads are rejected at the boundary.

// SubscriptionEvent is the payload of customer.subscription.* events.
type SubscriptionEvent struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialStart         int64             `json:"trial_start"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              subscriptionItems `json:"items"`
}

type subscriptionItems struct {
	Data []subscriptionItem `json:"data"`
}

type subscriptionItem struct {
	Price eventPrice `json:"price"`
}

type eventPrice struct {
	ID      string `json:"id"`
	Product string `json:"product"`
}

// DecodeSubscriptionEvent parses and validates a subscription payload.
// The external subscription ID and customer reference are mandatory; a
// payload without them cannot be reconciled against anything.
func DecodeSubscriptionEvent(raw json.RawMessage) (*SubscriptionEvent, error) {
	var ev SubscriptionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed subscription payload", err)
	}
	if ev.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subscription payload is missing id", nil)
	}
	if ev.Customer == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subscription payload is missing customer", nil)
	}
	return &ev, nil
}

// PriceID returns the price identifier of the first line item, or "".
func (e *SubscriptionEvent) PriceID() string {
	if len(e.Items.Data) == 0 {
		return ""
	}
	return e.Items.Data[0].Price.ID
}

// ProductID returns the product identifier of the first line item, or "".
func (e *SubscriptionEvent) ProductID() string {
	if len(e.Items.Data) == 0 {
		return ""
	}
	return e.Items.Data[0].Price.Product
}

// PeriodStart returns the current period start, or the zero time.
func (e *SubscriptionEvent) PeriodStart() time.Time {
	if e.CurrentPeriodStart == 0 {
		return time.Time{}
	}
	return time.Unix(e.CurrentPeriodStart, 0).UTC()
}

// PeriodEnd returns the current period end, or nil.
func (e *SubscriptionEvent) PeriodEnd() *time.Time {
	return unixPtr(e.CurrentPeriodEnd)
}

// TrialStartAt returns the trial start, or nil.
func (e *SubscriptionEvent) TrialStartAt() *time.Time {
	return unixPtr(e.TrialStart)
}

// TrialEndAt returns the trial end, or nil.
func (e *SubscriptionEvent) TrialEndAt() *time.Time {
	return unixPtr(e.TrialEnd)
}

// CanceledAtTime returns the cancellation timestamp, or nil.
func (e *SubscriptionEvent) CanceledAtTime() *time.Time {
	return unixPtr(e.CanceledAt)
}

// InvoiceEvent is the payload of invoice.* events.
type InvoiceEvent struct {
	ID                  string             `json:"id"`
	Customer            string             `json:"customer"`
	Subscription        string             `json:"subscription"`
	AmountDue           int64              `json:"amount_due"`
	AmountPaid          int64              `json:"amount_paid"`
	Currency            string             `json:"currency"`
	HostedInvoiceURL    string             `json:"hosted_invoice_url"`
	InvoicePDF          string             `json:"invoice_pdf"`
	Metadata            map[string]string  `json:"metadata"`
	SubscriptionDetails *invoiceSubDetails `json:"subscription_details"`
	Lines               invoiceLines       `json:"lines"`
}

type invoiceSubDetails struct {
	Metadata map[string]string `json:"metadata"`
}

type invoiceLines struct {
	Data []invoiceLine `json:"data"`
}

type invoiceLine struct {
	Description string     `json:"description"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Price       eventPrice `json:"price"`
}

// DecodeInvoiceEvent parses and validates an invoice payload. The external
// invoice ID is mandatory because it is the idempotency key for all invoice
// upserts.
func DecodeInvoiceEvent(raw json.RawMessage) (*InvoiceEvent, error) {
	var ev InvoiceEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed invoice payload", err)
	}
	if ev.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "invoice payload is missing id", nil)
	}
	if ev.Customer == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "invoice payload is missing customer", nil)
	}
	return &ev, nil
}

// OrgMetadata returns the event's explicit organization reference, checking
// subscription_details metadata first (the provider populates it on invoice
// events), then the invoice's own metadata.
func (e *InvoiceEvent) OrgMetadata() string {
	if e.SubscriptionDetails != nil {
		if orgID := e.SubscriptionDetails.Metadata["org_id"]; orgID != "" {
			return orgID
		}
	}
	return e.Metadata["org_id"]
}

// LineItems converts the event's line data into the persisted snapshot form.
func (e *InvoiceEvent) LineItems() types.InvoiceLines {
	if len(e.Lines.Data) == 0 {
		return nil
	}
	lines := make(types.InvoiceLines, 0, len(e.Lines.Data))
	for _, l := range e.Lines.Data {
		lines = append(lines, types.InvoiceLine{
			Description: l.Description,
			Amount:      l.Amount,
			Currency:    l.Currency,
			PriceID:     l.Price.ID,
		})
	}
	return lines
}

// unixPtr converts a unix timestamp into *time.Time, treating 0 as null.
func unixPtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
