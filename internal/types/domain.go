package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Organization represents a customer account (a company tracking its expenses).
// An organization has at most one subscription record at any time.
type Organization struct {
	ID               string
	Name             string
	BillingEmail     string
	StripeCustomerID string // empty until first checkout
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Plan describes a purchasable tier. Price IDs are unique across plans, which
// is what makes price-based plan resolution unambiguous.
type Plan struct {
	ID                   string
	Name                 string
	StripeProductID      string
	StripePriceMonthlyID string
	StripePriceAnnualID  string
	IsFree               bool
}

// Subscription holds the reconciled billing state for one organization.
// There is exactly one row per organization (enforced by a unique constraint
// on org_id); cancellation rewrites the row to the free plan rather than
// deleting it.
type Subscription struct {
	ID                   string
	OrgID                string
	PlanID               string
	StripeSubscriptionID string // empty after downgrade to free
	Status               SubscriptionStatus
	BillingCycle         BillingCycle // empty on the free plan
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     *time.Time
	TrialStart           *time.Time
	TrialEnd             *time.Time
	CancelAtPeriodEnd    bool
	CanceledAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Invoice mirrors a provider invoice. The external invoice ID is the
// idempotency key: re-delivered invoice events update the same row.
type Invoice struct {
	ID                   string
	OrgID                string
	StripeInvoiceID      string
	StripeSubscriptionID string
	AmountDue            int64 // smallest currency unit
	AmountPaid           int64
	Currency             string
	Status               InvoiceStatus
	HostedInvoiceURL     string
	InvoicePDF           string
	Lines                InvoiceLines
	PaidAt               *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// InvoiceLine is one line item snapshotted from an invoice event.
type InvoiceLine struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	PriceID     string `json:"price_id,omitempty"`
}

// InvoiceLines is a JSONB-persisted slice of invoice line items.
type InvoiceLines []InvoiceLine

// AuditLogEntry is an append-only record of a reconciliation action or a
// security-relevant rejection. OrgID is empty for system-wide alerts where
// no organization could be determined.
type AuditLogEntry struct {
	ID        string
	OrgID     string // empty => system-wide entry
	Action    AuditAction
	Detail    AuditDetail
	IsSystem  bool
	CreatedAt time.Time
}

// AuditDetail is the structured detail blob attached to an audit entry.
type AuditDetail map[string]any

// ---------------------------------------------------------------------------
// JSONB scanning support
// ---------------------------------------------------------------------------

// Compile-time interface assertions. Scan is on pointer receivers; Value is
// on value receivers.
var (
	_ sql.Scanner   = (*InvoiceLines)(nil)
	_ driver.Valuer = InvoiceLines(nil)
	_ sql.Scanner   = (*AuditDetail)(nil)
	_ driver.Valuer = AuditDetail(nil)
)

// scanJSONB scans a JSONB database value into a Go pointer. It handles nil
// values, []byte, and string representations from different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements sql.Scanner for InvoiceLines.
func (l *InvoiceLines) Scan(value any) error {
	return scanJSONB(l, value)
}

// Value implements driver.Valuer for InvoiceLines.
func (l InvoiceLines) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for AuditDetail.
func (d *AuditDetail) Scan(value any) error {
	return scanJSONB(d, value)
}

// Value implements driver.Valuer for AuditDetail.
func (d AuditDetail) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}
