package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"expensio/internal/types"
)

// InvoiceRepository manages the reconciled invoice mirror. The external
// invoice ID is the idempotency key: every invoice event upserts against it,
// so re-delivery never duplicates a row or double-counts amounts. Rows are
// never deleted.
type InvoiceRepository struct {
	db DBTX
}

// NewInvoiceRepository creates a new InvoiceRepository backed by the given
// database connection (pool or transaction).
func NewInvoiceRepository(db DBTX) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

const invoiceColumns = `i.id, i.org_id, i.stripe_invoice_id,
	i.stripe_subscription_id, i.amount_due, i.amount_paid, i.currency,
	i.status, i.hosted_invoice_url, i.invoice_pdf, i.lines, i.paid_at,
	i.created_at, i.updated_at`

func scanInvoice(row pgx.Row) (*types.Invoice, error) {
	var inv types.Invoice
	var stripeSubID, hostedURL, pdfURL *string

	err := row.Scan(
		&inv.ID,
		&inv.OrgID,
		&inv.StripeInvoiceID,
		&stripeSubID,
		&inv.AmountDue,
		&inv.AmountPaid,
		&inv.Currency,
		&inv.Status,
		&hostedURL,
		&pdfURL,
		&inv.Lines,
		&inv.PaidAt,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stripeSubID != nil {
		inv.StripeSubscriptionID = *stripeSubID
	}
	if hostedURL != nil {
		inv.HostedInvoiceURL = *hostedURL
	}
	if pdfURL != nil {
		inv.InvoicePDF = *pdfURL
	}
	return &inv, nil
}

// GetByStripeInvoiceID retrieves an invoice by its external identifier.
func (r *InvoiceRepository) GetByStripeInvoiceID(ctx context.Context, stripeInvoiceID string) (*types.Invoice, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices i WHERE i.stripe_invoice_id = $1`,
		stripeInvoiceID,
	)

	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve invoice", err)
	}
	return inv, nil
}

// Upsert inserts or updates the invoice row keyed by the external invoice ID.
// All mutable fields are taken from the event; created_at survives updates.
func (r *InvoiceRepository) Upsert(ctx context.Context, inv *types.Invoice) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO invoices (id, org_id, stripe_invoice_id,
		   stripe_subscription_id, amount_due, amount_paid, currency, status,
		   hosted_invoice_url, invoice_pdf, lines, paid_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		 ON CONFLICT (stripe_invoice_id) DO UPDATE SET
		   org_id = EXCLUDED.org_id,
		   stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		   amount_due = EXCLUDED.amount_due,
		   amount_paid = EXCLUDED.amount_paid,
		   currency = EXCLUDED.currency,
		   status = EXCLUDED.status,
		   hosted_invoice_url = EXCLUDED.hosted_invoice_url,
		   invoice_pdf = EXCLUDED.invoice_pdf,
		   lines = EXCLUDED.lines,
		   paid_at = EXCLUDED.paid_at,
		   updated_at = NOW()`,
		inv.ID,
		inv.OrgID,
		inv.StripeInvoiceID,
		nilIfEmpty(inv.StripeSubscriptionID),
		inv.AmountDue,
		inv.AmountPaid,
		inv.Currency,
		inv.Status,
		nilIfEmpty(inv.HostedInvoiceURL),
		nilIfEmpty(inv.InvoicePDF),
		inv.Lines,
		inv.PaidAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert invoice", err)
	}
	return nil
}
