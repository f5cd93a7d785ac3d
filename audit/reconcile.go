package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// PaymentReconciler matches unreconciled payments to the invoices they
// reference. Matching is one-directional: a payment is marked reconciled,
// and nothing in the engine ever marks it back.
type PaymentReconciler struct {
	Payments PaymentStore
	Invoices InvoiceStore
}

// Reconcile marks payments reconciled against their invoices.
func (pr *PaymentReconciler) Reconcile(ctx context.Context, rc RunContext) OperationResult {
	payments, err := pr.Payments.ListUnreconciledPayments(ctx)
	if err != nil {
		return failed(OpReconcilePayments, fmt.Errorf("load payments: %w", err))
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })

	var res OperationResult
	reconciled, unassigned, unmatched := 0, 0, 0
	amount := decimal.Zero

	for _, p := range payments {
		if p.Reconciled {
			continue
		}
		if p.InvoiceID == "" {
			unassigned++
			continue
		}
		inv, err := pr.Invoices.GetInvoice(ctx, p.InvoiceID)
		if err != nil {
			res.softError("payment %s: %v", p.ID, err)
			continue
		}
		if inv == nil {
			unmatched++
			res.softError("payment %s references unknown invoice %s", p.ID, p.InvoiceID)
			continue
		}
		if err := pr.Payments.MarkReconciled(ctx, p.ID, rc.now(), rc.Actor); err != nil {
			res.softError("payment %s: %v", p.ID, err)
			continue
		}
		reconciled++
		amount = amount.Add(p.Amount)
	}

	res.Processed = reconciled
	res.Details = map[string]any{
		"paymentsReconciled": reconciled,
		"amountReconciled":   amount.StringFixed(2),
		"unassigned":         unassigned,
		"unmatched":          unmatched,
	}
	return res
}
