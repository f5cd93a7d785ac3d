/*
invoices.go - Checkout invoice generation

PURPOSE:
  Every reservation that checked out on the audit date gets exactly one
  invoice, built from its folio plus the tax and service-charge
  configuration, and numbered from the active guest-folio Sequence.

NUMBERING:
  1. Read the active sequence once (bootstrap one if none exists)
  2. Assign CurrentNumber+1, +2, ... in memory, one per invoice built
  3. Persist the invoices and the advanced sequence in one IssueInvoices call

  Numbers are only assigned to invoices that were built successfully, so a
  folio that fails does not leave a gap. The write is version-checked, so a
  concurrent run holding the same snapshot cannot reuse the numbers.

TAXES & SERVICE CHARGE:
  Front office may already have posted tax or service-charge lines on the
  folio. When it has, those lines are taken as they are and the matching
  configuration is not applied again. Otherwise:
    service charge = rate% x sum(lines in AppliesTo)
    tax            = rate% x sum(lines in AppliesTo, service charge included
                     when "service-charge" is listed)

RE-RUNS:
  Folios that already have an invoice are skipped.
*/
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var errEmptyFolio = errors.New("folio has no charges")

// InvoiceGenerator invoices the folios of guests checking out.
type InvoiceGenerator struct {
	Folios       FolioStore
	Reservations ReservationReader
	Invoices     InvoiceStore
	Sequences    SequenceStore
	Config       ConfigurationReader
}

// Generate numbers and issues one invoice per checkout on rc.AuditDate,
// bootstrapping the guest-folio sequence when none is active.
func (g *InvoiceGenerator) Generate(ctx context.Context, rc RunContext) OperationResult {
	reservations, err := g.Reservations.ListReservations(ctx)
	if err != nil {
		return failed(OpGenerateInvoices, fmt.Errorf("load reservations: %w", err))
	}
	folios, err := g.Folios.ListFolios(ctx)
	if err != nil {
		return failed(OpGenerateInvoices, fmt.Errorf("load folios: %w", err))
	}
	taxes, err := g.Config.ListTaxConfigurations(ctx)
	if err != nil {
		return failed(OpGenerateInvoices, fmt.Errorf("load tax configuration: %w", err))
	}
	serviceCharge, err := g.Config.ServiceChargeConfiguration(ctx)
	if err != nil {
		return failed(OpGenerateInvoices, fmt.Errorf("load service charge configuration: %w", err))
	}

	seq, err := g.Sequences.ActiveSequence(ctx, GuestFolioSequence)
	if err != nil {
		return failed(OpGenerateInvoices, fmt.Errorf("load sequence: %w", err))
	}
	bootstrapped := false
	if seq == nil {
		s := BootstrapSequence(rc.AuditDate)
		seq = &s
		bootstrapped = true
	}
	working := *seq

	byReservation := make(map[ReservationID]Folio)
	for _, f := range folios {
		cur, seen := byReservation[f.ReservationID]
		if !seen || (!cur.IsOpen() && f.IsOpen()) {
			byReservation[f.ReservationID] = f
		}
	}

	var checkouts []Reservation
	for _, r := range reservations {
		if r.ChecksOutOn(rc.AuditDate) {
			checkouts = append(checkouts, r)
		}
	}
	sort.Slice(checkouts, func(i, j int) bool { return checkouts[i].ID < checkouts[j].ID })

	var res OperationResult
	var invoices []Invoice
	skipped := 0
	revenue := decimal.Zero
	number := working.CurrentNumber

	for _, r := range checkouts {
		folio, ok := byReservation[r.ID]
		if !ok {
			res.softError("reservation %s: no folio to invoice", r.ID)
			continue
		}
		existing, err := g.Invoices.InvoiceForFolio(ctx, folio.ID)
		if err != nil {
			res.softError("folio %s: %v", folio.ID, err)
			continue
		}
		if existing != nil {
			skipped++
			continue
		}
		inv, err := BuildInvoice(folio, r, rc.AuditDate, taxes, serviceCharge)
		if err != nil {
			res.softError("folio %s: %v", folio.ID, err)
			continue
		}
		number++
		inv.ID = InvoiceID(uuid.NewString())
		inv.Number = working.Format(number)
		inv.CreatedBy = rc.Actor
		inv.CreatedAt = rc.now()
		invoices = append(invoices, inv)
		revenue = revenue.Add(inv.GrandTotal)
	}

	details := map[string]any{
		"invoicesCreated":      0,
		"totalRevenue":         decimal.Zero.StringFixed(2),
		"skipped":              skipped,
		"sequenceBootstrapped": bootstrapped,
	}
	res.Details = details
	if len(invoices) == 0 {
		return res
	}

	working.CurrentNumber = number
	if err := g.Invoices.IssueInvoices(ctx, invoices, working); err != nil {
		res.Err = &OperationError{Operation: OpGenerateInvoices, Err: fmt.Errorf("issue invoices: %w", err)}
		return res
	}

	res.Processed = len(invoices)
	details["invoicesCreated"] = len(invoices)
	details["totalRevenue"] = revenue.StringFixed(2)
	details["firstNumber"] = invoices[0].Number
	details["lastNumber"] = invoices[len(invoices)-1].Number
	return res
}

// BuildInvoice computes an unnumbered invoice for a checkout folio.
func BuildInvoice(folio Folio, r Reservation, invoiceDate time.Time, taxes []TaxConfiguration, sc *ServiceChargeConfiguration) (Invoice, error) {
	if !folio.Charges().IsPositive() {
		return Invoice{}, errEmptyFolio
	}

	inv := Invoice{
		FolioID:             folio.ID,
		ReservationID:       r.ID,
		GuestName:           r.GuestName,
		InvoiceDate:         BusinessDate(invoiceDate),
		RoomRevenue:         decimal.Zero,
		FoodBeverageRevenue: decimal.Zero,
		ExtraRevenue:        decimal.Zero,
		ServiceCharge:       decimal.Zero,
		TaxTotal:            decimal.Zero,
		AmountPaid:          folio.Credits(),
		Status:              InvoiceOpen,
	}

	// Revenue base per charge type, for percentage calculations.
	base := make(map[ChargeType]decimal.Decimal)
	for _, l := range folio.Lines {
		if l.Type.IsCredit() {
			continue
		}
		inv.Lines = append(inv.Lines, InvoiceLine{Type: l.Type, Description: l.Description, Amount: l.Amount})
		base[l.Type] = base[l.Type].Add(l.Amount)
		switch l.Type {
		case ChargeRoom:
			inv.RoomRevenue = inv.RoomRevenue.Add(l.Amount)
		case ChargeFoodBeverage:
			inv.FoodBeverageRevenue = inv.FoodBeverageRevenue.Add(l.Amount)
		case ChargeTax:
			inv.TaxTotal = inv.TaxTotal.Add(l.Amount)
		case ChargeServiceCharge:
			inv.ServiceCharge = inv.ServiceCharge.Add(l.Amount)
		default:
			inv.ExtraRevenue = inv.ExtraRevenue.Add(l.Amount)
		}
	}

	sumOver := func(types []ChargeType) decimal.Decimal {
		total := decimal.Zero
		for _, t := range types {
			total = total.Add(base[t])
		}
		return total
	}

	if !folio.HasLineOfType(ChargeServiceCharge) && sc != nil && sc.IsActive {
		amount := Percent(sumOver(sc.AppliesTo), sc.Rate)
		if amount.IsPositive() {
			inv.Lines = append(inv.Lines, InvoiceLine{
				Type:        ChargeServiceCharge,
				Description: fmt.Sprintf("Service charge %s%%", sc.Rate.String()),
				Amount:      amount,
			})
			inv.ServiceCharge = amount
			base[ChargeServiceCharge] = amount
		}
	}

	if !folio.HasLineOfType(ChargeTax) {
		active := make([]TaxConfiguration, 0, len(taxes))
		for _, t := range taxes {
			if t.IsActive {
				active = append(active, t)
			}
		}
		sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
		for _, t := range active {
			amount := Percent(sumOver(t.AppliesTo), t.Rate)
			if !amount.IsPositive() {
				continue
			}
			inv.Lines = append(inv.Lines, InvoiceLine{
				Type:        ChargeTax,
				Description: fmt.Sprintf("%s %s%%", t.Name, t.Rate.String()),
				Amount:      amount,
			})
			inv.TaxTotal = inv.TaxTotal.Add(amount)
		}
	}

	inv.Subtotal = inv.RoomRevenue.Add(inv.FoodBeverageRevenue).Add(inv.ExtraRevenue)
	inv.GrandTotal = RoundMoney(inv.Subtotal.Add(inv.ServiceCharge).Add(inv.TaxTotal))
	inv.AmountDue = inv.GrandTotal.Sub(inv.AmountPaid)
	if !inv.AmountDue.IsPositive() {
		inv.Status = InvoicePaid
	}
	return inv, nil
}
