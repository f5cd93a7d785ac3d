package audit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/night-audit/audit"
)

// staleSequences serves a sequence snapshot that someone else has since advanced.
type staleSequences struct {
	audit.SequenceStore
	snapshot audit.Sequence
}

func (s staleSequences) ActiveSequence(context.Context, string) (*audit.Sequence, error) {
	seq := s.snapshot
	return &seq, nil
}

func (h *testHotel) generator() *audit.InvoiceGenerator {
	return &audit.InvoiceGenerator{
		Folios:       h.store,
		Reservations: h.store,
		Invoices:     h.store,
		Sequences:    h.store,
		Config:       h.store,
	}
}

func (h *testHotel) invoices() []audit.Invoice {
	h.t.Helper()
	p := audit.PeriodFor(auditDate)
	out, err := h.store.ListInvoices(h.ctx, p.Start, p.End)
	require.NoError(h.t, err)
	return out
}

func TestInvoiceGenerator_NumbersContinueFromCounter(t *testing.T) {
	// GIVEN: Sequence at 41 and two checkouts
	h := newTestHotel(t)
	h.sequence(41)
	h.checkout("R1", line(audit.ChargeRoom, "100"))
	h.checkout("R2", line(audit.ChargeRoom, "200"))

	// WHEN: Generating invoices
	res := h.generator().Generate(h.ctx, h.runContext())

	// THEN: 42 and 43, no gap, no repeat
	require.False(t, res.Failed())
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, "INV-000042", res.Details["firstNumber"])
	assert.Equal(t, "INV-000043", res.Details["lastNumber"])
	assert.Equal(t, "300.00", res.Details["totalRevenue"])

	invoices := h.invoices()
	require.Len(t, invoices, 2)
	assert.Equal(t, "INV-000042", invoices[0].Number)
	assert.Equal(t, audit.FolioID("F-R1"), invoices[0].FolioID)
	assert.Equal(t, "INV-000043", invoices[1].Number)
	assert.Equal(t, int64(43), h.activeSequence().CurrentNumber)
}

func TestInvoiceGenerator_BootstrapsSequence(t *testing.T) {
	h := newTestHotel(t)
	h.checkout("R1", line(audit.ChargeRoom, "100"))

	res := h.generator().Generate(h.ctx, h.runContext())

	require.False(t, res.Failed())
	assert.Equal(t, true, res.Details["sequenceBootstrapped"])

	seq := h.activeSequence()
	assert.Equal(t, "INV-", seq.Prefix)
	assert.Equal(t, 6, seq.PaddingLength)
	assert.Equal(t, audit.ResetYearly, seq.ResetPeriod)
	assert.Equal(t, int64(1), seq.CurrentNumber)
	assert.Equal(t, "INV-000001", h.invoices()[0].Number)
}

func TestInvoiceGenerator_RerunSkipsInvoicedFolios(t *testing.T) {
	h := newTestHotel(t)
	h.sequence(0)
	h.checkout("R1", line(audit.ChargeRoom, "100"))

	first := h.generator().Generate(h.ctx, h.runContext())
	second := h.generator().Generate(h.ctx, h.runContext())

	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 1, second.Details["skipped"])
	assert.Len(t, h.invoices(), 1)
	assert.Equal(t, int64(1), h.activeSequence().CurrentNumber)
}

func TestInvoiceGenerator_EmptyFolioDoesNotConsumeNumber(t *testing.T) {
	// GIVEN: R1 has nothing to bill, R2 has a room charge
	h := newTestHotel(t)
	h.sequence(0)
	h.checkout("R1")
	h.checkout("R2", line(audit.ChargeRoom, "100"))

	res := h.generator().Generate(h.ctx, h.runContext())

	// THEN: R2 gets number 1 and R1 is reported
	assert.False(t, res.Failed())
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "F-R1")
	invoices := h.invoices()
	require.Len(t, invoices, 1)
	assert.Equal(t, "INV-000001", invoices[0].Number)
	assert.Equal(t, audit.FolioID("F-R2"), invoices[0].FolioID)
}

func TestInvoiceGenerator_StaleSequenceWritesNothing(t *testing.T) {
	// GIVEN: A sequence snapshot that another writer has since advanced
	h := newTestHotel(t)
	snapshot := h.sequence(0)
	snapshot.Version = 1
	advanced := snapshot
	advanced.CurrentNumber = 5
	require.NoError(t, h.store.SaveSequence(h.ctx, advanced))
	h.checkout("R1", line(audit.ChargeRoom, "100"))

	gen := h.generator()
	gen.Sequences = staleSequences{SequenceStore: h.store, snapshot: snapshot}

	// WHEN: Generating from the stale snapshot
	res := gen.Generate(h.ctx, h.runContext())

	// THEN: The write is refused and no number is reused
	require.True(t, res.Failed())
	assert.True(t, errors.Is(res.Err, audit.ErrConcurrentModification))
	assert.Empty(t, h.invoices())
	assert.Equal(t, int64(5), h.activeSequence().CurrentNumber)
}

func TestBuildInvoice_AppliesServiceChargeThenTax(t *testing.T) {
	folio := audit.Folio{ID: "F1", ReservationID: "R1", Lines: []audit.FolioLine{
		line(audit.ChargeRoom, "100"),
		line(audit.ChargeFoodBeverage, "50"),
		line(audit.ChargePayment, "100"),
	}}
	r := audit.Reservation{ID: "R1", GuestName: "Ada"}
	sc := &audit.ServiceChargeConfiguration{
		Rate:      audit.MustDecimal("10"),
		AppliesTo: []audit.ChargeType{audit.ChargeRoom, audit.ChargeFoodBeverage},
		IsActive:  true,
	}
	taxes := []audit.TaxConfiguration{
		{ID: "vat", Name: "VAT", Rate: audit.MustDecimal("10"), IsActive: true,
			AppliesTo: []audit.ChargeType{audit.ChargeRoom, audit.ChargeFoodBeverage, audit.ChargeServiceCharge}},
		{ID: "old", Name: "Old levy", Rate: audit.MustDecimal("50"), IsActive: false,
			AppliesTo: []audit.ChargeType{audit.ChargeRoom}},
	}

	inv, err := audit.BuildInvoice(folio, r, auditDate, taxes, sc)
	require.NoError(t, err)

	assert.Equal(t, "150.00", inv.Subtotal.StringFixed(2))
	assert.Equal(t, "15.00", inv.ServiceCharge.StringFixed(2))
	assert.Equal(t, "16.50", inv.TaxTotal.StringFixed(2))
	assert.Equal(t, "181.50", inv.GrandTotal.StringFixed(2))
	assert.Equal(t, "100.00", inv.AmountPaid.StringFixed(2))
	assert.Equal(t, "81.50", inv.AmountDue.StringFixed(2))
	assert.Equal(t, audit.InvoiceOpen, inv.Status)
	assert.Equal(t, "Ada", inv.GuestName)
	assert.Len(t, inv.Lines, 4)
}

func TestBuildInvoice_FolioTaxLinesAreNotTaxedAgain(t *testing.T) {
	// GIVEN: Front office already posted 10.00 tax
	folio := audit.Folio{ID: "F1", Lines: []audit.FolioLine{
		line(audit.ChargeRoom, "100"),
		line(audit.ChargeTax, "10"),
		line(audit.ChargePayment, "110"),
	}}
	taxes := []audit.TaxConfiguration{{ID: "vat", Rate: audit.MustDecimal("20"), IsActive: true,
		AppliesTo: []audit.ChargeType{audit.ChargeRoom}}}

	inv, err := audit.BuildInvoice(folio, audit.Reservation{ID: "R1"}, auditDate, taxes, nil)

	// THEN: The configured rate is not applied on top
	require.NoError(t, err)
	assert.Equal(t, "10.00", inv.TaxTotal.StringFixed(2))
	assert.Equal(t, "110.00", inv.GrandTotal.StringFixed(2))
	assert.Equal(t, audit.InvoicePaid, inv.Status)
}

func TestBuildInvoice_EmptyFolio(t *testing.T) {
	folio := audit.Folio{ID: "F1", Lines: []audit.FolioLine{line(audit.ChargePayment, "20")}}
	_, err := audit.BuildInvoice(folio, audit.Reservation{ID: "R1"}, auditDate, nil, nil)
	assert.Error(t, err)
}
