package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/night-audit/audit"
)

var testDate = audit.NewDate(2026, time.March, 14)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedStay(t *testing.T, s *Store, id string, status audit.ReservationStatus, folio audit.FolioStatus, lines ...audit.FolioLine) {
	t.Helper()
	ctx := context.Background()
	checkOut := testDate.AddDate(0, 0, 2)
	if status == audit.ReservationCheckedOut {
		checkOut = testDate
	}
	require.NoError(t, s.SaveReservation(ctx, audit.Reservation{
		ID: audit.ReservationID(id), GuestName: "Guest " + id, RoomID: "101", RoomType: "deluxe",
		CheckIn: testDate.AddDate(0, 0, -1), CheckOut: checkOut, Status: status,
		Rate: audit.MustDecimal("100"),
	}))
	require.NoError(t, s.SaveFolio(ctx, audit.Folio{
		ID: audit.FolioID("F-" + id), ReservationID: audit.ReservationID(id), Status: folio, Lines: lines,
	}))
}

func frontOfficeLine(id string, t audit.ChargeType, amount string) audit.FolioLine {
	return audit.FolioLine{
		ID: id, Type: t, Description: string(t), Amount: audit.MustDecimal(amount),
		BusinessDate: testDate, PostedAt: testDate.Add(12 * time.Hour), Source: audit.SourceFrontOffice,
	}
}

func TestAppendCharge_NightAuditChargeIsUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedStay(t, store, "R1", audit.ReservationCheckedIn, audit.FolioOpen)

	charge := audit.FolioLine{
		ID: "l1", Type: audit.ChargeRoom, Amount: audit.MustDecimal("100"),
		BusinessDate: testDate, Source: audit.SourceNightAudit,
	}
	require.NoError(t, store.AppendCharge(ctx, "F-R1", charge))

	charge.ID = "l2"
	err := store.AppendCharge(ctx, "F-R1", charge)
	assert.True(t, errors.Is(err, audit.ErrDuplicateCharge))

	// A front-office line of the same type and date is allowed
	require.NoError(t, store.AppendCharge(ctx, "F-R1", frontOfficeLine("l3", audit.ChargeRoom, "20")))

	f, err := store.GetFolio(ctx, "F-R1")
	require.NoError(t, err)
	require.Len(t, f.Lines, 2)
	assert.Equal(t, "l1", f.Lines[0].ID)
	assert.Equal(t, "120.00", f.Charges().StringFixed(2))

	err = store.AppendCharge(ctx, "F-missing", charge)
	assert.True(t, errors.Is(err, audit.ErrFolioNotFound))
}

func TestIssueInvoices_Atomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seq := audit.BootstrapSequence(testDate)
	seq.CurrentNumber = 1
	inv := audit.Invoice{
		ID: "i1", Number: seq.Format(1), FolioID: "F1", ReservationID: "R1",
		InvoiceDate: testDate, GrandTotal: audit.MustDecimal("110"),
		Lines: []audit.InvoiceLine{{Type: audit.ChargeRoom, Amount: audit.MustDecimal("100")}},
	}
	require.NoError(t, store.IssueInvoices(ctx, []audit.Invoice{inv}, seq))

	stored, err := store.ActiveSequence(ctx, audit.GuestFolioSequence)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(1), stored.Version)

	// GIVEN: A second batch that reuses folio F1
	next := *stored
	next.CurrentNumber = 3
	batch := []audit.Invoice{
		{ID: "i2", Number: next.Format(2), FolioID: "F2", ReservationID: "R2", InvoiceDate: testDate},
		{ID: "i3", Number: next.Format(3), FolioID: "F1", ReservationID: "R1", InvoiceDate: testDate},
	}

	// WHEN: Issuing
	err = store.IssueInvoices(ctx, batch, next)

	// THEN: Nothing from the batch is written
	assert.True(t, errors.Is(err, audit.ErrDuplicateInvoice))
	got, err := store.GetInvoice(ctx, "i2")
	require.NoError(t, err)
	assert.Nil(t, got)
	again, _ := store.ActiveSequence(ctx, audit.GuestFolioSequence)
	assert.Equal(t, int64(1), again.CurrentNumber)

	// AND: A stale version is refused
	stale := *stored
	stale.Version = 0
	stale.ID = "other"
	assert.True(t, errors.Is(store.SaveSequence(ctx, stale), audit.ErrConcurrentModification))
	stored.Version = 7
	assert.True(t, errors.Is(store.SaveSequence(ctx, *stored), audit.ErrConcurrentModification))

	byFolio, err := store.InvoiceForFolio(ctx, "F1")
	require.NoError(t, err)
	require.NotNil(t, byFolio)
	assert.Equal(t, "INV-000001", byFolio.Number)
	assert.Equal(t, "110.00", byFolio.GrandTotal.StringFixed(2))
	require.Len(t, byFolio.Lines, 1)
	assert.True(t, byFolio.InvoiceDate.Equal(testDate))
}

func TestPayments_ReconciliationIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := audit.Payment{ID: "P1", InvoiceID: "i1", Amount: audit.MustDecimal("50"), Method: "cash", ReceivedAt: testDate}
	require.NoError(t, store.SavePayment(ctx, p))

	at := testDate.Add(26 * time.Hour)
	require.NoError(t, store.MarkReconciled(ctx, "P1", at, "night-manager"))
	require.NoError(t, store.MarkReconciled(ctx, "P1", at.Add(time.Hour), "someone-else"))
	require.NoError(t, store.SavePayment(ctx, p))

	unreconciled, err := store.ListUnreconciledPayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, unreconciled)

	all, err := store.ListPayments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Reconciled)
	assert.True(t, all[0].ReconciledAt.Equal(at))
	assert.Equal(t, "night-manager", all[0].ReconciledBy)

	assert.Error(t, store.MarkReconciled(ctx, "P404", at, "x"))
}

func TestAuditLogs_SingleInProgressAndImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	started := testDate.Add(26 * time.Hour)

	log := audit.AuditLog{
		ID: "a1", AuditDate: testDate, Period: audit.PeriodFor(testDate),
		StartedBy: "night-manager", StartedAt: started,
	}
	require.NoError(t, store.BeginAudit(ctx, log))

	err := store.BeginAudit(ctx, audit.AuditLog{ID: "a2", AuditDate: testDate, StartedAt: started})
	assert.True(t, errors.Is(err, audit.ErrAuditInProgress))

	log.Operations = []audit.AuditOperation{{ID: "op1", Type: audit.OpPostRoomCharges, Status: audit.OperationCompleted, RecordsProcessed: 3}}
	require.NoError(t, store.SaveAudit(ctx, log))

	completed := started.Add(time.Minute)
	log.Status = audit.StatusCompleted
	log.CompletedAt = &completed
	log.Summary = &audit.Summary{TotalRevenue: audit.MustDecimal("330"), OutstandingBalance: audit.MustDecimal("50"), InvoiceCount: 2}
	require.NoError(t, store.FinalizeAudit(ctx, log))

	assert.True(t, errors.Is(store.SaveAudit(ctx, log), audit.ErrAuditFinalized))
	assert.True(t, errors.Is(store.FinalizeAudit(ctx, log), audit.ErrAuditFinalized))
	assert.True(t, errors.Is(store.SaveAudit(ctx, audit.AuditLog{ID: "nope"}), audit.ErrAuditNotFound))

	got, err := store.GetAudit(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, audit.StatusCompleted, got.Status)
	require.Len(t, got.Operations, 1)
	assert.Equal(t, 3, got.Operations[0].RecordsProcessed)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "50.00", got.Summary.OutstandingBalance.StringFixed(2))
	assert.True(t, got.Period.Start.Equal(testDate))

	// A new run may start once the previous one is final
	require.NoError(t, store.BeginAudit(ctx, audit.AuditLog{ID: "a3", AuditDate: testDate, StartedAt: completed}))

	status := audit.StatusCompleted
	logs, err := store.ListAudits(ctx, audit.AuditFilter{AuditDate: &testDate, Status: &status})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "a1", logs[0].ID)
}

func TestAbandonStaleAudits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.BeginAudit(ctx, audit.AuditLog{
		ID: "crashed", AuditDate: testDate, StartedAt: time.Now().Add(-6 * time.Hour),
	}))

	n, err := store.AbandonStaleAudits(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetAudit(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.NotEmpty(t, got.Errors)
}

func TestPipeline_ReclaimsRecentOrphan(t *testing.T) {
	// GIVEN: A run left in progress ten minutes ago, too recent for startup cleanup
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.BeginAudit(ctx, audit.AuditLog{
		ID: "crashed", AuditDate: testDate, StartedAt: time.Now().UTC().Add(-10 * time.Minute),
	}))
	n, err := store.AbandonStaleAudits(ctx, time.Now().UTC().Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// WHEN: A pipeline holding the run lock starts
	p := audit.NewPipeline(store, audit.WithLocker(audit.NewLocalLocker()))
	log, err := p.Run(ctx, audit.AllOperations(testDate, "night-manager"))

	// THEN: The orphan no longer blocks the audit
	require.NoError(t, err)
	assert.Equal(t, audit.StatusCompleted, log.Status)
	crashed, err := store.GetAudit(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, audit.StatusFailed, crashed.Status)
}

func TestPipeline_OnSQLite(t *testing.T) {
	// GIVEN: One guest in house during high season and one checkout with 100 room + 10 tax
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveRoom(ctx, audit.Room{ID: "101", Number: "101", RoomType: "deluxe", Status: audit.RoomOccupied}))
	require.NoError(t, store.SaveRoom(ctx, audit.Room{ID: "102", Number: "102", RoomType: "deluxe", Status: audit.RoomVacant}))
	require.NoError(t, store.SaveRateSeason(ctx, audit.RateSeason{
		Name: "spring", From: audit.NewDate(2026, time.March, 1), To: audit.NewDate(2026, time.March, 31),
		Multiplier: audit.MustDecimal("1.25"),
	}))
	seedStay(t, store, "R1", audit.ReservationCheckedIn, audit.FolioOpen)
	seedStay(t, store, "R2", audit.ReservationCheckedOut, audit.FolioClosed,
		frontOfficeLine("r2-room", audit.ChargeRoom, "100"),
		frontOfficeLine("r2-tax", audit.ChargeTax, "10"))

	p := audit.NewPipeline(store, audit.WithRates(store))

	// WHEN: Running the audit twice
	first, err := p.Run(ctx, audit.AllOperations(testDate, "night-manager"))
	require.NoError(t, err)
	second, err := p.Run(ctx, audit.AllOperations(testDate, "night-manager"))
	require.NoError(t, err)

	// THEN: One charge at the seasonal rate, one invoice, nothing doubled
	assert.Equal(t, audit.StatusCompleted, first.Status)
	assert.Equal(t, 1, first.RoomChargesPosted)
	assert.Equal(t, 1, first.InvoicesGenerated)
	assert.Equal(t, 0, second.RoomChargesPosted)
	assert.Equal(t, 0, second.InvoicesGenerated)

	f, err := store.GetFolio(ctx, "F-R1")
	require.NoError(t, err)
	assert.Equal(t, "125.00", f.Charges().StringFixed(2))

	period := audit.PeriodFor(testDate)
	invoices, err := store.ListInvoices(ctx, period.Start, period.End)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "INV-000001", invoices[0].Number)
	assert.Equal(t, "110.00", invoices[0].GrandTotal.StringFixed(2))

	require.NotNil(t, first.Summary)
	assert.Equal(t, "110.00", first.Summary.TotalRevenue.StringFixed(2))
	assert.Equal(t, "50.00", first.Summary.OccupancyRate.StringFixed(2))

	logs, err := store.ListAudits(ctx, audit.AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, second.ID, logs[0].ID)
}

func TestReplaceRateSeasons(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveRateSeason(ctx, audit.RateSeason{
		Name: "Old", From: testDate, To: testDate, Multiplier: audit.MustDecimal("2"),
	}))

	require.NoError(t, store.ReplaceRateSeasons(ctx, []audit.RateSeason{
		{Name: "Spring", From: testDate.AddDate(0, 0, -7), To: testDate.AddDate(0, 0, 7), Multiplier: audit.MustDecimal("1.1")},
		{Name: "Gala", RoomType: "suite", From: testDate, To: testDate, Multiplier: audit.MustDecimal("1.5")},
	}))

	seasons, err := store.ListRateSeasons(ctx)
	require.NoError(t, err)
	require.Len(t, seasons, 2)
	assert.Equal(t, "Spring", seasons[0].Name)

	m, err := store.Multiplier(ctx, "deluxe", testDate)
	require.NoError(t, err)
	assert.Equal(t, "1.1", m.String())

	m, err = store.Multiplier(ctx, "suite", testDate)
	require.NoError(t, err)
	assert.Equal(t, "1.65", m.String())
}
