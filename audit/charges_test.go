package audit_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/night-audit/audit"
	"github.com/warp/night-audit/audit/store"
)

// staleFolios serves a folio snapshot taken before another writer posted.
type staleFolios struct {
	*store.Memory
	snapshot []audit.Folio
}

func (s staleFolios) ListFolios(context.Context) ([]audit.Folio, error) { return s.snapshot, nil }

// brokenAppends fails every append.
type brokenAppends struct{ *store.Memory }

func (brokenAppends) AppendCharge(context.Context, audit.FolioID, audit.FolioLine) error {
	return errors.New("disk full")
}

func TestRoomChargePoster_PostsNightlyRate(t *testing.T) {
	h := newTestHotel(t)
	h.inHouse("R1", "120")
	h.inHouse("R2", "80.50")
	h.checkout("R3", line(audit.ChargeRoom, "100"))

	poster := &audit.RoomChargePoster{Folios: h.store, Reservations: h.store}
	res := poster.Post(h.ctx, h.runContext())

	require.False(t, res.Failed())
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, res.Details["chargesPosted"])
	assert.Equal(t, "200.50", res.Details["totalAmount"])

	f := h.getFolio("F-R1")
	require.Len(t, f.Lines, 1)
	l := f.Lines[0]
	assert.Equal(t, audit.ChargeRoom, l.Type)
	assert.Equal(t, audit.SourceNightAudit, l.Source)
	assert.Equal(t, "night-manager", l.PostedBy)
	assert.True(t, l.BusinessDate.Equal(auditDate))
	assert.Equal(t, money("120"), l.Amount.StringFixed(2))
}

func TestRoomChargePoster_NotChargedOnCheckoutNight(t *testing.T) {
	// GIVEN: A guest still checked in whose stay ends on the audit date
	h := newTestHotel(t)
	r := h.inHouse("R1", "100")
	r.CheckOut = auditDate
	require.NoError(t, h.store.SaveReservation(h.ctx, r))

	res := (&audit.RoomChargePoster{Folios: h.store, Reservations: h.store}).Post(h.ctx, h.runContext())

	// THEN: Nothing is posted for a night the guest does not stay
	assert.False(t, res.Failed())
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, h.getFolio("F-R1").Lines)
}

func TestRoomChargePoster_Idempotent(t *testing.T) {
	// GIVEN: One in-house guest
	h := newTestHotel(t)
	h.inHouse("R1", "150")
	poster := &audit.RoomChargePoster{Folios: h.store, Reservations: h.store}

	// WHEN: The poster runs twice for the same date
	first := poster.Post(h.ctx, h.runContext())
	second := poster.Post(h.ctx, h.runContext())

	// THEN: The folio is charged once
	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 1, second.Details["skipped"])
	assert.False(t, second.Failed())
	assert.Equal(t, money("150"), h.getFolio("F-R1").Charges().StringFixed(2))
}

func TestRoomChargePoster_StoreRejectsConcurrentDuplicate(t *testing.T) {
	// GIVEN: The poster reads folios before another writer posts tonight's charge
	h := newTestHotel(t)
	h.inHouse("R1", "150")
	snapshot, err := h.store.ListFolios(h.ctx)
	require.NoError(t, err)

	dup := line(audit.ChargeRoom, "150")
	dup.Source = audit.SourceNightAudit
	require.NoError(t, h.store.AppendCharge(h.ctx, "F-R1", dup))

	// WHEN: Posting from the stale snapshot
	poster := &audit.RoomChargePoster{
		Folios:       staleFolios{Memory: h.store, snapshot: snapshot},
		Reservations: h.store,
	}
	res := poster.Post(h.ctx, h.runContext())

	// THEN: The duplicate is skipped, not posted
	assert.False(t, res.Failed())
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, res.Details["skipped"])
	assert.Len(t, h.getFolio("F-R1").Lines, 1)
}

func TestRoomChargePoster_SeasonMultipliersStack(t *testing.T) {
	h := newTestHotel(t)
	h.inHouse("R1", "100")
	h.inHouse("R2", "100")
	r2, _ := h.store.ListReservations(h.ctx)
	r2[1].RoomType = "standard"
	require.NoError(t, h.store.SaveReservation(h.ctx, r2[1]))

	calendar := audit.SeasonCalendar{Seasons: []audit.RateSeason{
		{Name: "high season", From: audit.NewDate(2026, time.March, 1), To: audit.NewDate(2026, time.April, 30), Multiplier: audit.MustDecimal("1.5")},
		{Name: "festival", RoomType: "deluxe", From: auditDate, To: auditDate, Multiplier: audit.MustDecimal("1.2")},
		{Name: "winter", From: audit.NewDate(2026, time.January, 1), To: audit.NewDate(2026, time.February, 28), Multiplier: audit.MustDecimal("0.8")},
	}}

	poster := &audit.RoomChargePoster{Folios: h.store, Reservations: h.store, Rates: calendar}
	res := poster.Post(h.ctx, h.runContext())

	require.Equal(t, 2, res.Processed)
	assert.Equal(t, money("180"), h.getFolio("F-R1").Charges().StringFixed(2))
	assert.Equal(t, money("150"), h.getFolio("F-R2").Charges().StringFixed(2))
}

func TestRoomChargePoster_FailsWhenEveryPostingFails(t *testing.T) {
	h := newTestHotel(t)
	h.inHouse("R1", "100")
	h.inHouse("R2", "100")

	poster := &audit.RoomChargePoster{Folios: brokenAppends{h.store}, Reservations: h.store}
	res := poster.Post(h.ctx, h.runContext())

	require.True(t, res.Failed())
	var opErr *audit.OperationError
	require.True(t, errors.As(res.Err, &opErr))
	assert.Equal(t, audit.OpPostRoomCharges, opErr.Operation)
	assert.Len(t, res.Errors, 2)
}

func TestRoomChargePoster_PartialFailureCompletes(t *testing.T) {
	// GIVEN: Two guests, one of them without an open folio
	h := newTestHotel(t)
	h.inHouse("R1", "100")
	h.inHouse("R2", "100")
	h.folio("R2", audit.FolioClosed)

	res := (&audit.RoomChargePoster{Folios: h.store, Reservations: h.store}).Post(h.ctx, h.runContext())

	// THEN: The good folio is charged and the bad one recorded
	assert.False(t, res.Failed())
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "R2")
}
