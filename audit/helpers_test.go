package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warp/night-audit/audit"
	"github.com/warp/night-audit/audit/store"
)

// =============================================================================
// TEST HOTEL - Fixture builder over the memory store
// =============================================================================

var auditDate = audit.NewDate(2026, time.March, 14)

// runClock is 02:00 the morning after the audit date, when audits usually run.
func runClock() time.Time { return auditDate.Add(26 * time.Hour) }

type testHotel struct {
	t     *testing.T
	ctx   context.Context
	store *store.Memory
}

func newTestHotel(t *testing.T) *testHotel {
	t.Helper()
	return &testHotel{t: t, ctx: context.Background(), store: store.NewMemory()}
}

func (h *testHotel) room(id, roomType string, status audit.RoomStatus) {
	h.t.Helper()
	require.NoError(h.t, h.store.SaveRoom(h.ctx, audit.Room{
		ID: audit.RoomID(id), Number: id, RoomType: roomType, Status: status,
	}))
}

// inHouse creates a checked-in guest staying the audit night, with an open folio
// "F-<id>".
func (h *testHotel) inHouse(id, rate string) audit.Reservation {
	h.t.Helper()
	r := audit.Reservation{
		ID:        audit.ReservationID(id),
		GuestName: "Guest " + id,
		RoomType:  "deluxe",
		CheckIn:   auditDate.AddDate(0, 0, -1),
		CheckOut:  auditDate.AddDate(0, 0, 2),
		Status:    audit.ReservationCheckedIn,
		Rate:      audit.MustDecimal(rate),
	}
	require.NoError(h.t, h.store.SaveReservation(h.ctx, r))
	h.folio(id, audit.FolioOpen)
	return r
}

// checkout creates a reservation that checked out on the audit date, with a
// closed folio "F-<id>" carrying lines.
func (h *testHotel) checkout(id string, lines ...audit.FolioLine) audit.Reservation {
	h.t.Helper()
	r := audit.Reservation{
		ID:        audit.ReservationID(id),
		GuestName: "Guest " + id,
		RoomType:  "deluxe",
		CheckIn:   auditDate.AddDate(0, 0, -2),
		CheckOut:  auditDate,
		Status:    audit.ReservationCheckedOut,
		Rate:      audit.MustDecimal("100"),
	}
	require.NoError(h.t, h.store.SaveReservation(h.ctx, r))
	h.folio(id, audit.FolioClosed, lines...)
	return r
}

func (h *testHotel) folio(reservationID string, status audit.FolioStatus, lines ...audit.FolioLine) audit.FolioID {
	h.t.Helper()
	id := audit.FolioID("F-" + reservationID)
	require.NoError(h.t, h.store.SaveFolio(h.ctx, audit.Folio{
		ID:            id,
		ReservationID: audit.ReservationID(reservationID),
		Status:        status,
		Lines:         lines,
	}))
	return id
}

// sequence stores an active guest-folio sequence "INV-" at counter.
func (h *testHotel) sequence(counter int64) audit.Sequence {
	h.t.Helper()
	seq := audit.Sequence{
		ID:            "seq-guest-folio",
		Type:          audit.GuestFolioSequence,
		Prefix:        "INV-",
		CurrentNumber: counter,
		PaddingLength: 6,
		ResetPeriod:   audit.ResetYearly,
		IsActive:      true,
		PeriodStart:   audit.NewDate(2026, time.January, 1),
	}
	require.NoError(h.t, h.store.SaveSequence(h.ctx, seq))
	return seq
}

func (h *testHotel) getFolio(id audit.FolioID) audit.Folio {
	h.t.Helper()
	f, err := h.store.GetFolio(h.ctx, id)
	require.NoError(h.t, err)
	require.NotNil(h.t, f)
	return *f
}

func (h *testHotel) activeSequence() audit.Sequence {
	h.t.Helper()
	seq, err := h.store.ActiveSequence(h.ctx, audit.GuestFolioSequence)
	require.NoError(h.t, err)
	require.NotNil(h.t, seq)
	return *seq
}

func (h *testHotel) runContext() audit.RunContext {
	return audit.RunContext{
		AuditDate: auditDate,
		Period:    audit.PeriodFor(auditDate),
		Actor:     "night-manager",
		Now:       runClock,
	}
}

func (h *testHotel) pipeline(opts ...audit.Option) *audit.Pipeline {
	return h.pipelineOver(h.store, opts...)
}

func (h *testHotel) pipelineOver(s audit.Store, opts ...audit.Option) *audit.Pipeline {
	return audit.NewPipeline(s, append([]audit.Option{audit.WithClock(runClock)}, opts...)...)
}

func line(t audit.ChargeType, amount string) audit.FolioLine {
	return audit.FolioLine{
		ID:           string(t) + "-" + amount,
		Type:         t,
		Description:  string(t),
		Amount:       audit.MustDecimal(amount),
		BusinessDate: auditDate,
		Source:       audit.SourceFrontOffice,
	}
}

func money(s string) string { return audit.MustDecimal(s).StringFixed(2) }
